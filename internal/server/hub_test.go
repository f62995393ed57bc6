package server_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/security-geeks/evilbts/internal/server"
	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

func startHub(t *testing.T) (*server.Hub, string, context.CancelFunc) {
	t.Helper()

	hub := server.NewHub(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, hub *server.Hub, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) server.Event {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev server.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func TestHubBroadcastsSources(t *testing.T) {
	t.Parallel()

	hub, url, _ := startHub(t)
	conn := dial(t, hub, url)

	hub.StateChanged(ybts.StateChange{
		Epoch:    "e1",
		OldState: ybts.StateWaitHandshake,
		NewState: ybts.StateRunning,
	})
	hub.ConnCreated(ybts.ConnInfo{ID: 3, SessionRef: "001010000000001"})
	hub.Record(store.ConnEvent{ConnID: 3, Event: store.EventAuth, Subscriber: "001010000000001", Detail: ybts.AuthOutcomeAccepted})
	hub.ConnReleased(ybts.ConnInfo{ID: 3, SessionRef: "001010000000001"}, ybts.ReasonIdle)

	want := []struct {
		typ    string
		detail string
	}{
		{server.EventState, ""},
		{server.EventConnCreated, ""},
		{server.EventJournal, ybts.AuthOutcomeAccepted},
		{server.EventConnReleased, ybts.ReasonIdle},
	}
	for i, w := range want {
		ev := readEvent(t, conn)
		if ev.Type != w.typ || ev.Detail != w.detail {
			t.Errorf("event %d = %+v, want %s/%q", i, ev, w.typ, w.detail)
		}
		if ev.At.IsZero() {
			t.Errorf("event %d has no time", i)
		}
	}
}

func TestHubStateEvent(t *testing.T) {
	t.Parallel()

	hub, url, _ := startHub(t)
	conn := dial(t, hub, url)

	hub.StateChanged(ybts.StateChange{
		Epoch:    "e2",
		OldState: ybts.StateRunning,
		NewState: ybts.StateClosing,
		Fatal:    true,
	})
	ev := readEvent(t, conn)
	if ev.Epoch != "e2" || ev.OldState != "Running" || ev.State != "Closing" || !ev.Fatal {
		t.Errorf("state event = %+v", ev)
	}
}

func TestHubClientDisconnect(t *testing.T) {
	t.Parallel()

	hub, url, _ := startHub(t)
	conn := dial(t, hub, url)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Broadcasting with no clients is harmless.
	hub.ConnCreated(ybts.ConnInfo{ID: 1})
}

func TestHubShutdownClosesClients(t *testing.T) {
	t.Parallel()

	hub, url, cancel := startHub(t)
	conn := dial(t, hub, url)

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after shutdown err = %v, want normal closure", err)
	}

	// Late events after shutdown neither block nor panic.
	hub.Broadcast(server.Event{Type: server.EventState})
}
