package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/goleak"

	"github.com/security-geeks/evilbts/internal/server"
	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// fakeCore is an in-memory signaling core.
type fakeCore struct {
	mu       sync.Mutex
	state    ybts.State
	conns    map[uint16]ybts.ConnInfo
	gprs     []ybts.GprsInfo
	released map[uint16]bool
	paging   map[string]ybts.Params
	resets   int
	panicky  bool
}

func newFakeCore() *fakeCore {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &fakeCore{
		state: ybts.StateRunning,
		conns: map[uint16]ybts.ConnInfo{
			2: {ID: 2, Created: now, SessionRef: "001010000000001", Authenticated: true, TrafficReady: true, Usage: 1, Purposes: ybts.PurposeCall},
			0: {ID: 0, Created: now, SessionRef: "001010000000002", TrafficReady: true, AuthPending: true, ChallengesSent: 1},
		},
		gprs:     []ybts.GprsInfo{{ID: ybts.GprsConnBase + 1, SessionRef: "imsi-001010000000001", Created: now}},
		released: map[uint16]bool{},
		paging:   map[string]ybts.Params{},
	}
}

func (f *fakeCore) Status() ybts.Status {
	if f.panicky {
		panic("status exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return ybts.Status{
		Role:         ybts.RoleResponder,
		State:        f.state,
		Epoch:        "epoch-1",
		CircuitConns: len(f.conns),
		CircuitSlots: 8,
		GprsConns:    len(f.gprs),
		GprsSlots:    4,
	}
}

func (f *fakeCore) Conn(id uint16) (ybts.ConnInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.conns[id]
	return info, ok
}

func (f *fakeCore) Conns() []ybts.ConnInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ybts.ConnInfo, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *fakeCore) PacketConns() []ybts.GprsInfo { return f.gprs }

func (f *fakeCore) Release(id uint16, hard bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conns[id]; !ok {
		return ybts.ErrConnGone
	}
	if reason != ybts.ReasonOperator {
		return errors.New("unexpected reason " + reason)
	}
	delete(f.conns, id)
	f.released[id] = hard
	return nil
}

func (f *fakeCore) StartPaging(identity string, params ybts.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ybts.StateRunning {
		return ybts.ErrNotRunning
	}
	f.paging[identity] = params
	return nil
}

func (f *fakeCore) StopPaging(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paging, identity)
	return nil
}

func (f *fakeCore) ResetLink() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == ybts.StateIdle {
		return ybts.ErrNotOpen
	}
	f.resets++
	return nil
}

type fakePeer struct{}

func (fakePeer) Pid() int       { return 4242 }
func (fakePeer) Spawns() uint64 { return 3 }

type fakeJournal struct{ events []store.ConnEvent }

func (j *fakeJournal) Recent(_ context.Context, subscriber string, limit int) ([]store.ConnEvent, error) {
	var out []store.ConnEvent
	for _, ev := range j.events {
		if subscriber != "" && ev.Subscriber != subscriber {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (j *fakeJournal) Dropped() uint64 { return 5 }

type fakeSubscribers struct{}

func (fakeSubscribers) List(context.Context) ([]store.Subscriber, error) {
	return []store.Subscriber{{IMSI: "001010000000001", Ki: "secret", SQN: 9}}, nil
}

func setupTestServer(t *testing.T, core server.Core, opts []server.Option, handlerOpts ...connect.HandlerOption) *server.Client {
	t.Helper()

	path, handler := server.New(core, slog.New(slog.DiscardHandler), opts, handlerOpts...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return server.NewClient(srv.Client(), srv.URL)
}

func connectCode(t *testing.T, err error) connect.Code {
	t.Helper()
	var ce *connect.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	return ce.Code()
}

// -------------------------------------------------------------------------
// Status service
// -------------------------------------------------------------------------

func TestGetStatus(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t, newFakeCore(), []server.Option{
		server.WithPeer(fakePeer{}),
		server.WithJournal(&fakeJournal{}),
	})

	st, err := client.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != "Running" || st.Role != ybts.RoleResponder.String() || st.Epoch != "epoch-1" {
		t.Errorf("status = %+v", st)
	}
	if st.CircuitConns != 2 || st.GprsConns != 1 || st.CircuitSlots != 8 {
		t.Errorf("occupancy = %d/%d gprs %d", st.CircuitConns, st.CircuitSlots, st.GprsConns)
	}
	if st.PeerPid != 4242 || st.PeerSpawns != 3 || st.JournalDropped != 5 {
		t.Errorf("peer/journal = %d/%d/%d", st.PeerPid, st.PeerSpawns, st.JournalDropped)
	}
	if st.Build.Version == "" {
		t.Error("build info missing")
	}
}

func TestListConnections(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t, newFakeCore(), nil)
	ctx := context.Background()

	tests := []struct {
		kind    string
		wantIDs []uint16
	}{
		{kind: "", wantIDs: []uint16{0, 2, ybts.GprsConnBase + 1}},
		{kind: ybts.KindCircuit, wantIDs: []uint16{0, 2}},
		{kind: ybts.KindGprs, wantIDs: []uint16{ybts.GprsConnBase + 1}},
	}
	for _, tt := range tests {
		resp, err := client.ListConnections(ctx, tt.kind)
		if err != nil {
			t.Fatalf("ListConnections(%q): %v", tt.kind, err)
		}
		var ids []uint16
		for _, c := range resp.Conns {
			ids = append(ids, c.ID)
		}
		if len(ids) != len(tt.wantIDs) {
			t.Fatalf("ListConnections(%q) ids = %v, want %v", tt.kind, ids, tt.wantIDs)
		}
		for i := range ids {
			if ids[i] != tt.wantIDs[i] {
				t.Errorf("ListConnections(%q) ids = %v, want %v", tt.kind, ids, tt.wantIDs)
				break
			}
		}
	}

	_, err := client.ListConnections(ctx, "tch")
	if code := connectCode(t, err); code != connect.CodeInvalidArgument {
		t.Errorf("bad kind code = %s, want InvalidArgument", code)
	}
}

func TestGetConnection(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t, newFakeCore(), nil)
	ctx := context.Background()

	resp, err := client.GetConnection(ctx, 2)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	c := resp.Conn
	if c.Subscriber != "001010000000001" || !c.Authenticated || c.Purposes != "call" || c.Kind != ybts.KindCircuit {
		t.Errorf("conn = %+v", c)
	}

	_, err = client.GetConnection(ctx, 7)
	if code := connectCode(t, err); code != connect.CodeNotFound {
		t.Errorf("missing code = %s, want NotFound", code)
	}
}

func TestReleaseConnection(t *testing.T) {
	t.Parallel()

	core := newFakeCore()
	client := setupTestServer(t, core, nil)
	ctx := context.Background()

	if err := client.ReleaseConnection(ctx, 2, true); err != nil {
		t.Fatalf("ReleaseConnection: %v", err)
	}
	core.mu.Lock()
	hard, ok := core.released[2]
	core.mu.Unlock()
	if !ok || !hard {
		t.Errorf("released = %v/%v, want hard release of 2", hard, ok)
	}

	err := client.ReleaseConnection(ctx, 2, false)
	if code := connectCode(t, err); code != connect.CodeNotFound {
		t.Errorf("second release code = %s, want NotFound", code)
	}
}

func TestPaging(t *testing.T) {
	t.Parallel()

	core := newFakeCore()
	client := setupTestServer(t, core, nil)
	ctx := context.Background()

	if err := client.StartPaging(ctx, "001010000000001", "sms"); err != nil {
		t.Fatalf("StartPaging: %v", err)
	}
	core.mu.Lock()
	params, ok := core.paging["001010000000001"]
	core.mu.Unlock()
	if !ok {
		t.Fatal("paging not started")
	}
	if v, _ := params.Get("type"); v != "sms" {
		t.Errorf("paging type = %q, want sms", v)
	}

	if err := client.StopPaging(ctx, "001010000000001"); err != nil {
		t.Fatalf("StopPaging: %v", err)
	}

	err := client.StartPaging(ctx, "  ", "")
	if code := connectCode(t, err); code != connect.CodeInvalidArgument {
		t.Errorf("empty imsi code = %s, want InvalidArgument", code)
	}

	core.mu.Lock()
	core.state = ybts.StateWaitHandshake
	core.mu.Unlock()
	err = client.StartPaging(ctx, "001010000000001", "")
	if code := connectCode(t, err); code != connect.CodeUnavailable {
		t.Errorf("not running code = %s, want Unavailable", code)
	}
}

func TestResetLink(t *testing.T) {
	t.Parallel()

	core := newFakeCore()
	client := setupTestServer(t, core, nil)
	ctx := context.Background()

	if err := client.ResetLink(ctx); err != nil {
		t.Fatalf("ResetLink: %v", err)
	}
	core.mu.Lock()
	core.state = ybts.StateIdle
	core.mu.Unlock()
	err := client.ResetLink(ctx)
	if code := connectCode(t, err); code != connect.CodeFailedPrecondition {
		t.Errorf("idle reset code = %s, want FailedPrecondition", code)
	}
	if core.resets != 1 {
		t.Errorf("resets = %d, want 1", core.resets)
	}
}

func TestListEventsAndSubscribers(t *testing.T) {
	t.Parallel()

	journal := &fakeJournal{events: []store.ConnEvent{
		{ID: 3, Event: store.EventAuth, Subscriber: "a", Detail: ybts.AuthOutcomeAccepted},
		{ID: 2, Event: store.EventCreated, Subscriber: "b"},
		{ID: 1, Event: store.EventCreated, Subscriber: "a"},
	}}
	client := setupTestServer(t, newFakeCore(), []server.Option{
		server.WithJournal(journal),
		server.WithSubscribers(fakeSubscribers{}),
	})
	ctx := context.Background()

	resp, err := client.ListEvents(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(resp.Events) != 2 || resp.Events[0].Detail != ybts.AuthOutcomeAccepted {
		t.Errorf("events = %+v", resp.Events)
	}

	subs, err := client.ListSubscribers(ctx)
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(subs.Subscribers) != 1 || subs.Subscribers[0].SQN != 9 {
		t.Errorf("subscribers = %+v", subs.Subscribers)
	}
	if subs.Subscribers[0].Ki != "" {
		t.Error("subscriber key sent to client")
	}
}

func TestStoreProceduresWithoutStore(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t, newFakeCore(), nil)
	ctx := context.Background()

	_, err := client.ListEvents(ctx, "", 10)
	if code := connectCode(t, err); code != connect.CodeUnimplemented {
		t.Errorf("ListEvents code = %s, want Unimplemented", code)
	}
	_, err = client.ListSubscribers(ctx)
	if code := connectCode(t, err); code != connect.CodeUnimplemented {
		t.Errorf("ListSubscribers code = %s, want Unimplemented", code)
	}
}
