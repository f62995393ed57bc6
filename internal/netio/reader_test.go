package netio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/security-geeks/evilbts/internal/netio"
)

type routerStub struct {
	mu     sync.Mutex
	live   map[uint16]bool
	frames map[uint16][][]byte
}

func (r *routerStub) DeliverMedia(id uint16, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live[id] {
		return false
	}
	if r.frames == nil {
		r.frames = make(map[uint16][][]byte)
	}
	r.frames[id] = append(r.frames[id], frame)
	return true
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestMediaChannelRouting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := NewMockConn()
		router := &routerStub{live: map[uint16]bool{7: true}}
		mc := netio.NewMediaChannel(conn, router, discard())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- mc.Run(ctx) }()

		conn.Inject([]byte{0x00, 0x07, 0xaa, 0xbb})
		conn.Inject([]byte{0x00, 0x09, 0xcc})
		conn.Inject([]byte{0x01})
		synctest.Wait()

		if mc.Received() != 1 || mc.Dropped() != 2 {
			t.Errorf("received/dropped = %d/%d, want 1/2", mc.Received(), mc.Dropped())
		}
		router.mu.Lock()
		got := router.frames[7]
		router.mu.Unlock()
		if len(got) != 1 || !bytes.Equal(got[0], []byte{0xaa, 0xbb}) {
			t.Errorf("frames for 7 = %x", got)
		}

		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run after cancel = %v", err)
		}
	})
}

func TestMediaChannelSendAndFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := NewMockConn()
		mc := netio.NewMediaChannel(conn, &routerStub{}, discard())

		if err := mc.Send(0x0102, []byte{9}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if w := conn.written(); len(w) != 1 || !bytes.Equal(w[0], []byte{0x01, 0x02, 9}) {
			t.Errorf("written = %x", w)
		}

		done := make(chan error, 1)
		go func() { done <- mc.Run(context.Background()) }()
		_ = conn.Close()
		if err := <-done; !errors.Is(err, io.EOF) {
			t.Errorf("Run = %v, want io.EOF", err)
		}
	})
}

func TestParseLogLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		wantLevel slog.Level
		wantLine  string
	}{
		{"<3>radio link failure\n", slog.LevelError, "radio link failure"},
		{"<4>clock drift", slog.LevelWarn, "clock drift"},
		{"<7>burst", slog.LevelDebug, "burst"},
		{"time=x level=WARN msg=hi", slog.LevelWarn, "time=x level=WARN msg=hi"},
		{"level=DEBUG+2 msg=x", slog.LevelDebug + 2, "level=DEBUG+2 msg=x"},
		{"plain text", slog.LevelInfo, "plain text"},
		{"<x>odd", slog.LevelInfo, "<x>odd"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			lvl, line := netio.ParseLogLine([]byte(tt.in))
			if lvl != tt.wantLevel || line != tt.wantLine {
				t.Errorf("ParseLogLine(%q) = %s %q, want %s %q", tt.in, lvl, line, tt.wantLevel, tt.wantLine)
			}
		})
	}
}

// captureHandler records log records.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestLogReaderReemits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := NewMockConn()
		h := &captureHandler{}
		r := netio.NewLogReader(conn, slog.New(h))

		done := make(chan error, 1)
		go func() { done <- r.Run(context.Background()) }()

		w := netio.NewLogWriter(conn)
		peer := slog.New(slog.NewTextHandler(w, nil))
		peer.Warn("channel lost")
		// Written datagrams loop back through the mock as if from the peer.
		for _, b := range conn.written() {
			conn.Inject(b)
		}
		conn.Inject([]byte("\n"))
		synctest.Wait()
		_ = conn.Close()
		if err := <-done; err != nil {
			t.Fatalf("Run = %v, want nil on close", err)
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.records) != 1 {
			t.Fatalf("records = %d, want 1", len(h.records))
		}
		if h.records[0].Level != slog.LevelWarn {
			t.Errorf("level = %s, want WARN", h.records[0].Level)
		}
	})
}
