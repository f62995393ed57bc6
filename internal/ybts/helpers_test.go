package ybts_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/security-geeks/evilbts/internal/ybts"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSender captures every message handed to Send.
type recordingSender struct {
	mu   sync.Mutex
	msgs []*ybts.Message
	err  error

	// onSend runs after each successful send. Send is called with the
	// connection lock held, so hooks that call back into the core must
	// do so from another goroutine.
	onSend func(*ybts.Message)
}

func (r *recordingSender) Send(msg *ybts.Message) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	cp := *msg
	r.msgs = append(r.msgs, &cp)
	hook := r.onSend
	r.mu.Unlock()

	if hook != nil {
		hook(&cp)
	}
	return nil
}

func (r *recordingSender) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSender) sent() []*ybts.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ybts.Message(nil), r.msgs...)
}

func (r *recordingSender) count(p ybts.Primitive) int {
	n := 0
	for _, m := range r.sent() {
		if m.Primitive == p {
			n++
		}
	}
	return n
}

func (r *recordingSender) last(t *testing.T) *ybts.Message {
	t.Helper()
	msgs := r.sent()
	if len(msgs) == 0 {
		t.Fatal("nothing sent")
	}
	return msgs[len(msgs)-1]
}

// recordingObserver counts lifecycle notifications.
type recordingObserver struct {
	mu       sync.Mutex
	created  []uint16
	released map[uint16]string
}

func (o *recordingObserver) ConnCreated(info ybts.ConnInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, info.ID)
}

func (o *recordingObserver) ConnReleased(info ybts.ConnInfo, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released == nil {
		o.released = make(map[uint16]string)
	}
	o.released[info.ID] = reason
}

func (o *recordingObserver) releaseReason(id uint16) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.released[id]
	return r, ok
}

// fakeRenderer renders auth messages as fixed byte strings.
type fakeRenderer struct{}

var (
	authRequestPrefix = []byte{0x05, 0x12}
	authRejectPayload = []byte{0x05, 0x11}
)

func (fakeRenderer) AuthRequest(ch ybts.Challenge) ([]byte, error) {
	return append(append([]byte(nil), authRequestPrefix...), ch.RAND[:]...), nil
}

func (fakeRenderer) AuthReject() ([]byte, error) {
	return append([]byte(nil), authRejectPayload...), nil
}

var errSendFailed = errors.New("send failed")

func testLifecycleConfig() ybts.LifecycleConfig {
	return ybts.LifecycleConfig{
		IdleTimeout:         5 * time.Second,
		DeferredIdleTimeout: 30 * time.Second,
		ReleaseGrace:        2 * time.Second,
	}
}

func newTestLifecycle(t *testing.T, size int) (*ybts.Lifecycle, *recordingSender, *recordingObserver) {
	t.Helper()
	sender := &recordingSender{}
	obs := &recordingObserver{}
	reg := ybts.NewRegistry(0, size, discardLogger())
	lc := ybts.NewLifecycle(reg, sender, testLifecycleConfig(), discardLogger(), ybts.WithObserver(obs))
	return lc, sender, obs
}
