package ybts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/security-geeks/evilbts/internal/ybts"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) MediaFrame(_ uint16, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func TestStartMediaGoneOnRelease(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lc, sender, _ := newTestLifecycle(t, 4)
		_ = lc.Adopt(1, "sub")
		_ = lc.IncrementUsage(1, ybts.PurposeCall)

		res := make(chan ybts.MediaResult, 1)
		go func() {
			r, _ := lc.StartMedia(context.Background(), 1, nil, 10*time.Second)
			res <- r
		}()
		synctest.Wait()

		if _, err := lc.StartMedia(context.Background(), 1, nil, time.Second); !errors.Is(err, ybts.ErrMediaBusy) {
			t.Errorf("second StartMedia err = %v, want ErrMediaBusy", err)
		}

		_ = lc.Release(1, true, false, ybts.ReasonNormal)
		if r := <-res; r != ybts.MediaGone {
			t.Errorf("result = %s, want gone", r)
		}
		if n := sender.count(ybts.SigStartMedia); n != 1 {
			t.Errorf("StartMedia sent %d times, want 1", n)
		}
	})
}

func TestStartMediaContextCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lc, _, _ := newTestLifecycle(t, 4)
		_ = lc.Adopt(2, "sub")

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() {
			_, err := lc.StartMedia(ctx, 2, nil, time.Minute)
			errc <- err
		}()
		synctest.Wait()
		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if info, _ := lc.Registry().Find(2); info.MediaPending {
			t.Error("wait left pending after cancel")
		}
	})
}

func TestResolveMediaWithoutWait(t *testing.T) {
	t.Parallel()

	lc, _, _ := newTestLifecycle(t, 4)
	_ = lc.Adopt(1, "sub")
	if lc.ResolveMedia(1, ybts.MediaOK) {
		t.Error("ResolveMedia reported a wait that was never started")
	}
	if lc.ResolveMedia(3, ybts.MediaOK) {
		t.Error("ResolveMedia matched an unknown id")
	}
}

func TestDeliverMedia(t *testing.T) {
	t.Parallel()

	lc, _, _ := newTestLifecycle(t, 4)
	_ = lc.Adopt(1, "sub")
	if lc.DeliverMedia(1, []byte{1}) {
		t.Error("frame delivered with no sink")
	}

	sink := &recordingSink{}
	if err := lc.SetMediaSink(1, sink); err != nil {
		t.Fatalf("SetMediaSink: %v", err)
	}
	if !lc.DeliverMedia(1, []byte{1, 2}) {
		t.Error("frame not delivered")
	}
	_ = lc.Release(1, false, false, ybts.ReasonNormal)
	if lc.DeliverMedia(1, []byte{3}) {
		t.Error("frame delivered after release")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 1 {
		t.Errorf("sink got %d frames, want 1", len(sink.frames))
	}
}
