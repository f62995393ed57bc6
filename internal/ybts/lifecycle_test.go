package ybts_test

import (
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/security-geeks/evilbts/internal/ybts"
)

// TestIdleReleaseExactlyOnce checks that a connection whose usage drops
// to zero is released once, with one ConnRelease, after the idle timeout.
func TestIdleReleaseExactlyOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lc, sender, obs := newTestLifecycle(t, 8)
		if err := lc.Adopt(3, "sub"); err != nil {
			t.Fatalf("Adopt: %v", err)
		}
		if err := lc.IncrementUsage(3, ybts.PurposeCall); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}

		time.Sleep(10 * time.Second)
		lc.Tick(time.Now())
		if _, ok := lc.Registry().Find(3); !ok {
			t.Fatal("connection in use was released")
		}

		if err := lc.DecrementUsage(3, ybts.PurposeCall); err != nil {
			t.Fatalf("DecrementUsage: %v", err)
		}
		info, _ := lc.Registry().Find(3)
		if info.ReleaseAt.IsZero() {
			t.Fatal("usage zero but no release deadline armed")
		}

		time.Sleep(4 * time.Second)
		lc.Tick(time.Now())
		if sender.count(ybts.SigConnRelease) != 0 {
			t.Fatal("released before the idle timeout")
		}

		time.Sleep(2 * time.Second)
		lc.Tick(time.Now())
		lc.Tick(time.Now())
		time.Sleep(time.Second)
		lc.Tick(time.Now())

		if n := sender.count(ybts.SigConnRelease); n != 1 {
			t.Fatalf("ConnRelease sent %d times, want 1", n)
		}
		if reason, ok := obs.releaseReason(3); !ok || reason != ybts.ReasonIdle {
			t.Errorf("release reason = %q/%v, want idle", reason, ok)
		}
		if v, _ := sender.last(t).Params.Get("reason"); v != ybts.ReasonIdle {
			t.Errorf("ConnRelease reason = %q, want idle", v)
		}
	})
}

// TestIncrementCancelsIdleDeadline checks that a new user before the
// deadline keeps the connection.
func TestIncrementCancelsIdleDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lc, sender, _ := newTestLifecycle(t, 8)
		_ = lc.Adopt(1, "sub")

		time.Sleep(4 * time.Second)
		if err := lc.IncrementUsage(1, ybts.PurposeSMS); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
		info, _ := lc.Registry().Find(1)
		if !info.ReleaseAt.IsZero() {
			t.Error("usage > 0 with a release deadline armed")
		}

		time.Sleep(30 * time.Second)
		lc.Tick(time.Now())
		if sender.count(ybts.SigConnRelease) != 0 {
			t.Error("connection released while in use")
		}
		if info.Purposes != ybts.PurposeSMS || info.Usage != 1 {
			t.Errorf("usage/purposes = %d/%s, want 1/sms", info.Usage, info.Purposes)
		}
	})
}

func TestDeferredIdleTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lc, sender, _ := newTestLifecycle(t, 8)
		_ = lc.Adopt(2, "sub")
		if err := lc.SetDeferred(2, true); err != nil {
			t.Fatalf("SetDeferred: %v", err)
		}

		time.Sleep(10 * time.Second)
		lc.Tick(time.Now())
		if sender.count(ybts.SigConnRelease) != 0 {
			t.Fatal("deferred connection released at the short timeout")
		}

		time.Sleep(25 * time.Second)
		lc.Tick(time.Now())
		if sender.count(ybts.SigConnRelease) != 1 {
			t.Fatal("deferred connection not released at the long timeout")
		}
	})
}

// TestReleaseGracePeriod checks duplicate suppression and slot reuse after
// the grace period.
func TestReleaseGracePeriod(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lc, sender, _ := newTestLifecycle(t, 8)
		reg := lc.Registry()
		_ = lc.Adopt(4, "sub")

		if err := lc.Release(4, true, true, ybts.ReasonNormal); err != nil {
			t.Fatalf("Release: %v", err)
		}
		msg := sender.last(t)
		if msg.Primitive != ybts.SigConnRelease || msg.ConnID != 4 {
			t.Fatalf("sent %s, want ConnRelease on 4", msg)
		}
		if msg.Info&ybts.ReleaseHardFlag == 0 {
			t.Error("hard flag not set")
		}

		if err := lc.Release(4, true, false, ybts.ReasonNormal); err != nil {
			t.Fatalf("second Release: %v", err)
		}
		if n := sender.count(ybts.SigConnRelease); n != 1 {
			t.Errorf("ConnRelease sent %d times, want 1", n)
		}

		if _, ok := reg.Find(4); ok {
			t.Error("released connection still live")
		}
		if !reg.InGrace(4) {
			t.Error("slot not held in grace")
		}
		if err := reg.Claim(4, "next"); !errors.Is(err, ybts.ErrSlotBusy) {
			t.Errorf("Claim during grace err = %v, want ErrSlotBusy", err)
		}

		time.Sleep(3 * time.Second)
		lc.Tick(time.Now())
		if reg.InGrace(4) {
			t.Error("slot still held after grace")
		}
		if err := reg.Claim(4, "next"); err != nil {
			t.Errorf("Claim after grace: %v", err)
		}
	})
}

func TestReleaseWithoutNotify(t *testing.T) {
	t.Parallel()

	lc, sender, obs := newTestLifecycle(t, 8)
	_ = lc.Adopt(5, "sub")

	if err := lc.Release(5, false, false, ybts.ReasonPeer); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Error("release without notify sent a message")
	}
	if lc.Registry().InGrace(5) {
		t.Error("slot held after silent release")
	}
	if r, _ := obs.releaseReason(5); r != ybts.ReasonPeer {
		t.Errorf("reason = %q, want peer", r)
	}
	if err := lc.Release(5, false, false, ybts.ReasonPeer); !errors.Is(err, ybts.ErrConnGone) {
		t.Errorf("release of free slot err = %v, want ErrConnGone", err)
	}
}

func TestFreeSlot(t *testing.T) {
	t.Parallel()

	lc, _, _ := newTestLifecycle(t, 8)
	_ = lc.Adopt(6, "sub")
	if lc.FreeSlot(6) {
		t.Error("FreeSlot freed a live record")
	}
	_ = lc.Release(6, true, false, ybts.ReasonNormal)
	if !lc.FreeSlot(6) {
		t.Error("FreeSlot did not free a grace slot")
	}
	if lc.Registry().InGrace(6) {
		t.Error("slot still in grace")
	}
}

func TestPendingSS(t *testing.T) {
	t.Parallel()

	lc, _, _ := newTestLifecycle(t, 8)
	_ = lc.Adopt(1, "sub")

	if err := lc.SetPendingSS(1, "ussd-1"); err != nil {
		t.Fatalf("SetPendingSS: %v", err)
	}
	if err := lc.SetPendingSS(1, "ussd-2"); !errors.Is(err, ybts.ErrSSBusy) {
		t.Errorf("second SetPendingSS err = %v, want ErrSSBusy", err)
	}
	tx, ok := lc.TakePendingSS(1)
	if !ok || tx != "ussd-1" {
		t.Errorf("TakePendingSS = %v/%v", tx, ok)
	}
	if _, ok := lc.TakePendingSS(1); ok {
		t.Error("TakePendingSS returned a transaction twice")
	}

	_ = lc.SetPendingSS(1, "ussd-3")
	_ = lc.Release(1, true, false, ybts.ReasonNormal)
	info := lc.Registry().Snapshot()[0]
	if info.SSPending {
		t.Error("pending SS survived release")
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	lc, _, _ := newTestLifecycle(t, 8)
	if err := lc.IncrementUsage(1, ybts.PurposeMM); !errors.Is(err, ybts.ErrConnGone) {
		t.Errorf("unknown id err = %v, want ErrConnGone", err)
	}
	_ = lc.Adopt(1, "sub")
	if err := lc.IncrementUsage(1, ybts.PurposeMM|ybts.PurposeCall); !errors.Is(err, ybts.ErrUnknownPurpose) {
		t.Errorf("two purposes err = %v, want ErrUnknownPurpose", err)
	}
}

func TestSendConnSerialized(t *testing.T) {
	t.Parallel()

	lc, sender, _ := newTestLifecycle(t, 8)
	_ = lc.Adopt(2, "sub")

	msg := &ybts.Message{Primitive: ybts.SigPhysicalInfo}
	if err := lc.SendConn(2, msg); err != nil {
		t.Fatalf("SendConn: %v", err)
	}
	got := sender.last(t)
	if !got.HasConn || got.ConnID != 2 {
		t.Errorf("sent %s without the connection id", got)
	}

	sender.setErr(errSendFailed)
	if err := lc.SendConn(2, msg); !errors.Is(err, errSendFailed) {
		t.Errorf("err = %v, want send failure", err)
	}
	if err := lc.SendConn(7, msg); !errors.Is(err, ybts.ErrConnGone) {
		t.Errorf("unknown id err = %v, want ErrConnGone", err)
	}
}
