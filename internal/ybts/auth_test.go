package ybts_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/security-geeks/evilbts/internal/ybts"
)

const testAuthTimeout = 2 * time.Minute

func newTestAuth(t *testing.T) (*ybts.AuthCoordinator, *ybts.Lifecycle, *recordingSender) {
	t.Helper()
	lc, sender, _ := newTestLifecycle(t, 8)
	auth := ybts.NewAuthCoordinator(lc, fakeRenderer{}, testAuthTimeout, discardLogger())
	return auth, lc, sender
}

type challengeResult struct {
	resp ybts.AuthResponse
	err  error
}

func startChallenge(ctx context.Context, auth *ybts.AuthCoordinator, id uint16) <-chan challengeResult {
	out := make(chan challengeResult, 1)
	go func() {
		resp, err := auth.Challenge(ctx, id, ybts.Challenge{RAND: [16]byte{1, 2, 3}}, ybts.PurposeMM)
		out <- challengeResult{resp, err}
	}()
	return out
}

func TestChallengeAccepted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")

		res := startChallenge(t.Context(), auth, 1)
		synctest.Wait()

		msg := sender.last(t)
		if msg.Primitive != ybts.SigL3Message || !bytes.HasPrefix(msg.Data, authRequestPrefix) {
			t.Fatalf("sent %s %x, want auth request", msg, msg.Data)
		}
		info, _ := lc.Registry().Find(1)
		if !info.AuthPending || info.Usage != 1 || info.ChallengesSent != 1 {
			t.Errorf("during challenge: pending=%v usage=%d sent=%d", info.AuthPending, info.Usage, info.ChallengesSent)
		}

		if err := auth.Respond(1, ybts.AuthResponse{Result: []byte{0xaa}}); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		r := <-res
		if r.err != nil || !bytes.Equal(r.resp.Result, []byte{0xaa}) {
			t.Fatalf("Challenge = %+v, %v", r.resp, r.err)
		}

		info, _ = lc.Registry().Find(1)
		if info.AuthPending || info.Usage != 0 {
			t.Errorf("after challenge: pending=%v usage=%d", info.AuthPending, info.Usage)
		}
		if info.ReleaseAt.IsZero() {
			t.Error("idle deadline not re-armed after the challenge")
		}
	})
}

func TestChallengeRefusals(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")
		_ = lc.Adopt(2, "handover")
		_ = lc.SetTrafficReady(2, false)

		ctx, cancel := context.WithCancel(t.Context())
		res := startChallenge(ctx, auth, 1)
		synctest.Wait()

		ch := ybts.Challenge{RAND: [16]byte{9}}
		if _, err := auth.Challenge(t.Context(), 1, ch, ybts.PurposeMM); !errors.Is(err, ybts.ErrAuthBusy) {
			t.Errorf("second challenge err = %v, want ErrAuthBusy", err)
		}
		if _, err := auth.Challenge(t.Context(), 2, ch, ybts.PurposeMM); !errors.Is(err, ybts.ErrAuthRetry) {
			t.Errorf("mid-handover err = %v, want ErrAuthRetry", err)
		}
		if _, err := auth.Challenge(t.Context(), 7, ch, ybts.PurposeMM); !errors.Is(err, ybts.ErrConnGone) {
			t.Errorf("unknown conn err = %v, want ErrConnGone", err)
		}
		if n := sender.count(ybts.SigL3Message); n != 1 {
			t.Errorf("sent %d challenges, want 1", n)
		}

		cancel()
		if r := <-res; !errors.Is(r.err, ybts.ErrAuthExiting) {
			t.Errorf("cancelled waiter err = %v, want ErrAuthExiting", r.err)
		}
		info, _ := lc.Registry().Find(1)
		if info.AuthPending || info.Usage != 0 {
			t.Errorf("after exit: pending=%v usage=%d", info.AuthPending, info.Usage)
		}
	})
}

func TestChallengeTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, _ := newTestAuth(t)
		_ = lc.Adopt(1, "sub")
		_ = lc.IncrementUsage(1, ybts.PurposeCall)

		res := startChallenge(t.Context(), auth, 1)
		synctest.Wait()

		time.Sleep(testAuthTimeout - time.Second)
		lc.Tick(time.Now())
		synctest.Wait()
		select {
		case r := <-res:
			t.Fatalf("resolved early: %v", r.err)
		default:
		}

		time.Sleep(2 * time.Second)
		lc.Tick(time.Now())
		if r := <-res; !errors.Is(r.err, ybts.ErrAuthTimeout) {
			t.Errorf("err = %v, want ErrAuthTimeout", r.err)
		}
		if err := auth.Respond(1, ybts.AuthResponse{}); !errors.Is(err, ybts.ErrNoPendingAuth) {
			t.Errorf("late Respond err = %v, want ErrNoPendingAuth", err)
		}
	})
}

func TestChallengeCancelledByRelease(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, _ := newTestAuth(t)
		_ = lc.Adopt(1, "sub")

		res := startChallenge(t.Context(), auth, 1)
		synctest.Wait()

		if err := lc.Release(1, false, false, ybts.ReasonPeer); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if r := <-res; !errors.Is(r.err, ybts.ErrAuthCancelled) {
			t.Errorf("err = %v, want ErrAuthCancelled", r.err)
		}

		// Cancelling again is harmless.
		auth.Cancel(1)
	})
}

// -------------------------------------------------------------------------
// Authenticate flow
// -------------------------------------------------------------------------

// scriptedVectors hands out fixed vectors and counts resyncs.
type scriptedVectors struct {
	mu      sync.Mutex
	refuse  bool
	vectors int
	resyncs int
}

var expectedRES = []byte{0xde, 0xad, 0xbe, 0xef}

func (s *scriptedVectors) Vector(context.Context, string) (ybts.Challenge, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return ybts.Challenge{}, nil, ybts.ErrAuthRefused
	}
	s.vectors++
	return ybts.Challenge{RAND: [16]byte{byte(s.vectors)}}, expectedRES, nil
}

func (s *scriptedVectors) Resync(context.Context, string, [16]byte, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs++
	return nil
}

// answerWith makes the fake peer answer each challenge with the next
// response in order.
func answerWith(sender *recordingSender, auth *ybts.AuthCoordinator, resps ...ybts.AuthResponse) {
	var mu sync.Mutex
	sender.onSend = func(msg *ybts.Message) {
		if msg.Primitive != ybts.SigL3Message || !bytes.HasPrefix(msg.Data, authRequestPrefix) {
			return
		}
		mu.Lock()
		if len(resps) == 0 {
			mu.Unlock()
			return
		}
		resp := resps[0]
		resps = resps[1:]
		mu.Unlock()
		go func() { _ = auth.Respond(msg.ConnID, resp) }()
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")
		answerWith(sender, auth, ybts.AuthResponse{Result: expectedRES})

		if err := auth.Authenticate(t.Context(), 1, &scriptedVectors{}, "001010000000001"); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		info, _ := lc.Registry().Find(1)
		if !info.Authenticated {
			t.Error("connection not marked authenticated")
		}
	})
}

func TestAuthenticateSingleResync(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")
		src := &scriptedVectors{}
		answerWith(sender, auth,
			ybts.AuthResponse{Failed: true, Cause: 21, Resync: []byte{1, 2}},
			ybts.AuthResponse{Result: expectedRES},
		)

		if err := auth.Authenticate(t.Context(), 1, src, "001010000000001"); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if src.resyncs != 1 || src.vectors != 2 {
			t.Errorf("resyncs=%d vectors=%d, want 1 and 2", src.resyncs, src.vectors)
		}
	})
}

// TestAuthenticateResyncBound checks that a second synchronisation
// failure ends the flow instead of resynchronizing again.
func TestAuthenticateResyncBound(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")
		src := &scriptedVectors{}
		syncFail := ybts.AuthResponse{Failed: true, Cause: 21, Resync: []byte{1, 2}}
		answerWith(sender, auth, syncFail, syncFail, syncFail)

		err := auth.Authenticate(t.Context(), 1, src, "001010000000001")
		if !errors.Is(err, ybts.ErrAuthResyncExhausted) || !errors.Is(err, ybts.ErrAuthRejected) {
			t.Fatalf("err = %v, want ErrAuthResyncExhausted", err)
		}
		if src.resyncs != 1 {
			t.Errorf("resyncs = %d, want 1", src.resyncs)
		}
		if n := sender.count(ybts.SigL3Message); n != 2 {
			t.Errorf("challenges sent = %d, want 2", n)
		}
		// Challenges went out, so tear-down is left to the caller.
		if _, ok := lc.Registry().Find(1); !ok {
			t.Error("coordinator released a challenged connection")
		}
		if sender.count(ybts.SigConnRelease) != 0 {
			t.Error("coordinator sent a release")
		}
	})
}

func TestAuthenticateMismatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")
		answerWith(sender, auth, ybts.AuthResponse{Result: []byte{0, 0, 0, 0}})

		err := auth.Authenticate(t.Context(), 1, &scriptedVectors{}, "001010000000001")
		if !errors.Is(err, ybts.ErrAuthMismatch) {
			t.Fatalf("err = %v, want ErrAuthMismatch", err)
		}
		info, _ := lc.Registry().Find(1)
		if info.Authenticated {
			t.Error("mismatched response marked authenticated")
		}
	})
}

// TestAuthenticateRejectBeforeChallenge checks the reject policy: with no
// challenge ever sent, the coordinator sends the protocol reject and hard
// releases the connection itself.
func TestAuthenticateRejectBeforeChallenge(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		auth, lc, sender := newTestAuth(t)
		_ = lc.Adopt(1, "sub")

		err := auth.Authenticate(t.Context(), 1, &scriptedVectors{refuse: true}, "001019999999999")
		if !errors.Is(err, ybts.ErrAuthRefused) || !errors.Is(err, ybts.ErrAuthRejected) {
			t.Fatalf("err = %v, want refused rejection", err)
		}

		msgs := sender.sent()
		if len(msgs) != 2 {
			t.Fatalf("sent %d messages, want reject and release", len(msgs))
		}
		if msgs[0].Primitive != ybts.SigL3Message || !bytes.Equal(msgs[0].Data, authRejectPayload) {
			t.Errorf("first message = %s %x, want auth reject", msgs[0], msgs[0].Data)
		}
		if msgs[1].Primitive != ybts.SigConnRelease || msgs[1].Info&ybts.ReleaseHardFlag == 0 {
			t.Errorf("second message = %s, want hard ConnRelease", msgs[1])
		}
		if _, ok := lc.Registry().Find(1); ok {
			t.Error("rejected connection still live")
		}
	})
}
