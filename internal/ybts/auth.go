package ybts

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Auth Types
// -------------------------------------------------------------------------

// Challenge is one authentication challenge sent to the handset.
type Challenge struct {
	RAND [16]byte

	// AUTN is empty for 2G-only challenges.
	AUTN []byte

	// CKSN is the ciphering key sequence number the network assigns.
	CKSN uint8
}

// AuthResponse is the handset's answer to a challenge.
type AuthResponse struct {
	// Result is SRES or RES when Failed is false.
	Result []byte

	// Failed is set for an authentication failure indication.
	Failed bool

	// Resync holds AUTS when the failure cause is a synchronisation
	// failure.
	Resync []byte

	// Cause is the reject cause of a failure indication.
	Cause uint8
}

// VectorSource produces authentication vectors for a subscriber.
type VectorSource interface {
	// Vector returns a challenge and the expected result. ErrAuthRefused
	// means the subscriber must not be served at all.
	Vector(ctx context.Context, subscriber string) (Challenge, []byte, error)

	// Resync re-aligns the subscriber's sequence number from AUTS.
	Resync(ctx context.Context, subscriber string, rand [16]byte, auts []byte) error
}

// Auth outcomes reported to MetricsReporter.
const (
	AuthOutcomeAccepted  = "accepted"
	AuthOutcomeRejected  = "rejected"
	AuthOutcomeResync    = "resync"
	AuthOutcomeTimeout   = "timeout"
	AuthOutcomeCancelled = "cancelled"
)

// Auth errors.
var (
	// ErrAuthBusy indicates a challenge is already outstanding.
	ErrAuthBusy = errors.New("authentication busy")

	// ErrAuthRetry indicates the connection cannot take a challenge right
	// now (mid-handover); the caller may retry later.
	ErrAuthRetry = errors.New("authentication retry later")

	// ErrAuthTimeout indicates no response arrived before the deadline.
	ErrAuthTimeout = errors.New("authentication timeout")

	// ErrAuthCancelled indicates the connection was removed while waiting.
	ErrAuthCancelled = errors.New("authentication cancelled")

	// ErrAuthExiting indicates the waiter's context ended.
	ErrAuthExiting = errors.New("authentication exiting")

	// ErrNoPendingAuth indicates a response with no challenge outstanding.
	ErrNoPendingAuth = errors.New("no pending authentication")

	// ErrAuthRefused indicates the subscriber is not authorized.
	ErrAuthRefused = errors.New("subscriber refused")

	// ErrAuthRejected is the terminal rejection of an authentication flow.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrAuthMismatch indicates a response that does not match the
	// expected result.
	ErrAuthMismatch = fmt.Errorf("%w: response mismatch", ErrAuthRejected)

	// ErrAuthResyncExhausted indicates a second synchronisation failure
	// in one flow.
	ErrAuthResyncExhausted = fmt.Errorf("%w: resynchronization already used", ErrAuthRejected)
)

// authAttempt is the single outstanding challenge of a connection. sent
// and deadline are guarded by the owning conn's lock; the verdict is
// published once through done.
type authAttempt struct {
	origin   Purpose
	sent     bool
	deadline time.Time

	once sync.Once
	done chan struct{}
	resp AuthResponse
	err  error
}

func newAuthAttempt(origin Purpose) *authAttempt {
	return &authAttempt{origin: origin, done: make(chan struct{})}
}

// resolve publishes the verdict. Later calls are ignored.
func (a *authAttempt) resolve(resp AuthResponse, err error) {
	a.once.Do(func() {
		a.resp = resp
		a.err = err
		close(a.done)
	})
}

func (a *authAttempt) expired(now time.Time) bool {
	return a.sent && !now.Before(a.deadline)
}

// -------------------------------------------------------------------------
// Coordinator
// -------------------------------------------------------------------------

// AuthCoordinator runs challenge/response exchanges on circuit
// connections. Callers block in Challenge or Authenticate; verdicts arrive
// through Respond from the L3 collaborator, through the housekeeping tick
// or through release.
type AuthCoordinator struct {
	lc       *Lifecycle
	renderer AuthRenderer
	timeout  time.Duration
	metrics  MetricsReporter
	logger   *slog.Logger
}

// AuthOption configures optional AuthCoordinator parameters.
type AuthOption func(*AuthCoordinator)

// WithAuthMetrics attaches a MetricsReporter.
func WithAuthMetrics(mr MetricsReporter) AuthOption {
	return func(a *AuthCoordinator) {
		if mr != nil {
			a.metrics = mr
		}
	}
}

// NewAuthCoordinator creates a coordinator sending through lc. timeout is
// the response deadline armed when a challenge is sent.
func NewAuthCoordinator(
	lc *Lifecycle,
	renderer AuthRenderer,
	timeout time.Duration,
	logger *slog.Logger,
	opts ...AuthOption,
) *AuthCoordinator {
	a := &AuthCoordinator{
		lc:       lc,
		renderer: renderer,
		timeout:  timeout,
		metrics:  noopMetrics{},
		logger:   logger.With(slog.String("component", "ybts.auth")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Challenge sends ch on connection id and waits for the verdict. It
// refuses with ErrAuthBusy, ErrAuthRetry or ErrConnGone before sending
// anything. While waiting the connection holds one usage for origin.
func (a *AuthCoordinator) Challenge(
	ctx context.Context,
	id uint16,
	ch Challenge,
	origin Purpose,
) (AuthResponse, error) {
	idx := purposeIndex(origin)
	if idx < 0 {
		idx = purposeIndex(PurposeMM)
	}

	payload, err := a.renderer.AuthRequest(ch)
	if err != nil {
		return AuthResponse{}, fmt.Errorf("render auth request: %w", err)
	}

	c, err := a.lc.reg.lockLive(id)
	if err != nil {
		return AuthResponse{}, fmt.Errorf("challenge %d: %w", id, err)
	}
	if c.pendingAuth != nil {
		c.mu.Unlock()
		return AuthResponse{}, fmt.Errorf("challenge %d: %w", id, ErrAuthBusy)
	}
	if !c.trafficReady {
		c.mu.Unlock()
		return AuthResponse{}, fmt.Errorf("challenge %d: %w", id, ErrAuthRetry)
	}

	att := newAuthAttempt(origin)
	c.pendingAuth = att
	incLocked(c, idx)

	msg := NewConnMessage(SigL3Message, 0, id)
	msg.Data = payload
	if err := a.lc.sender.Send(msg); err != nil {
		c.pendingAuth = nil
		a.lc.decLocked(c, idx, time.Now())
		c.mu.Unlock()
		return AuthResponse{}, fmt.Errorf("challenge %d: %w", id, err)
	}
	att.sent = true
	att.deadline = time.Now().Add(a.timeout)
	c.challengesSent++
	c.mu.Unlock()

	select {
	case <-att.done:
	case <-ctx.Done():
		att.resolve(AuthResponse{}, fmt.Errorf("%w: %w", ErrAuthExiting, context.Cause(ctx)))
	}

	c.mu.Lock()
	if c.pendingAuth == att {
		c.pendingAuth = nil
	}
	a.lc.decLocked(c, idx, time.Now())
	c.mu.Unlock()

	switch {
	case errors.Is(att.err, ErrAuthTimeout):
		a.metrics.RecordAuthOutcome(AuthOutcomeTimeout)
	case att.err != nil:
		a.metrics.RecordAuthOutcome(AuthOutcomeCancelled)
	}
	if att.err != nil {
		return AuthResponse{}, fmt.Errorf("challenge %d: %w", id, att.err)
	}
	return att.resp, nil
}

// Respond delivers the handset's answer for the outstanding challenge on
// id.
func (a *AuthCoordinator) Respond(id uint16, resp AuthResponse) error {
	c, err := a.lc.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("auth response %d: %w", id, err)
	}
	att := c.pendingAuth
	c.mu.Unlock()

	if att == nil || !att.sent {
		return fmt.Errorf("auth response %d: %w", id, ErrNoPendingAuth)
	}
	att.resolve(resp, nil)
	return nil
}

// Cancel aborts the outstanding challenge on id, if any. Safe to call more
// than once.
func (a *AuthCoordinator) Cancel(id uint16) {
	c, err := a.lc.reg.lockLive(id)
	if err != nil {
		return
	}
	att := c.pendingAuth
	c.mu.Unlock()
	if att != nil {
		att.resolve(AuthResponse{}, ErrAuthCancelled)
	}
}

// Authenticate runs a complete authentication flow for subscriber on id:
// fetch a vector, challenge, compare, and resynchronize at most once. On
// success the connection is marked authenticated.
//
// When the flow is rejected before any challenge was ever sent on the
// connection, the coordinator sends an authentication reject and hard
// releases the connection itself. Otherwise the rejection is returned and
// the caller decides how to tear down.
func (a *AuthCoordinator) Authenticate(
	ctx context.Context,
	id uint16,
	src VectorSource,
	subscriber string,
) error {
	resynced := false
	for {
		ch, xres, err := src.Vector(ctx, subscriber)
		if err != nil {
			return a.reject(id, fmt.Errorf("fetch vector for %s: %w", subscriber, err))
		}

		resp, err := a.Challenge(ctx, id, ch, PurposeMM)
		if err != nil {
			return err
		}

		if !resp.Failed {
			if subtle.ConstantTimeCompare(resp.Result, xres) != 1 {
				return a.reject(id, ErrAuthMismatch)
			}
			if err := a.lc.SetAuthenticated(id, true); err != nil {
				return err
			}
			a.metrics.RecordAuthOutcome(AuthOutcomeAccepted)
			a.logger.Info("subscriber authenticated",
				slog.Uint64("conn", uint64(id)),
				slog.String("subscriber", subscriber),
			)
			return nil
		}

		if len(resp.Resync) == 0 {
			return a.reject(id, fmt.Errorf("%w: failure cause %d", ErrAuthRejected, resp.Cause))
		}
		if resynced {
			return a.reject(id, ErrAuthResyncExhausted)
		}
		resynced = true
		a.metrics.RecordAuthOutcome(AuthOutcomeResync)
		a.logger.Info("resynchronizing subscriber",
			slog.Uint64("conn", uint64(id)),
			slog.String("subscriber", subscriber),
		)
		if err := src.Resync(ctx, subscriber, ch.RAND, resp.Resync); err != nil {
			return a.reject(id, fmt.Errorf("resync %s: %w", subscriber, err))
		}
	}
}

// RenderReject returns the authentication reject payload of the
// configured renderer.
func (a *AuthCoordinator) RenderReject() ([]byte, error) {
	payload, err := a.renderer.AuthReject()
	if err != nil {
		return nil, fmt.Errorf("render auth reject: %w", err)
	}
	return payload, nil
}

// reject applies the reject policy and returns cause wrapped as a
// rejection.
func (a *AuthCoordinator) reject(id uint16, cause error) error {
	a.metrics.RecordAuthOutcome(AuthOutcomeRejected)
	if !errors.Is(cause, ErrAuthRejected) {
		cause = fmt.Errorf("%w: %w", ErrAuthRejected, cause)
	}

	info, ok := a.lc.reg.Find(id)
	if !ok || info.ChallengesSent > 0 {
		return cause
	}

	a.logger.Warn("rejecting unauthenticated connection",
		slog.Uint64("conn", uint64(id)),
		slog.String("error", cause.Error()),
	)
	payload, err := a.RenderReject()
	if err != nil {
		return errors.Join(cause, err)
	}
	msg := NewConnMessage(SigL3Message, 0, id)
	msg.Data = payload
	var errs []error
	if err := a.lc.SendConn(id, msg); err != nil {
		errs = append(errs, err)
	}
	if err := a.lc.Release(id, true, true, ReasonAuth); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{cause}, errs...)...)
	}
	return cause
}
