package ybts

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sender transmits one signaling message to the peer. The session
// implements it; tests use a recording fake.
type Sender interface {
	Send(msg *Message) error
}

// Release reasons carried in the ConnRelease "reason" parameter and
// reported to observers.
const (
	ReasonNormal     = "normal"
	ReasonIdle       = "idle"
	ReasonPeer       = "peer"
	ReasonCongestion = "congestion"
	ReasonStale      = "stale"
	ReasonAuth       = "auth-failure"
	ReasonShutdown   = "shutdown"
	ReasonOperator   = "operator"
	ReasonTransport  = "transport"
)

// Lifecycle errors.
var (
	// ErrSSBusy indicates a secondary session transaction is already
	// pending on the connection.
	ErrSSBusy = errors.New("secondary session already pending")

	// ErrUnknownPurpose indicates a purpose value with zero or several bits.
	ErrUnknownPurpose = errors.New("purpose must have exactly one bit set")
)

// LifecycleConfig holds the connection timing parameters.
type LifecycleConfig struct {
	// IdleTimeout is how long an unused connection lives.
	IdleTimeout time.Duration

	// DeferredIdleTimeout replaces IdleTimeout while PurposeDeferredSMS
	// is set.
	DeferredIdleTimeout time.Duration

	// ReleaseGrace is how long a slot stays reserved after a notified
	// release.
	ReleaseGrace time.Duration
}

// Lifecycle manages usage counting and release of circuit connections.
// It never holds the registry lock while calling the sender or observers.
type Lifecycle struct {
	reg       *Registry
	sender    Sender
	cfg       LifecycleConfig
	observers []ConnObserver
	metrics   MetricsReporter
	logger    *slog.Logger
}

// LifecycleOption configures optional Lifecycle parameters.
type LifecycleOption func(*Lifecycle)

// WithObserver registers a connection observer.
func WithObserver(o ConnObserver) LifecycleOption {
	return func(l *Lifecycle) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithLifecycleMetrics attaches a MetricsReporter.
func WithLifecycleMetrics(mr MetricsReporter) LifecycleOption {
	return func(l *Lifecycle) {
		if mr != nil {
			l.metrics = mr
		}
	}
}

// NewLifecycle creates a lifecycle manager over reg.
func NewLifecycle(
	reg *Registry,
	sender Sender,
	cfg LifecycleConfig,
	logger *slog.Logger,
	opts ...LifecycleOption,
) *Lifecycle {
	l := &Lifecycle{
		reg:     reg,
		sender:  sender,
		cfg:     cfg,
		metrics: noopMetrics{},
		logger:  logger.With(slog.String("component", "ybts.lifecycle")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the circuit registry managed by l.
func (l *Lifecycle) Registry() *Registry { return l.reg }

// -------------------------------------------------------------------------
// Creation
// -------------------------------------------------------------------------

// Create maps ref to a connection id for an outbound service start. The
// new record has zero usage and an armed idle deadline.
func (l *Lifecycle) Create(ref SessionRef) (uint16, error) {
	id, created, err := l.reg.mapRef(ref)
	if err != nil {
		return 0, err
	}
	if created {
		l.created(id)
	}
	return id, nil
}

// Adopt creates the record for a peer-chosen id.
func (l *Lifecycle) Adopt(id uint16, ref SessionRef) error {
	if err := l.reg.Claim(id, ref); err != nil {
		return err
	}
	l.created(id)
	return nil
}

func (l *Lifecycle) created(id uint16) {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return
	}
	l.armIdleLocked(c, time.Now())
	info := c.infoLocked()
	c.mu.Unlock()

	l.metrics.RegisterConn(KindCircuit)
	l.logger.Debug("connection created", slog.Uint64("conn", uint64(id)))
	for _, o := range l.observers {
		o.ConnCreated(info)
	}
}

// -------------------------------------------------------------------------
// Usage
// -------------------------------------------------------------------------

// IncrementUsage adds one user for purpose and cancels any armed idle
// deadline.
func (l *Lifecycle) IncrementUsage(id uint16, purpose Purpose) error {
	idx := purposeIndex(purpose)
	if idx < 0 {
		return fmt.Errorf("increment usage %d: %w", id, ErrUnknownPurpose)
	}
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("increment usage %d: %w", id, err)
	}
	defer c.mu.Unlock()
	incLocked(c, idx)
	return nil
}

// DecrementUsage drops one user for purpose. When the count reaches zero
// the idle deadline is armed.
func (l *Lifecycle) DecrementUsage(id uint16, purpose Purpose) error {
	idx := purposeIndex(purpose)
	if idx < 0 {
		return fmt.Errorf("decrement usage %d: %w", id, ErrUnknownPurpose)
	}
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("decrement usage %d: %w", id, err)
	}
	defer c.mu.Unlock()
	l.decLocked(c, idx, time.Now())
	return nil
}

func incLocked(c *conn, idx int) {
	c.usage++
	c.purposeCount[idx]++
	c.purposes |= 1 << idx
	c.releaseAt = time.Time{}
}

func (l *Lifecycle) decLocked(c *conn, idx int, now time.Time) {
	if c.purposeCount[idx] > 0 {
		c.purposeCount[idx]--
		if c.purposeCount[idx] == 0 {
			c.purposes &^= 1 << idx
		}
	}
	if c.usage > 0 {
		c.usage--
	}
	if c.usage == 0 && !c.removed {
		l.armIdleLocked(c, now)
	}
}

func (l *Lifecycle) armIdleLocked(c *conn, now time.Time) {
	if c.usage > 0 {
		return
	}
	d := l.cfg.IdleTimeout
	if c.purposes&PurposeDeferredSMS != 0 && l.cfg.DeferredIdleTimeout > d {
		d = l.cfg.DeferredIdleTimeout
	}
	c.releaseAt = now.Add(d)
}

// SetDeferred sets or clears the deferred-messaging flag. The flag holds
// no usage; an armed idle deadline is recomputed.
func (l *Lifecycle) SetDeferred(id uint16, on bool) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("set deferred %d: %w", id, err)
	}
	defer c.mu.Unlock()

	if on {
		c.purposes |= PurposeDeferredSMS
	} else {
		c.purposes &^= PurposeDeferredSMS
	}
	if !c.releaseAt.IsZero() {
		l.armIdleLocked(c, time.Now())
	}
	return nil
}

// -------------------------------------------------------------------------
// Per-connection state
// -------------------------------------------------------------------------

// SetAuthenticated records the authentication verdict.
func (l *Lifecycle) SetAuthenticated(id uint16, ok bool) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("set authenticated %d: %w", id, err)
	}
	defer c.mu.Unlock()
	c.authenticated = ok
	return nil
}

// SetTrafficReady marks whether the connection may carry new procedures.
func (l *Lifecycle) SetTrafficReady(id uint16, ready bool) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("set traffic ready %d: %w", id, err)
	}
	defer c.mu.Unlock()
	c.trafficReady = ready
	return nil
}

// AddSAPI records an established SAPI on the connection.
func (l *Lifecycle) AddSAPI(id uint16, sapi uint8) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("add sapi %d: %w", id, err)
	}
	defer c.mu.Unlock()
	if sapi < 8 {
		c.sapis |= 1 << sapi
	}
	return nil
}

// SetPendingSS stores the single pending secondary session transaction.
func (l *Lifecycle) SetPendingSS(id uint16, tx SSTransaction) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("set pending ss %d: %w", id, err)
	}
	defer c.mu.Unlock()
	if c.pendingSS != nil {
		return fmt.Errorf("set pending ss %d: %w", id, ErrSSBusy)
	}
	c.pendingSS = tx
	return nil
}

// TakePendingSS removes and returns the pending secondary session
// transaction.
func (l *Lifecycle) TakePendingSS(id uint16) (SSTransaction, bool) {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return nil, false
	}
	defer c.mu.Unlock()
	tx := c.pendingSS
	c.pendingSS = nil
	return tx, tx != nil
}

// SendConn sends msg on a live connection with the connection lock held,
// which serializes per-connection sends.
func (l *Lifecycle) SendConn(id uint16, msg *Message) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("send %s on %d: %w", msg.Primitive, id, err)
	}
	defer c.mu.Unlock()

	msg.ConnID = id
	msg.HasConn = true
	if err := l.sender.Send(msg); err != nil {
		return fmt.Errorf("send %s on %d: %w", msg.Primitive, id, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Release
// -------------------------------------------------------------------------

// Release marks the connection removed. With notify set a ConnRelease is
// sent and the slot stays reserved for the grace period; without it the
// slot is freed at once. A second release of the same record is a no-op,
// so the peer never sees duplicate release notifications.
func (l *Lifecycle) Release(id uint16, notify, hard bool, reason string) error {
	return l.release(id, notify, hard, reason, false)
}

// release implements Release. With idleOnly set the record is skipped when
// it gained a user since the caller's snapshot.
func (l *Lifecycle) release(id uint16, notify, hard bool, reason string, idleOnly bool) error {
	now := time.Now()
	r := l.reg

	r.mu.Lock()
	c := r.slotLocked(id)
	if c == nil {
		r.mu.Unlock()
		return fmt.Errorf("release %d: %w", id, ErrConnGone)
	}
	c.mu.Lock()
	if c.removed || (idleOnly && c.usage > 0) {
		c.mu.Unlock()
		r.mu.Unlock()
		return nil
	}

	c.removed = true
	r.live--
	c.hardRelease = hard
	c.releaseAt = time.Time{}
	auth := c.pendingAuth
	media := c.pendingMedia
	c.pendingMedia = nil
	c.pendingSS = nil
	if notify {
		c.graceUntil = now.Add(l.cfg.ReleaseGrace)
	} else {
		r.slots[int(c.id-r.base)] = nil
	}
	r.mu.Unlock()

	var sendErr error
	if notify {
		sendErr = l.sender.Send(releaseMessage(id, hard, reason))
	}
	info := c.infoLocked()
	c.mu.Unlock()

	if auth != nil {
		auth.resolve(AuthResponse{}, ErrAuthCancelled)
	}
	if media != nil {
		media.resolve(MediaGone)
	}

	l.metrics.UnregisterConn(KindCircuit, reason)
	l.logger.Debug("connection released",
		slog.Uint64("conn", uint64(id)),
		slog.String("reason", reason),
		slog.Bool("notify", notify),
		slog.Bool("hard", hard),
	)
	for _, o := range l.observers {
		o.ConnReleased(info, reason)
	}

	if sendErr != nil {
		return fmt.Errorf("release %d: %w", id, sendErr)
	}
	return nil
}

func releaseMessage(id uint16, hard bool, reason string) *Message {
	var info uint8
	if hard {
		info = ReleaseHardFlag
	}
	msg := NewConnMessage(SigConnRelease, info, id)
	if reason != "" {
		msg.Params.Set("reason", reason)
	}
	return msg
}

// FreeSlot clears a slot held in its grace period. It reports whether a
// slot was freed.
func (l *Lifecycle) FreeSlot(id uint16) bool {
	r := l.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.slotLocked(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removed {
		return false
	}
	r.slots[int(c.id-r.base)] = nil
	return true
}

// ReleaseAll releases every live connection.
func (l *Lifecycle) ReleaseAll(notify bool, reason string) int {
	n := 0
	for _, id := range l.reg.IDs() {
		if err := l.Release(id, notify, false, reason); err != nil {
			l.logger.Debug("release during teardown failed",
				slog.Uint64("conn", uint64(id)),
				slog.String("error", err.Error()),
			)
		}
		n++
	}
	return n
}

// -------------------------------------------------------------------------
// Housekeeping
// -------------------------------------------------------------------------

// Tick runs one housekeeping pass at now. The registry lock is held only
// while collecting due items; releases and wake-ups run after it is
// dropped.
func (l *Lifecycle) Tick(now time.Time) {
	var (
		idle          []uint16
		authTimeouts  []*authAttempt
		mediaTimeouts []*mediaWait
		freed         int
	)

	r := l.reg
	r.mu.Lock()
	for i, c := range r.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		if c.removed {
			if !now.Before(c.graceUntil) {
				r.slots[i] = nil
				freed++
			}
			c.mu.Unlock()
			continue
		}
		if c.usage == 0 && !c.releaseAt.IsZero() && !now.Before(c.releaseAt) {
			c.releaseAt = time.Time{}
			idle = append(idle, c.id)
		}
		if a := c.pendingAuth; a != nil && a.expired(now) {
			authTimeouts = append(authTimeouts, a)
		}
		if m := c.pendingMedia; m != nil && !now.Before(m.deadline) {
			c.pendingMedia = nil
			mediaTimeouts = append(mediaTimeouts, m)
		}
		c.mu.Unlock()
	}
	r.mu.Unlock()

	for _, a := range authTimeouts {
		a.resolve(AuthResponse{}, ErrAuthTimeout)
	}
	for _, m := range mediaTimeouts {
		m.resolve(MediaTimeout)
	}
	for _, id := range idle {
		if err := l.release(id, true, false, ReasonIdle, true); err != nil {
			l.logger.Warn("idle release failed",
				slog.Uint64("conn", uint64(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	if freed > 0 {
		l.logger.Debug("grace period ended", slog.Int("slots", freed))
	}
}
