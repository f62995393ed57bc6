package ybts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport is one message-preserving signaling channel. One Send is one
// frame on the wire; one Recv returns one frame.
type Transport interface {
	Send(frame []byte) error

	// Recv blocks until a frame arrives, the transport fails or ctx ends.
	// A frame larger than buf is discarded with an error wrapping
	// ErrFrameTooLarge; the transport stays usable.
	Recv(ctx context.Context, buf []byte) (int, error)

	Close() error
}

// Opener creates the transport for a new session epoch. The peer
// supervisor implements it by spawning the peer process.
type Opener interface {
	Open(ctx context.Context) (Transport, error)
}

// Session errors.
var (
	// ErrFrameTooLarge indicates a received frame that did not fit the
	// receive buffer. The frame is lost but the link is not.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

	// ErrNotConnected indicates a send with no open transport.
	ErrNotConnected = errors.New("signaling transport not open")

	// ErrNotRunning indicates a send of an application message before the
	// handshake completed or after the session started closing.
	ErrNotRunning = errors.New("signaling session not running")

	// ErrUnsupportedVersion is returned from Run after the peer offered an
	// unsupported protocol version. The peer must not be restarted.
	ErrUnsupportedVersion = errors.New("unsupported peer protocol version")

	// ErrNotOpen indicates a reset request with no link to reset.
	ErrNotOpen = errors.New("signaling session not open")
)

const (
	// recvChSize is the buffer between the reader goroutine and the
	// session goroutine.
	recvChSize = 64
)

type recvItem struct {
	msg *Message
	err error
}

// Session owns the signaling transport: the state machine, the handshake
// and heartbeat supervision, and the dispatch of received frames.
//
// All state except the transport handle and the send timestamp is owned
// by the goroutine running Run. State is readable from anywhere.
type Session struct {
	cfg         Config
	opener      Opener
	lc          *Lifecycle
	gprs        *GprsRegistry
	handler     Handler
	gprsHandler GprsHandler
	metrics     MetricsReporter
	logger      *slog.Logger
	notifyCh    chan<- StateChange
	resetCh     chan struct{}

	state    atomic.Uint32
	epoch    atomic.Value // string
	restarts atomic.Uint64
	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	upSince  atomic.Int64

	// txMu guards tr and lastSent. Lock order: conn.mu before txMu.
	txMu     sync.Mutex
	tr       Transport
	lastSent time.Time

	// Owned by the Run goroutine.
	pending     []Event
	lastRecv    time.Time
	handshakeAt time.Time
	peerGone    bool
	fatal       bool
	wentUp      bool
	lastEvent   Event
	recvCh      chan recvItem
	errCh       chan error
	cancelRead  context.CancelFunc
	readers     sync.WaitGroup
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load()) //nolint:gosec // G115: State fits uint8
}

// Epoch returns the id of the current or last transport generation.
func (s *Session) Epoch() string {
	if v, ok := s.epoch.Load().(string); ok {
		return v
	}
	return ""
}

// Restarts returns how many times the transport was reopened.
func (s *Session) Restarts() uint64 { return s.restarts.Load() }

// MessagesReceived returns the number of frames read from the peer.
func (s *Session) MessagesReceived() uint64 { return s.received.Load() }

// MessagesSent returns the number of frames written to the peer.
func (s *Session) MessagesSent() uint64 { return s.sent.Load() }

// MessagesDropped returns the number of received frames discarded.
func (s *Session) MessagesDropped() uint64 { return s.dropped.Load() }

// UpSince returns when the session last reached Running, or the zero time.
func (s *Session) UpSince() time.Time {
	ns := s.upSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

// Send encodes and transmits msg. Application primitives are refused
// unless the session is Running; handshakes and releases go out whenever
// a transport is open.
func (s *Session) Send(msg *Message) error {
	bufp, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(bufp)

	n, err := MarshalMessage(msg, *bufp)
	if err != nil {
		s.logger.Error("refusing to send invalid message",
			slog.String("message", msg.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.tr == nil {
		return fmt.Errorf("send %s: %w", msg.Primitive, ErrNotConnected)
	}
	if !s.sendAllowed(msg.Primitive) {
		return fmt.Errorf("send %s in %s: %w", msg.Primitive, s.State(), ErrNotRunning)
	}
	if err := s.tr.Send((*bufp)[:n]); err != nil {
		return fmt.Errorf("send %s: %w", msg.Primitive, err)
	}
	s.lastSent = time.Now()
	s.sent.Add(1)
	s.metrics.IncMessagesSent(msg.Primitive)
	return nil
}

func (s *Session) sendAllowed(p Primitive) bool {
	if s.State() == StateRunning {
		return true
	}
	return p == SigHandshake || p == SigConnRelease
}

func (s *Session) sinceLastSend(now time.Time) time.Duration {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return now.Sub(s.lastSent)
}

func (s *Session) sendHandshake() {
	if err := s.Send(NewSessionMessage(SigHandshake, ProtocolVersion)); err != nil {
		s.logger.Warn("failed to send handshake", slog.String("error", err.Error()))
	}
}

func (s *Session) sendStaleRelease(id uint16, hard bool, reason string) {
	if err := s.Send(releaseMessage(id, hard, reason)); err != nil {
		s.logger.Warn("failed to refuse connection",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
}

// Reset tears the current link down as if the transport had failed. The
// peer is restarted after the usual backoff.
func (s *Session) Reset() error {
	if st := s.State(); st == StateIdle || st == StateClosing {
		return ErrNotOpen
	}
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
	return nil
}

// -------------------------------------------------------------------------
// Main Loop
// -------------------------------------------------------------------------

// Run drives the session until ctx ends. Every non-fatal close is followed
// by a new transport after a backoff delay that doubles up to
// RestartMaxBackoff and resets once a session reaches Running. Run returns
// ErrUnsupportedVersion when the peer speaks another protocol version and
// nil when ctx ends.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.RestartMinBackoff
	for {
		wentUp := s.runEpoch(ctx)
		if s.fatal {
			return fmt.Errorf("session %s: %w", s.Epoch(), ErrUnsupportedVersion)
		}
		if ctx.Err() != nil {
			return nil
		}
		if wentUp {
			backoff = s.cfg.RestartMinBackoff
		}

		s.logger.Warn("signaling link lost, restarting peer",
			slog.Duration("backoff", backoff),
			slog.String("last_event", s.lastEvent.String()),
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		s.restarts.Add(1)
		backoff = min(backoff*2, max(s.cfg.RestartMaxBackoff, s.cfg.RestartMinBackoff))
	}
}

// runEpoch opens one transport and serves it until the session is back in
// Idle. It reports whether the session reached Running.
func (s *Session) runEpoch(ctx context.Context) bool {
	s.peerGone = false
	s.fatal = false
	s.wentUp = false
	s.epoch.Store(uuid.NewString())
	select {
	case <-s.resetCh:
	default:
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.apply(ctx, EventStart)

	for s.State() != StateIdle {
		select {
		case <-ctx.Done():
			s.apply(ctx, EventStop)

		case item := <-s.recvCh:
			s.handleRecv(ctx, item)

		case err := <-s.errCh:
			s.logger.Warn("signaling transport failed", slog.String("error", err.Error()))
			s.apply(ctx, EventTransportError)

		case <-s.resetCh:
			s.logger.Warn("operator reset of the signaling link")
			s.apply(ctx, EventTransportError)

		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
	return s.wentUp
}

// -------------------------------------------------------------------------
// FSM Event Application
// -------------------------------------------------------------------------

// apply runs event and any events raised by its actions, in order.
func (s *Session) apply(ctx context.Context, event Event) {
	s.pending = append(s.pending, event)
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]

		result := ApplyEvent(s.State(), ev)
		if result.Changed {
			s.lastEvent = ev
			s.state.Store(uint32(result.NewState))
			s.logStateChange(result, ev)
		}
		for _, a := range result.Actions {
			s.executeAction(ctx, a)
		}
	}
}

func (s *Session) raise(ev Event) {
	s.pending = append(s.pending, ev)
}

func (s *Session) logStateChange(result FSMResult, ev Event) {
	s.logger.Info("session state changed",
		slog.String("old_state", result.OldState.String()),
		slog.String("new_state", result.NewState.String()),
		slog.String("event", ev.String()),
		slog.String("epoch", s.Epoch()),
	)
	s.metrics.RecordStateTransition(result.OldState.String(), result.NewState.String())

	if s.notifyCh == nil {
		return
	}
	sc := StateChange{
		Epoch:     s.Epoch(),
		OldState:  result.OldState,
		NewState:  result.NewState,
		Event:     ev,
		Fatal:     ev == EventBadVersion,
		PeerGone:  s.peerGone || ev == EventHeartbeatTimeout || ev == EventHandshakeTimeout || ev == EventTransportError,
		Timestamp: time.Now(),
	}
	select {
	case s.notifyCh <- sc:
	default:
		s.logger.Warn("notification channel full, dropping state change")
	}
}

func (s *Session) executeAction(ctx context.Context, action Action) {
	switch action {
	case ActionOpenTransport:
		s.openTransport(ctx)
	case ActionArmHandshake:
		s.handshakeAt = time.Now().Add(s.cfg.HandshakeTimeout)
		if s.cfg.Role == RoleInitiator {
			s.sendHandshake()
		}
	case ActionSendHandshake:
		if s.cfg.Role == RoleResponder {
			s.sendHandshake()
		}
	case ActionArmHeartbeat:
		s.handshakeAt = time.Time{}
		s.lastRecv = time.Now()
	case ActionNotifyUp:
		s.wentUp = true
		s.upSince.Store(time.Now().UnixNano())
		s.logger.Info("signaling link up",
			slog.String("role", s.cfg.Role.String()),
			slog.String("epoch", s.Epoch()),
		)
	case ActionMarkPeerGone:
		s.peerGone = true
	case ActionMarkFatal:
		s.fatal = true
		s.logger.Error("peer speaks an unsupported protocol version, not restarting")
	case ActionTeardown:
		s.teardown()
	default:
		s.logger.Warn("unknown FSM action", slog.Int("action", int(action)))
	}
}

func (s *Session) openTransport(ctx context.Context) {
	tr, err := s.opener.Open(ctx)
	if err != nil {
		s.logger.Error("failed to open signaling transport", slog.String("error", err.Error()))
		s.raise(EventTransportError)
		return
	}

	now := time.Now()
	s.txMu.Lock()
	s.tr = tr
	s.lastSent = now
	s.txMu.Unlock()
	s.lastRecv = now

	readCtx, cancel := context.WithCancel(ctx)
	s.cancelRead = cancel
	s.recvCh = make(chan recvItem, recvChSize)
	s.errCh = make(chan error, 1)

	s.readers.Add(1)
	go s.readLoop(readCtx, tr, s.recvCh, s.errCh)

	s.raise(EventArmed)
}

// teardown releases every connection, stops the reader and drops the
// transport. Releases are announced to the peer unless it is gone.
func (s *Session) teardown() {
	reason := ReasonShutdown
	if s.peerGone {
		reason = ReasonTransport
	}
	released := s.lc.ReleaseAll(!s.peerGone, reason)
	gprs := s.gprs.Purge()

	if s.cancelRead != nil {
		s.cancelRead()
	}
	s.txMu.Lock()
	tr := s.tr
	s.tr = nil
	s.txMu.Unlock()
	if tr != nil {
		if err := tr.Close(); err != nil {
			s.logger.Debug("close transport", slog.String("error", err.Error()))
		}
	}
	s.readers.Wait()
	s.cancelRead = nil
	s.recvCh = nil
	s.errCh = nil

	purged := s.lc.reg.Purge()
	s.handshakeAt = time.Time{}
	s.upSince.Store(0)

	s.logger.Info("signaling session closed",
		slog.Int("released", released),
		slog.Int("gprs_released", gprs),
		slog.Int("purged", purged),
		slog.Bool("peer_gone", s.peerGone),
	)
	s.raise(EventClosed)
}

// readLoop decodes frames until the transport fails or ctx ends.
func (s *Session) readLoop(ctx context.Context, tr Transport, out chan<- recvItem, errCh chan<- error) {
	defer s.readers.Done()

	for {
		bufp, _ := MessagePool.Get().(*[]byte)
		n, err := tr.Recv(ctx, *bufp)
		if err != nil {
			MessagePool.Put(bufp)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrFrameTooLarge) {
				select {
				case out <- recvItem{err: err}:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}

		item := recvItem{msg: &Message{}}
		item.err = UnmarshalMessage((*bufp)[:n], item.msg)
		MessagePool.Put(bufp)

		select {
		case out <- item:
		case <-ctx.Done():
			return
		}
	}
}

// -------------------------------------------------------------------------
// Housekeeping
// -------------------------------------------------------------------------

func (s *Session) tick(ctx context.Context, now time.Time) {
	switch s.State() {
	case StateWaitHandshake:
		if !s.handshakeAt.IsZero() && !now.Before(s.handshakeAt) {
			s.logger.Warn("handshake timed out", slog.Duration("timeout", s.cfg.HandshakeTimeout))
			s.apply(ctx, EventHandshakeTimeout)
			return
		}
	case StateRunning:
		if now.Sub(s.lastRecv) >= s.cfg.HeartbeatTimeout {
			s.logger.Warn("peer heartbeat lost", slog.Duration("silence", now.Sub(s.lastRecv)))
			s.apply(ctx, EventHeartbeatTimeout)
			return
		}
		if s.sinceLastSend(now) >= s.cfg.HeartbeatInterval {
			if err := s.Send(NewSessionMessage(SigHeartbeat, 0)); err != nil {
				s.logger.Warn("failed to send heartbeat", slog.String("error", err.Error()))
			}
		}
	case StateIdle, StateStarted, StateClosing:
	}
	s.lc.Tick(now)
}

// -------------------------------------------------------------------------
// Dispatch
// -------------------------------------------------------------------------

func (s *Session) handleRecv(ctx context.Context, item recvItem) {
	s.lastRecv = time.Now()
	s.received.Add(1)

	msg := item.msg
	switch {
	case errors.Is(item.err, ErrFrameTooLarge):
		s.drop("oversized", nil, item.err)
		return
	case item.err != nil:
		s.drop("malformed", msg, item.err)
		return
	}
	s.metrics.IncMessagesReceived(msg.Primitive)

	switch msg.Primitive {
	case SigHandshake:
		if msg.Info != ProtocolVersion {
			s.logger.Error("unsupported handshake version",
				slog.Int("version", int(msg.Info)),
				slog.Int("supported", int(ProtocolVersion)),
			)
			s.apply(ctx, EventBadVersion)
			return
		}
		s.apply(ctx, EventRecvHandshake)
		return
	case SigHeartbeat:
		return
	}

	if s.State() != StateRunning {
		s.drop("not-running", msg, nil)
		return
	}
	if !msg.Primitive.ConnScoped() {
		s.handler.SessionMessage(msg)
		return
	}
	if msg.Primitive.IsGprs() || s.gprs.Contains(msg.ConnID) {
		s.dispatchGprs(msg)
		return
	}
	s.dispatchConn(msg)
}

func (s *Session) drop(reason string, msg *Message, err error) {
	s.dropped.Add(1)
	s.metrics.IncMessagesDropped(reason)
	attrs := []any{slog.String("reason", reason)}
	if msg != nil {
		attrs = append(attrs, slog.String("message", msg.String()))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.Warn("dropping received message", attrs...)
		return
	}
	s.logger.Debug("dropping received message", attrs...)
}

func (s *Session) dispatchConn(msg *Message) {
	id := msg.ConnID
	if _, ok := s.lc.reg.Find(id); !ok {
		s.dispatchUnknown(msg)
		return
	}

	switch msg.Primitive {
	case SigConnRelease:
		if err := s.lc.Release(id, false, msg.Info&ReleaseHardFlag != 0, ReasonPeer); err != nil {
			s.logger.Debug("peer release", slog.String("error", err.Error()))
		}
	case SigMediaStarted:
		s.lc.ResolveMedia(id, MediaOK)
	case SigMediaError:
		s.logger.Warn("peer failed to start media",
			slog.Uint64("conn", uint64(id)),
			slog.String("reason", msg.Params.GetDefault("reason", "unknown")),
		)
		s.lc.ResolveMedia(id, MediaNoMedia)
	case SigHandoverRequired:
		_ = s.lc.SetTrafficReady(id, false)
	case SigEstablishSAPI:
		_ = s.lc.AddSAPI(id, msg.Info)
	default:
	}
	s.handler.ConnMessage(id, msg)
}

// dispatchUnknown handles a connection-scoped message for an id with no
// live record.
func (s *Session) dispatchUnknown(msg *Message) {
	id := msg.ConnID

	if s.lc.reg.InGrace(id) {
		if msg.Primitive == SigConnRelease {
			s.lc.FreeSlot(id)
			return
		}
		s.drop("released", msg, nil)
		return
	}
	if msg.Primitive == SigConnRelease {
		return
	}

	if msg.Primitive == SigL3Message && s.lc.reg.Contains(id) {
		if ref, ok := s.handler.Establish(id, msg); ok {
			if err := s.lc.Adopt(id, ref); err != nil {
				s.logger.Error("cannot accept connection",
					slog.Uint64("conn", uint64(id)),
					slog.String("error", err.Error()),
				)
				s.sendStaleRelease(id, true, ReasonCongestion)
				return
			}
			s.handler.ConnMessage(id, msg)
			return
		}
	}

	s.drop("stale", msg, nil)
	s.sendStaleRelease(id, false, ReasonStale)
}

func (s *Session) dispatchGprs(msg *Message) {
	id := msg.ConnID
	p := msg.Primitive

	if !s.gprs.Contains(id) || !p.IsGprs() {
		s.drop("gprs-range", msg, nil)
		if p.IsGprs() {
			s.gprsReject(id, GprsCauseProtocolError, rejectFor(p))
		} else {
			s.sendStaleRelease(id, false, ReasonStale)
		}
		return
	}

	if _, ok := s.gprs.Find(id); !ok {
		switch p {
		case SigGprsAttachRequest:
			s.gprsAttach(msg)
		case SigGprsDetach, SigGprsDetachAccept, SigGprsAttachReject, SigGprsPdpReject:
			s.drop("gprs-stale", msg, nil)
		default:
			s.drop("gprs-stale", msg, nil)
			s.gprsReject(id, GprsCauseProtocolError, rejectFor(p))
		}
		return
	}

	if p == SigGprsDetach {
		s.gprs.Unmap(id, "detach")
		if err := s.Send(NewConnMessage(SigGprsDetachAccept, 0, id)); err != nil {
			s.logger.Warn("failed to accept detach", slog.String("error", err.Error()))
		}
	}
	if s.gprsHandler != nil {
		s.gprsHandler.GprsMessage(id, msg)
	}
}

func (s *Session) gprsAttach(msg *Message) {
	id := msg.ConnID
	if s.gprsHandler == nil {
		s.gprsReject(id, GprsCauseCongestion, SigGprsAttachReject)
		return
	}
	ref, cause, err := s.gprsHandler.GprsAttach(id, msg)
	if err != nil {
		s.logger.Info("gprs attach refused",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
		s.gprsReject(id, cause, SigGprsAttachReject)
		return
	}
	if err := s.gprs.Claim(id, ref); err != nil {
		s.logger.Error("cannot accept gprs session",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
		s.gprsReject(id, GprsCauseCongestion, SigGprsAttachReject)
		return
	}
	s.gprsHandler.GprsMessage(id, msg)
}

func (s *Session) gprsReject(id uint16, cause uint8, p Primitive) {
	if err := s.gprs.SendReject(id, cause, p); err != nil {
		s.logger.Warn("failed to send gprs reject",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
}
