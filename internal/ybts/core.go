package ybts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNoRenderer indicates authentication was requested on a core built
// without an AuthRenderer.
var ErrNoRenderer = errors.New("no auth renderer configured")

// Core is the signaling core of one link: both connection tables, the
// lifecycle manager, the auth coordinator and the session. The daemon
// builds one and passes it to every collaborator.
type Core struct {
	cfg     Config
	reg     *Registry
	gprs    *GprsRegistry
	lc      *Lifecycle
	auth    *AuthCoordinator
	session *Session
	logger  *slog.Logger
}

// CoreOption configures optional Core collaborators.
type CoreOption func(*coreOptions)

type coreOptions struct {
	handler     Handler
	gprsHandler GprsHandler
	renderer    AuthRenderer
	observers   []ConnObserver
	metrics     MetricsReporter
	notifyCh    chan<- StateChange
}

// WithHandler sets the collaborator receiving connection and session
// messages.
func WithHandler(h Handler) CoreOption {
	return func(o *coreOptions) { o.handler = h }
}

// WithGprsHandler enables the packet-session table.
func WithGprsHandler(h GprsHandler) CoreOption {
	return func(o *coreOptions) { o.gprsHandler = h }
}

// WithAuthRenderer sets the L3 renderer used by the auth coordinator.
func WithAuthRenderer(r AuthRenderer) CoreOption {
	return func(o *coreOptions) { o.renderer = r }
}

// WithConnObserver adds a connection observer.
func WithConnObserver(obs ConnObserver) CoreOption {
	return func(o *coreOptions) { o.observers = append(o.observers, obs) }
}

// WithMetrics attaches a MetricsReporter to every component.
func WithMetrics(mr MetricsReporter) CoreOption {
	return func(o *coreOptions) { o.metrics = mr }
}

// WithStateNotify sets the channel receiving session state changes. Sends
// are non-blocking.
func WithStateNotify(ch chan<- StateChange) CoreOption {
	return func(o *coreOptions) { o.notifyCh = ch }
}

// NewCore validates cfg and wires the core. The transport is not opened
// until Run.
func NewCore(cfg Config, opener Opener, logger *slog.Logger, opts ...CoreOption) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("signaling core config: %w", err)
	}

	o := coreOptions{
		handler:  nopHandler{},
		renderer: nopRenderer{},
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.handler == nil {
		o.handler = nopHandler{}
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}

	logger = logger.With(slog.String("role", cfg.Role.String()))

	s := &Session{
		cfg:         cfg,
		opener:      opener,
		handler:     o.handler,
		gprsHandler: o.gprsHandler,
		metrics:     o.metrics,
		notifyCh:    o.notifyCh,
		resetCh:     make(chan struct{}, 1),
		logger:      logger.With(slog.String("component", "ybts.session")),
	}
	s.state.Store(uint32(StateIdle))

	reg := NewRegistry(0, cfg.CircuitSlots, logger)
	gprs := NewGprsRegistry(cfg.GprsSlots, s, logger, o.metrics)

	lcOpts := []LifecycleOption{WithLifecycleMetrics(o.metrics)}
	for _, obs := range o.observers {
		lcOpts = append(lcOpts, WithObserver(obs))
	}
	lc := NewLifecycle(reg, s, cfg.lifecycle(), logger, lcOpts...)
	s.lc = lc
	s.gprs = gprs

	auth := NewAuthCoordinator(lc, o.renderer, cfg.AuthTimeout, logger, WithAuthMetrics(o.metrics))

	return &Core{
		cfg:     cfg,
		reg:     reg,
		gprs:    gprs,
		lc:      lc,
		auth:    auth,
		session: s,
		logger:  logger,
	}, nil
}

// Run drives the session until ctx ends. See Session.Run.
func (c *Core) Run(ctx context.Context) error { return c.session.Run(ctx) }

// Config returns the configuration the core was built with.
func (c *Core) Config() Config { return c.cfg }

// Registry returns the circuit connection table.
func (c *Core) Registry() *Registry { return c.reg }

// Gprs returns the packet-session table.
func (c *Core) Gprs() *GprsRegistry { return c.gprs }

// Lifecycle returns the connection lifecycle manager.
func (c *Core) Lifecycle() *Lifecycle { return c.lc }

// Auth returns the auth coordinator.
func (c *Core) Auth() *AuthCoordinator { return c.auth }

// Session returns the signaling session.
func (c *Core) Session() *Session { return c.session }

// State returns the session state.
func (c *Core) State() State { return c.session.State() }

// Ready reports whether the link is Running.
func (c *Core) Ready() bool { return c.session.State() == StateRunning }

// -------------------------------------------------------------------------
// Convenience sends
// -------------------------------------------------------------------------

// SendL3 sends an L3 payload on connection id over sapi.
func (c *Core) SendL3(id uint16, sapi uint8, data []byte) error {
	msg := NewConnMessage(SigL3Message, sapi, id)
	msg.Data = data
	return c.lc.SendConn(id, msg)
}

// Release releases connection id and notifies the peer.
func (c *Core) Release(id uint16, hard bool, reason string) error {
	return c.lc.Release(id, true, hard, reason)
}

// StartMedia starts the traffic channel of id and waits for the outcome.
func (c *Core) StartMedia(ctx context.Context, id uint16, params Params) (MediaResult, error) {
	return c.lc.StartMedia(ctx, id, params, c.cfg.MediaTimeout)
}

// HandoverAck answers a HandoverRequired on id and makes the connection
// traffic-ready again.
func (c *Core) HandoverAck(id uint16, params Params) error {
	msg := NewConnMessage(SigHandoverAck, 0, id)
	msg.Params = params
	if err := c.lc.SendConn(id, msg); err != nil {
		return err
	}
	return c.lc.SetTrafficReady(id, true)
}

// StartPaging asks the radio side to page a subscriber identity.
func (c *Core) StartPaging(identity string, params Params) error {
	msg := NewSessionMessage(SigStartPaging, 0)
	msg.Params = append(Params{{Name: "identity", Value: identity}}, params...)
	return c.session.Send(msg)
}

// StopPaging cancels paging for a subscriber identity.
func (c *Core) StopPaging(identity string) error {
	msg := NewSessionMessage(SigStopPaging, 0)
	msg.Params.Set("identity", identity)
	return c.session.Send(msg)
}

// ResetLink drops the current transport as if it had failed. The session
// restarts with a new epoch.
func (c *Core) ResetLink() error { return c.session.Reset() }

// -------------------------------------------------------------------------
// Status
// -------------------------------------------------------------------------

// Conn returns the circuit record of id.
func (c *Core) Conn(id uint16) (ConnInfo, bool) { return c.reg.Find(id) }

// Conns returns every circuit record, including released slots still in
// their grace period.
func (c *Core) Conns() []ConnInfo { return c.reg.Snapshot() }

// PacketConns returns every live packet session record.
func (c *Core) PacketConns() []GprsInfo { return c.gprs.Snapshot() }

// Status is an operator view of the core.
type Status struct {
	Role             Role
	State            State
	Epoch            string
	UpSince          time.Time
	Restarts         uint64
	MessagesSent     uint64
	MessagesReceived uint64
	MessagesDropped  uint64
	CircuitConns     int
	CircuitSlots     int
	GprsConns        int
	GprsSlots        int
}

// Status returns a snapshot of the session and table occupancy.
func (c *Core) Status() Status {
	s := c.session
	return Status{
		Role:             c.cfg.Role,
		State:            s.State(),
		Epoch:            s.Epoch(),
		UpSince:          s.UpSince(),
		Restarts:         s.Restarts(),
		MessagesSent:     s.MessagesSent(),
		MessagesReceived: s.MessagesReceived(),
		MessagesDropped:  s.MessagesDropped(),
		CircuitConns:     c.reg.Len(),
		CircuitSlots:     c.reg.Size(),
		GprsConns:        c.gprs.Len(),
		GprsSlots:        c.cfg.GprsSlots,
	}
}

type nopRenderer struct{}

func (nopRenderer) AuthRequest(Challenge) ([]byte, error) { return nil, ErrNoRenderer }
func (nopRenderer) AuthReject() ([]byte, error)           { return nil, ErrNoRenderer }
