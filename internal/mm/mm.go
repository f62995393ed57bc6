// Package mm is the network-side mobility collaborator of the signaling
// core. It decides which initial messages open a connection, runs
// authentication on every location update, service request and paging
// response, answers with the matching accept or reject, and serves GPRS
// attach and PDP context activation.
package mm

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/security-geeks/evilbts/internal/l3"
	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// Core is the part of the signaling core the collaborator drives.
// *ybts.Core implements it.
type Core interface {
	SendL3(id uint16, sapi uint8, data []byte) error
	Release(id uint16, hard bool, reason string) error
	StopPaging(identity string) error
	HandoverAck(id uint16, params ybts.Params) error
	Lifecycle() *ybts.Lifecycle
	Auth() *ybts.AuthCoordinator
	Gprs() *ybts.GprsRegistry
}

// Recorder receives journal events.
type Recorder interface {
	Record(ev store.ConnEvent)
}

// Config holds collaborator settings.
type Config struct {
	// LAI is announced in every Location Updating Accept.
	LAI l3.LAI

	// Authenticate enables challenges. When false every subscriber with
	// an IMSI is accepted as is.
	Authenticate bool

	// Gprs enables packet attach.
	Gprs bool

	// PdpPool is the address range handed to PDP contexts.
	PdpPool netip.Prefix
}

// Errors.
var (
	ErrNotBound     = errors.New("mm not bound to a core")
	ErrGprsDisabled = errors.New("gprs disabled")
	ErrNoIdentity   = errors.New("attach without identity")
)

// MM implements ybts.Handler and ybts.GprsHandler.
type MM struct {
	cfg     Config
	vectors ybts.VectorSource
	rec     []Recorder
	logger  *slog.Logger

	core Core
	pool *addrPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	procs map[uint16]context.CancelFunc
}

var (
	_ ybts.Handler     = (*MM)(nil)
	_ ybts.GprsHandler = (*MM)(nil)
)

// Option configures an MM.
type Option func(*MM)

// WithRecorder adds a journal event recorder.
func WithRecorder(r Recorder) Option {
	return func(m *MM) { m.rec = append(m.rec, r) }
}

// New creates the collaborator. Bind must be called with the core built
// around it before the session starts.
func New(cfg Config, vectors ybts.VectorSource, logger *slog.Logger, opts ...Option) *MM {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MM{
		cfg:     cfg,
		vectors: vectors,
		logger:  logger.With(slog.String("component", "mm")),
		pool:    newAddrPool(cfg.PdpPool),
		ctx:     ctx,
		cancel:  cancel,
		procs:   make(map[uint16]context.CancelFunc),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Bind attaches the core the collaborator drives.
func (m *MM) Bind(c Core) { m.core = c }

// Run blocks until ctx ends, then cancels running procedures and waits
// for them.
func (m *MM) Run(ctx context.Context) error {
	if m.core == nil {
		return ErrNotBound
	}
	select {
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// Establish implements ybts.Handler. Only parsable initial messages with
// a mobile identity open a connection; the session handle is the
// identity string.
func (m *MM) Establish(id uint16, msg *ybts.Message) (ybts.SessionRef, bool) {
	if msg.Primitive != ybts.SigL3Message {
		return nil, false
	}
	l3msg, err := l3.Parse(msg.Data)
	if err != nil || !l3msg.IsInitial() {
		return nil, false
	}
	ident, err := l3.InitialIdentity(l3msg)
	if err != nil {
		m.logger.Info("initial message without usable identity",
			slog.Uint64("conn", uint64(id)),
			slog.String("message", l3msg.Name()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return ident.String(), true
}

// ConnMessage implements ybts.Handler.
func (m *MM) ConnMessage(id uint16, msg *ybts.Message) {
	switch msg.Primitive {
	case ybts.SigL3Message:
		m.l3Message(id, msg)
	case ybts.SigConnRelease:
		m.stopProcedure(id)
	case ybts.SigHandoverRequired:
		m.handover(id, msg.Params)
	default:
		m.logger.Debug("connection message",
			slog.Uint64("conn", uint64(id)),
			slog.String("primitive", msg.Primitive.String()),
		)
	}
}

// SessionMessage implements ybts.Handler.
func (m *MM) SessionMessage(msg *ybts.Message) {
	m.logger.Info("radio session message",
		slog.String("primitive", msg.Primitive.String()),
		slog.String("params", paramsString(msg.Params)),
	)
}

func (m *MM) l3Message(id uint16, msg *ybts.Message) {
	l3msg, err := l3.Parse(msg.Data)
	if err != nil {
		m.logger.Debug("undecodable L3 message",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case l3msg.IsInitial():
		m.startProcedure(id, l3msg)
	case l3.IsAuthReply(l3msg):
		resp, err := l3.ParseAuthReply(l3msg)
		if err != nil {
			m.logger.Warn("bad authentication reply",
				slog.Uint64("conn", uint64(id)),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := m.core.Auth().Respond(id, resp); err != nil {
			m.logger.Debug("authentication reply dropped",
				slog.Uint64("conn", uint64(id)),
				slog.String("error", err.Error()),
			)
		}
	default:
		m.logger.Debug("L3 message",
			slog.Uint64("conn", uint64(id)),
			slog.String("message", l3msg.Name()),
		)
	}
}

// handover accepts every handover the radio asks for; the target cell is
// the first neighbor it reported.
func (m *MM) handover(id uint16, p ybts.Params) {
	target := p.GetDefault("neighbors", "")
	if i := strings.IndexByte(target, ','); i >= 0 {
		target = target[:i]
	}
	var ack ybts.Params
	ack.Set("target", target)
	if err := m.core.HandoverAck(id, ack); err != nil {
		m.logger.Warn("failed to acknowledge handover",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	m.record(store.ConnEvent{ConnID: id, Event: "handover", Detail: target})
}

func (m *MM) record(ev store.ConnEvent) {
	for _, r := range m.rec {
		r.Record(ev)
	}
}

func paramsString(p ybts.Params) string {
	b, err := p.MarshalText()
	if err != nil {
		return ""
	}
	return string(b)
}
