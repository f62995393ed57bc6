// Package radiosim simulates the radio side of the link: an initiator
// signaling core serving a set of handsets that register, answer
// authentication challenges with MILENAGE, respond to paging, follow media
// channel reallocation and handover, and attach to GPRS.
package radiosim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/security-geeks/evilbts/internal/l3"
	"github.com/security-geeks/evilbts/internal/subscriber"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// cksnNone tells the network no key is stored.
const cksnNone = 7

// Errors.
var (
	ErrUnknownHandset = errors.New("unknown handset")
	ErrHandsetBusy    = errors.New("handset has a connection")
	ErrNoConnection   = errors.New("handset has no connection")
	ErrUnknownRef     = errors.New("unknown handover reference")
)

// HandsetState is the registration state of a handset.
type HandsetState uint8

// Handset states.
const (
	StateIdle HandsetState = iota
	StateRegistering
	StateRegistered
	StateRejected
)

func (s HandsetState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type handset struct {
	imsi  string
	ident l3.Identity
	usim  *subscriber.USIM

	state   HandsetState
	conn    uint16
	hasConn bool
	mmBusy  bool
	gprs    uint16
	hasGprs bool
	address string
	cause   uint8

	congested int
}

// HandsetStatus is a snapshot of one handset.
type HandsetStatus struct {
	IMSI    string
	State   HandsetState
	Conn    int
	Gprs    int
	Address string
	Cause   uint8
	SQN     uint64

	// Congested counts access attempts rejected for lack of a channel.
	Congested int
}

// Sim implements the radio-side collaborator: ybts.Handler,
// ybts.GprsHandler and ybts.ConnObserver.
type Sim struct {
	cfg    Config
	core   *ybts.Core
	logger *slog.Logger

	channels atomic.Uint32

	mu       sync.Mutex
	handsets map[string]*handset
	order    []string
	byConn   map[uint16]*handset
	byGprs   map[uint16]*handset
	handover map[string]string // reference -> imsi
}

var (
	_ ybts.Handler      = (*Sim)(nil)
	_ ybts.GprsHandler  = (*Sim)(nil)
	_ ybts.ConnObserver = (*Sim)(nil)
)

// New creates a simulator for cfg.Handsets.
func New(cfg Config, logger *slog.Logger) (*Sim, error) {
	s := &Sim{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "radiosim")),
		handsets: make(map[string]*handset),
		byConn:   make(map[uint16]*handset),
		byGprs:   make(map[uint16]*handset),
		handover: make(map[string]string),
	}
	for _, hc := range cfg.Handsets {
		amf := hc.AMF
		if amf == 0 {
			amf = subscriber.DefaultAMF
		}
		keys, err := subscriber.ParseKeys(hc.Ki, hc.OPc, amf)
		if err != nil {
			return nil, fmt.Errorf("handset %s: %w", hc.IMSI, err)
		}
		if _, dup := s.handsets[hc.IMSI]; dup {
			return nil, fmt.Errorf("handset %s configured twice", hc.IMSI)
		}
		s.handsets[hc.IMSI] = &handset{
			imsi:  hc.IMSI,
			ident: l3.Identity{Type: l3.IdentityIMSI, Digits: hc.IMSI},
			usim:  subscriber.NewUSIM(keys, hc.SQN),
		}
		s.order = append(s.order, hc.IMSI)
	}
	return s, nil
}

// Bind attaches the radio-side core.
func (s *Sim) Bind(core *ybts.Core) { s.core = core }

// Run follows the link state: every time the link comes up the handsets
// register. It returns when the link closes or ctx ends. A close caused
// by a version mismatch is returned as an error.
func (s *Sim) Run(ctx context.Context, states <-chan ybts.StateChange) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	regCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sc := <-states:
			switch sc.NewState {
			case ybts.StateRunning:
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.RegisterAll(regCtx)
				}()
			case ybts.StateClosing:
				if sc.Fatal {
					return fmt.Errorf("radio link: %w", ybts.ErrUnsupportedVersion)
				}
				s.logger.Info("radio link closed", slog.String("event", sc.Event.String()))
				return nil
			default:
			}
		}
	}
}

// RegisterAll runs a location update for every handset, Stagger apart.
func (s *Sim) RegisterAll(ctx context.Context) {
	for i, imsi := range s.order {
		if i > 0 && s.cfg.Stagger > 0 {
			t := time.NewTimer(s.cfg.Stagger)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err := s.Register(imsi); err != nil {
			s.logger.Warn("location update not started",
				slog.String("imsi", imsi),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Register opens a connection for imsi and sends a location update.
func (s *Sim) Register(imsi string) error {
	return s.open(imsi, StateRegistering, func(h *handset) ([]byte, error) {
		return l3.LocationUpdateRequest(cksnNone, s.cfg.LAI, h.ident)
	})
}

// open maps a new channel for imsi, marks it busy with MM and sends the
// initial message built by first.
func (s *Sim) open(imsi string, state HandsetState, first func(*handset) ([]byte, error)) error {
	s.mu.Lock()
	h, ok := s.handsets[imsi]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", imsi, ErrUnknownHandset)
	}
	if h.hasConn {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", imsi, ErrHandsetBusy)
	}
	s.mu.Unlock()

	id, err := s.core.Lifecycle().Create(s.channelRef("sdcch"))
	if errors.Is(err, ybts.ErrTableFull) {
		s.rejectAccess(h, first)
	}
	if err != nil {
		return fmt.Errorf("allocate channel for %s: %w", imsi, err)
	}
	return s.start(h, id, state, first)
}

// rejectAccess answers an access attempt that found every channel taken.
// The handset gets the reject matching its request with cause congestion.
func (s *Sim) rejectAccess(h *handset, first func(*handset) ([]byte, error)) {
	req, err := first(h)
	if err != nil {
		return
	}
	m, err := l3.Parse(req)
	if err != nil {
		return
	}
	reply := l3.CMServiceReject(l3.CauseCongestion)
	if m.PD == l3.PDMM && m.Type == l3.MsgLocUpdRequest {
		reply = l3.LocationUpdateReject(l3.CauseCongestion)
	}
	rej, err := l3.Parse(reply)
	if err != nil || len(rej.Body) == 0 {
		return
	}

	s.mu.Lock()
	h.cause = rej.Body[0]
	h.congested++
	s.mu.Unlock()

	s.logger.Warn("access rejected, no free channel",
		slog.String("imsi", h.imsi),
		slog.String("request", m.Name()),
		slog.String("reject", rej.Name()),
		slog.Int("cause", int(rej.Body[0])),
	)
}

func (s *Sim) start(h *handset, id uint16, state HandsetState, first func(*handset) ([]byte, error)) error {
	data, err := first(h)
	if err != nil {
		_ = s.core.Lifecycle().Release(id, false, false, ybts.ReasonNormal)
		return err
	}

	s.mu.Lock()
	h.conn, h.hasConn, h.mmBusy = id, true, true
	if state == StateRegistering {
		h.state = state
	}
	s.byConn[id] = h
	s.mu.Unlock()

	if err := s.core.Lifecycle().IncrementUsage(id, ybts.PurposeMM); err != nil {
		return err
	}
	return s.core.SendL3(id, 0, data)
}

func (s *Sim) channelRef(kind string) string {
	return fmt.Sprintf("%s-%d", kind, s.channels.Add(1))
}

// finish ends the MM transaction of h so the channel can idle out.
func (s *Sim) finish(h *handset) {
	s.mu.Lock()
	id, busy := h.conn, h.mmBusy && h.hasConn
	h.mmBusy = false
	s.mu.Unlock()
	if busy {
		_ = s.core.Lifecycle().DecrementUsage(id, ybts.PurposeMM)
	}
}

// Handsets returns a snapshot of every handset in configuration order.
func (s *Sim) Handsets() []HandsetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HandsetStatus, 0, len(s.order))
	for _, imsi := range s.order {
		h := s.handsets[imsi]
		st := HandsetStatus{
			IMSI: h.imsi, State: h.state, Conn: -1, Gprs: -1,
			Address: h.address, Cause: h.cause, SQN: h.usim.SQN(), Congested: h.congested,
		}
		if h.hasConn {
			st.Conn = int(h.conn)
		}
		if h.hasGprs {
			st.Gprs = int(h.gprs)
		}
		out = append(out, st)
	}
	return out
}

func (s *Sim) byID(id uint16) *handset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byConn[id]
}

// -------------------------------------------------------------------------
// ybts.Handler
// -------------------------------------------------------------------------

// Establish implements ybts.Handler. The network never opens circuit
// connections toward the radio.
func (s *Sim) Establish(uint16, *ybts.Message) (ybts.SessionRef, bool) { return nil, false }

// ConnMessage implements ybts.Handler.
func (s *Sim) ConnMessage(id uint16, msg *ybts.Message) {
	switch msg.Primitive {
	case ybts.SigL3Message:
		s.l3Message(id, msg)
	case ybts.SigStartMedia:
		s.startMedia(id)
	case ybts.SigAllocMedia:
		s.remap(id, "tch")
	case ybts.SigHandoverAck:
		s.remap(id, "tch-ho")
	default:
	}
}

// SessionMessage implements ybts.Handler.
func (s *Sim) SessionMessage(msg *ybts.Message) {
	switch msg.Primitive {
	case ybts.SigStartPaging:
		imsi, _ := msg.Params.Get("identity")
		if err := s.answerPaging(imsi); err != nil {
			s.logger.Info("paging not answered",
				slog.String("identity", imsi),
				slog.String("error", err.Error()),
			)
		}
	case ybts.SigHandoverRequest:
		s.prepareHandover(msg.Params)
	default:
		s.logger.Debug("session message", slog.String("primitive", msg.Primitive.String()))
	}
}

func (s *Sim) l3Message(id uint16, msg *ybts.Message) {
	h := s.byID(id)
	if h == nil {
		return
	}
	m, err := l3.Parse(msg.Data)
	if err != nil {
		s.logger.Warn("undecodable L3 from network",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	logger := s.logger.With(slog.Uint64("conn", uint64(id)), slog.String("imsi", h.imsi))

	switch {
	case m.PD == l3.PDMM && m.Type == l3.MsgAuthRequest:
		ch, err := l3.ParseAuthRequest(m)
		if err != nil {
			logger.Warn("bad authentication request", slog.String("error", err.Error()))
			return
		}
		resp := h.usim.Answer(ch)
		var reply []byte
		if resp.Failed {
			logger.Info("challenge refused", slog.Int("cause", int(resp.Cause)))
			reply = l3.RenderAuthFailure(resp.Cause, resp.Resync)
		} else {
			reply = l3.RenderAuthResponse(resp.Result)
		}
		if err := s.core.SendL3(id, 0, reply); err != nil {
			logger.Warn("failed to answer challenge", slog.String("error", err.Error()))
		}

	case m.PD == l3.PDMM && m.Type == l3.MsgLocUpdAccept:
		s.setState(h, StateRegistered, 0)
		logger.Info("registered")
		s.finish(h)
		if s.cfg.Gprs {
			s.attachGprs(h)
		}

	case m.PD == l3.PDMM && (m.Type == l3.MsgLocUpdReject || m.Type == l3.MsgAuthReject):
		cause := uint8(0)
		if len(m.Body) > 0 {
			cause = m.Body[0]
		}
		s.setState(h, StateRejected, cause)
		logger.Info("registration rejected", slog.String("message", m.Name()), slog.Int("cause", int(cause)))
		s.finish(h)

	case m.PD == l3.PDMM && (m.Type == l3.MsgCMServiceAccept || m.Type == l3.MsgCMServiceReject):
		logger.Info("service request answered", slog.String("message", m.Name()))
		s.finish(h)

	default:
		logger.Debug("L3 from network", slog.String("message", m.Name()))
	}
}

func (s *Sim) setState(h *handset, st HandsetState, cause uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.state = st
	h.cause = cause
}

// startMedia moves the connection to a traffic channel and confirms.
func (s *Sim) startMedia(id uint16) {
	lc := s.core.Lifecycle()
	if err := s.core.Registry().Remap(id, s.channelRef("tch")); err != nil {
		msg := ybts.NewConnMessage(ybts.SigMediaError, 0, id)
		msg.Params.Set("reason", "nochannel")
		_ = lc.SendConn(id, msg)
		return
	}
	if err := lc.SendConn(id, ybts.NewConnMessage(ybts.SigMediaStarted, 0, id)); err != nil {
		s.logger.Warn("failed to confirm media", slog.String("error", err.Error()))
	}
}

func (s *Sim) remap(id uint16, kind string) {
	if err := s.core.Registry().Remap(id, s.channelRef(kind)); err != nil {
		s.logger.Warn("channel reallocation failed",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Sim) answerPaging(imsi string) error {
	return s.open(imsi, StateIdle, func(h *handset) ([]byte, error) {
		return l3.PagingResponse(cksnNone, h.ident)
	})
}

// RequestHandover asks the network to move imsi's connection away.
func (s *Sim) RequestHandover(imsi string) error {
	s.mu.Lock()
	h, ok := s.handsets[imsi]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", imsi, ErrUnknownHandset)
	}
	id, has := h.conn, h.hasConn
	s.mu.Unlock()
	if !has {
		return fmt.Errorf("%s: %w", imsi, ErrNoConnection)
	}
	msg := ybts.NewConnMessage(ybts.SigHandoverRequired, 0, id)
	msg.Params.Set("neighbors", "1")
	return s.core.Lifecycle().SendConn(id, msg)
}

// prepareHandover reserves a channel for an incoming handover and tags it
// with the network's reference.
func (s *Sim) prepareHandover(p ybts.Params) {
	ref, _ := p.Get("reference")
	imsi, _ := p.Get("imsi")

	s.mu.Lock()
	_, known := s.handsets[imsi]
	s.mu.Unlock()

	reject := func(reason string) {
		msg := ybts.NewSessionMessage(ybts.SigHandoverReject, 0)
		msg.Params.Set("reference", ref)
		msg.Params.Set("reason", reason)
		if err := s.core.Session().Send(msg); err != nil {
			s.logger.Warn("failed to reject handover", slog.String("error", err.Error()))
		}
	}
	if ref == "" || !known {
		reject("unknown")
		return
	}
	lc := s.core.Lifecycle()
	id, err := lc.Create(s.channelRef("ho"))
	if err != nil {
		reject(ybts.ReasonCongestion)
		return
	}
	if err := s.core.Registry().SetAuxRef(id, ref); err != nil {
		reject("unknown")
		return
	}
	s.mu.Lock()
	s.handover[ref] = imsi
	s.mu.Unlock()
	s.logger.Info("handover channel reserved", slog.String("reference", ref), slog.Uint64("conn", uint64(id)))
}

// HandoverAccess simulates the handset arriving on the channel reserved
// for ref: it sends a service request on it.
func (s *Sim) HandoverAccess(ref string) error {
	info, ok := s.core.Registry().FindByAuxRef(ref)
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrUnknownRef)
	}
	s.mu.Lock()
	imsi := s.handover[ref]
	delete(s.handover, ref)
	h := s.handsets[imsi]
	busy := h != nil && h.hasConn
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%s: %w", ref, ErrUnknownRef)
	}
	if busy {
		return fmt.Errorf("%s: %w", imsi, ErrHandsetBusy)
	}
	return s.start(h, info.ID, StateIdle, func(h *handset) ([]byte, error) {
		return l3.CMServiceRequest(cksnNone, h.ident)
	})
}

// -------------------------------------------------------------------------
// ybts.ConnObserver
// -------------------------------------------------------------------------

// ConnCreated implements ybts.ConnObserver.
func (s *Sim) ConnCreated(ybts.ConnInfo) {}

// ConnReleased implements ybts.ConnObserver. An interrupted registration
// falls back to idle.
func (s *Sim) ConnReleased(info ybts.ConnInfo, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byConn[info.ID]
	if !ok {
		return
	}
	delete(s.byConn, info.ID)
	if h.conn != info.ID {
		return
	}
	h.hasConn, h.mmBusy = false, false
	if h.state == StateRegistering {
		h.state = StateIdle
	}
	s.logger.Debug("channel released",
		slog.Uint64("conn", uint64(info.ID)),
		slog.String("imsi", h.imsi),
		slog.String("reason", reason),
	)
}

// -------------------------------------------------------------------------
// GPRS
// -------------------------------------------------------------------------

func (s *Sim) attachGprs(h *handset) {
	s.mu.Lock()
	if h.hasGprs {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	gprs := s.core.Gprs()
	id, err := gprs.Map("gprs-" + h.imsi)
	if err != nil {
		s.logger.Warn("no gprs slot", slog.String("imsi", h.imsi), slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	h.gprs, h.hasGprs = id, true
	s.byGprs[id] = h
	s.mu.Unlock()

	msg := ybts.NewConnMessage(ybts.SigGprsAttachRequest, 0, id)
	msg.Tree = ybts.NewElement(ybts.SigGprsAttachRequest.String(), "")
	msg.Tree.AddChild(ybts.NewElement("imsi", h.imsi))
	if err := gprs.Send(id, msg); err != nil {
		s.logger.Warn("failed to send attach", slog.String("error", err.Error()))
	}
}

// Detach ends imsi's packet session.
func (s *Sim) Detach(imsi string) error {
	s.mu.Lock()
	h, ok := s.handsets[imsi]
	if !ok || !h.hasGprs {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", imsi, ErrNoConnection)
	}
	id := h.gprs
	s.mu.Unlock()
	msg := ybts.NewConnMessage(ybts.SigGprsDetach, 0, id)
	msg.Tree = ybts.NewElement(ybts.SigGprsDetach.String(), "")
	return s.core.Gprs().Send(id, msg)
}

// GprsAttach implements ybts.GprsHandler. Attach requests only travel
// toward the network.
func (s *Sim) GprsAttach(uint16, *ybts.Message) (ybts.SessionRef, uint8, error) {
	return nil, ybts.GprsCauseProtocolError, ErrUnknownHandset
}

// GprsMessage implements ybts.GprsHandler.
func (s *Sim) GprsMessage(id uint16, msg *ybts.Message) {
	s.mu.Lock()
	h := s.byGprs[id]
	s.mu.Unlock()
	if h == nil {
		return
	}
	gprs := s.core.Gprs()

	switch msg.Primitive {
	case ybts.SigGprsAttachAccept:
		pdp := ybts.NewConnMessage(ybts.SigGprsPdpActivate, 0, id)
		pdp.Tree = ybts.NewElement(ybts.SigGprsPdpActivate.String(), "")
		pdp.Tree.AddChild(ybts.NewElement("nsapi", "5"))
		if err := gprs.Send(id, pdp); err != nil {
			s.logger.Warn("failed to activate pdp", slog.String("error", err.Error()))
		}
	case ybts.SigGprsPdpAccept:
		addr := ""
		if msg.Tree != nil {
			addr = msg.Tree.ChildText("address")
		}
		s.mu.Lock()
		h.address = addr
		s.mu.Unlock()
		s.logger.Info("pdp context active", slog.String("imsi", h.imsi), slog.String("address", addr))
	case ybts.SigGprsAttachReject, ybts.SigGprsDetachAccept:
		gprs.Unmap(id, msg.Primitive.String())
		s.mu.Lock()
		delete(s.byGprs, id)
		h.hasGprs = false
		h.address = ""
		s.mu.Unlock()
	case ybts.SigGprsPdpReject:
		cause, _ := ybts.GprsCause(msg)
		s.logger.Info("pdp rejected", slog.String("imsi", h.imsi), slog.Int("cause", int(cause)))
	default:
	}
}

// imsis returns the configured IMSIs sorted, for logs.
func (s *Sim) imsis() []string {
	out := slices.Clone(s.order)
	slices.Sort(out)
	return out
}
