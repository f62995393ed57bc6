package mm

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// GprsAttach implements ybts.GprsHandler. The attach request tree must
// carry an <imsi> child.
func (m *MM) GprsAttach(id uint16, msg *ybts.Message) (ybts.SessionRef, uint8, error) {
	if !m.cfg.Gprs {
		return nil, ybts.GprsCauseCongestion, ErrGprsDisabled
	}
	imsi := ""
	if msg.Tree != nil {
		imsi = msg.Tree.ChildText("imsi")
	}
	if imsi == "" {
		return nil, ybts.GprsCauseProtocolError, ErrNoIdentity
	}
	return "imsi-" + imsi, ybts.GprsCauseNormal, nil
}

// GprsMessage implements ybts.GprsHandler.
func (m *MM) GprsMessage(id uint16, msg *ybts.Message) {
	logger := m.logger.With(slog.Uint64("conn", uint64(id)))
	gprs := m.core.Gprs()

	switch msg.Primitive {
	case ybts.SigGprsAttachRequest:
		info, _ := gprs.Find(id)
		reply := ybts.NewConnMessage(ybts.SigGprsAttachAccept, 0, id)
		reply.Tree = ybts.NewElement(ybts.SigGprsAttachAccept.String(), "")
		reply.Tree.AddChild(ybts.NewElement("ptmsi", fmt.Sprintf("%08x", 0xc0000000|uint32(id))))
		if err := gprs.Send(id, reply); err != nil {
			logger.Warn("failed to accept attach", slog.String("error", err.Error()))
			return
		}
		m.record(store.ConnEvent{ConnID: id, Kind: ybts.KindGprs, Event: "attach", Subscriber: fmt.Sprint(info.SessionRef)})
		logger.Info("gprs attached")

	case ybts.SigGprsPdpActivate:
		addr, ok := m.pool.allocate(id)
		if !ok {
			if err := gprs.SendReject(id, ybts.GprsCauseCongestion, ybts.SigGprsPdpReject); err != nil {
				logger.Warn("failed to reject pdp", slog.String("error", err.Error()))
			}
			return
		}
		reply := ybts.NewConnMessage(ybts.SigGprsPdpAccept, 0, id)
		reply.Tree = ybts.NewElement(ybts.SigGprsPdpAccept.String(), "")
		if msg.Tree != nil {
			if nsapi := msg.Tree.ChildText("nsapi"); nsapi != "" {
				reply.Tree.AddChild(ybts.NewElement("nsapi", nsapi))
			}
		}
		reply.Tree.AddChild(ybts.NewElement("address", addr.String()))
		if err := gprs.Send(id, reply); err != nil {
			logger.Warn("failed to accept pdp", slog.String("error", err.Error()))
			m.pool.free(id)
			return
		}
		logger.Info("pdp context active", slog.String("address", addr.String()))

	case ybts.SigGprsPdpDeactivate, ybts.SigGprsDetach:
		m.pool.free(id)

	default:
		logger.Debug("gprs message", slog.String("primitive", msg.Primitive.String()))
	}
}

// addrPool hands out one address per packet session from a prefix,
// skipping the network and IPv4 broadcast addresses.
type addrPool struct {
	mu     sync.Mutex
	prefix netip.Prefix
	byID   map[uint16]netip.Addr
	used   map[netip.Addr]bool
}

func newAddrPool(p netip.Prefix) *addrPool {
	return &addrPool{
		prefix: p.Masked(),
		byID:   make(map[uint16]netip.Addr),
		used:   make(map[netip.Addr]bool),
	}
}

func (p *addrPool) allocate(id uint16) (netip.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.byID[id]; ok {
		return a, true
	}
	if !p.prefix.IsValid() {
		return netip.Addr{}, false
	}
	for a := p.prefix.Addr().Next(); a.IsValid() && p.prefix.Contains(a); a = a.Next() {
		if a.Is4() && !p.prefix.Contains(a.Next()) {
			break
		}
		if !p.used[a] {
			p.used[a] = true
			p.byID[id] = a
			return a, true
		}
	}
	return netip.Addr{}, false
}

func (p *addrPool) free(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.byID[id]; ok {
		delete(p.used, a)
		delete(p.byID, id)
	}
}
