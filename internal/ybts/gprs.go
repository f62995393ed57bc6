package ybts

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// GprsConnBase is the first id of the packet-session range. Circuit ids
// stay below it, so the two tables never collide.
const GprsConnBase uint16 = 0x8000

// GPRS reject causes (3GPP TS 24.008 GMM/SM cause values).
const (
	GprsCauseNormal        uint8 = 0
	GprsCauseCongestion    uint8 = 22
	GprsCauseProtocolError uint8 = 111
)

type gprsConn struct {
	id         uint16
	sessionRef SessionRef
	created    time.Time
}

// GprsInfo is a copy of a packet-session record.
type GprsInfo struct {
	ID         uint16
	SessionRef SessionRef
	Created    time.Time
}

// GprsRegistry is the packet-session table. Records carry no usage or
// authentication state and are released in one step.
type GprsRegistry struct {
	mu     sync.Mutex
	base   uint16
	slots  []*gprsConn
	last   int
	live   int
	sender Sender

	metrics MetricsReporter
	logger  *slog.Logger
}

// NewGprsRegistry creates a packet-session table of size slots starting at
// GprsConnBase.
func NewGprsRegistry(size int, sender Sender, logger *slog.Logger, mr MetricsReporter) *GprsRegistry {
	if mr == nil {
		mr = noopMetrics{}
	}
	return &GprsRegistry{
		base:    GprsConnBase,
		slots:   make([]*gprsConn, size),
		last:    size - 1,
		sender:  sender,
		metrics: mr,
		logger:  logger.With(slog.String("component", "ybts.gprs")),
	}
}

// Contains reports whether id is in the packet-session range.
func (g *GprsRegistry) Contains(id uint16) bool {
	return id >= g.base && int(id-g.base) < len(g.slots)
}

// Len returns the number of live packet sessions.
func (g *GprsRegistry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// Map allocates an id for ref, reusing the existing one when ref is
// already mapped.
func (g *GprsRegistry) Map(ref SessionRef) (uint16, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.slots {
		if c != nil && c.sessionRef == ref {
			return c.id, nil
		}
	}
	n := len(g.slots)
	for step := 1; step <= n; step++ {
		idx := (g.last + step) % n
		if g.slots[idx] == nil {
			g.last = idx
			return g.addLocked(idx, ref).id, nil
		}
	}
	g.logger.Error("gprs table full", slog.Int("size", n))
	return 0, fmt.Errorf("map gprs session: %w", ErrTableFull)
}

// Claim creates the record for a peer-chosen id.
func (g *GprsRegistry) Claim(id uint16, ref SessionRef) error {
	if !g.Contains(id) {
		return fmt.Errorf("claim gprs %d: %w", id, ErrIDOutOfRange)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := int(id - g.base)
	if g.slots[idx] != nil {
		return fmt.Errorf("claim gprs %d: %w", id, ErrSlotBusy)
	}
	g.addLocked(idx, ref)
	return nil
}

func (g *GprsRegistry) addLocked(idx int, ref SessionRef) *gprsConn {
	c := &gprsConn{
		id:         g.base + uint16(idx), //nolint:gosec // G115: idx < len(slots)
		sessionRef: ref,
		created:    time.Now(),
	}
	g.slots[idx] = c
	g.live++
	g.metrics.RegisterConn(KindGprs)
	return c
}

// Find returns the record for id.
func (g *GprsRegistry) Find(id uint16) (GprsInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.slotLocked(id)
	if c == nil {
		return GprsInfo{}, false
	}
	return GprsInfo{ID: c.id, SessionRef: c.sessionRef, Created: c.created}, true
}

// Snapshot returns copies of all live records.
func (g *GprsRegistry) Snapshot() []GprsInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]GprsInfo, 0, g.live)
	for _, c := range g.slots {
		if c != nil {
			out = append(out, GprsInfo{ID: c.id, SessionRef: c.sessionRef, Created: c.created})
		}
	}
	return out
}

// Unmap frees the record for id without notifying the peer.
func (g *GprsRegistry) Unmap(id uint16, reason string) (SessionRef, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.slotLocked(id)
	if c == nil {
		return nil, false
	}
	g.removeLocked(c, reason)
	return c.sessionRef, true
}

func (g *GprsRegistry) removeLocked(c *gprsConn, reason string) {
	g.slots[int(c.id-g.base)] = nil
	g.live--
	g.metrics.UnregisterConn(KindGprs, reason)
}

func (g *GprsRegistry) slotLocked(id uint16) *gprsConn {
	if !g.Contains(id) {
		return nil
	}
	return g.slots[int(id-g.base)]
}

// Send transmits a GPRS primitive on a live packet session.
func (g *GprsRegistry) Send(id uint16, msg *Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.slotLocked(id) == nil {
		return fmt.Errorf("send %s on gprs %d: %w", msg.Primitive, id, ErrConnGone)
	}
	msg.ConnID = id
	msg.HasConn = true
	return g.sender.Send(msg)
}

// SendReject notifies the peer with a reject primitive carrying cause and
// frees the slot for id in the same critical section. It works for ids
// with no record too, which is how unknown sessions are refused.
func (g *GprsRegistry) SendReject(id uint16, cause uint8, p Primitive) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c := g.slotLocked(id); c != nil {
		g.removeLocked(c, "reject-"+strconv.Itoa(int(cause)))
	}

	msg := NewConnMessage(p, 0, id)
	msg.Tree = NewElement(p.String(), "")
	msg.Tree.AddChild(NewElement("cause", strconv.Itoa(int(cause))))
	if err := g.sender.Send(msg); err != nil {
		return fmt.Errorf("gprs reject %d: %w", id, err)
	}
	g.logger.Debug("gprs session rejected",
		slog.Uint64("conn", uint64(id)),
		slog.String("primitive", p.String()),
		slog.Int("cause", int(cause)),
	)
	return nil
}

// Purge drops every record.
func (g *GprsRegistry) Purge() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, c := range g.slots {
		if c != nil {
			g.removeLocked(c, ReasonTransport)
			n++
		}
	}
	g.last = len(g.slots) - 1
	return n
}

// rejectFor returns the reject primitive that answers request p.
func rejectFor(p Primitive) Primitive {
	switch p {
	case SigGprsAttachRequest:
		return SigGprsAttachReject
	case SigGprsPdpActivate:
		return SigGprsPdpReject
	default:
		return SigGprsDetach
	}
}

// GprsCause extracts the cause element of a GPRS reject or detach.
func GprsCause(msg *Message) (uint8, bool) {
	if msg.Tree == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(msg.Tree.ChildText("cause"), 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}
