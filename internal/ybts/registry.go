package ybts

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Connection record
// -------------------------------------------------------------------------

// Purpose is a bitset of reasons a connection is kept alive.
type Purpose uint16

const (
	// PurposeMM covers mobility management and authentication.
	PurposeMM Purpose = 1 << iota

	// PurposeCall covers a circuit-switched call.
	PurposeCall

	// PurposeSMS covers a short message transfer.
	PurposeSMS

	// PurposeSS covers a supplementary service transaction.
	PurposeSS

	// PurposeHandover covers an in-progress handover.
	PurposeHandover

	// PurposeDeferredSMS marks pending outbound messaging. It holds no
	// usage by itself but stretches the idle interval.
	PurposeDeferredSMS

	purposeBits = 6
)

// String lists the set purpose names separated by '|'.
func (p Purpose) String() string {
	if p == 0 {
		return "none"
	}
	names := [purposeBits]string{"mm", "call", "sms", "ss", "handover", "deferred-sms"}
	out := ""
	for i := range purposeBits {
		if p&(1<<i) == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += names[i]
	}
	return out
}

func purposeIndex(p Purpose) int {
	for i := range purposeBits {
		if p == 1<<i {
			return i
		}
	}
	return -1
}

// SSTransaction is the collaborator's handle for a pending supplementary
// service exchange.
type SSTransaction any

// conn is one circuit connection record. Every field is guarded by mu;
// the slot holding the record is guarded by Registry.mu, which is always
// taken first.
type conn struct {
	mu sync.Mutex

	id      uint16
	created time.Time

	sessionRef    SessionRef
	auxRef        any
	authenticated bool
	trafficReady  bool

	usage        uint32
	purposes     Purpose
	purposeCount [purposeBits]uint32

	pendingAuth  *authAttempt
	pendingSS    SSTransaction
	pendingMedia *mediaWait
	media        MediaSink

	challengesSent int
	sapis          uint8

	removed     bool
	hardRelease bool
	releaseAt   time.Time
	graceUntil  time.Time
}

// ConnInfo is a point-in-time copy of a connection record.
type ConnInfo struct {
	ID             uint16
	Created        time.Time
	SessionRef     SessionRef
	AuxRef         any
	Authenticated  bool
	TrafficReady   bool
	Usage          uint32
	Purposes       Purpose
	AuthPending    bool
	SSPending      bool
	MediaPending   bool
	ChallengesSent int
	SAPIs          uint8
	Removed        bool
	HardRelease    bool
	ReleaseAt      time.Time
	GraceUntil     time.Time
}

func (c *conn) infoLocked() ConnInfo {
	return ConnInfo{
		ID:             c.id,
		Created:        c.created,
		SessionRef:     c.sessionRef,
		AuxRef:         c.auxRef,
		Authenticated:  c.authenticated,
		TrafficReady:   c.trafficReady,
		Usage:          c.usage,
		Purposes:       c.purposes,
		AuthPending:    c.pendingAuth != nil,
		SSPending:      c.pendingSS != nil,
		MediaPending:   c.pendingMedia != nil,
		ChallengesSent: c.challengesSent,
		SAPIs:          c.sapis,
		Removed:        c.removed,
		HardRelease:    c.hardRelease,
		ReleaseAt:      c.releaseAt,
		GraceUntil:     c.graceUntil,
	}
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry errors.
var (
	// ErrTableFull indicates every slot is live or in its grace period.
	ErrTableFull = errors.New("connection table full")

	// ErrIDOutOfRange indicates an id outside the table's numeric range.
	ErrIDOutOfRange = errors.New("connection id out of range")

	// ErrSlotBusy indicates the slot for an id is live or in grace.
	ErrSlotBusy = errors.New("connection slot busy")

	// ErrConnGone indicates no live connection exists for an id.
	ErrConnGone = errors.New("connection gone")
)

// Registry is a fixed-size table of circuit connection records covering
// ids [base, base+size). Mutations are serialized by one lock; readers take
// the read side and then the record lock, so they never see a half-written
// record.
type Registry struct {
	mu    sync.RWMutex
	base  uint16
	slots []*conn
	last  int
	live  int

	logger *slog.Logger
}

// NewRegistry creates a registry of size slots starting at base.
func NewRegistry(base uint16, size int, logger *slog.Logger) *Registry {
	return &Registry{
		base:   base,
		slots:  make([]*conn, size),
		last:   size - 1,
		logger: logger.With(slog.String("component", "ybts.registry")),
	}
}

// Base returns the first id of the table.
func (r *Registry) Base() uint16 { return r.base }

// Size returns the number of slots.
func (r *Registry) Size() int { return len(r.slots) }

// Contains reports whether id falls in the table's numeric range.
func (r *Registry) Contains(id uint16) bool {
	return id >= r.base && int(id-r.base) < len(r.slots)
}

// Len returns the number of live (not removed) connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Map returns the id of the record holding ref, creating one when ref is
// not mapped yet. Free slots are probed linearly starting after the last
// allocated one, wrapping once. Returns ErrTableFull when no slot is free.
func (r *Registry) Map(ref SessionRef) (uint16, error) {
	id, _, err := r.mapRef(ref)
	return id, err
}

// mapRef implements Map and also reports whether a record was created.
func (r *Registry) mapRef(ref SessionRef) (uint16, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.findRefLocked(ref); c != nil {
		return c.id, false, nil
	}

	n := len(r.slots)
	for step := 1; step <= n; step++ {
		idx := (r.last + step) % n
		if r.slots[idx] != nil {
			continue
		}
		c := r.newConnLocked(idx, ref)
		r.last = idx
		return c.id, true, nil
	}

	r.logger.Error("connection table full, cannot map session",
		slog.Int("size", n),
		slog.Int("live", r.live),
	)
	return 0, false, fmt.Errorf("map session: %w", ErrTableFull)
}

// Claim creates a record at a peer-chosen id.
func (r *Registry) Claim(id uint16, ref SessionRef) error {
	if !r.Contains(id) {
		return fmt.Errorf("claim %d: %w", id, ErrIDOutOfRange)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := int(id - r.base)
	if r.slots[idx] != nil {
		return fmt.Errorf("claim %d: %w", id, ErrSlotBusy)
	}
	r.newConnLocked(idx, ref)
	return nil
}

func (r *Registry) newConnLocked(idx int, ref SessionRef) *conn {
	c := &conn{
		id:           r.base + uint16(idx), //nolint:gosec // G115: idx < len(slots) <= 65536
		created:      time.Now(),
		sessionRef:   ref,
		trafficReady: true,
	}
	r.slots[idx] = c
	r.live++
	return c
}

// Unmap clears the slot for id immediately and returns the session handle
// it held. Grace-period slots are cleared too.
func (r *Registry) Unmap(id uint16) (SessionRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.slotLocked(id)
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	ref := c.sessionRef
	r.clearLocked(c)
	c.mu.Unlock()
	return ref, true
}

// UnmapRef clears the live slot holding ref.
func (r *Registry) UnmapRef(ref SessionRef) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.findRefLocked(ref)
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	r.clearLocked(c)
	c.mu.Unlock()
	return c.id, true
}

// clearLocked frees c's slot. Requires r.mu and c.mu.
func (r *Registry) clearLocked(c *conn) {
	if !c.removed {
		c.removed = true
		r.live--
	}
	r.slots[int(c.id-r.base)] = nil
}

// Remap points a live record at a new session handle without changing
// its id.
func (r *Registry) Remap(id uint16, ref SessionRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.slotLocked(id)
	if c == nil {
		return fmt.Errorf("remap %d: %w", id, ErrConnGone)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return fmt.Errorf("remap %d: %w", id, ErrConnGone)
	}
	c.sessionRef = ref
	return nil
}

// SetAuxRef attaches a correlation handle (a handover reference) to a
// live record.
func (r *Registry) SetAuxRef(id uint16, aux any) error {
	c, err := r.lockLive(id)
	if err != nil {
		return fmt.Errorf("set aux ref %d: %w", id, err)
	}
	defer c.mu.Unlock()
	c.auxRef = aux
	return nil
}

// Find returns a copy of the live record for id.
func (r *Registry) Find(id uint16) (ConnInfo, bool) {
	c, err := r.lockLive(id)
	if err != nil {
		return ConnInfo{}, false
	}
	defer c.mu.Unlock()
	return c.infoLocked(), true
}

// FindRef returns the live record holding ref.
func (r *Registry) FindRef(ref SessionRef) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := r.findRefLocked(ref)
	if c == nil {
		return ConnInfo{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked(), true
}

// FindByAuxRef returns the live record carrying the correlation handle.
func (r *Registry) FindByAuxRef(aux any) (ConnInfo, bool) {
	if aux == nil {
		return ConnInfo{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		if !c.removed && c.auxRef == aux {
			info := c.infoLocked()
			c.mu.Unlock()
			return info, true
		}
		c.mu.Unlock()
	}
	return ConnInfo{}, false
}

// InGrace reports whether id is held in its post-release grace period.
func (r *Registry) InGrace(id uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := r.slotLocked(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Snapshot returns copies of every occupied slot, live or in grace,
// ordered by id.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnInfo, 0, r.live)
	for _, c := range r.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		out = append(out, c.infoLocked())
		c.mu.Unlock()
	}
	return out
}

// IDs returns the ids of live records.
func (r *Registry) IDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint16, 0, r.live)
	for _, c := range r.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		if !c.removed {
			ids = append(ids, c.id)
		}
		c.mu.Unlock()
	}
	return ids
}

// Purge clears every slot, including grace-period ones, and returns how
// many live records were dropped. Used when the transport is reset and the
// peer's id space starts over.
func (r *Registry) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for _, c := range r.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		if !c.removed {
			dropped++
		}
		r.clearLocked(c)
		c.mu.Unlock()
	}
	r.last = len(r.slots) - 1
	return dropped
}

// -------------------------------------------------------------------------
// Internal lookups
// -------------------------------------------------------------------------

// slotLocked returns the occupant of id's slot. Requires r.mu.
func (r *Registry) slotLocked(id uint16) *conn {
	if !r.Contains(id) {
		return nil
	}
	return r.slots[int(id-r.base)]
}

// findRefLocked returns the live record holding ref. Requires r.mu.
func (r *Registry) findRefLocked(ref SessionRef) *conn {
	if ref == nil {
		return nil
	}
	for _, c := range r.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		match := !c.removed && c.sessionRef == ref
		c.mu.Unlock()
		if match {
			return c
		}
	}
	return nil
}

// lockLive returns the live record for id with its lock held. The caller
// must unlock it.
func (r *Registry) lockLive(id uint16) (*conn, error) {
	r.mu.RLock()
	c := r.slotLocked(id)
	if c == nil {
		r.mu.RUnlock()
		return nil, ErrConnGone
	}
	c.mu.Lock()
	r.mu.RUnlock()
	if c.removed {
		c.mu.Unlock()
		return nil, ErrConnGone
	}
	return c, nil
}
