package ybts

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the only handshake version this side speaks.
const ProtocolVersion uint8 = 0

// Role selects which side of the link the core plays.
type Role uint8

const (
	// RoleResponder is the network side: it waits for the peer's handshake
	// and adopts connection ids chosen by the peer.
	RoleResponder Role = iota + 1

	// RoleInitiator is the radio side: it sends the handshake first and
	// allocates connection ids.
	RoleInitiator
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "responder"
	case RoleInitiator:
		return "initiator"
	default:
		return unknownStr
	}
}

// Timing bounds accepted by Validate.
const (
	MinHandshakeTimeout = 20 * time.Second
	MaxHandshakeTimeout = 300 * time.Second
	MinHeartbeatSend    = 1 * time.Second
	MaxHeartbeatSend    = 120 * time.Second
	MinHeartbeatRecv    = 10 * time.Second
	MaxHeartbeatRecv    = 180 * time.Second

	// heartbeatMargin is how much longer the receive deadline must be
	// than the send interval.
	heartbeatMargin = 5 * time.Second
)

// Config holds the signaling core parameters.
type Config struct {
	Role Role

	// HandshakeTimeout bounds WaitHandshake.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how long the link may stay silent outbound
	// before a heartbeat is sent.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long the link may stay silent inbound while
	// Running.
	HeartbeatTimeout time.Duration

	// TickInterval is the housekeeping cadence.
	TickInterval time.Duration

	CircuitSlots int
	GprsSlots    int

	IdleTimeout         time.Duration
	DeferredIdleTimeout time.Duration
	ReleaseGrace        time.Duration
	AuthTimeout         time.Duration
	MediaTimeout        time.Duration

	// RestartMinBackoff and RestartMaxBackoff bound the delay before a
	// new transport is opened after a non-fatal close.
	RestartMinBackoff time.Duration
	RestartMaxBackoff time.Duration
}

// DefaultConfig returns the responder defaults.
func DefaultConfig() Config {
	return Config{
		Role:                RoleResponder,
		HandshakeTimeout:    60 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		TickInterval:        time.Second,
		CircuitSlots:        1024,
		GprsSlots:           256,
		IdleTimeout:         5 * time.Second,
		DeferredIdleTimeout: 30 * time.Second,
		ReleaseGrace:        5 * time.Second,
		AuthTimeout:         2 * time.Minute,
		MediaTimeout:        10 * time.Second,
		RestartMinBackoff:   time.Second,
		RestartMaxBackoff:   30 * time.Second,
	}
}

// Config validation errors.
var (
	ErrInvalidRole             = errors.New("invalid role")
	ErrInvalidHandshakeTimeout = errors.New("handshake timeout out of range")
	ErrInvalidHeartbeat        = errors.New("heartbeat interval out of range")
	ErrInvalidTableSize        = errors.New("invalid connection table size")
	ErrInvalidInterval         = errors.New("interval must be > 0")
)

// Validate checks every field, including the timing bounds of the link.
func (c Config) Validate() error {
	if c.Role != RoleResponder && c.Role != RoleInitiator {
		return fmt.Errorf("role %d: %w", c.Role, ErrInvalidRole)
	}
	if c.HandshakeTimeout < MinHandshakeTimeout || c.HandshakeTimeout > MaxHandshakeTimeout {
		return fmt.Errorf("handshake timeout %s not in [%s, %s]: %w",
			c.HandshakeTimeout, MinHandshakeTimeout, MaxHandshakeTimeout, ErrInvalidHandshakeTimeout)
	}
	if c.HeartbeatInterval < MinHeartbeatSend || c.HeartbeatInterval > MaxHeartbeatSend {
		return fmt.Errorf("heartbeat interval %s not in [%s, %s]: %w",
			c.HeartbeatInterval, MinHeartbeatSend, MaxHeartbeatSend, ErrInvalidHeartbeat)
	}
	if c.HeartbeatTimeout < MinHeartbeatRecv || c.HeartbeatTimeout > MaxHeartbeatRecv {
		return fmt.Errorf("heartbeat timeout %s not in [%s, %s]: %w",
			c.HeartbeatTimeout, MinHeartbeatRecv, MaxHeartbeatRecv, ErrInvalidHeartbeat)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval+heartbeatMargin {
		return fmt.Errorf("heartbeat timeout %s must exceed interval %s by %s: %w",
			c.HeartbeatTimeout, c.HeartbeatInterval, heartbeatMargin, ErrInvalidHeartbeat)
	}
	if c.CircuitSlots < 1 || c.CircuitSlots > int(GprsConnBase) {
		return fmt.Errorf("circuit slots %d: %w", c.CircuitSlots, ErrInvalidTableSize)
	}
	if c.GprsSlots < 0 || c.GprsSlots > int(GprsConnBase) {
		return fmt.Errorf("gprs slots %d: %w", c.GprsSlots, ErrInvalidTableSize)
	}
	for name, d := range map[string]time.Duration{
		"tick interval":   c.TickInterval,
		"idle timeout":    c.IdleTimeout,
		"release grace":   c.ReleaseGrace,
		"auth timeout":    c.AuthTimeout,
		"media timeout":   c.MediaTimeout,
		"restart backoff": c.RestartMinBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s %s: %w", name, d, ErrInvalidInterval)
		}
	}
	return nil
}

func (c Config) lifecycle() LifecycleConfig {
	return LifecycleConfig{
		IdleTimeout:         c.IdleTimeout,
		DeferredIdleTimeout: c.DeferredIdleTimeout,
		ReleaseGrace:        c.ReleaseGrace,
	}
}
