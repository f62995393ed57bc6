package ybts_test

import (
	"errors"
	"testing"
	"time"

	"github.com/security-geeks/evilbts/internal/ybts"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*ybts.Config)
		wantErr error
	}{
		{"defaults", func(*ybts.Config) {}, nil},
		{"bad role", func(c *ybts.Config) { c.Role = 0 }, ybts.ErrInvalidRole},
		{"handshake too short", func(c *ybts.Config) { c.HandshakeTimeout = 5 * time.Second }, ybts.ErrInvalidHandshakeTimeout},
		{"handshake too long", func(c *ybts.Config) { c.HandshakeTimeout = 10 * time.Minute }, ybts.ErrInvalidHandshakeTimeout},
		{"heartbeat send zero", func(c *ybts.Config) { c.HeartbeatInterval = 0 }, ybts.ErrInvalidHeartbeat},
		{"heartbeat margin", func(c *ybts.Config) {
			c.HeartbeatInterval = 30 * time.Second
			c.HeartbeatTimeout = 33 * time.Second
		}, ybts.ErrInvalidHeartbeat},
		{"circuit overlaps gprs", func(c *ybts.Config) { c.CircuitSlots = 0x8001 }, ybts.ErrInvalidTableSize},
		{"zero tick", func(c *ybts.Config) { c.TickInterval = 0 }, ybts.ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := ybts.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
