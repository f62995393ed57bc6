package radiosim

import (
	"time"

	"github.com/security-geeks/evilbts/internal/l3"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// HandsetConfig describes one simulated handset and its SIM.
type HandsetConfig struct {
	IMSI string `koanf:"imsi"`
	Ki   string `koanf:"ki"`
	OPc  string `koanf:"opc"`
	AMF  uint16 `koanf:"amf"`
	SQN  uint64 `koanf:"sqn"`
}

// Config holds the simulator settings.
type Config struct {
	// Core tunes the radio-side signaling core. Role is forced to
	// initiator.
	Core ybts.Config

	// LAI is the location area the handsets register in.
	LAI l3.LAI

	Handsets []HandsetConfig

	// Stagger separates the location updates of consecutive handsets.
	Stagger time.Duration

	// Gprs makes registered handsets attach and activate a PDP context.
	Gprs bool

	// OnStart, when set, receives the simulator before the link starts.
	OnStart func(*Sim) `koanf:"-"`
}

// DefaultConfig returns a simulator with no handsets.
func DefaultConfig() Config {
	cfg := ybts.DefaultConfig()
	cfg.Role = ybts.RoleInitiator
	return Config{
		Core:    cfg,
		LAI:     l3.LAI{MCC: "001", MNC: "01", LAC: 1},
		Stagger: 200 * time.Millisecond,
	}
}
