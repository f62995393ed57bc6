// Package config manages evilbts configuration using koanf/v2.
//
// Supports YAML files and environment variables. The same file serves the
// daemon and the radio simulator it spawns.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/security-geeks/evilbts/internal/l3"
	"github.com/security-geeks/evilbts/internal/radiosim"
	"github.com/security-geeks/evilbts/internal/subscriber"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete evilbts configuration.
type Config struct {
	API         APIConfig          `koanf:"api"`
	Metrics     MetricsConfig      `koanf:"metrics"`
	Log         LogConfig          `koanf:"log"`
	Link        LinkConfig         `koanf:"link"`
	Peer        PeerConfig         `koanf:"peer"`
	Store       StoreConfig        `koanf:"store"`
	Network     NetworkConfig      `koanf:"network"`
	Simulator   SimulatorConfig    `koanf:"simulator"`
	Subscribers []SubscriberConfig `koanf:"subscribers"`
}

// APIConfig holds the status service and event feed listener.
type APIConfig struct {
	// Addr is the ConnectRPC listen address (e.g., ":50061").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// LinkConfig tunes the signaling link. Timings are bounded by the ybts
// package limits.
type LinkConfig struct {
	HandshakeTimeout    time.Duration `koanf:"handshake_timeout"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `koanf:"heartbeat_timeout"`
	TickInterval        time.Duration `koanf:"tick_interval"`
	CircuitSlots        int           `koanf:"circuit_slots"`
	GprsSlots           int           `koanf:"gprs_slots"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	DeferredIdleTimeout time.Duration `koanf:"deferred_idle_timeout"`
	ReleaseGrace        time.Duration `koanf:"release_grace"`
	AuthTimeout         time.Duration `koanf:"auth_timeout"`
	MediaTimeout        time.Duration `koanf:"media_timeout"`
	RestartMinBackoff   time.Duration `koanf:"restart_min_backoff"`
	RestartMaxBackoff   time.Duration `koanf:"restart_max_backoff"`
}

// Core returns the ybts configuration for role.
func (c LinkConfig) Core(role ybts.Role) ybts.Config {
	return ybts.Config{
		Role:                role,
		HandshakeTimeout:    c.HandshakeTimeout,
		HeartbeatInterval:   c.HeartbeatInterval,
		HeartbeatTimeout:    c.HeartbeatTimeout,
		TickInterval:        c.TickInterval,
		CircuitSlots:        c.CircuitSlots,
		GprsSlots:           c.GprsSlots,
		IdleTimeout:         c.IdleTimeout,
		DeferredIdleTimeout: c.DeferredIdleTimeout,
		ReleaseGrace:        c.ReleaseGrace,
		AuthTimeout:         c.AuthTimeout,
		MediaTimeout:        c.MediaTimeout,
		RestartMinBackoff:   c.RestartMinBackoff,
		RestartMaxBackoff:   c.RestartMaxBackoff,
	}
}

// Peer modes.
const (
	// PeerExec spawns Path as a child process with the link descriptors.
	PeerExec = "exec"
	// PeerBuiltin runs the radio simulator inside the daemon.
	PeerBuiltin = "builtin"
)

// PeerConfig selects how the radio side is started.
type PeerConfig struct {
	Mode        string        `koanf:"mode"`
	Path        string        `koanf:"path"`
	Args        []string      `koanf:"args"`
	StopTimeout time.Duration `koanf:"stop_timeout"`
}

// StoreConfig holds the persistence settings.
type StoreConfig struct {
	Path string `koanf:"path"`
	// JournalRetention bounds the age of journal rows. Zero keeps all.
	JournalRetention time.Duration `koanf:"journal_retention"`
}

// NetworkConfig holds the mobility management policy.
type NetworkConfig struct {
	MCC          string `koanf:"mcc"`
	MNC          string `koanf:"mnc"`
	LAC          uint16 `koanf:"lac"`
	Authenticate bool   `koanf:"authenticate"`
	// GSMOnly answers challenges with 2G vectors (no AUTN).
	GSMOnly bool   `koanf:"gsm_only"`
	Gprs    bool   `koanf:"gprs"`
	PdpPool string `koanf:"pdp_pool"`
}

// LAI returns the configured location area.
func (c NetworkConfig) LAI() l3.LAI {
	return l3.LAI{MCC: c.MCC, MNC: c.MNC, LAC: c.LAC}
}

// Pool parses PdpPool. An empty pool yields the zero prefix.
func (c NetworkConfig) Pool() (netip.Prefix, error) {
	if c.PdpPool == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(c.PdpPool)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse network.pdp_pool %q: %w", c.PdpPool, err)
	}
	return p.Masked(), nil
}

// SimulatorConfig describes the simulated radio side.
type SimulatorConfig struct {
	Stagger  time.Duration            `koanf:"stagger"`
	Gprs     bool                     `koanf:"gprs"`
	Handsets []radiosim.HandsetConfig `koanf:"handsets"`
}

// Radiosim returns the simulator configuration, with the radio-side link
// derived from c.
func (c *Config) Radiosim() radiosim.Config {
	rc := radiosim.DefaultConfig()
	rc.Core = c.Link.Core(ybts.RoleInitiator)
	rc.LAI = c.Network.LAI()
	rc.Stagger = c.Simulator.Stagger
	rc.Gprs = c.Simulator.Gprs
	rc.Handsets = append([]radiosim.HandsetConfig(nil), c.Simulator.Handsets...)
	return rc
}

// SubscriberConfig provisions one subscriber in the store on startup and
// on SIGHUP reload.
type SubscriberConfig struct {
	IMSI   string `koanf:"imsi"`
	MSISDN string `koanf:"msisdn"`
	Ki     string `koanf:"ki"`
	OPc    string `koanf:"opc"`
	AMF    uint16 `koanf:"amf"`
	Barred bool   `koanf:"barred"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults. The link
// timings match ybts.DefaultConfig.
func DefaultConfig() *Config {
	core := ybts.DefaultConfig()
	return &Config{
		API: APIConfig{
			Addr: ":50061",
		},
		Metrics: MetricsConfig{
			Addr: ":9110",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Link: LinkConfig{
			HandshakeTimeout:    core.HandshakeTimeout,
			HeartbeatInterval:   core.HeartbeatInterval,
			HeartbeatTimeout:    core.HeartbeatTimeout,
			TickInterval:        core.TickInterval,
			CircuitSlots:        core.CircuitSlots,
			GprsSlots:           core.GprsSlots,
			IdleTimeout:         core.IdleTimeout,
			DeferredIdleTimeout: core.DeferredIdleTimeout,
			ReleaseGrace:        core.ReleaseGrace,
			AuthTimeout:         core.AuthTimeout,
			MediaTimeout:        core.MediaTimeout,
			RestartMinBackoff:   core.RestartMinBackoff,
			RestartMaxBackoff:   core.RestartMaxBackoff,
		},
		Peer: PeerConfig{
			Mode:        PeerExec,
			Path:        "/usr/local/bin/evilbts-radiosim",
			StopTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Path:             "/var/lib/evilbts/evilbts.db",
			JournalRetention: 7 * 24 * time.Hour,
		},
		Network: NetworkConfig{
			MCC:          "001",
			MNC:          "01",
			LAC:          1,
			Authenticate: true,
			Gprs:         true,
			PdpPool:      "10.45.0.0/24",
		},
		Simulator: SimulatorConfig{
			Stagger: 200 * time.Millisecond,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for evilbts configuration.
// Variables are named EVILBTS_<section>_<key>, e.g., EVILBTS_API_ADDR.
const envPrefix = "EVILBTS_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (EVILBTS_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping (the first underscore after the prefix
// separates the section from the key):
//
//	EVILBTS_API_ADDR                -> api.addr
//	EVILBTS_LOG_LEVEL               -> log.level
//	EVILBTS_LINK_HEARTBEAT_INTERVAL -> link.heartbeat_interval
//	EVILBTS_PEER_MODE               -> peer.mode
//	EVILBTS_STORE_PATH              -> store.path
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms EVILBTS_LINK_IDLE_TIMEOUT -> link.idle_timeout.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"api.addr":                   d.API.Addr,
		"metrics.addr":               d.Metrics.Addr,
		"metrics.path":               d.Metrics.Path,
		"log.level":                  d.Log.Level,
		"log.format":                 d.Log.Format,
		"link.handshake_timeout":     d.Link.HandshakeTimeout.String(),
		"link.heartbeat_interval":    d.Link.HeartbeatInterval.String(),
		"link.heartbeat_timeout":     d.Link.HeartbeatTimeout.String(),
		"link.tick_interval":         d.Link.TickInterval.String(),
		"link.circuit_slots":         d.Link.CircuitSlots,
		"link.gprs_slots":            d.Link.GprsSlots,
		"link.idle_timeout":          d.Link.IdleTimeout.String(),
		"link.deferred_idle_timeout": d.Link.DeferredIdleTimeout.String(),
		"link.release_grace":         d.Link.ReleaseGrace.String(),
		"link.auth_timeout":          d.Link.AuthTimeout.String(),
		"link.media_timeout":         d.Link.MediaTimeout.String(),
		"link.restart_min_backoff":   d.Link.RestartMinBackoff.String(),
		"link.restart_max_backoff":   d.Link.RestartMaxBackoff.String(),
		"peer.mode":                  d.Peer.Mode,
		"peer.path":                  d.Peer.Path,
		"peer.stop_timeout":          d.Peer.StopTimeout.String(),
		"store.path":                 d.Store.Path,
		"store.journal_retention":    d.Store.JournalRetention.String(),
		"network.mcc":                d.Network.MCC,
		"network.mnc":                d.Network.MNC,
		"network.lac":                d.Network.LAC,
		"network.authenticate":       d.Network.Authenticate,
		"network.gsm_only":           d.Network.GSMOnly,
		"network.gprs":               d.Network.Gprs,
		"network.pdp_pool":           d.Network.PdpPool,
		"simulator.stagger":          d.Simulator.Stagger.String(),
		"simulator.gprs":             d.Simulator.Gprs,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAPIAddr indicates the status service listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidLink wraps a link timing or table size outside its bounds.
	ErrInvalidLink = errors.New("invalid link settings")

	// ErrInvalidPeerMode indicates an unknown peer.mode.
	ErrInvalidPeerMode = errors.New("peer.mode must be exec or builtin")

	// ErrEmptyPeerPath indicates exec mode without a binary.
	ErrEmptyPeerPath = errors.New("peer.path must not be empty in exec mode")

	// ErrEmptyStorePath indicates the database path is empty.
	ErrEmptyStorePath = errors.New("store.path must not be empty")

	// ErrInvalidPLMN indicates a malformed MCC or MNC.
	ErrInvalidPLMN = errors.New("network.mcc must be 3 digits and network.mnc 2 or 3")

	// ErrInvalidPdpPool indicates an unusable PDP address pool.
	ErrInvalidPdpPool = errors.New("network.pdp_pool must be an IPv4 prefix of at most /30")

	// ErrInvalidSubscriber indicates a malformed subscriber or handset entry.
	ErrInvalidSubscriber = errors.New("invalid subscriber")

	// ErrDuplicateIMSI indicates two entries share an IMSI.
	ErrDuplicateIMSI = errors.New("duplicate imsi")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if err := cfg.Link.Core(ybts.RoleResponder).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}

	switch cfg.Peer.Mode {
	case PeerExec:
		if cfg.Peer.Path == "" {
			return ErrEmptyPeerPath
		}
	case PeerBuiltin:
	default:
		return fmt.Errorf("peer.mode %q: %w", cfg.Peer.Mode, ErrInvalidPeerMode)
	}

	if cfg.Store.Path == "" {
		return ErrEmptyStorePath
	}

	if err := validateNetwork(cfg.Network); err != nil {
		return err
	}

	if err := validateSubscribers(cfg.Subscribers); err != nil {
		return err
	}

	return validateHandsets(cfg.Simulator.Handsets)
}

func validateNetwork(n NetworkConfig) error {
	if !digits(n.MCC, 3, 3) || !digits(n.MNC, 2, 3) {
		return fmt.Errorf("plmn %s-%s: %w", n.MCC, n.MNC, ErrInvalidPLMN)
	}
	if !n.Gprs {
		return nil
	}
	p, err := n.Pool()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPdpPool, err)
	}
	if !p.Addr().Is4() || p.Bits() > 30 {
		return fmt.Errorf("pool %s: %w", p, ErrInvalidPdpPool)
	}
	return nil
}

func validateSubscribers(subs []SubscriberConfig) error {
	seen := make(map[string]struct{}, len(subs))
	for i, s := range subs {
		if !digits(s.IMSI, 6, 15) {
			return fmt.Errorf("subscribers[%d] imsi %q: %w", i, s.IMSI, ErrInvalidSubscriber)
		}
		if _, err := subscriber.ParseKeys(s.Ki, s.OPc, s.AMF); err != nil {
			return fmt.Errorf("subscribers[%d]: %w: %w", i, ErrInvalidSubscriber, err)
		}
		if _, dup := seen[s.IMSI]; dup {
			return fmt.Errorf("subscribers[%d] imsi %s: %w", i, s.IMSI, ErrDuplicateIMSI)
		}
		seen[s.IMSI] = struct{}{}
	}
	return nil
}

func validateHandsets(hs []radiosim.HandsetConfig) error {
	seen := make(map[string]struct{}, len(hs))
	for i, h := range hs {
		if !digits(h.IMSI, 6, 15) {
			return fmt.Errorf("simulator.handsets[%d] imsi %q: %w", i, h.IMSI, ErrInvalidSubscriber)
		}
		if _, err := subscriber.ParseKeys(h.Ki, h.OPc, h.AMF); err != nil {
			return fmt.Errorf("simulator.handsets[%d]: %w: %w", i, ErrInvalidSubscriber, err)
		}
		if _, dup := seen[h.IMSI]; dup {
			return fmt.Errorf("simulator.handsets[%d] imsi %s: %w", i, h.IMSI, ErrDuplicateIMSI)
		}
		seen[h.IMSI] = struct{}{}
	}
	return nil
}

func digits(s string, lo, hi int) bool {
	if len(s) < lo || len(s) > hi {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
