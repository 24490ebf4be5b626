// Package config loads and validates the caretsync daemon configuration.
//
// Configuration comes from an optional TOML file plus command-line overrides.
// Role-dependent blanks (address, source labels) are filled from the mode, so
// a minimal configuration is just `mode = "dial"`.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Modes.
const (
	ModeListen = "listen"
	ModeDial   = "dial"
)

// DefaultPort is the rendezvous port when no address is configured.
const DefaultPort = 3000

// Default source labels per role.
const (
	SourceListen = "host-a"
	SourceDial   = "host-b"
)

// Config is the daemon configuration.
type Config struct {
	// Mode is "listen" (bind the rendezvous port) or "dial" (connect to
	// the peer).
	Mode string `toml:"mode"`

	// Addr is the bind address in listen mode, or the peer address in
	// dial mode. Blank selects the default port on localhost.
	Addr string `toml:"addr"`

	// Path is the websocket endpoint path.
	Path string `toml:"path"`

	// Source is the label stamped on outbound messages. PeerSource is the
	// label required on inbound messages; anything else is dropped.
	Source     string `toml:"source"`
	PeerSource string `toml:"peer_source"`

	// DedupWindowMS is the inbound duplicate window in milliseconds.
	DedupWindowMS int `toml:"dedup_window_ms"`

	// GuardGraceMS and GuardLimitMS tune the re-entrancy guard: how long
	// it stays held after a programmatic caret move settles, and the
	// bound after which it force-releases.
	GuardGraceMS int `toml:"guard_grace_ms"`
	GuardLimitMS int `toml:"guard_limit_ms"`

	// HandshakeTimeoutMS bounds one dial attempt.
	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`

	// InitialBackoffMS and MaxBackoffMS shape the reconnect delay curve.
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`

	// Journal is the path of the position journal. Blank disables it.
	Journal string `toml:"journal"`

	// Discovery enables mDNS announcement (listen) and peer lookup (dial
	// with a blank Addr).
	Discovery bool `toml:"discovery"`

	// MetricsAddr exposes Prometheus metrics when non-blank.
	MetricsAddr string `toml:"metrics_addr"`

	// Log configures logging.
	Log LogConfig `toml:"log"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `toml:"level"`

	// Format is json or console.
	Format string `toml:"format"`
}

// Default returns the baseline configuration before role-dependent fills.
func Default() Config {
	return Config{
		Mode:               ModeListen,
		Path:               "/sync",
		DedupWindowMS:      250,
		GuardGraceMS:       100,
		GuardLimitMS:       2000,
		HandshakeTimeoutMS: 5000,
		InitialBackoffMS:   1000,
		MaxBackoffMS:       30000,
		Log:                LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads a TOML file over the defaults. A missing file is not an error;
// the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize fills role-dependent blanks. Call after overrides are applied
// and before Validate.
func (c *Config) Normalize() {
	if c.Addr == "" {
		if c.Mode == ModeDial {
			// Blank stays blank when discovery will supply the peer.
			if !c.Discovery {
				c.Addr = fmt.Sprintf("localhost:%d", DefaultPort)
			}
		} else {
			c.Addr = fmt.Sprintf(":%d", DefaultPort)
		}
	}
	if c.Source == "" {
		if c.Mode == ModeDial {
			c.Source = SourceDial
		} else {
			c.Source = SourceListen
		}
	}
	if c.PeerSource == "" {
		if c.Source == SourceDial {
			c.PeerSource = SourceListen
		} else {
			c.PeerSource = SourceDial
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Mode != ModeListen && c.Mode != ModeDial {
		return fmt.Errorf("invalid mode %q: want %q or %q", c.Mode, ModeListen, ModeDial)
	}
	if c.Addr == "" && !(c.Mode == ModeDial && c.Discovery) {
		return errors.New("addr is required")
	}
	if c.Source == c.PeerSource {
		return fmt.Errorf("source and peer_source are both %q: the sides must differ", c.Source)
	}
	if c.DedupWindowMS < 0 || c.GuardGraceMS < 0 || c.GuardLimitMS < 0 {
		return errors.New("time windows must not be negative")
	}
	if c.InitialBackoffMS <= 0 || c.MaxBackoffMS < c.InitialBackoffMS {
		return errors.New("backoff range is inverted")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}
