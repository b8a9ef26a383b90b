// Package config provides TOML configuration file loading and parsing for the
// display daemon. The configuration file lives at ~/.dispctl/config.toml by
// default, but can be overridden with the --config flag. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/dispctl/host/internal/controller"
	"github.com/dispctl/host/internal/display"
	apperrors "github.com/dispctl/host/internal/errors"
)

// Config represents the daemon configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// DisplayID is the logical display this daemon controls.
	// Default: 0 (the default display)
	DisplayID int `toml:"display_id"`

	// PhysicalDisplayID names the panel in logs and stats.
	// Default: local:0
	PhysicalDisplayID string `toml:"physical_display_id"`

	// Addr is the host:port for the HTTP and WebSocket API.
	// Default: 127.0.0.1:7171
	Addr string `toml:"addr"`

	// StateDB is the path to the SQLite database for settings and stats.
	// Default: ~/.dispctl/dispctl.db
	StateDB string `toml:"state_db"`

	// LogLevel controls logging verbosity: trace, debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFile redirects logs away from stderr when set.
	LogFile string `toml:"log_file"`

	// MdnsEnabled advertises the API as _dispctl._tcp on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// MdnsName is the advertised instance name. Default: hostname
	MdnsName string `toml:"mdns_name"`

	// TLS serves the API over HTTPS and WSS with a self-signed certificate.
	// Default: false
	TLS bool `toml:"tls"`

	// TLSCert and TLSKey locate the certificate pair, generated on first
	// start when missing. Default: ~/.dispctl/certs/dispctl.{crt,key}
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// APITokenHash is a bcrypt hash of the bearer token mutating API calls
	// must present. Empty disables authentication.
	APITokenHash string `toml:"api_token_hash"`

	// RequestsPerSecond limits mutating API calls. Default: 20
	RequestsPerSecond float64 `toml:"requests_per_second"`

	// StatsRetentionDays drops stats rows older than this. Default: 14
	StatsRetentionDays int `toml:"stats_retention_days"`

	// BlockSuspend holds a logind sleep inhibitor while the controller
	// holds wake locks. Default: false
	BlockSuspend bool `toml:"block_suspend"`

	// InitialState is the panel state at startup: on or off. Default: on
	InitialState string `toml:"initial_state"`

	Brightness BrightnessSection `toml:"brightness"`
	Ramp       RampSection       `toml:"ramp"`
	ColorFade  ColorFadeSection  `toml:"color_fade"`
	Gates      GatesSection      `toml:"gates"`
	Blanker    BlankerSection    `toml:"blanker"`
	Proximity  ProximitySection  `toml:"proximity"`
}

// BrightnessSection is the [brightness] table. Values are in [0, 1].
type BrightnessSection struct {
	Min     *float64 `toml:"min"`
	Max     *float64 `toml:"max"`
	Default *float64 `toml:"default"`
	Dim     *float64 `toml:"dim"`
	Doze    *float64 `toml:"doze"`
	MaxNits *float64 `toml:"max_nits"`
}

// RampSection is the [ramp] table. Rates are brightness units per second.
type RampSection struct {
	FastIncrease     *float64 `toml:"fast_increase"`
	FastDecrease     *float64 `toml:"fast_decrease"`
	SlowIncrease     *float64 `toml:"slow_increase"`
	SlowDecrease     *float64 `toml:"slow_decrease"`
	SlowIncreaseIdle *float64 `toml:"slow_increase_idle"`
	SlowDecreaseIdle *float64 `toml:"slow_decrease_idle"`

	IncreaseMaxMs     *int `toml:"increase_max_ms"`
	DecreaseMaxMs     *int `toml:"decrease_max_ms"`
	IncreaseMaxIdleMs *int `toml:"increase_max_idle_ms"`
	DecreaseMaxIdleMs *int `toml:"decrease_max_idle_ms"`

	SkipScreenOnRamp bool `toml:"skip_screen_on_ramp"`
	RefreshBoost     bool `toml:"refresh_boost"`
}

// ColorFadeSection is the [color_fade] table.
type ColorFadeSection struct {
	Disabled        bool `toml:"disabled"`
	WarmUp          bool `toml:"warm_up"`
	OnAnimation     bool `toml:"on_animation"`
	BlanksAfterDoze bool `toml:"blanks_after_doze"`
}

// GatesSection is the [gates] table.
type GatesSection struct {
	ScreenOffAckRequired bool `toml:"screen_off_ack_required"`
}

// BlankerSection is the [blanker] table.
type BlankerSection struct {
	// Kind is log, sysfs or logind. Default: log
	Kind string `toml:"kind"`
	// Device is the backlight name under /sys/class/backlight.
	Device string `toml:"device"`
	// Async applies panel writes off the control loop.
	Async bool `toml:"async"`
}

// ProximitySection is the [proximity] table.
type ProximitySection struct {
	// Enabled exposes a sensor fed through the API.
	Enabled bool `toml:"enabled"`
}

// DefaultConfigDir returns ~/.dispctl.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".dispctl"), nil
}

// DefaultConfigPath returns the default config file location: ~/.dispctl/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// WriteDefault creates a config file with starter values at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# dispctl configuration
# Created by 'dispctl start'

addr = %q
log_level = %q

[blanker]
kind = %q

[brightness]
default = 0.4
`, DefaultAddr, DefaultLogLevel, DefaultBlanker)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.dispctl/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.CodeConfigLoadFailed, fmt.Sprintf("config file not found: %s", path))
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigLoadFailed, fmt.Sprintf("failed to parse config file %s", path), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logrus.WithField("component", "config").Warnf("ignoring unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks value ranges. It returns the first problem as a
// config.invalid error.
func (c *Config) Validate() error {
	unit := func(field string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return apperrors.ConfigInvalid(field, "must be within [0, 1]")
		}
		return nil
	}
	b := c.Brightness
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"brightness.min", b.Min},
		{"brightness.max", b.Max},
		{"brightness.default", b.Default},
		{"brightness.dim", b.Dim},
		{"brightness.doze", b.Doze},
	} {
		if err := unit(f.name, f.v); err != nil {
			return err
		}
	}
	if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
		return apperrors.ConfigInvalid("brightness.min", "must not exceed brightness.max")
	}
	if b.MaxNits != nil && *b.MaxNits <= 0 {
		return apperrors.ConfigInvalid("brightness.max_nits", "must be positive")
	}

	r := c.Ramp
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"ramp.fast_increase", r.FastIncrease},
		{"ramp.fast_decrease", r.FastDecrease},
		{"ramp.slow_increase", r.SlowIncrease},
		{"ramp.slow_decrease", r.SlowDecrease},
		{"ramp.slow_increase_idle", r.SlowIncreaseIdle},
		{"ramp.slow_decrease_idle", r.SlowDecreaseIdle},
	} {
		if f.v != nil && *f.v < 0 {
			return apperrors.ConfigInvalid(f.name, "must not be negative")
		}
	}
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"ramp.increase_max_ms", r.IncreaseMaxMs},
		{"ramp.decrease_max_ms", r.DecreaseMaxMs},
		{"ramp.increase_max_idle_ms", r.IncreaseMaxIdleMs},
		{"ramp.decrease_max_idle_ms", r.DecreaseMaxIdleMs},
	} {
		if f.v != nil && *f.v < 0 {
			return apperrors.ConfigInvalid(f.name, "must not be negative")
		}
	}

	switch c.Blanker.Kind {
	case "", "log", "logind":
	case "sysfs":
		if c.Blanker.Device == "" {
			return apperrors.ConfigInvalid("blanker.device", "required for the sysfs blanker")
		}
	default:
		return apperrors.ConfigInvalid("blanker.kind", fmt.Sprintf("unknown blanker %q", c.Blanker.Kind))
	}

	switch strings.ToLower(c.InitialState) {
	case "", "on", "off":
	default:
		return apperrors.ConfigInvalid("initial_state", "must be on or off")
	}

	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return apperrors.ConfigInvalid("log_level", err.Error())
		}
	}
	if c.DisplayID < 0 {
		return apperrors.ConfigInvalid("display_id", "must not be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return apperrors.ConfigInvalid("tls_cert", "tls_cert and tls_key must be set together")
	}
	if c.APITokenHash != "" && !strings.HasPrefix(c.APITokenHash, "$2") {
		return apperrors.ConfigInvalid("api_token_hash", "must be a bcrypt hash")
	}
	if c.RequestsPerSecond < 0 {
		return apperrors.ConfigInvalid("requests_per_second", "must not be negative")
	}
	return nil
}

// Controller maps the file values onto the controller defaults.
func (c *Config) Controller() controller.Config {
	out := controller.DefaultConfig()
	out.DisplayID = c.DisplayID
	if c.PhysicalDisplayID != "" {
		out.PhysicalDisplayID = c.PhysicalDisplayID
	}
	if strings.EqualFold(c.InitialState, "off") {
		out.InitialScreenState = display.ScreenOff
	}
	out.AsyncPanelWrites = c.Blanker.Async

	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setD := func(dst *time.Duration, ms *int) {
		if ms != nil {
			*dst = time.Duration(*ms) * time.Millisecond
		}
	}

	b := c.Brightness
	setF(&out.Brightness.Min, b.Min)
	setF(&out.Brightness.Max, b.Max)
	setF(&out.Brightness.Default, b.Default)
	setF(&out.Brightness.Dim, b.Dim)
	setF(&out.Brightness.Doze, b.Doze)
	setF(&out.Brightness.MaxNits, b.MaxNits)

	r := c.Ramp
	setF(&out.Ramp.FastIncrease, r.FastIncrease)
	setF(&out.Ramp.FastDecrease, r.FastDecrease)
	setF(&out.Ramp.SlowIncrease, r.SlowIncrease)
	setF(&out.Ramp.SlowDecrease, r.SlowDecrease)
	setF(&out.Ramp.SlowIncreaseIdle, r.SlowIncreaseIdle)
	setF(&out.Ramp.SlowDecreaseIdle, r.SlowDecreaseIdle)
	setD(&out.Ramp.IncreaseMax, r.IncreaseMaxMs)
	setD(&out.Ramp.DecreaseMax, r.DecreaseMaxMs)
	setD(&out.Ramp.IncreaseMaxIdle, r.IncreaseMaxIdleMs)
	setD(&out.Ramp.DecreaseMaxIdle, r.DecreaseMaxIdleMs)
	out.Ramp.SkipScreenOnBrightnessRamp = r.SkipScreenOnRamp
	out.Ramp.RefreshBoost = r.RefreshBoost

	out.ColorFade.Enabled = !c.ColorFade.Disabled
	out.ColorFade.Fades = !c.ColorFade.WarmUp
	out.ColorFade.OnAnimation = c.ColorFade.OnAnimation
	out.ColorFade.BlanksAfterDoze = c.ColorFade.BlanksAfterDoze

	out.Gates.ScreenOffAckRequired = c.Gates.ScreenOffAckRequired
	return out
}

// ApplyDefaults fills daemon-level fields left empty.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Blanker.Kind == "" {
		c.Blanker.Kind = DefaultBlanker
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 20
	}
	if c.StatsRetentionDays == 0 {
		c.StatsRetentionDays = 14
	}
	if c.StateDB == "" {
		if dir, err := DefaultConfigDir(); err == nil {
			c.StateDB = filepath.Join(dir, "dispctl.db")
		}
	}
}
