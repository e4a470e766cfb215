// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/pia"
	"firestige.xyz/dpd/internal/session"
)

// Config represents the top-level configuration.
// Maps to the `dpd:` root key in YAML.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	PIA        PIAConfig        `mapstructure:"pia"`
	Analyzers  AnalyzersConfig  `mapstructure:"analyzers"`
	Signatures SignaturesConfig `mapstructure:"signatures"`
	Session    SessionConfig    `mapstructure:"session"`
}

// ─── PIA ───

// PIAConfig controls buffering and activation.
type PIAConfig struct {
	DPDEnabled         bool `mapstructure:"dpd_enabled"`
	MaxBufferSize      int  `mapstructure:"max_buffer_size"` // bytes per buffer, 0 never buffers
	MatchOnlyBeginning bool `mapstructure:"match_only_beginning"`
	SkipWhenExhausted  bool `mapstructure:"skip_when_exhausted"`
	ReplayPackets      bool `mapstructure:"replay_packets"` // TCP children get the packet buffer
}

// Options converts the section into pia.Options.
func (c PIAConfig) Options() pia.Options {
	return pia.Options{
		MaxBufferSize:      c.MaxBufferSize,
		DPDEnabled:         c.DPDEnabled,
		MatchOnlyBeginning: c.MatchOnlyBeginning,
		SkipWhenExhausted:  c.SkipWhenExhausted,
		ReplayPackets:      c.ReplayPackets,
	}
}

// ─── Analyzers ───

// AnalyzersConfig adjusts the analyzer registry.
type AnalyzersConfig struct {
	Disabled       []string `mapstructure:"disabled"`        // tags never activated
	PacketOriented []string `mapstructure:"packet_oriented"` // tags replayed packets on TCP
}

// ─── Signatures ───

// SignaturesConfig selects the rule sources.
type SignaturesConfig struct {
	Builtin bool     `mapstructure:"builtin"`
	Files   []string `mapstructure:"files"`
}

// ─── Session ───

// SessionConfig controls connection tracking.
type SessionConfig struct {
	TCPTimeout              time.Duration `mapstructure:"tcp_timeout"`
	UDPTimeout              time.Duration `mapstructure:"udp_timeout"`
	ClosedTimeout           time.Duration `mapstructure:"closed_timeout"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	MaxConnections          int           `mapstructure:"max_connections"` // 0 = unbounded
	MaxFragmentsPerIP       int           `mapstructure:"max_fragments_per_ip"`
	MaxBufferedPages        int           `mapstructure:"max_buffered_pages"`
	MaxBufferedPagesPerConn int           `mapstructure:"max_buffered_pages_per_conn"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dpd: ...`.
type configRoot struct {
	DPD Config `mapstructure:"dpd"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides.
// The YAML file uses `dpd:` as root key; env vars use the DPD_ prefix
// (e.g., DPD_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `dpd.` key prefix maps to `DPD_` in env vars via the key replacer
	// (e.g., key "dpd.log.level" → env "DPD_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.DPD

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "dpd." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("dpd.log.level", "info")
	v.SetDefault("dpd.log.format", "text")
	v.SetDefault("dpd.log.outputs.file.enabled", false)
	v.SetDefault("dpd.log.outputs.file.path", "/var/log/dpd/dpd.log")
	v.SetDefault("dpd.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dpd.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dpd.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dpd.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dpd.metrics.enabled", false)
	v.SetDefault("dpd.metrics.listen", ":9091")
	v.SetDefault("dpd.metrics.path", "/metrics")

	// PIA defaults
	def := pia.DefaultOptions()
	v.SetDefault("dpd.pia.dpd_enabled", def.DPDEnabled)
	v.SetDefault("dpd.pia.max_buffer_size", def.MaxBufferSize)
	v.SetDefault("dpd.pia.match_only_beginning", def.MatchOnlyBeginning)
	v.SetDefault("dpd.pia.skip_when_exhausted", def.SkipWhenExhausted)
	v.SetDefault("dpd.pia.replay_packets", def.ReplayPackets)

	// Signature defaults
	v.SetDefault("dpd.signatures.builtin", true)

	// Session defaults
	sd := session.DefaultConfig()
	v.SetDefault("dpd.session.tcp_timeout", sd.TCPTimeout.String())
	v.SetDefault("dpd.session.udp_timeout", sd.UDPTimeout.String())
	v.SetDefault("dpd.session.closed_timeout", sd.ClosedTimeout.String())
	v.SetDefault("dpd.session.sweep_interval", sd.SweepInterval.String())
	v.SetDefault("dpd.session.max_connections", sd.MaxConnections)
	v.SetDefault("dpd.session.max_fragments_per_ip", sd.MaxFragmentsPerIP)
	v.SetDefault("dpd.session.max_buffered_pages", sd.MaxBufferedPages)
	v.SetDefault("dpd.session.max_buffered_pages_per_conn", sd.MaxBufferedPagesPerConn)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// ValidateAndApplyDefaults validates configuration and normalizes values.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("log level %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("log format %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" || !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return invalid("metrics.path %q must start with /", cfg.Metrics.Path)
	}

	// ── PIA ──
	if cfg.PIA.MaxBufferSize < 0 {
		return invalid("pia.max_buffer_size must not be negative, got %d", cfg.PIA.MaxBufferSize)
	}

	// ── Signatures ──
	if cfg.PIA.DPDEnabled && !cfg.Signatures.Builtin && len(cfg.Signatures.Files) == 0 {
		return invalid("no signatures: enable signatures.builtin or list signatures.files")
	}

	// ── Session ──
	s := &cfg.Session
	for name, d := range map[string]time.Duration{
		"tcp_timeout":    s.TCPTimeout,
		"udp_timeout":    s.UDPTimeout,
		"closed_timeout": s.ClosedTimeout,
		"sweep_interval": s.SweepInterval,
	} {
		if d <= 0 {
			return invalid("session.%s must be positive, got %s", name, d)
		}
	}
	if s.MaxConnections < 0 || s.MaxFragmentsPerIP < 0 {
		return invalid("session limits must not be negative")
	}

	for _, tag := range append(append([]string(nil), cfg.Analyzers.Disabled...), cfg.Analyzers.PacketOriented...) {
		if tag == "" {
			return invalid("analyzers: empty tag")
		}
	}

	return nil
}

// EngineConfig converts the session and PIA sections into a session.Config.
func (cfg *Config) EngineConfig() session.Config {
	return session.Config{
		PIA:                     cfg.PIA.Options(),
		TCPTimeout:              cfg.Session.TCPTimeout,
		UDPTimeout:              cfg.Session.UDPTimeout,
		ClosedTimeout:           cfg.Session.ClosedTimeout,
		SweepInterval:           cfg.Session.SweepInterval,
		MaxConnections:          cfg.Session.MaxConnections,
		MaxFragmentsPerIP:       cfg.Session.MaxFragmentsPerIP,
		MaxBufferedPages:        cfg.Session.MaxBufferedPages,
		MaxBufferedPagesPerConn: cfg.Session.MaxBufferedPagesPerConn,
	}
}
