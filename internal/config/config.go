// Package config loads ntmd configuration: built-in defaults, then the TOML
// file, then NTMD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// Config is the complete daemon and CLI configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Tmux     TmuxConfig     `toml:"tmux"`
	Spawn    SpawnConfig    `toml:"spawn"`
	Recovery RecoveryConfig `toml:"recovery"`
	Status   StatusConfig   `toml:"status"`
	Profiles ProfilesConfig `toml:"profiles"`
	Bulk     BulkConfig     `toml:"bulk"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP transport settings
type ServerConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	RequestTimeout time.Duration `toml:"request_timeout"` // Upper bound for a single API call
	APIRate        float64       `toml:"api_rate"`        // Requests/second per client address, 0 disables
	APIBurst       int           `toml:"api_burst"`
	EventBuffer    int           `toml:"event_buffer"` // Emitter queue size before events are dropped
	EventHistory   int           `toml:"event_history"`
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For/X-Real-IP.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultServerConfig returns the loopback listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           7337,
		RequestTimeout: 60 * time.Second,
		APIRate:        20,
		APIBurst:       40,
		EventBuffer:    1024,
		EventHistory:   100,
	}
}

// TmuxConfig holds tmux-specific settings
type TmuxConfig struct {
	Binary         string        `toml:"binary"`
	Remote         string        `toml:"remote"` // "user@host" to drive tmux over ssh
	Prefix         string        `toml:"prefix"` // Managed session name prefix
	ListTimeout    time.Duration `toml:"list_timeout"`
	ProbeTimeout   time.Duration `toml:"probe_timeout"`
	LaunchTimeout  time.Duration `toml:"launch_timeout"`
	KillTimeout    time.Duration `toml:"kill_timeout"`
	CaptureTimeout time.Duration `toml:"capture_timeout"`
}

// DefaultTmuxConfig returns the stock tmux bounds.
func DefaultTmuxConfig() TmuxConfig {
	return TmuxConfig{
		Binary:         "tmux",
		Prefix:         terminal.DefaultPrefix,
		ListTimeout:    3 * time.Second,
		ProbeTimeout:   2 * time.Second,
		LaunchTimeout:  10 * time.Second,
		KillTimeout:    10 * time.Second,
		CaptureTimeout: 30 * time.Second,
	}
}

// SpawnConfig controls spawn admission and launch defaults.
type SpawnConfig struct {
	RateMax          int           `toml:"rate_max"`          // Accepted spawns per client per window
	RateWindow       time.Duration `toml:"rate_window"`       // Sliding window length
	ResumableDefault bool          `toml:"resumable_default"` // Back sessions with tmux unless told otherwise
	Platform         string        `toml:"platform"`          // "local", "containerized" or empty to detect
	Shell            string        `toml:"shell"`             // Shell for ephemeral sessions, default $SHELL
	ProfileTimeout   time.Duration `toml:"profile_timeout"`
	DefaultCols      int           `toml:"default_cols"`
	DefaultRows      int           `toml:"default_rows"`
}

// DefaultSpawnConfig returns sensible defaults for spawning.
func DefaultSpawnConfig() SpawnConfig {
	return SpawnConfig{
		RateMax:          10,
		RateWindow:       60 * time.Second,
		ResumableDefault: true,
		ProfileTimeout:   5 * time.Second,
		DefaultCols:      120,
		DefaultRows:      40,
	}
}

// RecoveryConfig controls startup reconciliation with tmux.
type RecoveryConfig struct {
	Enabled      bool          `toml:"enabled"`
	GracePeriod  time.Duration `toml:"grace_period"`  // Upper bound for the startup pass
	AutoReattach bool          `toml:"auto_reattach"` // Reattach orphans found at startup
	ListWait     time.Duration `toml:"list_wait"`     // How long list waits for recovery
}

// DefaultRecoveryConfig returns the startup recovery defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Enabled:      true,
		GracePeriod:  15 * time.Second,
		AutoReattach: true,
		ListWait:     3 * time.Second,
	}
}

// StatusConfig locates the agent status directory and its retention rules.
type StatusConfig struct {
	Dir             string        `toml:"dir"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
	MaxAge          time.Duration `toml:"max_age"`          // Any status record older than this is removed
	NonTmuxIdle     time.Duration `toml:"non_tmux_idle"`    // Inactive non-tmux records older than this are removed
	NonTmuxMaxAge   time.Duration `toml:"non_tmux_max_age"` // Non-tmux records older than this are removed
	DebugMaxAge     time.Duration `toml:"debug_max_age"`
	ContextMaxAge   time.Duration `toml:"context_max_age"`
	Watch           bool          `toml:"watch"` // Watch the directory instead of rescanning per query
}

// DefaultStatusConfig returns the retention defaults.
func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		Dir:             defaultStatusDir(),
		CleanupInterval: 5 * time.Minute,
		MaxAge:          7 * 24 * time.Hour,
		NonTmuxIdle:     time.Hour,
		NonTmuxMaxAge:   24 * time.Hour,
		DebugMaxAge:     time.Hour,
		ContextMaxAge:   time.Hour,
		Watch:           true,
	}
}

// ProfilesConfig points at the YAML profile file.
type ProfilesConfig struct {
	File string `toml:"file"`
}

// BulkConfig bounds reattach-many and kill-many.
type BulkConfig struct {
	Concurrency int           `toml:"concurrency"`
	Pace        time.Duration `toml:"pace"`         // Minimum gap between item starts
	KillTimeout time.Duration `toml:"kill_timeout"` // Default batch deadline when the caller gives none
}

// DefaultBulkConfig returns the bulk operation defaults.
func DefaultBulkConfig() BulkConfig {
	return BulkConfig{
		Concurrency: 4,
		Pace:        50 * time.Millisecond,
		KillTimeout: 30 * time.Second,
	}
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level       string   `toml:"level"`
	Development bool     `toml:"development"`
	OutputPaths []string `toml:"output_paths"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Tmux:     DefaultTmuxConfig(),
		Spawn:    DefaultSpawnConfig(),
		Recovery: DefaultRecoveryConfig(),
		Status:   DefaultStatusConfig(),
		Profiles: ProfilesConfig{File: filepath.Join(configDir(), "profiles.yaml")},
		Bulk:     DefaultBulkConfig(),
		Logging:  LoggingConfig{Level: "info", OutputPaths: []string{"stderr"}},
	}
}

// DefaultPath returns the config file location.
func DefaultPath() string {
	if env := os.Getenv("NTMD_CONFIG"); env != "" {
		return ExpandHome(env)
	}
	return filepath.Join(configDir(), "config.toml")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ntmd")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "ntmd")
}

func defaultStatusDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "ntmd", "status")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", "ntmd", "status")
}

// Load reads configuration from path (DefaultPath when empty).
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	// 1. Initialize with defaults
	cfg := Default()

	// 2. Read and unmarshal TOML over defaults
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// 3. Apply environment overrides (Env > TOML > Default)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Status.Dir = ExpandHome(cfg.Status.Dir)
	cfg.Profiles.File = ExpandHome(cfg.Profiles.File)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	if cfg.Server.APIRate < 0 {
		errs = append(errs, fmt.Errorf("server.api_rate must not be negative"))
	}
	for _, p := range cfg.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", p))
		}
	}
	if err := terminal.ValidatePrefix(cfg.Tmux.Prefix); err != nil {
		errs = append(errs, fmt.Errorf("tmux.prefix: %w", err))
	}
	positive("tmux.list_timeout", cfg.Tmux.ListTimeout)
	positive("tmux.probe_timeout", cfg.Tmux.ProbeTimeout)
	positive("tmux.launch_timeout", cfg.Tmux.LaunchTimeout)
	positive("tmux.kill_timeout", cfg.Tmux.KillTimeout)
	positive("tmux.capture_timeout", cfg.Tmux.CaptureTimeout)
	if cfg.Spawn.RateMax <= 0 {
		errs = append(errs, fmt.Errorf("spawn.rate_max must be positive, got %d", cfg.Spawn.RateMax))
	}
	positive("spawn.rate_window", cfg.Spawn.RateWindow)
	positive("spawn.profile_timeout", cfg.Spawn.ProfileTimeout)
	if p := cfg.Spawn.Platform; p != "" && !terminal.Platform(p).Valid() {
		errs = append(errs, fmt.Errorf("spawn.platform must be local or containerized, got %q", p))
	}
	positive("recovery.grace_period", cfg.Recovery.GracePeriod)
	positive("recovery.list_wait", cfg.Recovery.ListWait)
	if cfg.Status.Dir == "" {
		errs = append(errs, errors.New("status.dir is required"))
	}
	positive("status.cleanup_interval", cfg.Status.CleanupInterval)
	positive("status.max_age", cfg.Status.MaxAge)
	positive("status.non_tmux_idle", cfg.Status.NonTmuxIdle)
	positive("status.non_tmux_max_age", cfg.Status.NonTmuxMaxAge)
	positive("status.debug_max_age", cfg.Status.DebugMaxAge)
	positive("status.context_max_age", cfg.Status.ContextMaxAge)
	if cfg.Bulk.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("bulk.concurrency must be positive, got %d", cfg.Bulk.Concurrency))
	}
	if cfg.Bulk.Pace < 0 {
		errs = append(errs, fmt.Errorf("bulk.pace must not be negative"))
	}
	positive("bulk.kill_timeout", cfg.Bulk.KillTimeout)
	return errors.Join(errs...)
}

func validProxy(v string) bool {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}

// Print writes the effective configuration as TOML.
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# ntmd configuration")
	fmt.Fprintf(w, "# Loaded from %s plus NTMD_* environment overrides\n\n", DefaultPath())
	return toml.NewEncoder(w).Encode(cfg)
}

// ExpandHome expands ~ to the user's home directory
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}

	return path
}
