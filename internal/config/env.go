package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides lists every NTMD_* variable. Pointer fields stay nil when the
// variable is unset so only explicitly set values override the file.
type envOverrides struct {
	Host         *string        `envconfig:"HOST"`
	Port         *int           `envconfig:"PORT"`
	APIRate      *float64       `envconfig:"API_RATE"`
	Proxies      []string       `envconfig:"TRUSTED_PROXIES"`
	TmuxBinary   *string        `envconfig:"TMUX_BINARY"`
	TmuxRemote   *string        `envconfig:"TMUX_REMOTE"`
	TmuxPrefix   *string        `envconfig:"TMUX_PREFIX"`
	RateMax      *int           `envconfig:"SPAWN_RATE_MAX"`
	RateWindow   *time.Duration `envconfig:"SPAWN_RATE_WINDOW"`
	Resumable    *bool          `envconfig:"SPAWN_RESUMABLE"`
	Platform     *string        `envconfig:"PLATFORM"`
	Recovery     *bool          `envconfig:"RECOVERY_ENABLED"`
	AutoReattach *bool          `envconfig:"RECOVERY_AUTO_REATTACH"`
	StatusDir    *string        `envconfig:"STATUS_DIR"`
	StatusWatch  *bool          `envconfig:"STATUS_WATCH"`
	ProfilesFile *string        `envconfig:"PROFILES_FILE"`
	LogLevel     *string        `envconfig:"LOG_LEVEL"`
	LogDev       *bool          `envconfig:"LOG_DEV"`
}

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "NTMD"

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading %s_* environment: %w", EnvPrefix, err)
	}
	setString(&cfg.Server.Host, env.Host)
	setInt(&cfg.Server.Port, env.Port)
	if env.APIRate != nil {
		cfg.Server.APIRate = *env.APIRate
	}
	if env.Proxies != nil {
		cfg.Server.TrustedProxies = env.Proxies
	}
	setString(&cfg.Tmux.Binary, env.TmuxBinary)
	setString(&cfg.Tmux.Remote, env.TmuxRemote)
	setString(&cfg.Tmux.Prefix, env.TmuxPrefix)
	setInt(&cfg.Spawn.RateMax, env.RateMax)
	if env.RateWindow != nil {
		cfg.Spawn.RateWindow = *env.RateWindow
	}
	setBool(&cfg.Spawn.ResumableDefault, env.Resumable)
	setString(&cfg.Spawn.Platform, env.Platform)
	setBool(&cfg.Recovery.Enabled, env.Recovery)
	setBool(&cfg.Recovery.AutoReattach, env.AutoReattach)
	setString(&cfg.Status.Dir, env.StatusDir)
	setBool(&cfg.Status.Watch, env.StatusWatch)
	setString(&cfg.Profiles.File, env.ProfilesFile)
	setString(&cfg.Logging.Level, env.LogLevel)
	setBool(&cfg.Logging.Development, env.LogDev)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
