package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile          = "/etc/kpid.toml"
	DefaultEnvPrefix           = "KPID"
	DefaultLogLevel            = "info"
	DefaultDatabasePath        = "/var/lib/kpid/kpi.db"
	DefaultDefinitionsPath     = "/etc/kpid/kpis.yaml"
	DefaultWarmupDelay         = 2 * time.Minute
	DefaultStateRetentionHours = 24
	DefaultStaleRunningMinutes = 1440
	DefaultHousekeepingEvery   = time.Hour
)

type Config struct {
	LogLevel             string        `mapstructure:"log_level"`
	Database             string        `mapstructure:"database"`
	Definitions          string        `mapstructure:"definitions"`
	WatchDefinitions     bool          `mapstructure:"watch_definitions"`
	WarmupDelay          time.Duration `mapstructure:"warmup_delay"`
	StateRetentionHours  int           `mapstructure:"state_retention_hours"`
	StaleRunningMinutes  int           `mapstructure:"stale_running_minutes"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	Listen               string        `mapstructure:"listen"`
	Metrics              bool          `mapstructure:"metrics"`
}

// Load reads the configuration from defaults, the TOML config file,
// environment variables and command line flags, in increasing priority.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix: DefaultEnvPrefix,
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("kpid", pflag.ContinueOnError)
	flags.String("config", "", "Path to the configuration file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("database", DefaultDatabasePath, "Path to the KPI database")
	flags.String("definitions", DefaultDefinitionsPath, "Path to the KPI definitions file")
	flags.Bool("watch-definitions", false, "Reload KPIs when the definitions file changes")
	flags.String("listen", "", "Admin HTTP listen address, empty to disable")
	flags.Bool("metrics", false, "Expose Prometheus metrics on the admin listener")
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for key, flag := range map[string]string{
		"log_level":         "log-level",
		"database":          "database",
		"definitions":       "definitions",
		"watch_definitions": "watch-definitions",
		"listen":            "listen",
		"metrics":           "metrics",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if f, _ := flags.GetString("config"); f != "" {
		configPath = f
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else if _, err := os.Stat(DefaultConfigFile); err == nil {
		v.SetConfigFile(DefaultConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("database", DefaultDatabasePath)
	v.SetDefault("definitions", DefaultDefinitionsPath)
	v.SetDefault("watch_definitions", false)
	v.SetDefault("warmup_delay", DefaultWarmupDelay)
	v.SetDefault("state_retention_hours", DefaultStateRetentionHours)
	v.SetDefault("stale_running_minutes", DefaultStaleRunningMinutes)
	v.SetDefault("housekeeping_interval", DefaultHousekeepingEvery)
	v.SetDefault("listen", "")
	v.SetDefault("metrics", false)
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Database == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "database path is required")
	}
	if c.WarmupDelay <= 0 || c.HousekeepingInterval <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if c.StateRetentionHours <= 0 || c.StaleRunningMinutes <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}

	return nil
}

func (c *Config) GetLogLevel() string { return c.LogLevel }

func (c *Config) GetDatabasePath() string { return c.Database }

func (c *Config) GetDefinitionsPath() string { return c.Definitions }

func (c *Config) GetWarmupDelay() time.Duration { return c.WarmupDelay }

func (c *Config) GetStateRetention() time.Duration {
	return time.Duration(c.StateRetentionHours) * time.Hour
}

// GetStaleRunningAfter returns the age after which a running scheduler
// state is reported as stuck
func (c *Config) GetStaleRunningAfter() time.Duration {
	return time.Duration(c.StaleRunningMinutes) * time.Minute
}
