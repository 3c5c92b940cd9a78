package config

import "time"

// Provider defines the interface for accessing configuration values.
// All configuration values are immutable after initial loading.
type Provider interface {
	// GetLogLevel returns the configured logging level
	GetLogLevel() string

	// GetDatabasePath returns the path to the SQLite KPI database
	GetDatabasePath() string

	// GetDefinitionsPath returns the path to the KPI definitions file
	GetDefinitionsPath() string

	// GetWarmupDelay returns the delay before the initial KPI computation
	GetWarmupDelay() time.Duration

	// GetStateRetention returns how long scheduler states are kept
	GetStateRetention() time.Duration

	// GetStaleRunningAfter returns the age of a stuck running state
	GetStaleRunningAfter() time.Duration
}

var _ Provider = (*Config)(nil)

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	args       []string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "KPID"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs overrides the command line arguments parsed for flags
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}
