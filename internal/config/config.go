// Package config loads the logger configuration from flags, environment and
// an optional TOML file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/venuslog/internal/archive"
	"codeberg.org/mutker/venuslog/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "VENUSLOG"
	DefaultConfigFile = "/etc/venuslog.toml"

	DefaultBufferSize         = 30
	DefaultMinInterval        = 1.0
	DefaultMaxInterval        = 60.0
	DefaultFlushAgeMultiplier = 2.0
	DefaultMaxFlushFailures   = 5
	DefaultLogDirectory       = "/data/VenusOS-DbusLogger/logs"
	DefaultFilePrefix         = "dbus_log_"
	DefaultRetentionDays      = 30
	DefaultSweepInterval      = 3600.0
	DefaultTimezone           = "Local"
	DefaultLogLevel           = "info"
	DefaultBus                = "system"

	// Bounds on the interval settings, in seconds.
	MinAllowedInterval = 0.1
	MaxAllowedInterval = 600.0
)

var DefaultIgnoredServices = []string{"com.victronenergy.battery.ttyUSB0"}

type Config struct {
	BufferSize         int      `mapstructure:"buffer_size"`
	MinInterval        float64  `mapstructure:"min_interval"`
	MaxInterval        float64  `mapstructure:"max_interval"`
	FlushAgeMultiplier float64  `mapstructure:"flush_age_multiplier"`
	MaxFlushFailures   int      `mapstructure:"max_flush_failures"`
	LogDirectory       string   `mapstructure:"log_directory"`
	FilePrefix         string   `mapstructure:"file_prefix"`
	RetentionDays      int      `mapstructure:"retention_days"`
	SweepInterval      float64  `mapstructure:"sweep_interval"`
	Timezone           string   `mapstructure:"timezone"`
	LogLevel           string   `mapstructure:"log_level"`
	Bus                string   `mapstructure:"bus"`
	IgnoredServices    []string `mapstructure:"ignored_services"`
	Archive            bool     `mapstructure:"archive"`
	ArchivePath        string   `mapstructure:"archive_path"`
	MetricsListen      string   `mapstructure:"metrics_listen"`
	SweepDryRun        bool     `mapstructure:"sweep_dry_run"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// Load reads the configuration. Precedence: flags, VENUSLOG_* environment,
// config file, defaults.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(flagKey(f.Name), f)
	})
	if bindErr != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
	}

	configFile, err := readConfigFile(v, fs)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.ConfigFile = configFile

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("venuslog", pflag.ContinueOnError)

	fs.String("config", "", "Path to a TOML configuration file")
	fs.Int("buffer-size", DefaultBufferSize, "Snapshots buffered before a forced flush")
	fs.Float64("min-interval", DefaultMinInterval, "Minimum spacing of event-triggered rows, in seconds")
	fs.Float64("max-interval", DefaultMaxInterval, "Maximum gap between rows, in seconds")
	fs.Float64("flush-age-multiplier", DefaultFlushAgeMultiplier, "Flush once the oldest buffered row is older than max-interval times this")
	fs.Int("max-flush-failures", DefaultMaxFlushFailures, "Consecutive failed flushes before a batch is dropped")
	fs.String("log-directory", DefaultLogDirectory, "Directory holding the daily CSV files")
	fs.String("file-prefix", DefaultFilePrefix, "File name prefix of the daily CSV files")
	fs.Int("retention-days", DefaultRetentionDays, "Days of log files to keep")
	fs.Float64("sweep-interval", DefaultSweepInterval, "Seconds between retention sweeps")
	fs.String("timezone", DefaultTimezone, "Time zone that defines the day boundary")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("bus", DefaultBus, "D-Bus to attach to: system, session or an address")
	fs.StringSlice("ignored-services", DefaultIgnoredServices, "Bus services whose values are not recorded")
	fs.Bool("archive", false, "Mirror flushed rows into an SQLite archive")
	fs.String("archive-path", "", "SQLite archive path (default <log-directory>/archive.db)")
	fs.String("metrics-listen", "", "Address serving Prometheus metrics, empty to disable")
	fs.Bool("sweep-dry-run", false, "Log the files a retention sweep would delete and exit")

	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("buffer_size", DefaultBufferSize)
	v.SetDefault("min_interval", DefaultMinInterval)
	v.SetDefault("max_interval", DefaultMaxInterval)
	v.SetDefault("flush_age_multiplier", DefaultFlushAgeMultiplier)
	v.SetDefault("max_flush_failures", DefaultMaxFlushFailures)
	v.SetDefault("log_directory", DefaultLogDirectory)
	v.SetDefault("file_prefix", DefaultFilePrefix)
	v.SetDefault("retention_days", DefaultRetentionDays)
	v.SetDefault("sweep_interval", DefaultSweepInterval)
	v.SetDefault("timezone", DefaultTimezone)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("bus", DefaultBus)
	v.SetDefault("ignored_services", DefaultIgnoredServices)
	v.SetDefault("archive", false)
	v.SetDefault("archive_path", "")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("sweep_dry_run", false)
}

// readConfigFile loads the file named by --config or VENUSLOG_CONFIG. The
// default location is optional; an explicit one must exist.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) (string, error) {
	errFactory := errors.New()

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return "", nil
		}
		path = DefaultConfigFile
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return "", errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return path, nil
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	errFactory := errors.New()

	invalid := func(field string, value any, reason string) error {
		return errFactory.WithData(errors.ErrInvalidConfig, fieldError{field: field, value: value, reason: reason})
	}

	switch {
	case c.MinInterval <= MinAllowedInterval:
		return invalid("min_interval", c.MinInterval, "must be greater than 0.1 seconds")
	case c.MaxInterval > MaxAllowedInterval:
		return invalid("max_interval", c.MaxInterval, "must not exceed 600 seconds")
	case c.MinInterval > c.MaxInterval:
		return invalid("min_interval", c.MinInterval, "must not exceed max_interval")
	case c.BufferSize <= 0:
		return invalid("buffer_size", c.BufferSize, "must be positive")
	case c.RetentionDays <= 0:
		return invalid("retention_days", c.RetentionDays, "must be positive")
	case c.FlushAgeMultiplier < 1:
		return invalid("flush_age_multiplier", c.FlushAgeMultiplier, "must be at least 1")
	case c.MaxFlushFailures <= 0:
		return invalid("max_flush_failures", c.MaxFlushFailures, "must be positive")
	case c.SweepInterval <= 0:
		return invalid("sweep_interval", c.SweepInterval, "must be positive")
	case c.LogDirectory == "":
		return invalid("log_directory", c.LogDirectory, "must not be empty")
	case c.FilePrefix == "" || strings.ContainsRune(c.FilePrefix, filepath.Separator):
		return invalid("file_prefix", c.FilePrefix, "must be a plain file name prefix")
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if _, err := c.Location(); err != nil {
		return invalid("timezone", c.Timezone, err.Error())
	}

	return nil
}

func (c *Config) MinIntervalDuration() time.Duration {
	return seconds(c.MinInterval)
}

func (c *Config) MaxIntervalDuration() time.Duration {
	return seconds(c.MaxInterval)
}

// FlushAge is the buffered age after which a flush is forced.
func (c *Config) FlushAge() time.Duration {
	return seconds(c.MaxInterval * c.FlushAgeMultiplier)
}

func (c *Config) SweepEvery() time.Duration {
	return seconds(c.SweepInterval)
}

// Location resolves the time zone that defines the day boundary.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(c.Timezone)
	}
}

// ArchiveFile returns the SQLite archive path, defaulting into the log directory.
func (c *Config) ArchiveFile() string {
	if c.ArchivePath != "" {
		return c.ArchivePath
	}
	return archive.DefaultPath(c.LogDirectory)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
