// Package config loads eventq settings from an optional file and the
// environment. Environment variables use the EVENTQ_ prefix with dots
// replaced by underscores, e.g. EVENTQ_STORAGE_DIR or EVENTQ_FLUSH_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/logger"
	"github.com/guido-cesarano/eventq/pkg/storage"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

const EnvPrefix = "EVENTQ"

// Storage selects and configures the durable backend.
type Storage struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Prefix    string `mapstructure:"prefix"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// Config holds every recognized option.
type Config struct {
	Token    string `mapstructure:"token"`
	Endpoint string `mapstructure:"endpoint"`

	Storage Storage `mapstructure:"storage"`

	// MaxQueueSize is the per-queue admission limit in bytes.
	MaxQueueSize int64 `mapstructure:"max_queue_size"`

	// FlushInterval of 0 disables timed delivery; only FlushQueue sends.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	IP            bool          `mapstructure:"ip"`

	LogLevel     string `mapstructure:"log_level"`
	Reachability string `mapstructure:"reachability"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Endpoint: "https://api.mixpanel.com",
		Storage: Storage{
			Backend:   storage.KindFile,
			Dir:       ".",
			Prefix:    storage.DefaultPrefix,
			RedisAddr: "127.0.0.1:6379",
		},
		MaxQueueSize:  storage.DefaultMaximumQueueSize,
		FlushInterval: 60 * time.Second,
		BatchSize:     storage.DefaultBatchSize,
		HTTPTimeout:   30 * time.Second,
		IP:            true,
		LogLevel:      logger.DefaultLevel,
		Reachability:  events.ReachableViaLocalNetwork.String(),
		MetricsAddr:   ":8080",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("token", d.Token)
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("max_queue_size", d.MaxQueueSize)
	v.SetDefault("flush_interval", d.FlushInterval)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("ip", d.IP)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("reachability", d.Reachability)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Flags returns the command line flags understood by LoadFlags. Flag names
// match the config keys; "config" names the optional config file.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("token", "", "project token")
	fs.String("endpoint", "", "collection endpoint base URL")
	fs.String("storage.backend", "", "storage backend: file, redis or badger")
	fs.String("storage.dir", "", "storage directory")
	fs.String("storage.redis_addr", "", "redis address for the redis backend")
	fs.Duration("flush_interval", 0, "delivery interval, 0 for manual flush only")
	fs.String("log_level", "", "minimum log level")
	fs.String("reachability", "", "network hint: not-reachable, cellular or local-network")
	fs.String("metrics_addr", "", "prometheus listen address, empty to disable")
	return fs
}

// Load reads path (yaml, json or toml, picked by extension) when it is not
// empty, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, nil)
}

// LoadFlags is Load with the config file named by the "config" flag and
// explicitly set flags taking precedence over everything else.
func LoadFlags(fs *pflag.FlagSet) (Config, error) {
	path, err := fs.GetString("config")
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return load(path, fs)
}

func load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			bindErr = multierr.Append(bindErr, v.BindPFlag(f.Name, f))
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", bindErr)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		logger.Log.Debug().Str("file", v.ConfigFileUsed()).Msg("Loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("%w: endpoint is empty", ErrInvalidConfig)
	case c.MaxQueueSize < 0:
		return fmt.Errorf("%w: max_queue_size %d is negative", ErrInvalidConfig, c.MaxQueueSize)
	case c.FlushInterval < 0:
		return fmt.Errorf("%w: flush_interval %s is negative", ErrInvalidConfig, c.FlushInterval)
	case c.BatchSize < 0:
		return fmt.Errorf("%w: batch_size %d is negative", ErrInvalidConfig, c.BatchSize)
	case c.HTTPTimeout < 0:
		return fmt.Errorf("%w: http_timeout %s is negative", ErrInvalidConfig, c.HTTPTimeout)
	}

	switch c.Storage.Backend {
	case storage.KindFile, storage.KindRedis, storage.KindBadger:
	default:
		return fmt.Errorf("%w: storage.backend: %w", ErrInvalidConfig, storage.ErrUnknownBackend)
	}
	if _, err := events.ParseReachability(c.Reachability); err != nil {
		return fmt.Errorf("%w: reachability: %w", ErrInvalidConfig, err)
	}
	if _, ok := logger.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// StorageOptions converts the storage section for storage.Open.
func (c Config) StorageOptions() storage.Options {
	return storage.Options{
		Kind:      c.Storage.Backend,
		Dir:       c.Storage.Dir,
		Prefix:    c.Storage.Prefix,
		RedisAddr: c.Storage.RedisAddr,
	}
}

// ReachabilityHint returns the parsed reachability. Validate has already
// rejected unknown names.
func (c Config) ReachabilityHint() events.Reachability {
	r, err := events.ParseReachability(c.Reachability)
	if err != nil {
		return events.ReachableViaLocalNetwork
	}
	return r
}
