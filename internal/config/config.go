// Package config handles configuration loading for drover.
// It supports XDG config paths, a project-local override, environment
// variables, and change notification for hot-reloadable settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Balancer  BalancerConfig  `mapstructure:"balancer"`
	Health    HealthConfig    `mapstructure:"health"`
	Retention RetentionConfig `mapstructure:"retention"`
	Cache     CacheConfig     `mapstructure:"cache"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	State     StateConfig     `mapstructure:"state"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Agents    []AgentConfig   `mapstructure:"agents"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	// BatchSize is how many ready tasks one cycle pulls.
	BatchSize int `mapstructure:"batch_size"`
	// CycleInterval is the pause between dispatch cycles.
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	// MaxInFlight bounds concurrently executing transport calls.
	MaxInFlight int64 `mapstructure:"max_in_flight"`
	// MaxRequeues fails a task after that many no-agent cycles; 0 requeues
	// forever.
	MaxRequeues int `mapstructure:"max_requeues"`
	// NetworkTimeout bounds one network transport call.
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`
	// ShellTimeout bounds one remote-shell transport call.
	ShellTimeout time.Duration `mapstructure:"shell_timeout"`
}

// BalancerConfig holds adaptive load balancing settings.
type BalancerConfig struct {
	// Alpha is the weight influence on selection scoring.
	Alpha float64 `mapstructure:"alpha"`
	// Lambda is the EMA smoothing factor for weight updates.
	Lambda float64 `mapstructure:"lambda"`
	// SampleWindow bounds the per-agent diagnostic sample ring.
	SampleWindow int `mapstructure:"sample_window"`
}

// HealthConfig holds health monitoring settings.
type HealthConfig struct {
	// Interval is the probe cadence.
	Interval time.Duration `mapstructure:"interval"`
	// ProbeTimeout bounds one probe call.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// StalenessWindow is the maximum heartbeat age for selection.
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

// RetentionConfig holds terminal-record cleanup settings.
type RetentionConfig struct {
	// TaskTTL is how long terminal tasks are kept.
	TaskTTL time.Duration `mapstructure:"task_ttl"`
	// SweepInterval is the cleanup cadence.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	// Backend selects "memory" or "redis".
	Backend string `mapstructure:"backend"`
	// TTL is how long cached results remain valid.
	TTL time.Duration `mapstructure:"ttl"`
	// MaxEntries bounds the in-memory backend.
	MaxEntries int `mapstructure:"max_entries"`
	// RedisAddr, RedisPassword, RedisDB configure the redis backend.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// SSHConfig holds remote-shell executor settings.
type SSHConfig struct {
	// DefaultUser is used when a shell address carries no user part.
	DefaultUser string `mapstructure:"default_user"`
	// KeyFile is the SSH private key path.
	KeyFile string `mapstructure:"key_file"`
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// PersistTimeout is how long pooled connections are reused.
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	// MaxSessions caps the connection pool.
	MaxSessions int `mapstructure:"max_sessions"`
	// MaxAttempts is the total execution attempts per command.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// Path is the SQLite database location; empty disables persistence.
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// ListenAddr serves /metrics when set (e.g. ":9090").
	ListenAddr string `mapstructure:"listen_addr"`
}

// AgentConfig is a statically configured agent registered at engine start.
type AgentConfig struct {
	ID              string   `mapstructure:"id"`
	Transport       string   `mapstructure:"transport"`
	Address         string   `mapstructure:"address"`
	Model           string   `mapstructure:"model"`
	Specializations []string `mapstructure:"specializations"`
	MaxConcurrent   int      `mapstructure:"max_concurrent"`
}

// Load loads configuration with the precedence (highest to lowest):
// environment variables (DROVER_*), project config (.drover.yaml in the
// current directory or a parent), user config
// (~/.config/drover/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()
	v.BindEnv("cache.redis_addr", "DROVER_REDIS_ADDR")
	v.BindEnv("ssh.key_file", "DROVER_SSH_KEY_FILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Watch re-reads the config file whenever it changes and hands the fresh
// Config to fn. Only hot-reloadable settings (balancer alpha, dispatch batch
// size) take effect on a running engine.
func Watch(path string, fn func(*Config)) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// Default returns a Config with built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatch.batch_size", 16)
	v.SetDefault("dispatch.cycle_interval", "500ms")
	v.SetDefault("dispatch.max_in_flight", 64)
	v.SetDefault("dispatch.max_requeues", 0)
	v.SetDefault("dispatch.network_timeout", "3m")
	v.SetDefault("dispatch.shell_timeout", "60s")

	v.SetDefault("balancer.alpha", 0.3)
	v.SetDefault("balancer.lambda", 0.1)
	v.SetDefault("balancer.sample_window", 100)

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.probe_timeout", "10s")
	v.SetDefault("health.staleness_window", "5m")

	v.SetDefault("retention.task_ttl", "24h")
	v.SetDefault("retention.sweep_interval", "1h")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("ssh.default_user", "drover")
	v.SetDefault("ssh.connect_timeout", "5s")
	v.SetDefault("ssh.persist_timeout", "90s")
	v.SetDefault("ssh.max_sessions", 32)
	v.SetDefault("ssh.max_attempts", 2)
	v.SetDefault("ssh.retry_backoff", "1s")

	v.SetDefault("state.path", "")
	v.SetDefault("metrics.listen_addr", "")
}

// userConfigDir returns the XDG config directory for drover.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "drover")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "drover")
	}
	return filepath.Join(home, ".config", "drover")
}

// findProjectConfig searches for .drover.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".drover.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}
