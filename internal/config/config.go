// Package config handles loading and managing configuration for fleetwatch.
// It supports loading from YAML files, environment variables, and hardcoded defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the fleetwatch daemon.
type Config struct {
	// BaseDir is the directory for runtime state files (PID file, lock file,
	// stop marker, tracker snapshot). Defaults to ~/.fleetwatch.
	BaseDir string `yaml:"base_dir"`

	// MonitorInterval is how long to sleep between monitoring cycles.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// MaxFailures is the consecutive-failure count at which an agent
	// is considered critical.
	MaxFailures int `yaml:"max_failures"`

	// RecoveryCooldown is the minimum time between recovery attempts
	// for the same agent.
	RecoveryCooldown time.Duration `yaml:"recovery_cooldown"`

	// ResponseTimeout is the baseline for forced recovery: an agent whose
	// last responsive observation is older than three times this value is
	// recovered regardless of its health status.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// RateLimitBuffer is the safety margin added to computed rate-limit sleeps.
	RateLimitBuffer time.Duration `yaml:"rate_limit_buffer"`

	// RateLimitMaxSleep caps the raw rate-limit sleep (before the buffer)
	// so a misparsed reset time cannot stall monitoring for days.
	RateLimitMaxSleep time.Duration `yaml:"rate_limit_max_sleep"`

	// EscalationThresholds are the team-idle durations at which the
	// coordinator is warned, alerted, and finally killed.
	EscalationThresholds []time.Duration `yaml:"escalation_thresholds"`

	// NotificationCooldown gates repeat notifications per category and target.
	NotificationCooldown time.Duration `yaml:"notification_cooldown"`

	// PoolMinSize and PoolMaxSize bound the gateway connection pool.
	PoolMinSize int `yaml:"pool_min_size"`
	PoolMaxSize int `yaml:"pool_max_size"`

	// PoolAcquireTimeout bounds waiting for a pooled connection.
	PoolAcquireTimeout time.Duration `yaml:"pool_acquire_timeout"`

	// ConcurrentChecks selects the concurrent scheduling model when > 1:
	// health checks for distinct agents run as parallel tasks bounded by
	// this value. 0 or 1 means the single cooperative loop.
	ConcurrentChecks int `yaml:"concurrent_checks"`

	// Cache TTLs per layer.
	CachePaneTTL    time.Duration `yaml:"cache_pane_ttl"`
	CacheStatusTTL  time.Duration `yaml:"cache_status_ttl"`
	CacheSessionTTL time.Duration `yaml:"cache_session_ttl"`
	CacheConfigTTL  time.Duration `yaml:"cache_config_ttl"`

	// RedisURL enables the optional cycle-status publisher when non-empty.
	RedisURL string `yaml:"redis_url"`

	// DesktopNotifications mirrors crash and rate-limit notices to the OS
	// notification center, best effort.
	DesktopNotifications bool `yaml:"desktop_notifications"`

	// Logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	JSON       bool   `yaml:"json"`
	Console    bool   `yaml:"console"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Default configuration values.
const (
	DefaultMonitorInterval      = 30 * time.Second
	DefaultMaxFailures          = 3
	DefaultRecoveryCooldown     = 5 * time.Minute
	DefaultResponseTimeout      = 60 * time.Second
	DefaultRateLimitBuffer      = 2 * time.Minute
	DefaultRateLimitMaxSleep    = 4 * time.Hour
	DefaultNotificationCooldown = 5 * time.Minute
	DefaultPoolMinSize          = 2
	DefaultPoolMaxSize          = 10
	DefaultPoolAcquireTimeout   = 5 * time.Second
	DefaultConcurrentChecks     = 1
	DefaultCachePaneTTL         = 2 * time.Second
	DefaultCacheStatusTTL       = 5 * time.Second
	DefaultCacheSessionTTL      = 10 * time.Second
	DefaultCacheConfigTTL       = time.Minute
)

// DefaultEscalationThresholds are the team-idle escalation points.
var DefaultEscalationThresholds = []time.Duration{
	3 * time.Minute,
	5 * time.Minute,
	8 * time.Minute,
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configErr    error
)

// Get returns the global configuration, loading it if necessary.
// This function is safe for concurrent use.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, configErr = Load()
	})
	return globalConfig, configErr
}

// MustGet returns the global configuration, panicking if loading fails.
func MustGet() *Config {
	cfg, err := Get()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	return cfg
}

// Defaults returns a Config populated with hardcoded defaults only.
func Defaults() *Config {
	baseDir := ".fleetwatch"
	if homeDir, err := os.UserHomeDir(); err == nil {
		baseDir = filepath.Join(homeDir, ".fleetwatch")
	}

	return &Config{
		BaseDir:              baseDir,
		MonitorInterval:      DefaultMonitorInterval,
		MaxFailures:          DefaultMaxFailures,
		RecoveryCooldown:     DefaultRecoveryCooldown,
		ResponseTimeout:      DefaultResponseTimeout,
		RateLimitBuffer:      DefaultRateLimitBuffer,
		RateLimitMaxSleep:    DefaultRateLimitMaxSleep,
		EscalationThresholds: append([]time.Duration(nil), DefaultEscalationThresholds...),
		NotificationCooldown: DefaultNotificationCooldown,
		PoolMinSize:          DefaultPoolMinSize,
		PoolMaxSize:          DefaultPoolMaxSize,
		PoolAcquireTimeout:   DefaultPoolAcquireTimeout,
		ConcurrentChecks:     DefaultConcurrentChecks,
		CachePaneTTL:         DefaultCachePaneTTL,
		CacheStatusTTL:       DefaultCacheStatusTTL,
		CacheSessionTTL:      DefaultCacheSessionTTL,
		CacheConfigTTL:       DefaultCacheConfigTTL,
		Logging: LoggingConfig{
			Level:    "info",
			JSON:     true,
			MaxSize:  10,
			MaxAge:   7,
			Compress: true,
		},
	}
}

// Load reads configuration from files and environment variables.
// Priority (highest to lowest):
// 1. Environment variables
// 2. ~/.config/fleetwatch/config.yaml
// 3. ~/.fleetwatch.yaml
// 4. Hardcoded defaults
func Load() (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		// Legacy path first so the XDG config can override it.
		legacyPath := filepath.Join(homeDir, ".fleetwatch.yaml")
		if data, err := os.ReadFile(legacyPath); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}

		xdgPath := filepath.Join(homeDir, ".config", "fleetwatch", "config.yaml")
		if data, err := os.ReadFile(xdgPath); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv("FLEETWATCH_BASE_DIR"); val != "" {
		c.BaseDir = val
	}
	if d, ok := envDuration("FLEETWATCH_MONITOR_INTERVAL"); ok {
		c.MonitorInterval = d
	}
	if val := os.Getenv("FLEETWATCH_MAX_FAILURES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.MaxFailures = n
		}
	}
	if d, ok := envDuration("FLEETWATCH_RECOVERY_COOLDOWN"); ok {
		c.RecoveryCooldown = d
	}
	if d, ok := envDuration("FLEETWATCH_RESPONSE_TIMEOUT"); ok {
		c.ResponseTimeout = d
	}
	if d, ok := envDuration("FLEETWATCH_RATE_LIMIT_BUFFER"); ok {
		c.RateLimitBuffer = d
	}
	if d, ok := envDuration("FLEETWATCH_RATE_LIMIT_MAX_SLEEP"); ok {
		c.RateLimitMaxSleep = d
	}
	if d, ok := envDuration("FLEETWATCH_NOTIFICATION_COOLDOWN"); ok {
		c.NotificationCooldown = d
	}
	if val := os.Getenv("FLEETWATCH_POOL_MIN_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			c.PoolMinSize = n
		}
	}
	if val := os.Getenv("FLEETWATCH_POOL_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.PoolMaxSize = n
		}
	}
	if val := os.Getenv("FLEETWATCH_CONCURRENT_CHECKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			c.ConcurrentChecks = n
		}
	}
	// Redis URL (support both REDIS_URL and FLEETWATCH_REDIS_URL)
	if val := os.Getenv("FLEETWATCH_REDIS_URL"); val != "" {
		c.RedisURL = val
	} else if val := os.Getenv("REDIS_URL"); val != "" {
		c.RedisURL = val
	}
	if val := os.Getenv("FLEETWATCH_DESKTOP_NOTIFICATIONS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.DesktopNotifications = b
		}
	}
	if val := os.Getenv("FLEETWATCH_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("FLEETWATCH_LOG_FILE"); val != "" {
		c.Logging.FilePath = val
	}
}

// normalize repairs values a config file could have left unusable.
func (c *Config) normalize() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.PoolMaxSize <= 0 {
		c.PoolMaxSize = DefaultPoolMaxSize
	}
	if c.PoolMinSize < 0 {
		c.PoolMinSize = 0
	}
	if c.PoolMinSize > c.PoolMaxSize {
		c.PoolMinSize = c.PoolMaxSize
	}
	if c.PoolAcquireTimeout <= 0 {
		c.PoolAcquireTimeout = DefaultPoolAcquireTimeout
	}
	if len(c.EscalationThresholds) == 0 {
		c.EscalationThresholds = append([]time.Duration(nil), DefaultEscalationThresholds...)
	}
}

// PIDFile returns the path of the daemon PID file.
func (c *Config) PIDFile() string { return filepath.Join(c.BaseDir, "fleetwatch.pid") }

// LockFile returns the path of the daemon advisory lock file.
func (c *Config) LockFile() string { return filepath.Join(c.BaseDir, "fleetwatch.lock") }

// StopFile returns the path of the graceful-stop marker file.
func (c *Config) StopFile() string { return filepath.Join(c.BaseDir, "fleetwatch.stop") }

// SnapshotFile returns the path of the agent-tracker warm-restart snapshot.
func (c *Config) SnapshotFile() string { return filepath.Join(c.BaseDir, "tracker.json") }

// envDuration reads a duration env var, accepting either a Go duration
// string ("90s") or plain seconds ("90").
func envDuration(key string) (time.Duration, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, true
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
