// Package config loads daemon configuration from file and environment.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. CATALOGSYNC_REMOTE_TOKEN.
const EnvPrefix = "CATALOGSYNC"

// Config is the full daemon configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir" yaml:"data_dir"`
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Queue   QueueConfig   `mapstructure:"queue" yaml:"queue"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// RemoteConfig describes the remote commerce platform.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	PageSize   int           `mapstructure:"page_size" yaml:"page_size"`
}

// SyncConfig holds engine policy.
type SyncConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	QueueInterval     time.Duration `mapstructure:"queue_interval" yaml:"queue_interval"`
	DefaultStrategy   string        `mapstructure:"default_strategy" yaml:"default_strategy"`
	DefaultDirection  string        `mapstructure:"default_direction" yaml:"default_direction"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	Kinds             []string      `mapstructure:"kinds" yaml:"kinds"`
	LockStaleAfter    time.Duration `mapstructure:"lock_stale_after" yaml:"lock_stale_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// QueueConfig holds the retry schedule of the operation queue.
type QueueConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ServerConfig holds the local HTTP surface.
type ServerConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// ArchiveConfig points audit archival at an S3-compatible bucket.
type ArchiveConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string        `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string        `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string        `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL    bool          `mapstructure:"use_ssl" yaml:"use_ssl"`
	Prefix    string        `mapstructure:"prefix" yaml:"prefix"`
	Interval  string        `mapstructure:"interval" yaml:"interval"`
	RetainFor time.Duration `mapstructure:"retain_for" yaml:"retain_for"`
}

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.rate_limit", 10.0)
	v.SetDefault("remote.rate_burst", 5)
	v.SetDefault("remote.max_retries", 2)
	v.SetDefault("remote.page_size", 100)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.queue_interval", time.Minute)
	v.SetDefault("sync.default_strategy", string(models.StrategyMostRecentWins))
	v.SetDefault("sync.default_direction", string(models.DirectionBidirectional))
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.kinds", []string{string(models.KindCustomer), string(models.KindInventory)})
	v.SetDefault("sync.lock_stale_after", 2*time.Minute)
	v.SetDefault("sync.heartbeat_interval", 20*time.Second)
	v.SetDefault("sync.call_timeout", 30*time.Second)

	v.SetDefault("queue.base_delay", 30*time.Second)
	v.SetDefault("queue.max_delay", time.Hour)
	v.SetDefault("queue.max_attempts", 6)

	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("server.webhook_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.prefix", "audit/")
	v.SetDefault("archive.interval", "manual")
	v.SetDefault("archive.retain_for", 90*24*time.Hour)
}

// Loader reads configuration and keeps the underlying viper instance for
// change notifications.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. An empty path searches the default locations.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("catalogsync")
		v.SetConfigType("yaml")
		if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		if userHome, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(userHome, ".catalogsync"))
		}
	}
	return &Loader{v: v}
}

// Load reads the config file (if any) and decodes the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch invokes onChange with the re-decoded config whenever the file changes.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(l.decode())
	})
	l.v.WatchConfig()
}

// Load is a shortcut for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate reports every missing or malformed required field as a single
// NotConfigured error.
func (c *Config) Validate() error {
	var missing []string
	if !c.Sync.Enabled {
		missing = append(missing, "sync.enabled is false")
	}
	if c.Remote.BaseURL == "" {
		missing = append(missing, "remote.base_url")
	}
	if c.Remote.Token == "" {
		missing = append(missing, "remote.token")
	}
	if _, err := models.ParseConflictStrategy(c.Sync.DefaultStrategy); err != nil {
		missing = append(missing, err.Error())
	}
	if _, err := models.ParseDirection(c.Sync.DefaultDirection); err != nil {
		missing = append(missing, err.Error())
	}
	if _, err := c.EntityKinds(); err != nil {
		missing = append(missing, err.Error())
	}
	if len(missing) > 0 {
		return errors.New(errors.ErrSyncNotConfigured, "sync not configured: "+strings.Join(missing, ", "))
	}
	return nil
}

// EntityKinds returns the configured kinds in order.
func (c *Config) EntityKinds() ([]models.EntityKind, error) {
	if len(c.Sync.Kinds) == 0 {
		return nil, fmt.Errorf("sync.kinds is empty")
	}
	kinds := make([]models.EntityKind, 0, len(c.Sync.Kinds))
	for _, k := range c.Sync.Kinds {
		kind, err := models.ParseEntityKind(k)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "***REDACTED***"
	}
	c.Remote.Token = redact(c.Remote.Token)
	c.Server.WebhookSecret = redact(c.Server.WebhookSecret)
	c.Archive.AccessKey = redact(c.Archive.AccessKey)
	c.Archive.SecretKey = redact(c.Archive.SecretKey)
	c.Sync.Kinds = append([]string(nil), c.Sync.Kinds...)
	return c
}
