// Package config loads the daemon configuration from TOML with
// FLEETDISPATCH_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/fleetdispatch/internal/cron"
	"github.com/loykin/fleetdispatch/internal/env"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/logger"
)

const EnvPrefix = "FLEETDISPATCH"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Store      StoreConfig      `toml:"store" mapstructure:"store"`
	Presence   PresenceConfig   `toml:"presence" mapstructure:"presence"`
	Reconciler ReconcilerConfig `toml:"reconciler" mapstructure:"reconciler"`
	Scheduler  SchedulerConfig  `toml:"scheduler" mapstructure:"scheduler"`
	Jobs       JobsConfig       `toml:"jobs" mapstructure:"jobs"`
	Notifier   NotifierConfig   `toml:"notifier" mapstructure:"notifier"`
	Auth       AuthConfig       `toml:"auth" mapstructure:"auth"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
	// MinVersion is "1.2" or "1.3"; empty means 1.2.
	MinVersion string `toml:"min_version" mapstructure:"min_version"`
	// AutoGenerate writes a self-signed pair to CertFile and KeyFile when they are missing.
	AutoGenerate bool `toml:"auto_generate" mapstructure:"auto_generate"`
}

type StoreConfig struct {
	DSN          string `toml:"dsn" mapstructure:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns" mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `toml:"addr" mapstructure:"addr"`
	Password string `toml:"password" mapstructure:"password"`
	DB       int    `toml:"db" mapstructure:"db"`
}

const (
	PresenceMemory = "memory"
	PresenceRedis  = "redis"
)

type PresenceConfig struct {
	Backend   string        `toml:"backend" mapstructure:"backend"`
	TTL       time.Duration `toml:"ttl" mapstructure:"ttl"`
	KeyPrefix string        `toml:"key_prefix" mapstructure:"key_prefix"`
	Redis     RedisConfig   `toml:"redis" mapstructure:"redis"`
}

type ReconcilerConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Schedule       string        `toml:"schedule" mapstructure:"schedule"`
	OfflineTimeout time.Duration `toml:"offline_timeout" mapstructure:"offline_timeout"`
	Workers        int           `toml:"workers" mapstructure:"workers"`
}

type SchedulerConfig struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	Schedule  string `toml:"schedule" mapstructure:"schedule"`
	DryRun    bool   `toml:"dry_run" mapstructure:"dry_run"`
	BatchSize int    `toml:"batch_size" mapstructure:"batch_size"`
	Workers   int    `toml:"workers" mapstructure:"workers"`
}

type JobsConfig struct {
	DefaultPriority int `toml:"default_priority" mapstructure:"default_priority"`
}

type NotifierConfig struct {
	QueueSize int `toml:"queue_size" mapstructure:"queue_size"`
	// History lists notification log DSNs (sqlite path, postgres://,
	// mysql://, clickhouse://, opensearch://).
	History []string `toml:"history" mapstructure:"history"`
}

type AuthConfig struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string `toml:"jwt_secret" mapstructure:"jwt_secret"`
	// OperatorKey is exchanged at /auth/operator-token for operator tokens.
	OperatorKey string        `toml:"operator_key" mapstructure:"operator_key"`
	TokenTTL    time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	BcryptCost  int           `toml:"bcrypt_cost" mapstructure:"bcrypt_cost"`
}

// MetricsConfig enables /metrics. With an empty Listen it is served by the API server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: ":8080", BasePath: "/api"},
		Store:  StoreConfig{DSN: "fleetdispatch.db", MaxOpenConns: 10},
		Presence: PresenceConfig{
			Backend:   PresenceMemory,
			TTL:       2 * time.Minute,
			KeyPrefix: "fleetdispatch:presence:",
			Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Reconciler: ReconcilerConfig{Enabled: true, Schedule: "@every 1m", OfflineTimeout: 5 * time.Minute, Workers: 4},
		Scheduler:  SchedulerConfig{Enabled: true, Schedule: "@every 1m", BatchSize: 100, Workers: 4},
		Jobs:       JobsConfig{DefaultPriority: job.DefaultPriority},
		Notifier:   NotifierConfig{QueueSize: 1024, History: []string{}},
		Auth:       AuthConfig{TokenTTL: 24 * time.Hour, BcryptCost: 10},
		Metrics:    MetricsConfig{Enabled: true},
		Log:        logger.Config{Level: "info", Format: logger.FormatText},
	}
}

// tree renders c as nested maps with durations as strings. It seeds viper
// defaults and is what WriteDefault encodes.
func (c Config) tree() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen":    c.Server.Listen,
			"base_path": c.Server.BasePath,
			"tls": map[string]any{
				"enabled":       c.Server.TLS.Enabled,
				"cert_file":     c.Server.TLS.CertFile,
				"key_file":      c.Server.TLS.KeyFile,
				"min_version":   c.Server.TLS.MinVersion,
				"auto_generate": c.Server.TLS.AutoGenerate,
			},
		},
		"store": map[string]any{
			"dsn":            c.Store.DSN,
			"max_open_conns": c.Store.MaxOpenConns,
		},
		"presence": map[string]any{
			"backend":    c.Presence.Backend,
			"ttl":        c.Presence.TTL.String(),
			"key_prefix": c.Presence.KeyPrefix,
			"redis": map[string]any{
				"addr":     c.Presence.Redis.Addr,
				"password": c.Presence.Redis.Password,
				"db":       c.Presence.Redis.DB,
			},
		},
		"reconciler": map[string]any{
			"enabled":         c.Reconciler.Enabled,
			"schedule":        c.Reconciler.Schedule,
			"offline_timeout": c.Reconciler.OfflineTimeout.String(),
			"workers":         c.Reconciler.Workers,
		},
		"scheduler": map[string]any{
			"enabled":    c.Scheduler.Enabled,
			"schedule":   c.Scheduler.Schedule,
			"dry_run":    c.Scheduler.DryRun,
			"batch_size": c.Scheduler.BatchSize,
			"workers":    c.Scheduler.Workers,
		},
		"jobs": map[string]any{
			"default_priority": c.Jobs.DefaultPriority,
		},
		"notifier": map[string]any{
			"queue_size": c.Notifier.QueueSize,
			"history":    c.Notifier.History,
		},
		"auth": map[string]any{
			"enabled":      c.Auth.Enabled,
			"jwt_secret":   c.Auth.JWTSecret,
			"operator_key": c.Auth.OperatorKey,
			"token_ttl":    c.Auth.TokenTTL.String(),
			"bcrypt_cost":  c.Auth.BcryptCost,
		},
		"metrics": map[string]any{
			"enabled": c.Metrics.Enabled,
			"listen":  c.Metrics.Listen,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
		},
	}
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// ExpandSecrets resolves ${NAME} references in the fields that usually
// carry credentials: store and history DSNs, the redis password, the JWT
// secret and the operator key.
func (c *Config) ExpandSecrets(lookup env.Lookup) {
	c.Store.DSN = env.Expand(c.Store.DSN, lookup)
	c.Presence.Redis.Password = env.Expand(c.Presence.Redis.Password, lookup)
	c.Auth.JWTSecret = env.Expand(c.Auth.JWTSecret, lookup)
	c.Auth.OperatorKey = env.Expand(c.Auth.OperatorKey, lookup)
	for i, dsn := range c.Notifier.History {
		c.Notifier.History[i] = env.Expand(dsn, lookup)
	}
}

// Validate checks value ranges and the relations between sections.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Server.Listen) == "" {
		add("server.listen is required")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		add("server.tls requires cert_file and key_file")
	}
	switch c.Server.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		add("server.tls.min_version must be 1.2 or 1.3, got %q", c.Server.TLS.MinVersion)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		add("store.dsn is required")
	}
	switch c.Presence.Backend {
	case PresenceMemory:
	case PresenceRedis:
		if c.Presence.Redis.Addr == "" {
			add("presence.redis.addr is required for the redis backend")
		}
	default:
		add("presence.backend must be memory or redis, got %q", c.Presence.Backend)
	}
	if c.Presence.TTL <= 0 {
		add("presence.ttl must be positive")
	}
	if c.Reconciler.OfflineTimeout <= 0 {
		add("reconciler.offline_timeout must be positive")
	}
	if c.Presence.TTL > 0 && c.Reconciler.OfflineTimeout > 0 && c.Presence.TTL >= c.Reconciler.OfflineTimeout {
		add("presence.ttl (%s) must be shorter than reconciler.offline_timeout (%s)", c.Presence.TTL, c.Reconciler.OfflineTimeout)
	}
	if c.Reconciler.Workers <= 0 || c.Scheduler.Workers <= 0 {
		add("workers must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		add("scheduler.batch_size must be positive")
	}
	if c.Reconciler.Enabled {
		if _, err := cron.ParseSchedule(c.Reconciler.Schedule); err != nil {
			add("reconciler.schedule: %v", err)
		}
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseSchedule(c.Scheduler.Schedule); err != nil {
			add("scheduler.schedule: %v", err)
		}
	}
	if p := c.Jobs.DefaultPriority; p < job.MinPriority || p > job.MaxPriority {
		add("jobs.default_priority must be within %d..%d", job.MinPriority, job.MaxPriority)
	}
	if c.Notifier.QueueSize <= 0 {
		add("notifier.queue_size must be positive")
	}
	if c.Auth.Enabled {
		if len(c.Auth.JWTSecret) < 16 {
			add("auth.jwt_secret must be at least 16 characters")
		}
		if len(c.Auth.OperatorKey) < 16 {
			add("auth.operator_key must be at least 16 characters")
		}
		if c.Auth.TokenTTL <= 0 {
			add("auth.token_ttl must be positive")
		}
		if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
			add("auth.bcrypt_cost must be within 4..31")
		}
	}
	if err := c.Log.Validate(); err != nil {
		add("log: %v", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Loader reads one config file and can watch it for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader for path. An empty path uses defaults and
// environment variables only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, "", Default().tree())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return &Loader{v: v, path: path}
}

func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	c.ExpandSecrets(env.OS)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Watch calls onChange with the reloaded configuration whenever the file
// changes. Invalid edits are logged and ignored.
func (l *Loader) Watch(log *slog.Logger, onChange func(*Config)) {
	if l.path == "" {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		c, err := l.decode()
		if err != nil {
			log.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		onChange(c)
	})
	l.v.WatchConfig()
}

// Load is NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Encode renders c as TOML.
func Encode(c Config) ([]byte, error) {
	return toml.Marshal(c.tree())
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	b, err := Encode(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Clean(path), b, 0o600)
}
