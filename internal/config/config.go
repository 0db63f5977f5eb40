package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/pianoroll/internal/errors"
)

// Config file names, in lookup order.
var ConfigFileNames = []string{"pianoroll.yaml", "pianoroll.yml", "pianoroll.json"}

const (
	// DefaultPort is the port the relay listens on.
	DefaultPort = 8080

	// DefaultStore is the repository used when none is configured.
	DefaultStore = StoreMemory

	DefaultFlushInterval = "60s"
	DefaultReapInterval  = "30s"
	DefaultFlushTimeout  = "10s"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

// Store types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreS3     = "s3"
)

// Config is the relay configuration.
type Config struct {
	// Host is the interface to bind; empty binds every interface.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Port is the listen port.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Log contains logging configuration.
	Log LogConfig `json:"log,omitempty" yaml:"log,omitempty"`

	// AllowedOrigins restricts WebSocket upgrades to these origins. Empty
	// accepts every origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// believed.
	TrustedProxies []string `json:"trustedProxies,omitempty" yaml:"trustedProxies,omitempty"`

	// MaxConnectionsPerIP caps concurrent connections per client address.
	// Zero means unlimited.
	MaxConnectionsPerIP int `json:"maxConnectionsPerIP,omitempty" yaml:"maxConnectionsPerIP,omitempty"`

	// Metrics enables the /metrics endpoint.
	Metrics *bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Session contains persistence timing.
	Session SessionConfig `json:"session,omitempty" yaml:"session,omitempty"`

	// Store selects and configures the session repository.
	Store StoreConfig `json:"store,omitempty" yaml:"store,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// SessionConfig contains persistence timing, as Go duration strings.
type SessionConfig struct {
	// FlushInterval is how often dirty sessions are written (e.g. "60s").
	FlushInterval string `json:"flushInterval,omitempty" yaml:"flushInterval,omitempty"`

	// ReapInterval is how often idle sessions are evicted (e.g. "30s").
	ReapInterval string `json:"reapInterval,omitempty" yaml:"reapInterval,omitempty"`

	// FlushTimeout bounds a single repository write (e.g. "10s").
	FlushTimeout string `json:"flushTimeout,omitempty" yaml:"flushTimeout,omitempty"`

	// FlushConcurrency caps parallel repository writes per pass. 0 uses the
	// manager default.
	FlushConcurrency int `json:"flushConcurrency,omitempty" yaml:"flushConcurrency,omitempty"`
}

// StoreConfig selects the session repository.
type StoreConfig struct {
	// Type is memory, redis, sqlite or s3.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	Redis  RedisConfig  `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQLite SQLiteConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	S3     S3Config     `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// RedisConfig configures the Redis repository.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Prefix is prepended to session keys.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// SQLiteConfig configures the SQLite repository.
type SQLiteConfig struct {
	// Path is the database file.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Table is the sessions table name.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// S3Config configures the S3 repository.
type S3Config struct {
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty" yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" yaml:"secretAccessKey,omitempty"`
	UsePathStyle    bool   `json:"usePathStyle,omitempty" yaml:"usePathStyle,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the first config file found in dir. A directory without one
// yields the defaults.
func Load(dir string) (*Config, error) {
	for _, name := range ConfigFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return New(), nil
}

// LoadFile reads configuration from path. Files ending in .json are parsed
// as JSON, anything else as YAML.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfig).
				WithDetail("No config file at " + path).
				WithSuggestion("Run 'pianoroll config init' to write one")
		}
		return nil, errors.New(errors.CodeConfig).Wrap(err)
	}

	cfg := &Config{}
	if isJSON(path) {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.New(errors.CodeConfig).
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
			WithSuggestion("Check the file syntax")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// SaveTo writes the configuration to path, as JSON or YAML by extension.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = c.YAML()
	}
	if err != nil {
		return errors.New(errors.CodeConfig).Wrap(err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New(errors.CodeConfig).Wrap(err)
	}

	c.configPath = path
	return nil
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// LoadDotEnv loads variables from the given files (default ".env") into the
// process environment. Missing files are ignored and variables already set
// are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return errors.New(errors.CodeConfig).WithDetail("Failed to load " + strings.Join(present, ", ")).Wrap(err)
	}
	return nil
}

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	list := func(dst *[]string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	if v, ok := lookup("PIANOROLL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.New(errors.CodeConfig).WithDetail("PIANOROLL_PORT is not a number: " + v)
		}
		c.Port = port
	}
	if v, ok := lookup("PIANOROLL_MAX_CONNECTIONS_PER_IP"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New(errors.CodeConfig).WithDetail("PIANOROLL_MAX_CONNECTIONS_PER_IP is not a number: " + v)
		}
		c.MaxConnectionsPerIP = n
	}
	if v, ok := lookup("PIANOROLL_FLUSH_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New(errors.CodeConfig).WithDetail("PIANOROLL_FLUSH_CONCURRENCY is not a number: " + v)
		}
		c.Session.FlushConcurrency = n
	}
	if v, ok := lookup("PIANOROLL_METRICS"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New(errors.CodeConfig).WithDetail("PIANOROLL_METRICS is not a boolean: " + v)
		}
		c.Metrics = &enabled
	}
	if v, ok := lookup("PIANOROLL_S3_PATH_STYLE"); ok && v != "" {
		pathStyle, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New(errors.CodeConfig).WithDetail("PIANOROLL_S3_PATH_STYLE is not a boolean: " + v)
		}
		c.Store.S3.UsePathStyle = pathStyle
	}

	str(&c.Host, "PIANOROLL_HOST")
	str(&c.Log.Level, "PIANOROLL_LOG_LEVEL")
	str(&c.Log.Format, "PIANOROLL_LOG_FORMAT")
	list(&c.AllowedOrigins, "PIANOROLL_ALLOWED_ORIGINS")
	list(&c.TrustedProxies, "PIANOROLL_TRUSTED_PROXIES")

	str(&c.Session.FlushInterval, "PIANOROLL_FLUSH_INTERVAL")
	str(&c.Session.ReapInterval, "PIANOROLL_REAP_INTERVAL")
	str(&c.Session.FlushTimeout, "PIANOROLL_FLUSH_TIMEOUT")

	str(&c.Store.Type, "PIANOROLL_STORE")
	str(&c.Store.Redis.URL, "PIANOROLL_REDIS_URL", "REDIS_URL")
	str(&c.Store.Redis.Prefix, "PIANOROLL_REDIS_PREFIX")
	str(&c.Store.SQLite.Path, "PIANOROLL_SQLITE_PATH")
	str(&c.Store.SQLite.Table, "PIANOROLL_SQLITE_TABLE")
	str(&c.Store.S3.Bucket, "PIANOROLL_S3_BUCKET")
	str(&c.Store.S3.Prefix, "PIANOROLL_S3_PREFIX")
	str(&c.Store.S3.Region, "PIANOROLL_S3_REGION", "AWS_REGION")
	str(&c.Store.S3.Endpoint, "PIANOROLL_S3_ENDPOINT")
	str(&c.Store.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	str(&c.Store.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")

	c.applyDefaults()
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Metrics == nil {
		enabled := true
		c.Metrics = &enabled
	}

	if c.Session.FlushInterval == "" {
		c.Session.FlushInterval = DefaultFlushInterval
	}
	if c.Session.ReapInterval == "" {
		c.Session.ReapInterval = DefaultReapInterval
	}
	if c.Session.FlushTimeout == "" {
		c.Session.FlushTimeout = DefaultFlushTimeout
	}

	if c.Store.Type == "" {
		c.Store.Type = DefaultStore
	}
	c.Store.Type = strings.ToLower(c.Store.Type)
	if c.Store.SQLite.Path == "" && c.Store.Type == StoreSQLite {
		c.Store.SQLite.Path = "pianoroll.db"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New(errors.CodeConfig).
			WithDetail("Port must be between 0 and 65535")
	}
	if c.MaxConnectionsPerIP < 0 {
		return errors.New(errors.CodeConfig).
			WithDetail("maxConnectionsPerIP must not be negative")
	}
	if c.Session.FlushConcurrency < 0 {
		return errors.New(errors.CodeConfig).
			WithDetail("session.flushConcurrency must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(errors.CodeConfig).
			WithDetail("Unknown log level " + strconv.Quote(c.Log.Level)).
			WithSuggestion("Use debug, info, warn or error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.New(errors.CodeConfig).
			WithDetail("Unknown log format " + strconv.Quote(c.Log.Format)).
			WithSuggestion("Use text or json")
	}

	for name, value := range map[string]string{
		"flushInterval": c.Session.FlushInterval,
		"reapInterval":  c.Session.ReapInterval,
		"flushTimeout":  c.Session.FlushTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return errors.New(errors.CodeConfig).
				WithDetail("session." + name + " must be a positive duration, got " + strconv.Quote(value)).
				WithSuggestion(`Use a Go duration such as "30s" or "5m"`)
		}
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.URL == "" {
			return errors.New(errors.CodeConfig).
				WithDetail("store.redis.url is required for the redis store").
				WithSuggestion("Set REDIS_URL")
		}
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New(errors.CodeConfig).
				WithDetail("store.sqlite.path is required for the sqlite store").
				WithSuggestion("Set PIANOROLL_SQLITE_PATH")
		}
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			return errors.New(errors.CodeConfig).
				WithDetail("store.s3.bucket is required for the s3 store").
				WithSuggestion("Set PIANOROLL_S3_BUCKET")
		}
	default:
		return errors.New(errors.CodeConfig).
			WithDetail("Unknown store type " + strconv.Quote(c.Store.Type)).
			WithSuggestion("Use memory, redis, sqlite or s3")
	}
	return nil
}

// Address returns the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics == nil || *c.Metrics
}

// FlushInterval returns the parsed flush interval. Call Validate first.
func (c *Config) FlushInterval() time.Duration {
	return parseDuration(c.Session.FlushInterval, DefaultFlushInterval)
}

// ReapInterval returns the parsed reap interval.
func (c *Config) ReapInterval() time.Duration {
	return parseDuration(c.Session.ReapInterval, DefaultReapInterval)
}

// FlushTimeout returns the parsed flush timeout.
func (c *Config) FlushTimeout() time.Duration {
	return parseDuration(c.Session.FlushTimeout, DefaultFlushTimeout)
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
