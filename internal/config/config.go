// Package config provides configuration types for scriptgate.
//
// Durations are strings in time.ParseDuration form ("10m", "300s") so that
// YAML, environment variables and flags all read the same way.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener and request limits.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Token configures session tokens.
	Token TokenConfig `yaml:"token" mapstructure:"token"`

	// Rotation configures the RSA key rotation scheduler.
	Rotation RotationConfig `yaml:"rotation" mapstructure:"rotation"`

	// Chunks configures how the payload is split and republished.
	Chunks ChunksConfig `yaml:"chunks" mapstructure:"chunks"`

	// Cache selects the shared TTL cache backend.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Secrets selects where the JWT secret and key pairs live.
	Secrets SecretsConfig `yaml:"secrets" mapstructure:"secrets"`

	// Database configures the authorized-user and telemetry tables.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// RateLimit configures per-IP, per-route rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Auth configures failed-auth tracking.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Telemetry configures the async telemetry writer.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode switches to in-memory backends and debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat is "text", "json" or "pretty" (colorized, for terminals).
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json pretty"`

	// APIPrefix mounts the API under a path such as "/api". Empty mounts at root.
	APIPrefix string `yaml:"api_prefix" mapstructure:"api_prefix" validate:"api_prefix"`

	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// CORSAllowedOrigins lists browser origins allowed to call the API.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" mapstructure:"cors_allowed_origins"`

	// MaxBodyBytes caps request bodies (413 above it).
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1"`

	// MaxJSONDepth caps JSON nesting (400 above it).
	MaxJSONDepth int `yaml:"max_json_depth" mapstructure:"max_json_depth" validate:"omitempty,min=1,max=64"`

	// PIDFile is written on start and read by "stop".
	PIDFile string `yaml:"pid_file" mapstructure:"pid_file"`
}

// TokenConfig configures session tokens.
type TokenConfig struct {
	// Expiration is the token and ephemeral key lifetime.
	Expiration string `yaml:"expiration" mapstructure:"expiration" validate:"omitempty,duration"`
}

// RotationConfig configures key rotation.
type RotationConfig struct {
	// Interval is the minimum time between rotations.
	Interval string `yaml:"interval" mapstructure:"interval" validate:"omitempty,duration"`

	// LockTTL bounds how long a crashed holder can block rotation.
	LockTTL string `yaml:"lock_ttl" mapstructure:"lock_ttl" validate:"omitempty,duration"`

	// CheckInterval is how often each instance checks whether rotation is due.
	CheckInterval string `yaml:"check_interval" mapstructure:"check_interval" validate:"omitempty,duration"`

	// KeyBits is the RSA modulus size.
	KeyBits int `yaml:"key_bits" mapstructure:"key_bits" validate:"omitempty,oneof=2048 3072 4096"`
}

// ChunksConfig configures the chunker and its refresh loop.
type ChunksConfig struct {
	// ScriptPath is the payload file, re-read on every refresh.
	ScriptPath string `yaml:"script_path" mapstructure:"script_path" validate:"required"`

	LinesPerChunk   int    `yaml:"lines_per_chunk" mapstructure:"lines_per_chunk" validate:"omitempty,min=1"`
	TTL             string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`
	RefreshInterval string `yaml:"refresh_interval" mapstructure:"refresh_interval" validate:"omitempty,duration"`
	Window          string `yaml:"window" mapstructure:"window" validate:"omitempty,duration"`

	// Encoding is the reversible pass applied before encryption.
	Encoding string `yaml:"encoding" mapstructure:"encoding" validate:"omitempty,oneof=none zstd lz4"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	// Backend is "memory", "redis" or "badger".
	Backend string       `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis badger"`
	Redis   RedisConfig  `yaml:"redis" mapstructure:"redis"`
	Badger  BadgerConfig `yaml:"badger" mapstructure:"badger"`
}

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
}

// BadgerConfig configures the embedded Badger cache.
type BadgerConfig struct {
	// Dir holds the database. Empty runs Badger in memory.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// SecretsConfig selects the secret backend.
type SecretsConfig struct {
	// Backend is "memory", "file" or "vault".
	Backend string           `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file vault"`
	File    SecretFileConfig `yaml:"file" mapstructure:"file"`
	Vault   VaultConfig      `yaml:"vault" mapstructure:"vault"`
}

// SecretFileConfig configures the file secret store.
type SecretFileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`

	// Passphrase enables age encryption of the file. Prefer the
	// SCRIPTGATE_SECRETS_FILE_PASSPHRASE environment variable.
	Passphrase string `yaml:"passphrase" mapstructure:"passphrase"`
}

// VaultConfig configures the Vault KV v2 secret store.
type VaultConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" validate:"omitempty,url"`
	Token     string `yaml:"token" mapstructure:"token"`
	Mount     string `yaml:"mount" mapstructure:"mount"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	Timeout   string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Requests is the allowed number of requests per Period per IP and route.
	Requests int    `yaml:"requests" mapstructure:"requests" validate:"omitempty,min=1"`
	Period   string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`

	// Backend is "memory" (GCRA, per instance) or "cache" (fixed window,
	// shared through the cache backend).
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory cache"`
}

// AuthConfig configures failed-auth tracking.
type AuthConfig struct {
	FailedThreshold int    `yaml:"failed_threshold" mapstructure:"failed_threshold" validate:"omitempty,min=1"`
	FailedWindow    string `yaml:"failed_window" mapstructure:"failed_window" validate:"omitempty,duration"`
	SuspiciousTTL   string `yaml:"suspicious_ttl" mapstructure:"suspicious_ttl" validate:"omitempty,duration"`

	// BlockSuspicious rejects flagged IPs without a user lookup.
	BlockSuspicious bool `yaml:"block_suspicious" mapstructure:"block_suspicious"`
}

// TelemetryConfig configures the telemetry writer.
type TelemetryConfig struct {
	ChannelSize   int    `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
	SendTimeout   string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled installs a stdout span exporter.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults switches unset backends to in-memory ones. Applied before
// validation so a bare "start --dev" works.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if !viper.IsSet("cache.backend") {
		c.Cache.Backend = "memory"
	}
	if !viper.IsSet("secrets.backend") {
		c.Secrets.Backend = "memory"
	}
	if !viper.IsSet("server.log_level") {
		c.Server.LogLevel = "debug"
	}
	if c.Chunks.ScriptPath == "" {
		c.Chunks.ScriptPath = "script.lua"
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.MaxJSONDepth == 0 {
		c.Server.MaxJSONDepth = 5
	}
	if c.Server.PIDFile == "" {
		c.Server.PIDFile = "scriptgate.pid"
	}

	if c.Token.Expiration == "" {
		c.Token.Expiration = "10m"
	}

	if c.Rotation.Interval == "" {
		c.Rotation.Interval = "24h"
	}
	if c.Rotation.LockTTL == "" {
		c.Rotation.LockTTL = "300s"
	}
	if c.Rotation.CheckInterval == "" {
		c.Rotation.CheckInterval = "1h"
	}
	if c.Rotation.KeyBits == 0 {
		c.Rotation.KeyBits = 2048
	}

	if c.Chunks.LinesPerChunk == 0 {
		c.Chunks.LinesPerChunk = 10
	}
	if c.Chunks.TTL == "" {
		c.Chunks.TTL = "120s"
	}
	if c.Chunks.RefreshInterval == "" {
		c.Chunks.RefreshInterval = "60s"
	}
	if c.Chunks.Window == "" {
		c.Chunks.Window = "60s"
	}
	if c.Chunks.Encoding == "" {
		c.Chunks.Encoding = "none"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Secrets.Backend == "" {
		c.Secrets.Backend = "file"
	}
	if c.Secrets.File.Path == "" {
		c.Secrets.File.Path = "./secrets.json"
	}
	if c.Secrets.Vault.Mount == "" {
		c.Secrets.Vault.Mount = "secret"
	}
	if c.Secrets.Vault.Timeout == "" {
		c.Secrets.Vault.Timeout = "5s"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:scriptgate.db"
	}

	// Rate limiting is on unless explicitly disabled.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 60
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}

	if c.Auth.FailedThreshold == 0 {
		c.Auth.FailedThreshold = 5
	}
	if c.Auth.FailedWindow == "" {
		c.Auth.FailedWindow = "1h"
	}
	if c.Auth.SuspiciousTTL == "" {
		c.Auth.SuspiciousTTL = "24h"
	}

	if c.Telemetry.ChannelSize == 0 {
		c.Telemetry.ChannelSize = 1000
	}
	if c.Telemetry.BatchSize == 0 {
		c.Telemetry.BatchSize = 100
	}
	if c.Telemetry.FlushInterval == "" {
		c.Telemetry.FlushInterval = "1s"
	}
	if c.Telemetry.SendTimeout == "" {
		c.Telemetry.SendTimeout = "100ms"
	}
}

// Duration parses a duration field that Validate has already accepted.
// Invalid or empty values yield zero so callers fall back to defaults.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
