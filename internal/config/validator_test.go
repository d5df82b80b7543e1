package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a defaulted Config that passes validation.
func minimalValidConfig() *Config {
	cfg := &Config{Chunks: ChunksConfig{ScriptPath: "script.lua"}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	var cfg Config
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail on zero config")
	}
	if !strings.Contains(err.Error(), "ScriptPath is required") {
		t.Errorf("error = %q, want mention of ScriptPath", err)
	}
}

func TestValidate_FieldErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad duration", func(c *Config) { c.Token.Expiration = "ten minutes" }, "positive duration"},
		{"negative duration", func(c *Config) { c.Rotation.LockTTL = "-5s" }, "positive duration"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, "must be one of: memory redis badger"},
		{"unknown secrets backend", func(c *Config) { c.Secrets.Backend = "s3" }, "must be one of: memory file vault"},
		{"unknown encoding", func(c *Config) { c.Chunks.Encoding = "gzip" }, "must be one of: none zstd lz4"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "must be one of: sqlite postgres"},
		{"small key", func(c *Config) { c.Rotation.KeyBits = 1024 }, "KeyBits must be one of"},
		{"bad addr", func(c *Config) { c.Server.HTTPAddr = "localhost" }, "valid host:port"},
		{"deep json", func(c *Config) { c.Server.MaxJSONDepth = 100 }, "at most 64"},
		{"prefix trailing slash", func(c *Config) { c.Server.APIPrefix = "/api/" }, "must start with '/'"},
		{"prefix relative", func(c *Config) { c.Server.APIPrefix = "api" }, "must start with '/'"},
		{"bad vault url", func(c *Config) { c.Secrets.Vault.Addr = "::" }, "valid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"vault without addr", func(c *Config) {
			c.Secrets.Backend = "vault"
			c.Secrets.Vault.Token = "root"
		}, "secrets.vault.addr is required"},
		{"vault without token", func(c *Config) {
			c.Secrets.Backend = "vault"
			c.Secrets.Vault.Addr = "http://127.0.0.1:8200"
		}, "secrets.vault.token is required"},
		{"file without path", func(c *Config) {
			c.Secrets.File.Path = ""
		}, "secrets.file.path is required"},
		{"redis without addr", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.Redis.Addr = ""
		}, "cache.redis.addr is required"},
		{"postgres without dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = ""
		}, "database.dsn is required for driver postgres"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_VaultComplete(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Secrets.Backend = "vault"
	cfg.Secrets.Vault.Addr = "http://127.0.0.1:8200"
	cfg.Secrets.Vault.Token = "root"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_RefreshLongerThanTTL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Chunks.TTL = "30s"
	cfg.Chunks.RefreshInterval = "60s"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must not exceed chunks.ttl") {
		t.Errorf("Validate() = %v, want refresh/ttl error", err)
	}
}

func TestValidate_APIPrefix(t *testing.T) {
	t.Parallel()

	for _, prefix := range []string{"", "/api", "/v1/gate"} {
		cfg := minimalValidConfig()
		cfg.Server.APIPrefix = prefix
		if err := cfg.Validate(); err != nil {
			t.Errorf("APIPrefix %q: unexpected error %v", prefix, err)
		}
	}
}
