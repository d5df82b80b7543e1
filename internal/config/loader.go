package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const configBaseName = "scriptgate"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for scriptgate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig will return ConfigFileNotFoundError, which callers tolerate.
		viper.SetConfigName(configBaseName)
		viper.SetConfigType("yaml")
	}

	// SCRIPTGATE_SERVER_HTTP_ADDR overrides server.http_addr.
	viper.SetEnvPrefix("SCRIPTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches ., ~/.scriptgate and the system config directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".scriptgate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, configBaseName))
		}
	} else {
		paths = append(paths, "/etc/scriptgate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first scriptgate.yaml or .yml found in
// paths, or an empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configBaseName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys lists every scalar key that can be overridden from the environment.
// AutomaticEnv alone does not reach keys absent from the config file.
var envKeys = []string{
	"server.http_addr",
	"server.log_level",
	"server.log_format",
	"server.api_prefix",
	"server.shutdown_timeout",
	"server.max_body_bytes",
	"server.max_json_depth",
	"server.pid_file",

	"token.expiration",

	"rotation.interval",
	"rotation.lock_ttl",
	"rotation.check_interval",
	"rotation.key_bits",

	"chunks.script_path",
	"chunks.lines_per_chunk",
	"chunks.ttl",
	"chunks.refresh_interval",
	"chunks.window",
	"chunks.encoding",

	"cache.backend",
	"cache.redis.addr",
	"cache.redis.password",
	"cache.redis.db",
	"cache.badger.dir",

	"secrets.backend",
	"secrets.file.path",
	"secrets.file.passphrase",
	"secrets.vault.addr",
	"secrets.vault.token",
	"secrets.vault.mount",
	"secrets.vault.namespace",
	"secrets.vault.timeout",

	"database.driver",
	"database.dsn",

	"rate_limit.enabled",
	"rate_limit.requests",
	"rate_limit.period",
	"rate_limit.backend",

	"auth.failed_threshold",
	"auth.failed_window",
	"auth.suspicious_ttl",
	"auth.block_suspicious",

	"telemetry.channel_size",
	"telemetry.batch_size",
	"telemetry.flush_interval",
	"telemetry.send_timeout",

	"tracing.enabled",

	"dev_mode",
}

// bindNestedEnvKeys binds envKeys. server.cors_allowed_origins is a list and
// is only read from the config file.
func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use it when CLI flags may still
// override DevMode.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
