package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers scriptgate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("api_prefix", validateAPIPrefix); err != nil {
		return fmt.Errorf("failed to register api_prefix validator: %w", err)
	}
	return nil
}

// validateDuration accepts positive time.ParseDuration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateAPIPrefix accepts "" or a path like "/api" with no trailing slash.
func validateAPIPrefix(fl validator.FieldLevel) bool {
	prefix := fl.Field().String()
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(prefix, "/") && !strings.HasSuffix(prefix, "/") &&
		!strings.ContainsAny(prefix, " ?#{}")
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateBackends(); err != nil {
		return err
	}
	return c.validateChunkTiming()
}

// validateBackends checks that each selected backend has what it needs.
func (c *Config) validateBackends() error {
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr is required when cache.backend is redis")
	}
	switch c.Secrets.Backend {
	case "file":
		if c.Secrets.File.Path == "" {
			return errors.New("secrets.file.path is required when secrets.backend is file")
		}
	case "vault":
		if c.Secrets.Vault.Addr == "" {
			return errors.New("secrets.vault.addr is required when secrets.backend is vault")
		}
		if c.Secrets.Vault.Token == "" {
			return errors.New("secrets.vault.token is required when secrets.backend is vault")
		}
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	return nil
}

// validateChunkTiming rejects settings where published chunks would expire
// before the next refresh replaces them.
func (c *Config) validateChunkTiming() error {
	ttl := Duration(c.Chunks.TTL)
	refresh := Duration(c.Chunks.RefreshInterval)
	if ttl > 0 && refresh > ttl {
		return fmt.Errorf("chunks.refresh_interval (%s) must not exceed chunks.ttl (%s)",
			c.Chunks.RefreshInterval, c.Chunks.TTL)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"30s\" or \"10m\"", field)
	case "api_prefix":
		return fmt.Sprintf("%s must start with '/' and must not end with '/'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
