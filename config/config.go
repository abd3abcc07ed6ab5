// Package config provides environment-variable configuration loading for the
// process execution engine, following the EnvConfig/Validator pattern used
// across the broader EVE ecosystem this engine was split out of.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServerConfig contains the httpapi listener configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoadServerConfig loads httpapi listener configuration from environment.
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// GraphConfig locates the Cayley/BoltDB-backed triple store (C1).
type GraphConfig struct {
	Path string
}

// LoadGraphConfig loads graph store configuration from environment.
func LoadGraphConfig(prefix string) GraphConfig {
	env := NewEnvConfig(prefix)
	return GraphConfig{
		Path: env.GetString("GRAPH_PATH", "./data/flow-graph.db"),
	}
}

// AuditConfig configures the PostgreSQL audit log (C10).
type AuditConfig struct {
	DSN string
}

// LoadAuditConfig loads audit log configuration from environment.
func LoadAuditConfig(prefix string) AuditConfig {
	env := NewEnvConfig(prefix)
	return AuditConfig{
		DSN: env.GetString("AUDIT_DSN", "postgresql://localhost:5432/flowengine?sslmode=disable"),
	}
}

// SchedulerConfig configures the Scheduler (C9). RedisURL empty means no
// Redis is configured; cmd/flowengine then falls back to a local
// BoltDB-backed timer queue at LocalTimerPath.
type SchedulerConfig struct {
	RedisURL      string
	LocalTimerPath string
	TickInterval  time.Duration
}

// LoadSchedulerConfig loads scheduler configuration from environment.
func LoadSchedulerConfig(prefix string) SchedulerConfig {
	env := NewEnvConfig(prefix)
	return SchedulerConfig{
		RedisURL:       env.GetString("REDIS_URL", ""),
		LocalTimerPath: env.GetString("LOCAL_TIMER_PATH", "./data/flowengine-timers.db"),
		TickInterval:   env.GetDuration("TICK_INTERVAL", 1*time.Second),
	}
}

// ServiceConfig contains process identity configuration.
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// LoadServiceConfig loads service identity configuration from environment.
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:      env.GetString("NAME", "flowengine"),
		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "text"),
	}
}

// EngineConfig aggregates every engine subsystem's configuration, loaded
// once at process startup by cmd/flowengine.
type EngineConfig struct {
	Service   ServiceConfig
	Server    ServerConfig
	Graph     GraphConfig
	Audit     AuditConfig
	Scheduler SchedulerConfig
}

// Load reads EngineConfig from the environment, using prefix (conventionally
// "FLOWENGINE") for every variable, and validates required invariants.
func Load(prefix string) (*EngineConfig, error) {
	cfg := &EngineConfig{
		Service:   LoadServiceConfig(prefix),
		Server:    LoadServerConfig(prefix),
		Graph:     LoadGraphConfig(prefix),
		Audit:     LoadAuditConfig(prefix),
		Scheduler: LoadSchedulerConfig(prefix),
	}

	v := NewValidator()
	v.RequireString("Graph.Path", cfg.Graph.Path)
	v.RequirePositiveInt("Server.Port", cfg.Server.Port)
	v.RequireOneOf("Service.LogLevel", cfg.Service.LogLevel, []string{"debug", "info", "warn", "error"})
	if err := v.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []string {
	return v.errors
}

// Validate runs validation and returns an error describing every violation, if any.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
	}
	return nil
}
