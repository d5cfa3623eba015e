// Package config provides configuration loading for the mcpcore server.
//
// Configuration is loaded from a YAML file overridden by environment
// variables, following the precedence and validation rules documented on
// LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete mcpcore configuration, mapping 1:1 onto the
// recognized options in spec.md §6: transport selection, auth, load
// balancer tuning, session timeout, and logging level.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Transport    TransportConfig    `koanf:"transport"`
	Auth         AuthConfig         `koanf:"auth"`
	LoadBalancer LoadBalancerConfig `koanf:"loadbalancer"`
	Session      SessionConfig      `koanf:"session"`
	Logging      LoggingConfig      `koanf:"logging"`
	Audit        AuditConfig        `koanf:"audit"`
}

// AuditConfig configures the optional NATS-backed audit/event bus: load
// balancer admission decisions and outcomes published to
// mcp.{sessionID}.{event} subjects. Disabled by default — the core's own
// system/health and system/metrics tools are the load-bearing observability
// path; this is an additive sink for an operator already running NATS.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"` // e.g. nats://127.0.0.1:4222
}

// ServerConfig identifies this process in the initialize response.
type ServerConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// TransportKind selects which channel the server listens on.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// TransportConfig configures the active transport (spec §4.1, §6).
type TransportConfig struct {
	Kind        TransportKind `koanf:"kind"`
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Path        string        `koanf:"path"`
	TLSEnabled  bool          `koanf:"tls_enabled"`
	TLSCertFile string        `koanf:"tls_cert_file"`
	TLSKeyFile  string        `koanf:"tls_key_file"`
}

// AuthConfig configures the Auth Manager (spec §4.4, §6).
type AuthConfig struct {
	Enabled bool              `koanf:"enabled"`
	Method  string            `koanf:"method"`
	Tokens  map[string]Secret `koanf:"tokens"` // principal name -> token
	// Permissions maps a principal name to its permission set, keyed the
	// same as Tokens so a loaded config fully determines AuthContext.
	Permissions map[string][]string `koanf:"permissions"`
}

// LoadBalancerConfig tunes admission control (spec §4.5, §4.6, §6).
type LoadBalancerConfig struct {
	Enabled          bool    `koanf:"enabled"`
	RatePerSec       float64 `koanf:"rate_per_sec"`
	Burst            int     `koanf:"burst"`
	MaxConcurrent    int     `koanf:"max_concurrent"`
	FailureThreshold int     `koanf:"failure_threshold"`
	FailureWindowMs  int64   `koanf:"failure_window_ms"`
	CooldownMs       int64   `koanf:"cooldown_ms"`
	QueueCapacity    int     `koanf:"queue_capacity"`
	QueueTimeoutMs   int64   `koanf:"queue_timeout_ms"`
	DefaultTimeoutMs int64   `koanf:"default_timeout_ms"`
	MaxRetries       int     `koanf:"max_retries"` // recognized per spec §6; no server-side retry path (spec §9 Open Questions)
}

// SessionConfig configures the session manager (spec §4.3, §6).
type SessionConfig struct {
	TimeoutMs int64 `koanf:"timeout_ms"`
}

// LoggingConfig configures the zap-backed logger (spec §6).
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// SessionTimeout returns the configured session idle window as a Duration.
func (c SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DefaultTimeout returns the configured default handler deadline.
func (c LoadBalancerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// applyDefaults fills in every zero-valued field with the spec's stated
// defaults (rate limiter 50rps/burst 50 is the load balancer package's own
// default; the values restated here are the ones spec.md names explicitly).
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcpcore"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "0.1.0"
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportStdio
	}
	if cfg.Transport.Path == "" {
		cfg.Transport.Path = "/mcp"
	}
	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = 8090
	}
	if cfg.Auth.Method == "" {
		cfg.Auth.Method = "token"
	}
	if cfg.LoadBalancer.FailureThreshold == 0 {
		cfg.LoadBalancer.FailureThreshold = 5
	}
	if cfg.LoadBalancer.FailureWindowMs == 0 {
		cfg.LoadBalancer.FailureWindowMs = 30_000
	}
	if cfg.LoadBalancer.CooldownMs == 0 {
		cfg.LoadBalancer.CooldownMs = 30_000
	}
	if cfg.LoadBalancer.QueueCapacity == 0 {
		cfg.LoadBalancer.QueueCapacity = 1000
	}
	if cfg.LoadBalancer.QueueTimeoutMs == 0 {
		cfg.LoadBalancer.QueueTimeoutMs = 30_000
	}
	if cfg.LoadBalancer.DefaultTimeoutMs == 0 {
		cfg.LoadBalancer.DefaultTimeoutMs = 5000
	}
	if cfg.LoadBalancer.MaxConcurrent == 0 {
		cfg.LoadBalancer.MaxConcurrent = 10
	}
	if cfg.Session.TimeoutMs == 0 {
		cfg.Session.TimeoutMs = 30 * 60 * 1000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var (
	// ErrUnsupportedTransport is returned by Validate for an unrecognized
	// transport.kind.
	ErrUnsupportedTransport = errors.New("config: unsupported transport kind")
	// ErrUnsupportedAuthMethod is returned by Validate when auth is enabled
	// with a method other than "token" (spec §4.4: pluggable, "token" only
	// today).
	ErrUnsupportedAuthMethod = errors.New("config: unsupported auth method")
)

// Validate checks the loaded configuration for internally inconsistent or
// out-of-range values beyond what applyDefaults fills in.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTransport, c.Transport.Kind)
	}

	if c.Transport.Kind == TransportHTTP {
		if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
			return fmt.Errorf("config: transport.port %d out of range", c.Transport.Port)
		}
		if c.Transport.TLSEnabled && (c.Transport.TLSCertFile == "" || c.Transport.TLSKeyFile == "") {
			return errors.New("config: transport.tls_enabled requires tls_cert_file and tls_key_file")
		}
	}

	if c.Auth.Enabled && c.Auth.Method != "token" {
		return fmt.Errorf("%w: %q", ErrUnsupportedAuthMethod, c.Auth.Method)
	}

	if c.LoadBalancer.Enabled {
		if c.LoadBalancer.RatePerSec < 0 {
			return errors.New("config: loadbalancer.rate_per_sec must be >= 0")
		}
		if c.LoadBalancer.MaxConcurrent < 0 {
			return errors.New("config: loadbalancer.max_concurrent must be >= 0")
		}
	}

	if c.Audit.Enabled && c.Audit.URL == "" {
		return errors.New("config: audit.enabled requires audit.url")
	}

	return nil
}
