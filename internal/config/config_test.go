package config

import "testing"

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.Server.Name != "mcpcore" {
		t.Errorf("Server.Name = %q, want mcpcore", cfg.Server.Name)
	}
	if cfg.Transport.Kind != TransportStdio {
		t.Errorf("Transport.Kind = %q, want stdio", cfg.Transport.Kind)
	}
	if cfg.Transport.Path != "/mcp" {
		t.Errorf("Transport.Path = %q, want /mcp", cfg.Transport.Path)
	}
	if cfg.Auth.Method != "token" {
		t.Errorf("Auth.Method = %q, want token", cfg.Auth.Method)
	}
	if cfg.LoadBalancer.FailureThreshold != 5 {
		t.Errorf("LoadBalancer.FailureThreshold = %d, want 5", cfg.LoadBalancer.FailureThreshold)
	}
	if cfg.LoadBalancer.QueueCapacity != 1000 {
		t.Errorf("LoadBalancer.QueueCapacity = %d, want 1000", cfg.LoadBalancer.QueueCapacity)
	}
	if cfg.Session.TimeoutMs != 30*60*1000 {
		t.Errorf("Session.TimeoutMs = %d, want 1_800_000", cfg.Session.TimeoutMs)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestApplyDefaultsDoesNotOverrideSetValues(t *testing.T) {
	cfg := Config{
		Server:    ServerConfig{Name: "custom", Version: "9.9.9"},
		Transport: TransportConfig{Kind: TransportHTTP, Port: 1234},
	}
	applyDefaults(&cfg)

	if cfg.Server.Name != "custom" {
		t.Errorf("Server.Name overridden: got %q", cfg.Server.Name)
	}
	if cfg.Transport.Kind != TransportHTTP {
		t.Errorf("Transport.Kind overridden: got %q", cfg.Transport.Kind)
	}
	if cfg.Transport.Port != 1234 {
		t.Errorf("Transport.Port overridden: got %d", cfg.Transport.Port)
	}
}

func TestValidateRejectsUnsupportedTransport(t *testing.T) {
	cfg := Config{Transport: TransportConfig{Kind: "websocket"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported transport kind")
	}
}

func TestValidateRejectsHTTPWithoutValidPort(t *testing.T) {
	cfg := Config{Transport: TransportConfig{Kind: TransportHTTP, Port: 0}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range HTTP port")
	}
}

func TestValidateRejectsTLSWithoutCertFiles(t *testing.T) {
	cfg := Config{Transport: TransportConfig{
		Kind: TransportHTTP, Port: 8090, TLSEnabled: true,
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for tls_enabled without cert/key files")
	}
}

func TestValidateRejectsUnsupportedAuthMethod(t *testing.T) {
	cfg := Config{
		Transport: TransportConfig{Kind: TransportStdio},
		Auth:      AuthConfig{Enabled: true, Method: "oauth"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported auth method")
	}
}

func TestValidateAcceptsDefaultedConfig(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaulted config should validate cleanly: %v", err)
	}
}

func TestSessionTimeoutDuration(t *testing.T) {
	cfg := SessionConfig{TimeoutMs: 5000}
	if got, want := cfg.SessionTimeout().Seconds(), 5.0; got != want {
		t.Errorf("SessionTimeout() = %v, want %v", got, want)
	}
}

func TestValidateRejectsAuditEnabledWithoutURL(t *testing.T) {
	cfg := Config{
		Transport: TransportConfig{Kind: TransportStdio},
		Audit:     AuditConfig{Enabled: true},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for audit.enabled without audit.url")
	}
}

func TestValidateAcceptsAuditEnabledWithURL(t *testing.T) {
	cfg := Config{
		Transport: TransportConfig{Kind: TransportStdio},
		Audit:     AuditConfig{Enabled: true, URL: "nats://127.0.0.1:4222"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error with audit.url set, got %v", err)
	}
}

func TestValidateAcceptsAuditDisabledWithoutURL(t *testing.T) {
	cfg := Config{Transport: TransportConfig{Kind: TransportStdio}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error with audit disabled, got %v", err)
	}
}
