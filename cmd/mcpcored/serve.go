package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpcore/internal/config"
	"github.com/fyrsmithlabs/mcpcore/internal/logging"
	"github.com/fyrsmithlabs/mcpcore/internal/telemetry"
	"github.com/fyrsmithlabs/mcpcore/pkg/loadbalancer"
	"github.com/fyrsmithlabs/mcpcore/pkg/mcp"
	"github.com/fyrsmithlabs/mcpcore/pkg/mcp/transport/httptransport"
	"github.com/fyrsmithlabs/mcpcore/pkg/mcp/transport/stdio"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	RunE:  runServe,
}

// runServe starts the mcpcore server and blocks until the process receives an
// interrupt or termination signal. It mirrors the daemon's usual shape:
// load config, stand up logging and telemetry, wire the load balancer and
// MCP core, pick a transport, serve until cancelled, then drain.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, sync, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	telemetryCfg := telemetry.NewDefaultConfig()
	if os.Getenv("MCPCORE_OTEL_ENABLE") == "true" {
		telemetryCfg.Enabled = true
	}
	tel, err := telemetry.New(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	lb := loadbalancer.New(loadBalancerConfig(cfg.LoadBalancer), logger)
	defer lb.Stop()

	if cfg.Audit.Enabled {
		natsConn, err := nats.Connect(cfg.Audit.URL)
		if err != nil {
			return fmt.Errorf("connecting to audit NATS server at %s: %w", cfg.Audit.URL, err)
		}
		defer natsConn.Close()
		lb.SetAuditPublisher(loadbalancer.NewAuditPublisher(natsConn))
		logger.Info("audit event bus connected", zap.String("url", cfg.Audit.URL))
	}

	permissionsByToken := permissionsByToken(cfg.Auth)

	srv, err := mcp.New(mcp.Config{
		Name:           cfg.Server.Name,
		Version:        cfg.Server.Version,
		SessionTimeout: cfg.Session.SessionTimeout(),
		DefaultTimeout: cfg.LoadBalancer.DefaultTimeout(),
		Auth: mcp.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			Method:  cfg.Auth.Method,
		},
		Logger: logger,
	}, lb, permissionsByToken)
	if err != nil {
		return fmt.Errorf("constructing mcp server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting mcp server: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("mcp server stop", zap.Error(err))
		}
	}()

	logger.Info("mcpcore starting",
		zap.String("transport", string(cfg.Transport.Kind)),
		zap.Int("tools", srv.Registry().Count()))

	switch cfg.Transport.Kind {
	case config.TransportHTTP:
		return serveHTTP(ctx, cfg, srv)
	default:
		return serveStdio(ctx, srv)
	}
}

func serveStdio(ctx context.Context, srv *mcp.Server) error {
	t := stdio.New(os.Stdin, os.Stdout, os.Stderr)
	return t.Start(ctx, srv.HandlerForStdio())
}

func serveHTTP(ctx context.Context, cfg *config.Config, srv *mcp.Server) error {
	t := httptransport.New(httptransport.Config{
		Host:        cfg.Transport.Host,
		Port:        cfg.Transport.Port,
		Path:        cfg.Transport.Path,
		TLSEnabled:  cfg.Transport.TLSEnabled,
		TLSCertFile: cfg.Transport.TLSCertFile,
		TLSKeyFile:  cfg.Transport.TLSKeyFile,
	})
	return t.Start(ctx, srv.HandlerForHTTP())
}

// buildLogger bridges the ambient logging config to the *zap.Logger the
// MCP core expects, via Logger.Underlying.
func buildLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging.level: %w", err)
		}
		logCfg.Level = level
	}

	l, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return l.Underlying(), func() { _ = l.Sync() }, nil
}

func loadBalancerConfig(c config.LoadBalancerConfig) loadbalancer.Config {
	return loadbalancer.Config{
		Enabled:          c.Enabled,
		RatePerSec:       c.RatePerSec,
		Burst:            c.Burst,
		MaxConcurrent:    c.MaxConcurrent,
		FailureThreshold: c.FailureThreshold,
		FailureWindowMs:  c.FailureWindowMs,
		CooldownMs:       c.CooldownMs,
		QueueCapacity:    c.QueueCapacity,
		QueueTimeoutMs:   c.QueueTimeoutMs,
		DefaultTimeoutMs: c.DefaultTimeoutMs,
	}
}

// permissionsByToken flattens the principal-keyed auth config into the
// token->permissions map the AuthManager matches inbound credentials
// against.
func permissionsByToken(c config.AuthConfig) map[string][]string {
	out := make(map[string][]string, len(c.Tokens))
	for principal, secret := range c.Tokens {
		out[secret.Value()] = c.Permissions[principal]
	}
	return out
}
