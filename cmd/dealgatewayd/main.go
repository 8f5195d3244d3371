package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dealchain/config"
	"dealchain/observability/logging"
	telemetry "dealchain/observability/otel"
	"dealchain/services/dealgateway"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func main() {
	configPath := flag.String("config", "./deal-gateway.yaml", "Path to the gateway configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("deal gateway failed: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := dealgateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("DEAL_ENV"))
	}
	logger, closer := logging.SetupWithOptions(logging.Options{
		Service:    "deal-gateway",
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	nodeCfg, err := config.Load(cfg.NodeConfig)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "deal-gateway",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Version:     version,
			Attributes:  map[string]string{"deal.storage_backend": nodeCfg.Backend},
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	db, err := dealgateway.OpenDatabase(nodeCfg)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	node, err := dealgateway.NewNode(db, nodeCfg, logger)
	if err != nil {
		db.Close()
		return err
	}
	defer node.Close()

	store, err := dealgateway.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	admins, err := cfg.AdminIdentities()
	if err != nil {
		return err
	}
	auth := dealgateway.NewAuthenticator(cfg.Auth.TimestampSkew.Duration, nil)
	limiter := dealgateway.NewRateLimiter(cfg.RateLimit)
	server := dealgateway.NewServer(node, store, auth, limiter, admins, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("deal gateway listening", "listen", cfg.ListenAddress, "backend", nodeCfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down deal gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
	return nil
}
