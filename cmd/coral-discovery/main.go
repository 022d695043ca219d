// Command coral-discovery runs the mesh discovery service: the partitioned
// colony/agent registry, bootstrap token issuance, and metrics aggregation,
// served over a Connect-style JSON HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/coral-mesh/coral-discovery/internal/config"
	"github.com/coral-mesh/coral-discovery/internal/discovery"
	"github.com/coral-mesh/coral-discovery/internal/discovery/directory"
	"github.com/coral-mesh/coral-discovery/internal/discovery/keys"
	"github.com/coral-mesh/coral-discovery/internal/discovery/server"
	"github.com/coral-mesh/coral-discovery/internal/logging"
	"github.com/coral-mesh/coral-discovery/pkg/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithComponent(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Environment == "development",
	}, "coral-discovery")

	logger.Info().
		Str("build_version", version.Version).
		Str("service_version", cfg.ServiceVersion).
		Str("environment", cfg.Environment).
		Int("default_ttl_seconds", cfg.DefaultTTL).
		Int("cleanup_interval_ms", cfg.CleanupMillis).
		Msg("starting coral-discovery")

	dir := directory.New(directory.Config{
		DataDir:         cfg.DataDir,
		RecordTTL:       time.Duration(cfg.DefaultTTL) * time.Second,
		CleanupInterval: time.Duration(cfg.CleanupMillis) * time.Millisecond,
		Logger:          logger,
	})
	defer func() {
		if err := dir.Close(); err != nil {
			logger.Warn().Err(err).Msg("error while closing partition directory")
		}
	}()

	var keyStore *keys.Store
	var tokens *discovery.TokenManager
	if cfg.SigningKey != "" {
		keyStore, err = keys.Load(cfg.SigningKey, cfg.PreviousKeys)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load signing key")
		}
		tokens = discovery.NewTokenManager(discovery.TokenConfig{KeyStore: keyStore})
	} else {
		logger.Warn().Msg("DISCOVERY_SIGNING_KEY not set; CreateBootstrapToken and JWKS will be unavailable")
	}

	gateway := server.New(server.Config{
		Directory: dir,
		KeyStore:  keyStore,
		Tokens:    tokens,
		Version:   cfg.ServiceVersion,
		Logger:    logger,
	})

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(gateway, &http2.Server{}),
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("stopped")
}
