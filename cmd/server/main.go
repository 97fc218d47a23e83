// cmd/server/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sozercan/mmr-api/internal/catalog"
	"github.com/sozercan/mmr-api/internal/config"
	"github.com/sozercan/mmr-api/internal/dispatcher"
	"github.com/sozercan/mmr-api/internal/logger"
	"github.com/sozercan/mmr-api/internal/observability"
	"github.com/sozercan/mmr-api/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer appLogger.Sync() //nolint:errcheck

	responses, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		log.Fatalf("failed to load response catalog: %v", err)
	}
	appLogger.Info("response catalog loaded", map[string]interface{}{
		"model": responses.Model,
		"rules": len(responses.Rules),
		"path":  cfg.Catalog.Path,
	})

	tracing, err := observability.NewTracing(cfg.Tracing, os.Stdout)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			appLogger.WithError(err).Warn("failed to flush traces", nil)
		}
	}()

	d := dispatcher.New(responses, appLogger,
		dispatcher.WithLatency(cfg.Latency.Min, cfg.Latency.Max),
		dispatcher.WithTracerProvider(tracing.Provider()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(*cfg, d, responses, appLogger)
	if err := srv.Run(ctx); err != nil {
		appLogger.WithError(err).Error("server failed", nil)
		_ = tracing.Shutdown(context.Background())
		appLogger.Sync() //nolint:errcheck
		os.Exit(1)
	}
}
