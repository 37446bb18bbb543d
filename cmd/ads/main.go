// Package main is the entry point for the ads task orchestrator daemon. It
// opens one workspace context for the given root, logs lifecycle events and
// optionally serves Prometheus metrics until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adshq/ads/internal/common/config"
	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/events/bus"
	"github.com/adshq/ads/internal/workspace"
)

func main() {
	var (
		root        = flag.String("root", ".", "workspace root directory")
		metricsAddr = flag.String("metrics-addr", "", "serve /metrics on this address (empty disables)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ads orchestrator...")

	manager := workspace.NewManager(cfg, workspace.Options{}, log)
	ws, err := manager.Get(*root)
	if err != nil {
		log.Fatal("Failed to open workspace", zap.Error(err))
	}
	log.Info("Workspace open",
		zap.String("name", ws.Name()), zap.String("root", ws.Root()))

	// Mirror lifecycle events into the process log for operators.
	unsubscribe, err := ws.Subscribe("ads-daemon", func(ev *bus.Event) {
		log.Debug("event", zap.String("type", ev.Type), zap.Any("data", ev.Data))
	})
	if err != nil {
		log.Fatal("Failed to subscribe to workspace events", zap.Error(err))
	}
	defer unsubscribe()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			log.Info("Metrics server listening", zap.String("addr", *metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal("Metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	manager.Close(shutdownCtx)

	log.Info("ads orchestrator stopped")
}
