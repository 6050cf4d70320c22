// Package main is the entry point for the credit ledger service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"goledger/config"
	"goledger/internal/credit"
	"goledger/internal/pricing"
	"goledger/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Server)
	slog.Info("starting goledger", "storage_type", cfg.Storage.Type)

	table, err := loadPricingTable(cfg.Pricing)
	if err != nil {
		slog.Error("failed to load pricing catalog", "error", err)
		os.Exit(1)
	}
	calc := pricing.NewCalculator(table)
	slog.Info("pricing catalog loaded", "models", table.Len())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creditResult, err := credit.New(ctx, cfg, calc)
	if err != nil {
		slog.Error("failed to initialize credit system", "error", err)
		os.Exit(1)
	}
	defer creditResult.Close()

	if cfg.Verify.RedisURL != "" {
		producer, err := verify.NewProducer(cfg.Verify.RedisURL, cfg.Verify.QueueKey)
		if err != nil {
			slog.Error("failed to connect verification queue", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		creditResult.Manager.SetVerificationHook(func(ctx context.Context, v credit.VerificationRequest) {
			producer.Enqueue(ctx, verify.Job{
				ReservationID:        v.ReservationID,
				WorkspaceID:          v.WorkspaceID,
				Provider:             v.Provider,
				ProviderGenerationID: v.ProviderGenerationID,
				ProvisionalNanoUSD:   v.ProvisionalNanoUSD,
				AgentID:              v.AgentID,
				ConversationID:       v.ConversationID,
			})
		})
	} else {
		slog.Info("verification queue disabled")
	}

	janitor := credit.NewJanitor(
		creditResult.Manager,
		creditResult.Store,
		time.Duration(cfg.Janitor.IntervalSeconds)*time.Second,
		cfg.Janitor.BatchSize,
	)
	go janitor.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("prometheus metrics enabled", "endpoint", "/metrics")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
		} else {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}
}

func setupLogging(cfg config.ServerConfig) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "pretty" {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// loadPricingTable merges configured catalog overrides over the built-in
// defaults. Overrides replace whole model entries, never individual fields.
func loadPricingTable(cfg config.PricingConfig) (*pricing.Table, error) {
	if cfg.CatalogPath == "" && cfg.CatalogJSONPath == "" {
		return pricing.DefaultTable(), nil
	}

	table := pricing.DefaultTable()
	if cfg.CatalogPath != "" {
		override, err := pricing.LoadYAMLFile(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		table.Merge(override)
	}
	if cfg.CatalogJSONPath != "" {
		override, err := pricing.LoadJSONFile(cfg.CatalogJSONPath)
		if err != nil {
			return nil, err
		}
		table.Merge(override)
	}
	return table, nil
}
