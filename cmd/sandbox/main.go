// Command sandbox serves the lagoon Starlark executor over HTTP.
//
// Each session owns an executor, so variables stored in state by one request
// are visible to the next request of the same session. Sessions idle for
// longer than the configured TTL are evicted.
//
// Configuration is read from lagoon.toml (or the file named by -config) and
// LAGOON_* environment variables. When [database] path is set, every
// execution is recorded and can be listed with GET /session/{id}/runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	lagoon "github.com/nevindra/lagoon"
	"github.com/nevindra/lagoon/code"
	"github.com/nevindra/lagoon/internal/config"
	"github.com/nevindra/lagoon/observer"
	"github.com/nevindra/lagoon/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (default lagoon.toml)")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var (
			shutdown func(context.Context) error
			err      error
		)
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.ServiceName, cfg.Observer.Pricing)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		logger.Info("observer enabled", "service", cfg.Observer.ServiceName)
	}

	var store lagoon.TranscriptStore
	if cfg.Database.Path != "" {
		db := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := db.Init(ctx); err != nil {
			logger.Error("database init failed", "path", cfg.Database.Path, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = db
	}

	sessions := newSessionManager(newExecutorFactory(cfg.Sandbox, inst, logger), cfg.Sandbox.SessionTTL, cfg.Sandbox.MaxSessions, logger)
	sessions.start(cfg.Sandbox.CleanupInterval)
	defer sessions.close()

	srv := &http.Server{
		Addr:         cfg.Sandbox.Addr,
		Handler:      newServer(cfg.Sandbox, sessions, store, logger).routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Sandbox.MaxTimeout + 30*time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Sandbox.Addr, "max_concurrent", cfg.Sandbox.MaxConcurrent)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("stopped")
}

// newExecutorFactory returns the constructor used for every new session.
func newExecutorFactory(cfg config.SandboxConfig, inst *observer.Instruments, logger *slog.Logger) func() lagoon.CodeExecutor {
	return func() lagoon.CodeExecutor {
		exec := code.New(
			code.WithMaxOperations(cfg.Limits.MaxOperations),
			code.WithMaxOutput(cfg.Limits.MaxOutputBytes),
			code.WithTimeout(cfg.Limits.Timeout),
			code.WithLogger(logger),
		)
		if inst != nil {
			return observer.WrapExecutor(exec, inst)
		}
		return exec
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
