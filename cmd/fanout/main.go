package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/fanout/internal/app"
	"github.com/scrypster/fanout/internal/config"
	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.Logging)

	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error closing pipeline", "error", err)
		}
	}()

	// The bus outlives the signal: it stops after the server has shut down
	// and in-flight deliveries have drained.
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	if err := a.Start(busCtx); err != nil {
		return err
	}

	srv := server.New(a, logger)
	addr, err := srv.Start(busCtx)
	if err != nil {
		return err
	}
	logger.Info("fanout running", "addr", "http://"+addr)

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := a.WaitIdle(shutdownCtx); err != nil {
		logger.Warn("shutdown before bus drained", "error", err)
	}
	stopBus()
	return nil
}
