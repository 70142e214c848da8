// Package main is the entry point for the chatguard API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatguard/chatguard/internal/config"
	"github.com/chatguard/chatguard/internal/server"
	"github.com/chatguard/chatguard/internal/snapshot"
	"github.com/chatguard/chatguard/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel).With("env", cfg.App.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	if cfg.Snapshot.Enabled() {
		store, err := snapshot.NewStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting snapshot store: %w", err)
		}
		opts = append(opts, server.WithSnapshotStore(store))
		log.Info("snapshot store connected", "backend", cfg.Snapshot.Backend)
	}

	srv, err := server.New(cfg, log, opts...)
	if err != nil {
		return err
	}

	if cfg.Snapshot.RestoreOnStart {
		if err := srv.RestoreSnapshots(ctx); err != nil {
			// Limiters start empty.
			log.Error("failed to restore rate limit snapshot", "error", err.Error())
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
