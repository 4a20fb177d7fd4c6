// Package main contains the entrypoint for the telegpt relay.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/telegpt/internal/completion"
	"github.com/edgard/telegpt/internal/config"
	"github.com/edgard/telegpt/internal/logger"
	"github.com/edgard/telegpt/internal/relay"
	"github.com/edgard/telegpt/internal/scheduler"
	"github.com/edgard/telegpt/internal/server"
	"github.com/edgard/telegpt/internal/store"
	"github.com/edgard/telegpt/internal/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, starts the HTTP server and the
// maintenance scheduler, and blocks until shutdown. It returns the
// process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	// A missing .env file is fine; explicit environment wins anyway.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		log.Error("Failed to open store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer store.CloseDB(db)
	st := store.New(db, log)

	client, err := completion.New(ctx, cfg.Completion)
	if err != nil {
		log.Error("Failed to initialize completion client", "provider", cfg.Completion.Provider, "error", err)
		return 1
	}

	tg, err := telegram.NewClient(log, cfg.Telegram.Tokens)
	if err != nil {
		log.Error("Failed to create Telegram client", "error", err)
		return 1
	}

	pipeline := relay.New(cfg, st, tg, client, log)
	srv := server.New(cfg, st, tg, pipeline, log)

	sched, err := scheduler.New(st, cfg.Store.CleanupInterval, log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	g.Go(func() error {
		sched.Start()
		<-gCtx.Done()
		if err := sched.Stop(); err != nil {
			log.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	log.Info("Relay started", "bots", len(cfg.Telegram.Tokens), "addr", cfg.Server.Addr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Relay stopped due to error", "error", err)
		return 1
	}

	log.Info("Relay stopped gracefully")
	return 0
}
