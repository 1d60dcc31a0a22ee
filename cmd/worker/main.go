package main

import (
	"context"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/cnaesz/Morphile/internal/app"
	"github.com/cnaesz/Morphile/internal/config"
	"github.com/cnaesz/Morphile/internal/logging"
)

func main() {
	envFile := flag.String("env", config.DefaultEnvFile, "Optional .env file loaded before the environment")
	workers := flag.Int("workers", 0, "Concurrent jobs (overrides MORPHILE_WORKERS)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.Internal.Fatalf("failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if cfg.Workers < 1 {
		logging.Internal.Fatalf("worker count must be at least 1")
	}

	a, err := app.New(cfg)
	if err != nil {
		logging.Internal.Fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Worker.Printf("starting %d workers on the %s queue", cfg.Workers, cfg.QueueBackend)
	a.Pool(cfg.Workers).Run(ctx)
	logging.Worker.Println("stopped")
}
