// Command janitor runs one cleanup pass and exits, for use from cron.
// With --interval it keeps running instead.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/cnaesz/Morphile/internal/app"
	"github.com/cnaesz/Morphile/internal/config"
	"github.com/cnaesz/Morphile/internal/logging"
)

func main() {
	envFile := flag.String("env", config.DefaultEnvFile, "Optional .env file loaded before the environment")
	interval := flag.Duration("interval", 0, "Repeat the pass at this interval instead of exiting")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.Internal.Fatalf("failed to load config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		logging.Internal.Fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j := a.Janitor()
	if *interval > 0 {
		j.Run(ctx, *interval)
		return
	}
	if _, err := j.RunOnce(ctx); err != nil {
		logging.Janitor.Printf("pass finished with errors: %v", err)
		a.Close()
		os.Exit(1)
	}
}
