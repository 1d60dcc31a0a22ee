package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/cnaesz/Morphile/internal/api"
	"github.com/cnaesz/Morphile/internal/app"
	"github.com/cnaesz/Morphile/internal/config"
	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/store"
)

const reconcileInterval = time.Minute

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            Morphile Statistics           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Accounts:        %-22d║\n", stats.Accounts)
	fmt.Printf("║  └─ Premium:      %-22d║\n", stats.PremiumAccounts)
	fmt.Printf("║  Used Today:      %-22s║\n", humanize.IBytes(uint64(stats.BytesUsed)))
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Jobs:      %-22d║\n", stats.TotalJobs)
	fmt.Printf("║  ├─ Queued:       %-22d║\n", stats.QueuedJobs)
	fmt.Printf("║  ├─ Processing:   %-22d║\n", stats.ProcessingJobs)
	fmt.Printf("║  ├─ Succeeded:    %-22d║\n", stats.SucceededJobs)
	fmt.Printf("║  └─ Failed:       %-22d║\n", stats.FailedJobs)
	fmt.Printf("║  Charged Bytes:   %-22s║\n", humanize.IBytes(uint64(stats.ChargedBytes)))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestJob.IsZero() {
		fmt.Printf("║  Oldest Job:      %-22s║\n", stats.OldestJob.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Job:      %-22s║\n", stats.NewestJob.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No jobs in database                     ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func main() {
	envFile := flag.String("env", config.DefaultEnvFile, "Optional .env file loaded before the environment")
	addr := flag.String("addr", "", "HTTP listen address (overrides MORPHILE_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides MORPHILE_DB)")
	workers := flag.Int("workers", -1, "In-process workers; 0 leaves jobs to morphile-worker (overrides MORPHILE_WORKERS)")
	showStats := flag.Bool("stats", false, "Show database statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.StringSlice("cors-origins", nil, "Allowed CORS origins (overrides MORPHILE_CORS_ORIGINS)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.Internal.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers >= 0 {
		cfg.Workers = *workers
	}
	if *devMode {
		cfg.DevMode = true
	}
	if flag.CommandLine.Changed("cors-origins") {
		cfg.AllowedOrigins = *corsOrigins
	}

	// Show stats and exit if requested
	if *showStats {
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			logging.Internal.Fatalf("failed to open database: %v", err)
		}
		defer st.Close()
		printStats(st)
		return
	}

	a, err := app.New(cfg)
	if err != nil {
		logging.Internal.Fatalf("%v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Janitor().Run(ctx, cfg.JanitorInterval)
	}()

	// Pending entries of jobs settled by out-of-process workers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.Intake.Reconcile(ctx, cfg.LeaseTimeout*time.Duration(cfg.MaxAttempts)); n > 0 {
					logging.Internal.Printf("released %d settled pending entries", n)
				}
			}
		}
	}()

	if cfg.Workers > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Pool(cfg.Workers).Run(ctx)
		}()
		logging.Internal.Printf("running %d in-process workers", cfg.Workers)
	}

	var rateLimiter *api.RateLimiter
	if cfg.DevMode {
		logging.Internal.Println("development mode: CORS allowing all origins, rate limiting off")
	} else {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		logging.Internal.Printf("rate limiting enabled, CORS origins: %v", cfg.AllowedOrigins)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Handler(rateLimiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}

		// Workers get their grace period once intake has stopped.
		cancel()
		if rateLimiter != nil {
			rateLimiter.Stop()
		}
	}()

	logging.Internal.Printf("starting server on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
	wg.Wait()
	logging.Internal.Println("stopped")
}
