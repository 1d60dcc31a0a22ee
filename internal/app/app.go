// Package app builds the long-lived handles every binary needs from a
// Config and tears them down again.
package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/cnaesz/Morphile/internal/api"
	"github.com/cnaesz/Morphile/internal/config"
	"github.com/cnaesz/Morphile/internal/intake"
	"github.com/cnaesz/Morphile/internal/janitor"
	"github.com/cnaesz/Morphile/internal/ledger"
	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/metrics"
	"github.com/cnaesz/Morphile/internal/publish"
	"github.com/cnaesz/Morphile/internal/queue"
	"github.com/cnaesz/Morphile/internal/status"
	"github.com/cnaesz/Morphile/internal/store"
	"github.com/cnaesz/Morphile/internal/telegram"
	"github.com/cnaesz/Morphile/internal/transfer"
	"github.com/cnaesz/Morphile/internal/worker"
)

// App owns the database, broker, storage and the services built on them.
type App struct {
	Config    *config.Config
	Store     *store.SQLiteStore
	Broker    queue.Broker
	Ledger    *ledger.Ledger
	Resolver  *transfer.Resolver
	Engine    *transfer.Engine
	Publisher *publish.Publisher
	Metrics   *metrics.Metrics
	Intake    *intake.Service

	// Reporter records every update on the job and, with a bot configured,
	// edits the originating chat message. Notifier is the chat half alone.
	Reporter status.Reporter
	Notifier status.Reporter

	closers []func() error
}

// New validates cfg and opens everything. On error, whatever was already
// opened is closed.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{Config: cfg, Metrics: metrics.New()}
	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open() (err error) {
	cfg := a.Config

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	a.Store, err = store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Broker, err = openBroker(cfg, a.Store); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Broker.Close)

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	a.Publisher = publish.New(storage)

	a.Ledger = ledger.New(a.Store, cfg.FreeDailyLimit)

	engineOpts := transfer.Options{
		TempDir:   cfg.TempDir,
		ChunkSize: cfg.ChunkSize,
		Extractor: &transfer.YtdlpExtractor{Format: cfg.YtdlpFormat, MaxFileSize: cfg.MaxFileSize},
	}
	reporters := status.Multi{status.NewRecorder(a.Store)}
	if cfg.BotToken != "" {
		bot := telegram.NewBot(cfg.BotToken, cfg.BotAPIURL, nil)
		engineOpts.Attachments = bot
		a.Notifier = telegram.NewStatusReporter(bot)
		reporters = append(reporters, a.Notifier)
		logging.Internal.Println("bot credential configured: attachments and chat status enabled")
	}
	if cfg.Relay.Enabled() {
		engineOpts.Privileged = telegram.NewRelayDialer(telegram.RelayConfig{
			URL:     cfg.Relay.URL,
			APIID:   cfg.Relay.APIID,
			APIHash: cfg.Relay.APIHash,
			Session: cfg.Relay.Session,
		}, nil)
		logging.Internal.Println("privileged credential configured: forwarded content enabled")
	}
	a.Reporter = reporters
	a.Engine = transfer.NewEngine(engineOpts)
	a.Resolver = transfer.NewResolver(transfer.ResolverOptions{
		ExtractorHosts: cfg.ExtractorHosts,
		Attachments:    engineOpts.Attachments != nil,
		Privileged:     engineOpts.Privileged != nil,
	})

	a.Intake = intake.NewService(intake.Deps{
		Ledger:   a.Ledger,
		Resolver: a.Resolver,
		Jobs:     a.Store,
		Queue:    a.Broker,
		Pending:  intake.NewPendingLimiter(cfg.MaxPending),
		Notifier: a.Notifier,
		Metrics:  a.Metrics,
	})
	return nil
}

func openBroker(cfg *config.Config, st *store.SQLiteStore) (queue.Broker, error) {
	if cfg.QueueBackend == config.QueueRabbitMQ {
		b, err := queue.NewRabbitBroker(queue.RabbitOptions{
			URL:          cfg.RabbitMQURL,
			Queue:        cfg.QueueName,
			LeaseTimeout: cfg.LeaseTimeout,
			Prefetch:     cfg.Workers,
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("using RabbitMQ queue %s", cfg.QueueName)
		return b, nil
	}
	logging.Internal.Println("using SQLite queue")
	return queue.NewSQLiteBroker(st.DB(), queue.SQLiteOptions{
		LeaseTimeout: cfg.LeaseTimeout,
		PollInterval: cfg.PollInterval,
	}), nil
}

func openStorage(cfg *config.Config) (publish.Storage, error) {
	if cfg.PublishBackend == config.BackendS3 {
		s, err := publish.NewS3Storage(publish.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			KeyID:     cfg.S3.KeyID,
			Secret:    cfg.S3.Secret,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			PublicURL: cfg.S3.PublicURL,
			Insecure:  cfg.S3.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize s3 storage: %w", err)
		}
		return s, nil
	}
	s, err := publish.NewFSStorage(cfg.PublicDir, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	logging.Internal.Printf("using local storage at %s", cfg.PublicDir)
	return s, nil
}

// Executor returns a job executor over the app's services.
func (a *App) Executor() *worker.Executor {
	return worker.NewExecutor(worker.Deps{
		Ledger:      a.Ledger,
		Resolver:    a.Resolver,
		Fetcher:     a.Engine,
		Publisher:   a.Publisher,
		Reporter:    a.Reporter,
		Metrics:     a.Metrics,
		MaxFileSize: a.Config.MaxFileSize,
	})
}

// Pool returns a worker pool configured from the app's settings. Finished
// jobs are released from the in-process pending limiter.
func (a *App) Pool(workers int) *worker.Pool {
	return worker.NewPool(a.Broker, a.Executor(), a.Metrics, worker.Options{
		Workers:       workers,
		JobTimeout:    a.Config.JobTimeout,
		ShutdownGrace: a.Config.ShutdownGrace,
		Retry: queue.RetryPolicy{
			MaxAttempts: a.Config.MaxAttempts,
			BaseDelay:   a.Config.RetryBase,
			MaxDelay:    a.Config.RetryMax,
		},
		OnSettled: func(job *queue.Job, _ worker.Outcome) {
			a.Intake.Release(job.ID)
		},
	})
}

// Janitor returns the cleanup runner. Temp entries older than a lease are
// never owned by a live job.
func (a *App) Janitor() *janitor.Janitor {
	return janitor.New(a.Ledger, a.Publisher, a.Metrics, janitor.Options{
		Retention:       a.Config.Retention,
		ChargeRetention: a.Config.ChargeRetention,
		TempDir:         a.Config.TempDir,
		OrphanAge:       a.Config.LeaseTimeout,
	})
}

// Handler returns the HTTP API wrapped as Logger -> RateLimit -> CORS. rl may be nil.
func (a *App) Handler(rl *api.RateLimiter) http.Handler {
	opts := api.Options{
		AdminToken: a.Config.AdminToken,
		Metrics:    a.Metrics.Handler(),
	}
	if a.Config.PublishBackend == config.BackendFS {
		opts.PublicDir = a.Config.PublicDir
	}
	var corsCfg api.CORSConfig
	if !a.Config.DevMode {
		corsCfg.AllowedOrigins = a.Config.AllowedOrigins
	}

	var h http.Handler = api.NewHandler(a.Intake, a.Ledger, opts)
	h = api.CORS(corsCfg)(h)
	if rl != nil {
		h = rl.Middleware(h)
	}
	return api.Logger(h)
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
