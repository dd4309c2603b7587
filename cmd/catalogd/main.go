// Command catalogd is the process entry point: it wires the catalog store, message bus, scanner, derivation
// workers, cache placement, scheduler, and job monitor into one supervised process, then serves the command/status
// REST surface until signalled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nvia/catalogd/internal/api"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
	"github.com/nvia/catalogd/internal/config"
	"github.com/nvia/catalogd/internal/derivation"
	"github.com/nvia/catalogd/internal/monitor"
	"github.com/nvia/catalogd/internal/placement"
	"github.com/nvia/catalogd/internal/postgres"
	"github.com/nvia/catalogd/internal/scanner"
	"github.com/nvia/catalogd/internal/scheduler"
	"github.com/nvia/catalogd/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("catalogd stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting catalogd")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.CatalogURL, cfg.CatalogMaxConn, cfg.CatalogMinConn)
	if err != nil {
		return fmt.Errorf("connect catalog store: %w", err)
	}
	defer db.Close()
	log.Info().Msg("Catalog store connected")

	if err := postgres.Migrate(cfg.CatalogURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Catalog migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.BusURL, cfg.BusDialTimeout)
	if err != nil {
		return fmt.Errorf("connect message bus: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Message bus connected")

	b := bus.New(rdb, bus.Config{
		MaxLen:         cfg.BusQueueMaxLen,
		RetryMinIdle:   cfg.BusConsumerIdleRetry,
		MaxDeliveries:  cfg.BusMaxDeliveries,
		HandlerTimeout: cfg.BusHandlerTimeout,
	}, log.Logger)
	if err := b.Setup(ctx); err != nil {
		return fmt.Errorf("set up message bus topology: %w", err)
	}
	log.Info().Msg("Message bus topology ready")

	// Repositories
	libraries := library.NewPGRepository(db, log.Logger)
	collections := collection.NewPGRepository(db, log.Logger, cfg.LargeCollectionThreshold)
	jobs := backgroundjob.NewPGRepository(db, log.Logger)
	scheduledJobs := scheduledjob.NewPGRepository(db, log.Logger)
	cacheRoots := cacheroot.NewPGRepository(db, log.Logger)

	// Derivation pipeline
	placer := placement.New(cacheRoots, collections, log.Logger)

	scan := scanner.New(collections, libraries, jobs, b, scanner.Config{
		ThumbnailWidth:   cfg.ThumbnailWidth,
		ThumbnailHeight:  cfg.ThumbnailHeight,
		ThumbnailQuality: cfg.ThumbnailQuality,
		CacheWidth:       cfg.CacheWidth,
		CacheHeight:      cfg.CacheHeight,
		CacheQuality:     cfg.CacheQuality,
	}, log.Logger)

	thumbnailWorker := derivation.New(derivation.KindThumbnail, collections, jobs, placer, log.Logger)
	cacheWorker := derivation.New(derivation.KindCache, collections, jobs, placer, log.Logger)
	processingWorker := derivation.New(derivation.KindProcessing, collections, jobs, placer, log.Logger)

	sched := scheduler.New(scheduledJobs, collections, b, scheduler.Config{
		TickInterval: cfg.SchedulerTickInterval,
	}, log.Logger)

	mon := monitor.New(jobs, scheduledJobs, cacheRoots, b, monitor.Config{
		Tick:               cfg.JobMonitorInterval,
		JobTimeout:         time.Duration(cfg.DefaultJobTimeoutMin) * time.Minute,
		QueueMessageTTL:    cfg.BusMessageTTL,
		CacheAuditInterval: cfg.CacheRootAuditInterval,
	}, log.Logger)

	// Start background services with a shared cancellable context so shutdown stops every consumer and ticker
	// together.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go runWithBackoff(subCtx, "scanner", func(c context.Context) error {
		return b.Consume(c, bus.QueueScan, cfg.ScanConcurrency, scan.Handle)
	})
	go runWithBackoff(subCtx, "thumbnail-worker", func(c context.Context) error {
		return b.Consume(c, bus.QueueThumbnail, cfg.ThumbnailConcurrency, thumbnailWorker.Handle)
	})
	go runWithBackoff(subCtx, "cache-worker", func(c context.Context) error {
		return b.Consume(c, bus.QueueCache, cfg.CacheConcurrency, cacheWorker.Handle)
	})
	go runWithBackoff(subCtx, "processing-worker", func(c context.Context) error {
		return b.Consume(c, bus.QueueProcessing, cfg.ProcessingConcurrency, processingWorker.Handle)
	})
	go runWithBackoff(subCtx, "creation-worker", func(c context.Context) error {
		return b.Consume(c, bus.QueueCreation, 1, scan.HandleCreation)
	})
	go runWithBackoff(subCtx, "bulk-worker", func(c context.Context) error {
		return b.Consume(c, bus.QueueBulk, 1, scan.HandleBulk)
	})
	go runWithBackoff(subCtx, "scheduler", sched.Run)
	go runWithBackoff(subCtx, "job-monitor", mon.Run)

	app := api.NewApp(api.Deps{
		Libraries:     libraries,
		Collections:   collections,
		Jobs:          jobs,
		ScheduledJobs: scheduledJobs,
		CacheRoots:    cacheRoots,
		Bus:           b,
		DB:            db,
		Redis:         rdb,
		JWTKey:        cfg.JWTKey,
		JWTIssuer:     cfg.JWTIssuer,
		JWTAudience:   cfg.JWTAudience,
		Log:           log.Logger,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down catalogd")
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("API listening")
	if err := app.Listen(cfg.ListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("api server error: %w", err)
	}

	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on
// each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
