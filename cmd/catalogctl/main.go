// Command catalogctl is a thin command-line companion to catalogd: it enqueues scans and reports on background
// jobs directly against the catalog store and message bus, for operators and scripts that can't or don't want to
// go through the REST API. It mirrors cmd/catalogd's config-load/connect/run() error sequencing, but maps each
// failure class to a distinct exit code instead of logging and exiting generically.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/config"
	"github.com/nvia/catalogd/internal/postgres"
	"github.com/nvia/catalogd/internal/valkey"
)

// Exit codes scripts can branch on.
const (
	exitConfigError = 2
	exitStorageDown = 3
	exitBusDown     = 4
	exitJobFailed   = 10
)

// errConfig/errStorage/errBus/errJobFailed tag a run() failure with the exit code main should use, without
// main needing to inspect error strings.
var (
	errConfig    = errors.New("configuration error")
	errStorage   = errors.New("catalog store unreachable")
	errBus       = errors.New("message bus unreachable")
	errJobFailed = errors.New("background job failed")
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(context.Background(), os.Args[1:], log); err != nil {
		log.Error().Err(err).Msg("catalogctl command failed")
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return exitConfigError
	case errors.Is(err, errStorage):
		return exitStorageDown
	case errors.Is(err, errBus):
		return exitBusDown
	case errors.Is(err, errJobFailed):
		return exitJobFailed
	default:
		return exitConfigError
	}
}

// run dispatches to one of catalogctl's subcommands. The first positional argument names the subcommand; remaining
// arguments are subcommand-specific.
func run(ctx context.Context, args []string, log zerolog.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: usage: catalogctl <scan-library|scan-collection|job-status|migrate> [args]", errConfig)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: load config: %v", errConfig, err)
	}

	switch args[0] {
	case "migrate":
		return runMigrate(cfg, log)
	case "scan-library":
		fs := flag.NewFlagSet("scan-library", flag.ContinueOnError)
		wait := fs.Bool("wait", true, "block until the scan's BackgroundJob reaches a terminal status")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("%w: usage: catalogctl scan-library [-wait=false] <library-id>", errConfig)
		}
		return runScanLibrary(ctx, cfg, fs.Arg(0), *wait, log)
	case "scan-collection":
		fs := flag.NewFlagSet("scan-collection", flag.ContinueOnError)
		force := fs.Bool("force", false, "force a full rescan, ignoring the size/mtime unchanged-entry shortcut")
		wait := fs.Bool("wait", true, "block until the scan's BackgroundJob reaches a terminal status")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("%w: usage: catalogctl scan-collection [-force] [-wait=false] <collection-id>", errConfig)
		}
		return runScanCollection(ctx, cfg, fs.Arg(0), *force, *wait, log)
	case "job-status":
		if len(args) != 2 {
			return fmt.Errorf("%w: usage: catalogctl job-status <job-id>", errConfig)
		}
		return runJobStatus(ctx, cfg, args[1], log)
	default:
		return fmt.Errorf("%w: unknown subcommand %q", errConfig, args[0])
	}
}

func runMigrate(cfg *config.Config, log zerolog.Logger) error {
	if err := postgres.Migrate(cfg.CatalogURL, log); err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	log.Info().Msg("Migrations applied")
	return nil
}

// runScanLibrary mirrors internal/api.LibraryHandler.Scan's fan-out (one CollectionScanMessage per collection under
// one parent BackgroundJob), then optionally polls the job to completion.
func runScanLibrary(ctx context.Context, cfg *config.Config, libraryID string, wait bool, log zerolog.Logger) error {
	db, rdb, b, err := connectInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer func() { _ = rdb.Close() }()

	libraries := library.NewPGRepository(db, log)
	collections := collection.NewPGRepository(db, log, cfg.LargeCollectionThreshold)
	jobs := backgroundjob.NewPGRepository(db, log)

	lib, err := libraries.GetByID(ctx, libraryID)
	if err != nil {
		return fmt.Errorf("%w: load library %s: %v", errStorage, libraryID, err)
	}

	cols, err := collections.ListByLibrary(ctx, lib.ID)
	if err != nil {
		return fmt.Errorf("%w: list collections for library %s: %v", errStorage, libraryID, err)
	}

	job, err := jobs.Create(ctx, backgroundjob.CreateParams{
		Kind:       "library.scan",
		Parameters: map[string]any{"libraryId": lib.ID},
		Total:      len(cols),
	})
	if err != nil {
		return fmt.Errorf("%w: create background job: %v", errStorage, err)
	}
	if err := jobs.MarkRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("%w: mark job running: %v", errStorage, err)
	}

	for _, col := range cols {
		if err := publishScan(ctx, b, job.ID, col.ID, col.Path, string(col.Kind), false); err != nil {
			return fmt.Errorf("%w: publish scan for collection %s: %v", errBus, col.ID, err)
		}
	}

	if len(cols) == 0 {
		// A zero-total job already satisfies done+failed == total; a zero-delta increment completes it so it
		// doesn't sit running until the monitor times it out.
		if err := jobs.IncrementDone(ctx, job.ID, 0); err != nil {
			return fmt.Errorf("%w: complete empty library scan job: %v", errStorage, err)
		}
	}

	log.Info().Str("job_id", job.ID).Int("collections", len(cols)).Msg("Library scan enqueued")
	fmt.Println(job.ID)

	if !wait || len(cols) == 0 {
		return nil
	}
	return awaitJob(ctx, jobs, job.ID, log)
}

// runScanCollection mirrors internal/api.CollectionHandler.Scan.
func runScanCollection(ctx context.Context, cfg *config.Config, collectionID string, force, wait bool, log zerolog.Logger) error {
	db, rdb, b, err := connectInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer func() { _ = rdb.Close() }()

	collections := collection.NewPGRepository(db, log, cfg.LargeCollectionThreshold)
	jobs := backgroundjob.NewPGRepository(db, log)

	col, err := collections.GetByID(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("%w: load collection %s: %v", errStorage, collectionID, err)
	}

	job, err := jobs.Create(ctx, backgroundjob.CreateParams{
		Kind:       "collection.scan",
		Parameters: map[string]any{"collectionId": col.ID},
		Total:      1,
	})
	if err != nil {
		return fmt.Errorf("%w: create background job: %v", errStorage, err)
	}
	if err := jobs.MarkRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("%w: mark job running: %v", errStorage, err)
	}

	if err := publishScan(ctx, b, job.ID, col.ID, col.Path, string(col.Kind), force); err != nil {
		if markErr := jobs.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.Warn().Err(markErr).Str("job_id", job.ID).Msg("Failed to mark scan job failed after publish error")
		}
		return fmt.Errorf("%w: publish scan: %v", errBus, err)
	}

	log.Info().Str("job_id", job.ID).Str("collection_id", col.ID).Msg("Collection scan enqueued")
	fmt.Println(job.ID)

	if !wait {
		return nil
	}
	return awaitJob(ctx, jobs, job.ID, log)
}

func runJobStatus(ctx context.Context, cfg *config.Config, jobID string, log zerolog.Logger) error {
	db, err := postgres.Connect(ctx, cfg.CatalogURL, cfg.CatalogMaxConn, cfg.CatalogMinConn)
	if err != nil {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	defer db.Close()

	jobs := backgroundjob.NewPGRepository(db, log)
	job, err := jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: load job %s: %v", errStorage, jobID, err)
	}

	fmt.Printf("status=%s done=%d failed=%d total=%d\n", job.Status, job.Done, job.Failed, job.Total)
	if job.Status == backgroundjob.StatusFailed {
		return fmt.Errorf("%w: job %s", errJobFailed, jobID)
	}
	return nil
}

// awaitJob polls a BackgroundJob until it reaches a terminal status, returning errJobFailed if it ends up failed
// or cancelled.
func awaitJob(ctx context.Context, jobs backgroundjob.Repository, jobID string, log zerolog.Logger) error {
	const pollInterval = 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := jobs.GetByID(ctx, jobID)
		if err != nil {
			return fmt.Errorf("%w: poll job %s: %v", errStorage, jobID, err)
		}
		if job.IsTerminal() {
			log.Info().Str("job_id", jobID).Str("status", string(job.Status)).
				Int("done", job.Done).Int("failed", job.Failed).Int("total", job.Total).Msg("Job finished")
			if job.Status == backgroundjob.StatusFailed || job.Status == backgroundjob.StatusCancelled {
				errMsg := ""
				if job.LastError != nil {
					errMsg = *job.LastError
				}
				return fmt.Errorf("%w: job %s ended %s: %s", errJobFailed, jobID, job.Status, errMsg)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errStorage, ctx.Err())
		case <-ticker.C:
		}
	}
}

// connectInfra connects to both the catalog store and the message bus, classifying which collaborator failed so
// the caller can return the right exit code.
func connectInfra(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *redis.Client, *bus.Bus, error) {
	db, err := postgres.Connect(ctx, cfg.CatalogURL, cfg.CatalogMaxConn, cfg.CatalogMinConn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errStorage, err)
	}

	rdb, err := valkey.Connect(ctx, cfg.BusURL, cfg.BusDialTimeout)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", errBus, err)
	}

	b := bus.New(rdb, bus.Config{
		MaxLen:         cfg.BusQueueMaxLen,
		RetryMinIdle:   cfg.BusConsumerIdleRetry,
		MaxDeliveries:  cfg.BusMaxDeliveries,
		HandlerTimeout: cfg.BusHandlerTimeout,
	}, zerolog.Nop())
	if err := b.Setup(ctx); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("%w: set up bus topology: %v", errBus, err)
	}

	return db, rdb, b, nil
}

// publishScan marshals and publishes one CollectionScanMessage, tagging the envelope's correlation id with the
// owning BackgroundJob, exactly like internal/api/scan.go's helper of the same name (kept separate since cmd/
// packages don't import one another).
func publishScan(ctx context.Context, b *bus.Bus, jobID, collectionID, path, kind string, forceRescan bool) error {
	msg := bus.CollectionScanMessage{CollectionID: collectionID, Path: path, Kind: kind, ForceRescan: forceRescan}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal collection scan message: %w", err)
	}
	env := bus.Envelope{
		ID:            uuid.New().String(),
		Kind:          bus.KindCollectionScan,
		CorrelationID: jobID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
	return b.Publish(ctx, bus.QueueScan, env)
}
