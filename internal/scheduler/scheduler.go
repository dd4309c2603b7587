// Package scheduler fires ScheduledJobs (cron or interval triggers) on their due time, guaranteeing at most one
// in-flight run per job across however many Scheduler instances are running.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
)

// Config controls the Scheduler's wake cadence.
type Config struct {
	TickInterval time.Duration
}

// Scheduler polls for due ScheduledJobs and fires each through the compare-and-set in TryStartRun.
type Scheduler struct {
	jobs        scheduledjob.Repository
	collections collection.Repository
	bus         *bus.Bus
	cfg         Config
	log         zerolog.Logger
}

// New creates a Scheduler.
func New(jobs scheduledjob.Repository, collections collection.Repository, b *bus.Bus, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{jobs: jobs, collections: collections, bus: b, cfg: cfg, log: log}
}

// Run ticks every cfg.TickInterval, firing every due job, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.jobs.DueJobs(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query due scheduled jobs")
		return
	}

	for _, job := range due {
		job := job
		go s.fire(ctx, job)
	}
}

// fire attempts the idle->running compare-and-set; only the caller that wins actually executes the job. This is
// what makes "exactly one ScheduledJobRun in status running" hold even with multiple Scheduler instances polling
// the same table.
func (s *Scheduler) fire(ctx context.Context, job scheduledjob.ScheduledJob) {
	ok, err := s.jobs.TryStartRun(ctx, job.ID)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to start scheduled job run")
		return
	}
	if !ok {
		return
	}

	run, err := s.jobs.CreateRun(ctx, job.ID, "scheduler")
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record scheduled job run, forcing job back to idle")
		if idleErr := s.jobs.ForceIdle(ctx, job.ID); idleErr != nil {
			s.log.Error().Err(idleErr).Str("job_id", job.ID).Msg("Failed to force job idle after run-create failure")
		}
		return
	}

	execErr := s.execute(ctx, job)

	status := scheduledjob.RunStatusCompleted
	errMsg := ""
	if execErr != nil {
		status = scheduledjob.RunStatusFailed
		errMsg = execErr.Error()
		s.log.Error().Err(execErr).Str("job_id", job.ID).Str("kind", job.Kind).Msg("Scheduled job execution failed")
	}
	if err := s.jobs.CompleteRun(ctx, run.ID, status, errMsg); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to complete scheduled job run")
	}

	next, err := NextRunAt(job, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to compute next run time, leaving job idle with no next run")
	}
	if err := s.jobs.FinishRun(ctx, job.ID, execErr == nil, next); err != nil {
		if errors.Is(err, scheduledjob.ErrNotFound) {
			// The monitor timed this fire out and freed the job while execute was still running; a newer fire may
			// own it by now, so there is nothing left for this caller to close.
			s.log.Warn().Str("job_id", job.ID).Msg("Scheduled job was reclaimed before this fire could finish")
			return
		}
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finish scheduled job run")
	}
}

// execute translates a ScheduledJob's kind into bus publishes. "library.scan" fans out to one CollectionScanMessage
// per collection in the library, unbatched.
func (s *Scheduler) execute(ctx context.Context, job scheduledjob.ScheduledJob) error {
	switch job.Kind {
	case "library.scan":
		libraryID, _ := job.Parameters["libraryId"].(string)
		if libraryID == "" {
			return fmt.Errorf("library.scan job %s missing libraryId parameter", job.ID)
		}
		cols, err := s.collections.ListByLibrary(ctx, libraryID)
		if err != nil {
			return fmt.Errorf("list collections for library %s: %w", libraryID, err)
		}
		for _, col := range cols {
			if err := s.publishScan(ctx, col.ID, col.Path, string(col.Kind)); err != nil {
				return err
			}
		}
		return nil

	case "collection.scan":
		collectionID, _ := job.Parameters["collectionId"].(string)
		if collectionID == "" {
			return fmt.Errorf("collection.scan job %s missing collectionId parameter", job.ID)
		}
		col, err := s.collections.GetByID(ctx, collectionID)
		if err != nil {
			return fmt.Errorf("get collection %s: %w", collectionID, err)
		}
		return s.publishScan(ctx, col.ID, col.Path, string(col.Kind))

	default:
		return fmt.Errorf("scheduled job %s has unknown kind %q", job.ID, job.Kind)
	}
}

func (s *Scheduler) publishScan(ctx context.Context, collectionID, path, kind string) error {
	msg := bus.CollectionScanMessage{CollectionID: collectionID, Path: path, Kind: kind}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal collection scan message: %w", err)
	}
	env := bus.Envelope{
		ID:        uuid.New().String(),
		Kind:      bus.KindCollectionScan,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := s.bus.Publish(ctx, bus.QueueScan, env); err != nil {
		return fmt.Errorf("publish collection scan for %s: %w", collectionID, err)
	}
	return nil
}

// NextRunAt computes a ScheduledJob's next firing time from now, per its ScheduleKind.
func NextRunAt(job scheduledjob.ScheduledJob, now time.Time) (time.Time, error) {
	switch job.ScheduleKind {
	case scheduledjob.ScheduleCron:
		if job.CronExpr == nil {
			return time.Time{}, fmt.Errorf("cron job %s has no cron expression", job.ID)
		}
		sched, err := cron.ParseStandard(*job.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", *job.CronExpr, err)
		}
		return sched.Next(now), nil

	case scheduledjob.ScheduleInterval:
		if job.IntervalMin == nil {
			return time.Time{}, fmt.Errorf("interval job %s has no interval", job.ID)
		}
		return now.Add(time.Duration(*job.IntervalMin) * time.Minute), nil

	default:
		return time.Time{}, fmt.Errorf("scheduled job %s has unknown schedule kind %q", job.ID, job.ScheduleKind)
	}
}
