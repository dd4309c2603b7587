// Package monitor implements the Job Monitor: a periodic sweep that fails stuck BackgroundJobs and
// ScheduledJobRuns, dead-letters queue messages that outlived their TTL, and reconciles CacheRoot usage against
// actual disk state.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
)

// monitoredQueues lists every queue the TTL sweep checks; the dlq queue itself is never swept.
var monitoredQueues = []bus.Queue{bus.QueueScan, bus.QueueThumbnail, bus.QueueCache, bus.QueueCreation, bus.QueueBulk, bus.QueueProcessing}

// Config controls the Job Monitor's sweep cadence and thresholds.
type Config struct {
	Tick               time.Duration
	JobTimeout         time.Duration
	QueueMessageTTL    time.Duration
	CacheAuditInterval time.Duration
}

// Monitor periodically sweeps stuck jobs, expired queue messages, and stale CacheRoot usage counters.
type Monitor struct {
	jobs          backgroundjob.Repository
	scheduledJobs scheduledjob.Repository
	roots         cacheroot.Repository
	bus           *bus.Bus
	cfg           Config
	log           zerolog.Logger

	lastAudit time.Time
}

// New creates a Monitor.
func New(jobs backgroundjob.Repository, scheduledJobs scheduledjob.Repository, roots cacheroot.Repository, b *bus.Bus, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	return &Monitor{jobs: jobs, scheduledJobs: scheduledJobs, roots: roots, bus: b, cfg: cfg, log: log}
}

// Run ticks every cfg.Tick until ctx is cancelled, running every sweep each tick except the cache-root audit, which
// only runs once cfg.CacheAuditInterval has elapsed since its last run.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.sweepStuckBackgroundJobs(ctx)
	m.sweepTimedOutScheduledRuns(ctx)
	m.sweepExpiredQueueMessages(ctx)

	if m.cfg.CacheAuditInterval > 0 && time.Since(m.lastAudit) >= m.cfg.CacheAuditInterval {
		m.AuditCacheRoots(ctx)
		m.lastAudit = time.Now()
	}
}

// sweepStuckBackgroundJobs force-fails any BackgroundJob still running past cfg.JobTimeout, usually one whose
// consumer crashed between increments.
func (m *Monitor) sweepStuckBackgroundJobs(ctx context.Context) {
	if m.cfg.JobTimeout <= 0 {
		return
	}
	stuck, err := m.jobs.ListRunningOlderThan(ctx, time.Now().Add(-m.cfg.JobTimeout))
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list stuck background jobs")
		return
	}
	for _, job := range stuck {
		if err := m.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("exceeded %s timeout", m.cfg.JobTimeout)); err != nil {
			m.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark stuck background job failed")
		}
	}
}

// sweepTimedOutScheduledRuns fails any ScheduledJobRun still running past its job's per-job TimeoutMin, and forces
// the owning job back to idle so it can fire again.
func (m *Monitor) sweepTimedOutScheduledRuns(ctx context.Context) {
	runs, err := m.scheduledJobs.ListTimedOutRuns(ctx, time.Now().UTC())
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list timed out scheduled job runs")
		return
	}
	for _, run := range runs {
		if err := m.scheduledJobs.CompleteRun(ctx, run.ID, scheduledjob.RunStatusFailed, "run exceeded job timeout"); err != nil {
			m.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to complete timed out scheduled job run")
		}
		if err := m.scheduledJobs.ForceIdle(ctx, run.ScheduledJobID); err != nil {
			m.log.Error().Err(err).Str("job_id", run.ScheduledJobID).Msg("Failed to force timed out scheduled job idle")
		}
	}
}

// sweepExpiredQueueMessages dead-letters any pending message older than cfg.QueueMessageTTL, across every queue
// (emulating the per-message TTL Redis streams lack natively, via Bus.SweepExpired).
func (m *Monitor) sweepExpiredQueueMessages(ctx context.Context) {
	if m.cfg.QueueMessageTTL <= 0 {
		return
	}
	for _, q := range monitoredQueues {
		swept, err := m.bus.SweepExpired(ctx, q, m.cfg.QueueMessageTTL)
		if err != nil {
			m.log.Error().Err(err).Str("queue", string(q)).Msg("Failed to sweep expired queue messages")
			continue
		}
		if swept > 0 {
			m.log.Warn().Str("queue", string(q)).Int("count", swept).Msg("Dead-lettered expired queue messages")
		}
	}
}
