// Package app wires the router and runs the background Progress & Recovery
// Monitor.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clipforge/orchestrator/internal/adapter/observability"
	"github.com/clipforge/orchestrator/internal/domain"
	"github.com/clipforge/orchestrator/internal/queue"
)

// SubscriptionReaper lets the monitor drop push subscriptions for jobs the
// store no longer knows.
type SubscriptionReaper interface {
	ReapOrphans(active func(jobID string) bool)
}

// MonitorConfig holds the monitor knobs.
type MonitorConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	MaxAttempts    int
}

// Monitor periodically recovers stuck jobs, reaps timed-out and expired
// jobs, prunes orphan subscriptions and publishes queue gauges. Every job
// mutation is a conditional update, so a worker that is actually alive
// always wins the race.
type Monitor struct {
	store    domain.JobStore
	proc     domain.ProcessorClient
	queue    *queue.Manager
	notifier domain.Notifier
	reaper   SubscriptionReaper
	cfg      MonitorConfig
}

// NewMonitor constructs the monitor. notifier and reaper may be nil.
func NewMonitor(store domain.JobStore, proc domain.ProcessorClient, q *queue.Manager, notifier domain.Notifier, reaper SubscriptionReaper, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Monitor{store: store, proc: proc, queue: q, notifier: notifier, reaper: reaper, cfg: cfg}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick performs one full monitor pass. Exported so tests can drive time.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	m.recoverStuck(ctx, now)
	if n := m.queue.ReapTimeouts(ctx, now); n > 0 {
		slog.Warn("reaped timed out jobs", slog.Int("count", n))
	}
	m.reapExpired(ctx, now)
	m.reapOrphanSubscriptions(ctx)
	m.publishGauges(ctx, now)
}

func (m *Monitor) recoverStuck(ctx context.Context, now time.Time) {
	jobs, err := m.store.ListByStatus(ctx, domain.JobProcessing, 500, 0)
	if err != nil {
		slog.Error("monitor: list processing", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		last := j.LastProgressAt
		if last.IsZero() {
			last = j.UpdatedAt
		}
		if now.Sub(last) <= m.cfg.StuckThreshold {
			continue
		}
		m.recoverOne(ctx, j, now)
	}
}

// recoverOne handles a single stuck job: probe the processor, take one
// status poll, then requeue or fail.
func (m *Monitor) recoverOne(ctx context.Context, j domain.Job, now time.Time) {
	log := slog.With(slog.String("job_id", j.ID), slog.Int("attempt", j.Attempt),
		slog.Time("last_progress_at", j.LastProgressAt))
	log.Warn("stuck job detected")
	observability.RecoveryAttemptsTotal.Inc()

	// The worker may be alive with progress stalled only on our side. One
	// status poll settles it.
	if m.proc.Health(ctx) == nil {
		if snap, err := m.proc.Status(ctx, j.ID); err == nil && snap.Progress > j.Progress {
			if m.refreshProgress(ctx, j.ID, snap.Progress, now) {
				log.Info("stuck job is alive, progress refreshed", slog.Int("progress", snap.Progress))
				return
			}
		}
	}

	processing := domain.JobProcessing
	if j.Attempt >= m.cfg.MaxAttempts {
		failed := domain.JobFailed
		updated, err := m.store.Update(ctx, j.ID, domain.JobPatch{
			Status: &failed,
			Error:  domain.NewError(domain.KindStuckRecoveryFailed),
		}, &processing)
		if err != nil {
			log.Warn("recovery fail write lost", slog.Any("error", err))
			return
		}
		observability.JobsFailedTotal.WithLabelValues(string(domain.KindStuckRecoveryFailed)).Inc()
		log.Error("stuck job recovery exhausted")
		if m.notifier != nil {
			m.notifier.JobUpdated(updated)
		}
		return
	}

	queued := domain.JobQueued
	attempt := j.Attempt + 1
	zero := 0
	step := ""
	updated, err := m.store.Update(ctx, j.ID, domain.JobPatch{
		Status:      &queued,
		Attempt:     &attempt,
		Progress:    &zero,
		CurrentStep: &step,
		ClearError:  true,
	}, &processing)
	if err != nil {
		// The worker finished or another monitor got there first.
		if !errors.Is(err, domain.ErrConflict) {
			log.Warn("requeue failed", slog.Any("error", err))
		}
		return
	}
	log.Info("stuck job requeued", slog.Int("attempt", attempt))
	if m.notifier != nil {
		m.notifier.RecoveryAttempt(updated, attempt)
		m.notifier.JobUpdated(updated)
	}
	m.queue.Wake()
}

// refreshProgress stamps last_progress_at for a live job, applying the same
// keep-higher rule the worker's own writes use: the job is re-read just
// before the conditional write and a value the worker committed in between
// is never regressed.
func (m *Monitor) refreshProgress(ctx context.Context, id string, progress int, now time.Time) bool {
	cur, err := m.store.Get(ctx, id)
	if err != nil || cur.Status != domain.JobProcessing {
		return false
	}
	if progress < cur.Progress {
		progress = cur.Progress
	}
	processing := domain.JobProcessing
	ts := now
	_, err = m.store.Update(ctx, id, domain.JobPatch{
		Progress:       &progress,
		LastProgressAt: &ts,
	}, &processing)
	return err == nil
}

func (m *Monitor) reapExpired(ctx context.Context, now time.Time) {
	n, err := m.store.DeleteExpired(ctx, now)
	if err != nil {
		slog.Error("monitor: delete expired", slog.Any("error", err))
		return
	}
	if n > 0 {
		observability.ExpiredJobsReapedTotal.Add(float64(n))
		slog.Info("expired jobs deleted", slog.Int64("count", n))
	}
}

func (m *Monitor) reapOrphanSubscriptions(ctx context.Context) {
	if m.reaper == nil {
		return
	}
	m.reaper.ReapOrphans(func(jobID string) bool {
		_, err := m.store.Get(ctx, jobID)
		return err == nil
	})
}

func (m *Monitor) publishGauges(ctx context.Context, now time.Time) {
	for _, s := range []domain.JobStatus{domain.JobQueued, domain.JobProcessing, domain.JobCompleted, domain.JobFailed} {
		n, err := m.store.CountByStatus(ctx, s)
		if err != nil {
			continue
		}
		observability.JobsByStatus.WithLabelValues(string(s)).Set(float64(n))
	}
	next, err := m.store.NextQueued(ctx)
	if err != nil {
		observability.OldestQueuedAge.Set(0)
		return
	}
	observability.OldestQueuedAge.Set(now.Sub(next.CreatedAt).Seconds())
}
