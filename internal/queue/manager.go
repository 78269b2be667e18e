// Package queue implements admission control and FIFO dispatch. A fixed pool
// of worker slots bounds outbound processor concurrency; dispatch wakes on
// enqueue and on slot release rather than polling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/orchestrator/internal/adapter/observability"
	"github.com/clipforge/orchestrator/internal/domain"
)

// RunFunc processes one claimed job to a terminal state or a requeue. The
// context is cancelled on job cancellation and on shutdown.
type RunFunc func(ctx context.Context, j domain.Job)

// Manager owns admission and the queued to processing transition.
type Manager struct {
	store    domain.JobStore
	seq      domain.Sequencer
	notifier domain.Notifier
	run      RunFunc

	hardCap           int
	processingTimeout time.Duration

	slots chan struct{}
	wake  chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	closed  bool
}

// Config holds the manager knobs.
type Config struct {
	MaxConcurrent     int
	HardCap           int
	ProcessingTimeout time.Duration
}

// NewManager wires the manager. run is invoked once per claimed job on its
// own goroutine.
func NewManager(store domain.JobStore, seq domain.Sequencer, notifier domain.Notifier, run RunFunc, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 200
	}
	return &Manager{
		store:             store,
		seq:               seq,
		notifier:          notifier,
		run:               run,
		hardCap:           cfg.HardCap,
		processingTimeout: cfg.ProcessingTimeout,
		slots:             make(chan struct{}, cfg.MaxConcurrent),
		wake:              make(chan struct{}, 1),
		running:           make(map[string]context.CancelCauseFunc),
	}
}

// Enqueue admits a job, assigns its sequence number and persists it in
// queued. The admission check and the insert are not one atomic step; the
// hard cap is a soft bound that may overshoot by in-flight submissions.
func (m *Manager) Enqueue(ctx context.Context, j domain.Job) (domain.Job, error) {
	queued, err := m.store.CountByStatus(ctx, domain.JobQueued)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue: %w", err)
	}
	processing, err := m.store.CountByStatus(ctx, domain.JobProcessing)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue: %w", err)
	}
	if queued+processing >= int64(m.hardCap) {
		observability.JobsRejectedTotal.WithLabelValues("capacity").Inc()
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue: %w", domain.NewError(domain.KindCapacityExceeded))
	}

	seq, err := m.seq.Next(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue: %w", err)
	}
	j.Seq = seq
	j.Status = domain.JobQueued
	if err := m.store.Create(ctx, j); err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.Enqueue: %w", err)
	}
	observability.JobsSubmittedTotal.WithLabelValues(string(j.Platform), string(j.Format)).Inc()
	m.Wake()
	return j, nil
}

// Wake nudges the dispatch loop. Safe to call from any goroutine; coalesces.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives dispatch until ctx is cancelled. One goroutine only.
func (m *Manager) Run(ctx context.Context) {
	// Fallback tick covers requeues performed by the monitor on another
	// instance, where no wake signal arrives.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stop()
			return
		case m.slots <- struct{}{}:
		}

		j, ok := m.claimNext(ctx)
		if !ok {
			<-m.slots
			select {
			case <-ctx.Done():
				m.stop()
				return
			case <-m.wake:
			case <-ticker.C:
			}
			continue
		}

		jobCtx, cancel := context.WithCancelCause(ctx)
		m.mu.Lock()
		m.running[j.ID] = cancel
		m.mu.Unlock()

		go func(j domain.Job) {
			defer func() {
				cancel(nil)
				m.mu.Lock()
				delete(m.running, j.ID)
				m.mu.Unlock()
				<-m.slots
				m.Wake()
			}()
			m.run(jobCtx, j)
		}(j)
	}
}

// claimNext picks the oldest queued job and flips it to processing with a
// conditional update. A conflict means another dispatcher won; try the next.
func (m *Manager) claimNext(ctx context.Context) (domain.Job, bool) {
	for {
		next, err := m.store.NextQueued(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				slog.Error("dispatch: next queued", slog.Any("error", err))
			}
			return domain.Job{}, false
		}

		queued := domain.JobQueued
		processing := domain.JobProcessing
		now := time.Now().UTC()
		step := "starting"
		claimed, err := m.store.Update(ctx, next.ID, domain.JobPatch{
			Status:         &processing,
			CurrentStep:    &step,
			LastProgressAt: &now,
		}, &queued)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			slog.Error("dispatch: claim", slog.String("job_id", next.ID), slog.Any("error", err))
			return domain.Job{}, false
		}
		slog.Info("job claimed",
			slog.String("job_id", claimed.ID),
			slog.Int64("seq", claimed.Seq),
			slog.Int("attempt", claimed.Attempt))
		if m.notifier != nil {
			m.notifier.JobUpdated(claimed)
		}
		return claimed, true
	}
}

// Cancel delivers cancellation. Running jobs get their context cancelled and
// fail through the pipeline's own error path; queued jobs transition straight
// to failed{CANCELLED}.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	cancel, isRunning := m.running[id]
	m.mu.Unlock()
	if isRunning {
		cancel(domain.ErrCancelRequested)
		return nil
	}

	queued := domain.JobQueued
	failed := domain.JobFailed
	j, err := m.store.Update(ctx, id, domain.JobPatch{
		Status: &failed,
		Error:  domain.NewError(domain.KindCancelled),
	}, &queued)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Already terminal or just claimed; nothing to do.
			return nil
		}
		return fmt.Errorf("op=queue.Cancel: %w", err)
	}
	if m.notifier != nil {
		m.notifier.JobUpdated(j)
	}
	return nil
}

// ReapTimeouts fails processing jobs that have had no store write for longer
// than the processing timeout. The conditional update keeps it safe against
// workers that are in fact still alive.
func (m *Manager) ReapTimeouts(ctx context.Context, now time.Time) int {
	if m.processingTimeout <= 0 {
		return 0
	}
	jobs, err := m.store.ListByStatus(ctx, domain.JobProcessing, 500, 0)
	if err != nil {
		slog.Error("reap timeouts: list", slog.Any("error", err))
		return 0
	}
	reaped := 0
	processing := domain.JobProcessing
	failed := domain.JobFailed
	for _, j := range jobs {
		if now.Sub(j.UpdatedAt) <= m.processingTimeout {
			continue
		}
		updated, err := m.store.Update(ctx, j.ID, domain.JobPatch{
			Status: &failed,
			Error:  domain.NewError(domain.KindTimeout),
		}, &processing)
		if err != nil {
			continue
		}
		reaped++
		observability.JobsFailedTotal.WithLabelValues(string(domain.KindTimeout)).Inc()
		slog.Warn("job timed out",
			slog.String("job_id", j.ID),
			slog.Time("last_update", j.UpdatedAt))
		if m.notifier != nil {
			m.notifier.JobUpdated(updated)
		}
	}
	return reaped
}

// Stats reports per-status counts.
func (m *Manager) Stats(ctx context.Context) (map[domain.JobStatus]int64, error) {
	out := make(map[domain.JobStatus]int64, 4)
	for _, s := range []domain.JobStatus{domain.JobQueued, domain.JobProcessing, domain.JobCompleted, domain.JobFailed} {
		n, err := m.store.CountByStatus(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("op=queue.Stats: %w", err)
		}
		out[s] = n
	}
	return out, nil
}

// Position returns the number of queued jobs ahead of id.
func (m *Manager) Position(ctx context.Context, id string) (int, error) {
	return m.store.Position(ctx, id)
}

func (m *Manager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, cancel := range m.running {
		cancel(nil)
	}
}
