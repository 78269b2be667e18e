package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clipforge/orchestrator/internal/adapter/observability"
	"github.com/clipforge/orchestrator/internal/domain"
)

// Stage progress anchors. The processor reports overall percent during the
// convert call; values are clamped into the convert band so the sequence
// stays monotonic across stage boundaries.
const (
	progressMetadataStart = 5
	progressConvertFloor  = 15
	progressConvertCeil   = 98
	progressFinalize      = 98
	progressDone          = 100
)

// LifecyclePublisher mirrors the optional audit stream. Implementations must
// be non-blocking; publish failures never fail a job.
type LifecyclePublisher interface {
	JobCompleted(ctx domain.Context, j domain.Job)
	JobFailed(ctx domain.Context, j domain.Job)
}

// Config holds the pipeline knobs.
type Config struct {
	ProcessingTimeout    time.Duration
	ProgressStaleAfter   time.Duration
	ProgressPollInterval time.Duration
	DownloadURLTTL       time.Duration
}

// Runner executes one claimed job through metadata extraction, conversion
// and finalization. It is the only writer for a job while it holds it; every
// write is conditional on status=processing so a recovered or cancelled job
// silently detaches the stale worker.
type Runner struct {
	store    domain.JobStore
	proc     domain.ProcessorClient
	signer   domain.URLSigner
	notifier domain.Notifier
	bus      *Bus
	events   LifecyclePublisher
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option mutates the Runner during construction.
type Option func(*Runner)

// WithSleepFunc overrides the retry delay sleeper (tests).
func WithSleepFunc(f func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = f }
}

// NewRunner wires the runner. notifier and events may be nil.
func NewRunner(store domain.JobStore, proc domain.ProcessorClient, signer domain.URLSigner, notifier domain.Notifier, bus *Bus, events LifecyclePublisher, cfg Config, opts ...Option) *Runner {
	if cfg.ProgressPollInterval <= 0 {
		cfg.ProgressPollInterval = 2 * time.Second
	}
	if cfg.ProgressStaleAfter <= 0 {
		cfg.ProgressStaleAfter = 10 * time.Second
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 24 * time.Hour
	}
	r := &Runner{store: store, proc: proc, signer: signer, notifier: notifier, bus: bus, events: events, cfg: cfg}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives a claimed job to a terminal state. It never returns an error;
// failures are written to the store and pushed to subscribers.
func (r *Runner) Run(ctx context.Context, j domain.Job) {
	start := time.Now()
	log := slog.With(slog.String("job_id", j.ID), slog.String("platform", string(j.Platform)))
	log.Info("pipeline start", slog.Int("attempt", j.Attempt))

	r.writeProgress(ctx, j.ID, progressMetadataStart, "extract_metadata")

	var meta domain.MediaMetadata
	err := r.retryStage(ctx, &j, "extract_metadata", false, func(ctx context.Context) error {
		m, err := r.proc.ExtractMetadata(ctx, j.URL)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		r.fail(ctx, j, err)
		return
	}

	processing := domain.JobProcessing
	floor := progressConvertFloor
	step := "downloading"
	now := time.Now().UTC()
	if updated, uerr := r.store.Update(ctx, j.ID, domain.JobPatch{
		Metadata:       &meta,
		Progress:       &floor,
		CurrentStep:    &step,
		LastProgressAt: &now,
	}, &processing); uerr == nil {
		j = updated
		r.notify(updated)
	} else {
		// Conflict means the job was cancelled or recovered from under us.
		log.Warn("detaching from job", slog.Any("error", uerr))
		return
	}

	var res domain.ConvertResult
	err = r.retryStage(ctx, &j, "convert", true, func(ctx context.Context) error {
		out, cerr := r.convertOnce(ctx, j)
		if cerr != nil {
			return cerr
		}
		res = out
		return nil
	})
	if err != nil {
		r.fail(ctx, j, err)
		return
	}

	if err := r.finalize(ctx, j, res); err != nil {
		r.fail(ctx, j, err)
		return
	}
	observability.JobsCompletedTotal.Inc()
	observability.StageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	log.Info("pipeline complete", slog.Int("attempt", j.Attempt), slog.Duration("elapsed", time.Since(start)))
}

// convertOnce performs one /convert attempt while consuming progress events.
// The callback endpoint is the primary source; the poller engages only when
// callbacks have been stale longer than the configured threshold.
func (r *Runner) convertOnce(ctx context.Context, j domain.Job) (domain.ConvertResult, error) {
	cctx := ctx
	cancel := context.CancelFunc(func() {})
	if r.cfg.ProcessingTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, r.cfg.ProcessingTimeout)
	}
	defer cancel()

	type outcome struct {
		res domain.ConvertResult
		err error
	}
	// Register before the call starts so no callback can race the worker.
	events := r.bus.Register(j.ID)
	defer r.bus.Unregister(j.ID)

	resCh := make(chan outcome, 1)
	go func() {
		res, err := r.proc.Convert(cctx, domain.ConvertRequest{
			URL: j.URL, Format: j.Format, Quality: j.Quality, JobID: j.ID,
		})
		resCh <- outcome{res: res, err: err}
	}()

	lastEvent := time.Now()
	poll := time.NewTicker(r.cfg.ProgressPollInterval)
	defer poll.Stop()

	for {
		select {
		case out := <-resCh:
			if out.err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return domain.ConvertResult{}, domain.NewError(domain.KindTimeout)
			}
			return out.res, out.err
		case snap := <-events:
			lastEvent = time.Now()
			r.applySnapshot(ctx, j.ID, snap)
		case <-poll.C:
			if time.Since(lastEvent) < r.cfg.ProgressStaleAfter {
				continue
			}
			snap, err := r.proc.Status(ctx, j.ID)
			if err != nil {
				continue
			}
			r.applySnapshot(ctx, j.ID, snap)
		}
	}
}

func (r *Runner) finalize(ctx context.Context, j domain.Job, res domain.ConvertResult) error {
	r.writeProgress(ctx, j.ID, progressFinalize, "finalize")

	url, err := r.signer.SignedURL(ctx, res.StorageKey, r.cfg.DownloadURLTTL)
	if err != nil {
		return fmt.Errorf("op=pipeline.finalize: %w", err)
	}

	processing := domain.JobProcessing
	completed := domain.JobCompleted
	done := progressDone
	step := "finalize"
	now := time.Now().UTC()
	expiry := now.Add(r.cfg.DownloadURLTTL)
	updated, err := r.store.Update(ctx, j.ID, domain.JobPatch{
		Status:               &completed,
		Progress:             &done,
		CurrentStep:          &step,
		StorageKey:           &res.StorageKey,
		DownloadURL:          &url,
		DownloadURLExpiresAt: &expiry,
		LastProgressAt:       &now,
		ClearError:           true,
	}, &processing)
	if err != nil {
		return fmt.Errorf("op=pipeline.finalize: %w", err)
	}
	r.notify(updated)
	if r.events != nil {
		r.events.JobCompleted(ctx, updated)
	}
	return nil
}

// retryStage runs fn under the per-kind retry schedule. countAttempts ties
// the job's visible attempt counter to this stage.
func (r *Runner) retryStage(ctx context.Context, j *domain.Job, stage string, countAttempts bool, fn func(ctx context.Context) error) error {
	failures := make(map[domain.ErrorKind]int)
	schedules := make(map[domain.ErrorKind]*backoff.ExponentialBackOff)

	for {
		if countAttempts {
			r.bumpAttempt(ctx, j)
		}
		start := time.Now()
		err := fn(ctx)
		observability.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		ce := domain.Classify(err)
		policy := domain.PolicyFor(ce.Kind)
		failures[ce.Kind]++
		if !policy.Retryable() || failures[ce.Kind] >= policy.MaxAttempts {
			return ce
		}

		bo, ok := schedules[ce.Kind]
		if !ok {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = policy.InitialDelay
			bo.MaxInterval = policy.MaxDelay
			bo.Multiplier = policy.Multiplier
			bo.RandomizationFactor = 0
			bo.MaxElapsedTime = 0
			bo.Reset()
			schedules[ce.Kind] = bo
		}
		delay := bo.NextBackOff()
		if ce.RetryAfter > delay {
			delay = ce.RetryAfter
		}
		observability.StageRetriesTotal.WithLabelValues(stage, string(ce.Kind)).Inc()
		slog.Warn("stage retry",
			slog.String("job_id", j.ID),
			slog.String("stage", stage),
			slog.String("kind", string(ce.Kind)),
			slog.Int("failures", failures[ce.Kind]),
			slog.Duration("delay", delay))
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// bumpAttempt increments the job's attempt counter before a convert attempt.
func (r *Runner) bumpAttempt(ctx context.Context, j *domain.Job) {
	processing := domain.JobProcessing
	next := j.Attempt + 1
	updated, err := r.store.Update(ctx, j.ID, domain.JobPatch{Attempt: &next}, &processing)
	if err != nil {
		return
	}
	*j = updated
}

// applySnapshot clamps a processor progress report into the convert band and
// commits it.
func (r *Runner) applySnapshot(ctx context.Context, jobID string, snap domain.ProgressSnapshot) {
	p := snap.Progress
	if p < progressConvertFloor {
		p = progressConvertFloor
	}
	if p > progressConvertCeil {
		p = progressConvertCeil
	}
	r.writeProgress(ctx, jobID, p, snap.Step)
}

// writeProgress applies the progress write rules: clamp to [0,100], never
// regress within the same status, stamp last_progress_at even when the value
// does not advance, notify subscribers only on visible change.
func (r *Runner) writeProgress(ctx context.Context, jobID string, progress int, step string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	cur, err := r.store.Get(ctx, jobID)
	if err != nil || cur.Status != domain.JobProcessing {
		return
	}
	changed := progress > cur.Progress || (step != "" && step != cur.CurrentStep)
	if progress < cur.Progress {
		progress = cur.Progress
	}
	now := time.Now().UTC()
	processing := domain.JobProcessing
	patch := domain.JobPatch{Progress: &progress, LastProgressAt: &now}
	if step != "" {
		patch.CurrentStep = &step
	}
	updated, err := r.store.Update(ctx, jobID, patch, &processing)
	if err != nil {
		return
	}
	if changed {
		r.notify(updated)
	}
}

// fail writes the terminal failure, unless the pipeline was interrupted by
// process shutdown, in which case the job is left in processing for the
// monitor to recover after restart.
func (r *Runner) fail(ctx context.Context, j domain.Job, err error) {
	userCancel := errors.Is(context.Cause(ctx), domain.ErrCancelRequested)
	if ctx.Err() != nil && !userCancel {
		slog.Warn("pipeline interrupted by shutdown, leaving job for recovery",
			slog.String("job_id", j.ID))
		return
	}
	ce := domain.Classify(err)
	if userCancel {
		ce = domain.NewError(domain.KindCancelled)
	}

	processing := domain.JobProcessing
	failed := domain.JobFailed
	// Terminal failure writes use a fresh context; the job context may
	// already be cancelled.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	updated, uerr := r.store.Update(wctx, j.ID, domain.JobPatch{
		Status: &failed,
		Error:  ce,
	}, &processing)
	if uerr != nil {
		slog.Error("terminal failure write lost",
			slog.String("job_id", j.ID),
			slog.String("kind", string(ce.Kind)),
			slog.Any("error", uerr))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(ce.Kind)).Inc()
	slog.Warn("pipeline failed",
		slog.String("job_id", j.ID),
		slog.String("kind", string(ce.Kind)),
		slog.Bool("retryable", ce.Retryable))
	r.notify(updated)
	if r.events != nil {
		r.events.JobFailed(wctx, updated)
	}
}

func (r *Runner) notify(j domain.Job) {
	if r.notifier != nil {
		r.notifier.JobUpdated(j)
	}
}
