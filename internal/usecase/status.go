package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/orchestrator/internal/domain"
	"github.com/clipforge/orchestrator/internal/queue"
)

// StatusView is a job snapshot enriched with queue-derived fields.
type StatusView struct {
	Job domain.Job
	// QueuePosition is set only while the job is queued.
	QueuePosition *int
	// EstimatedSecondsRemaining is a coarse ETA for queued jobs derived from
	// recent average processing time.
	EstimatedSecondsRemaining *int
}

// StatusService serves status reads, lazy download-URL refresh and
// cancellation.
type StatusService struct {
	store          domain.JobStore
	queue          *queue.Manager
	signer         domain.URLSigner
	notifier       domain.Notifier
	downloadURLTTL time.Duration
	refreshWindow  time.Duration
}

// NewStatusService constructs the service.
func NewStatusService(store domain.JobStore, q *queue.Manager, signer domain.URLSigner, notifier domain.Notifier, downloadURLTTL, refreshWindow time.Duration) *StatusService {
	if downloadURLTTL <= 0 {
		downloadURLTTL = 24 * time.Hour
	}
	if refreshWindow <= 0 {
		refreshWindow = time.Hour
	}
	return &StatusService{store: store, queue: q, signer: signer, notifier: notifier,
		downloadURLTTL: downloadURLTTL, refreshWindow: refreshWindow}
}

// Status loads a job. Completed jobs whose download URL is inside the
// refresh window get a fresh presigned URL; the refreshed expiry is always
// at least ttl minus the window away.
func (s *StatusService) Status(ctx context.Context, id string) (StatusView, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, fmt.Errorf("op=status: %w", err)
	}

	if j.Status == domain.JobCompleted && s.needsRefresh(j) {
		j = s.refresh(ctx, j)
	}

	view := StatusView{Job: j}
	if j.Status == domain.JobQueued {
		if pos, perr := s.queue.Position(ctx, id); perr == nil {
			view.QueuePosition = &pos
			if avg, aerr := s.store.AvgProcessingSeconds(ctx); aerr == nil && avg > 0 {
				eta := int(avg * float64(pos+1))
				view.EstimatedSecondsRemaining = &eta
			}
		}
	}
	return view, nil
}

// Snapshot returns the bare job; used by the push channel on subscribe.
func (s *StatusService) Snapshot(ctx context.Context, id string) (domain.Job, error) {
	view, err := s.Status(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return view.Job, nil
}

// Cancel delivers a user cancellation.
func (s *StatusService) Cancel(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return fmt.Errorf("op=cancel: %w", err)
	}
	return s.queue.Cancel(ctx, id)
}

func (s *StatusService) needsRefresh(j domain.Job) bool {
	if j.StorageKey == "" {
		return false
	}
	return time.Until(j.DownloadURLExpiresAt) < s.refreshWindow
}

// refresh re-signs the download URL. Failures fall back to the stored URL;
// the completion-path URL remains authoritative.
func (s *StatusService) refresh(ctx context.Context, j domain.Job) domain.Job {
	url, err := s.signer.SignedURL(ctx, j.StorageKey, s.downloadURLTTL)
	if err != nil {
		slog.Warn("download url refresh failed",
			slog.String("job_id", j.ID),
			slog.Any("error", err))
		return j
	}
	completed := domain.JobCompleted
	expiry := time.Now().UTC().Add(s.downloadURLTTL)
	updated, err := s.store.Update(ctx, j.ID, domain.JobPatch{
		DownloadURL:          &url,
		DownloadURLExpiresAt: &expiry,
	}, &completed)
	if err != nil {
		return j
	}
	return updated
}
