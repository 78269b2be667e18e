// Package usecase wires the domain operations behind the HTTP and WS
// surfaces: submission, status reads, validation and cancellation.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/orchestrator/internal/config"
	"github.com/clipforge/orchestrator/internal/domain"
	"github.com/clipforge/orchestrator/internal/queue"
)

// SubmitService validates and admits conversion requests.
type SubmitService struct {
	queue     *queue.Manager
	proc      domain.ProcessorClient
	catalog   config.PlatformCatalog
	resultTTL time.Duration
}

// NewSubmitService constructs the service.
func NewSubmitService(q *queue.Manager, proc domain.ProcessorClient, catalog config.PlatformCatalog, resultTTL time.Duration) *SubmitService {
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &SubmitService{queue: q, proc: proc, catalog: catalog, resultTTL: resultTTL}
}

// Submit validates the request, admits it and persists the queued job.
func (s *SubmitService) Submit(ctx context.Context, rawURL, format, quality string) (domain.Job, error) {
	v, err := domain.ValidateURL(rawURL)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=submit: %w: %v", domain.NewError(domain.KindInvalidURL), err)
	}
	if !s.catalog.Supported(string(v.Platform)) {
		return domain.Job{}, fmt.Errorf("op=submit platform=%s: %w", v.Platform, domain.NewError(domain.KindUnsupportedPlatform))
	}
	if !s.catalog.QualityValid(string(v.Platform), format, quality) {
		return domain.Job{}, fmt.Errorf("op=submit format=%s quality=%s: %w", format, quality, domain.NewError(domain.KindUnsupportedFormat))
	}

	now := time.Now().UTC()
	j := domain.Job{
		ID:        uuid.NewString(),
		URL:       v.NormalizedURL,
		Platform:  v.Platform,
		Format:    domain.Format(format),
		Quality:   quality,
		Status:    domain.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.resultTTL),
	}
	admitted, err := s.queue.Enqueue(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	return admitted, nil
}

// ValidationResult is the answer for POST /validate.
type ValidationResult struct {
	Valid         bool
	Platform      domain.Platform
	VideoID       string
	NormalizedURL string
	Metadata      *domain.MediaMetadata
	Err           *domain.ConversionError
}

// Validate checks a URL without admitting a job. Metadata is fetched best
// effort; a processor failure leaves the result valid with no metadata.
func (s *SubmitService) Validate(ctx context.Context, rawURL string) ValidationResult {
	v, err := domain.ValidateURL(rawURL)
	if err != nil {
		return ValidationResult{Valid: false, Err: domain.NewError(domain.KindInvalidURL)}
	}
	if !s.catalog.Supported(string(v.Platform)) {
		return ValidationResult{Valid: false, Platform: v.Platform, Err: domain.NewError(domain.KindUnsupportedPlatform)}
	}
	res := ValidationResult{
		Valid:         true,
		Platform:      v.Platform,
		VideoID:       v.VideoID,
		NormalizedURL: v.NormalizedURL,
	}
	if s.proc != nil {
		if meta, merr := s.proc.ExtractMetadata(ctx, v.NormalizedURL); merr == nil {
			res.Metadata = &meta
		}
	}
	return res
}

// Platforms exposes the catalog for GET /platforms.
func (s *SubmitService) Platforms() []config.PlatformOption {
	return s.catalog.Platforms
}
