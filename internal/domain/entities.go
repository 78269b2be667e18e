// Package domain defines the core entities and ports of the conversion
// orchestrator: the job record, its lifecycle, and the interfaces the
// adapters implement.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrConflict           = errors.New("conflict")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInternal           = errors.New("internal error")
	// ErrCancelRequested is the cancellation cause for a user-initiated
	// cancel, as opposed to process shutdown.
	ErrCancelRequested = errors.New("cancel requested")
)

// Platform enumerates the source platforms a job URL may come from.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformOther     Platform = "other"
)

// Format enumerates supported output formats.
type Format string

const (
	FormatMP3 Format = "mp3"
	FormatMP4 Format = "mp4"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// MediaMetadata is captured at the metadata-extraction stage.
type MediaMetadata struct {
	Title     string `json:"title"`
	Duration  int    `json:"duration"`
	Thumbnail string `json:"thumbnail"`
	Uploader  string `json:"uploader"`
}

// Job is the central entity. It is owned by the Job Store and mutated only
// through Store operations; all cross-component coordination goes through
// conditional updates on this record.
type Job struct {
	ID          string
	URL         string
	Platform    Platform
	Format      Format
	Quality     string
	Status      JobStatus
	Progress    int
	CurrentStep string
	// Seq is a monotonic sequence number assigned at enqueue; FIFO dispatch
	// order and queue positions derive from it.
	Seq     int64
	Attempt int

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	DownloadURL          string
	DownloadURLExpiresAt time.Time
	StorageKey           string

	Metadata       *MediaMetadata
	Error          *ConversionError
	LastProgressAt time.Time
}

// Filename derives the client-facing download filename from the media title
// and output format. Falls back to "converted.<ext>" when no title is known.
func (j Job) Filename() string {
	base := "converted"
	if j.Metadata != nil && j.Metadata.Title != "" {
		base = sanitizeFilename(j.Metadata.Title)
	}
	return base + "." + string(j.Format)
}

func sanitizeFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ', r == '-', r == '_', r == '.':
			out = append(out, r)
		}
	}
	trimmed := string(out)
	if trimmed == "" {
		return "converted"
	}
	if len(trimmed) > 120 {
		trimmed = trimmed[:120]
	}
	return trimmed
}

// JobPatch is a partial update applied atomically by the store. Nil fields
// are left untouched, so applying the same patch twice is idempotent.
type JobPatch struct {
	Status               *JobStatus
	Progress             *int
	CurrentStep          *string
	Attempt              *int
	DownloadURL          *string
	DownloadURLExpiresAt *time.Time
	StorageKey           *string
	Metadata             *MediaMetadata
	Error                *ConversionError
	ClearError           bool
	LastProgressAt       *time.Time
}

// JobStore is the only component that writes to durable storage.
// Update with a non-nil expected status is a conditional write: it fails
// with ErrConflict when the stored status does not match, which is how the
// queued->processing claim and all monitor updates stay single-writer.
type JobStore interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	Update(ctx Context, id string, p JobPatch, expected *JobStatus) (Job, error)
	ListByStatus(ctx Context, status JobStatus, limit, offset int) ([]Job, error)
	CountByStatus(ctx Context, status JobStatus) (int64, error)
	// NextQueued returns the queued job with the lowest sequence number.
	NextQueued(ctx Context) (Job, error)
	// Position returns the number of older queued jobs. Advisory only.
	Position(ctx Context, id string) (int, error)
	DeleteExpired(ctx Context, now time.Time) (int64, error)
	// AvgProcessingSeconds reports the mean queued->terminal duration over
	// recently completed jobs; used for ETA estimates.
	AvgProcessingSeconds(ctx Context) (float64, error)
}

// ConvertRequest is the payload sent to the downstream processor's /convert.
type ConvertRequest struct {
	URL     string
	Format  Format
	Quality string
	JobID   string
}

// ConvertResult is the processor's final answer for a conversion.
type ConvertResult struct {
	StorageKey string
	Size       int64
	Duration   float64
}

// ProgressSnapshot is one progress observation from the processor, either
// pushed via the callback endpoint or pulled from /status/{id}.
type ProgressSnapshot struct {
	JobID    string
	Progress int
	Step     string
}

// ProcessorClient talks to the downstream service that performs the actual
// media extraction and transcoding.
type ProcessorClient interface {
	ExtractMetadata(ctx Context, url string) (MediaMetadata, error)
	Convert(ctx Context, req ConvertRequest) (ConvertResult, error)
	Status(ctx Context, jobID string) (ProgressSnapshot, error)
	Health(ctx Context) error
}

// URLSigner issues time-bounded download URLs for blob-store objects.
type URLSigner interface {
	SignedURL(ctx Context, storageKey string, ttl time.Duration) (string, error)
}

// Notifier receives job updates after a successful store write. The push
// channel manager implements it; failures are local to the notifier and
// never fail the job.
type Notifier interface {
	JobUpdated(j Job)
	RecoveryAttempt(j Job, attempt int)
}

// Sequencer allocates the monotonic enqueue sequence numbers.
type Sequencer interface {
	Next(ctx Context) (int64, error)
}

// Context aliases the standard context; kept so the domain package reads the
// same as the rest of the ports.
type Context = context.Context
