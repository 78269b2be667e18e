// Package memory provides an in-memory Job Store with the same contract as
// the PostgreSQL implementation. It backs unit tests and single-process dev
// mode; it is not durable.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clipforge/orchestrator/internal/domain"
)

// JobStore is a mutex-guarded map keyed by job id.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

// NewJobStore constructs an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]domain.Job)}
}

// Create inserts a new job. Fails with ErrDuplicateID when the id exists.
func (s *JobStore) Create(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("op=job.create: %w", domain.ErrDuplicateID)
	}
	s.jobs[j.ID] = j
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// Update applies a partial patch atomically, honoring the conditional
// status guard.
func (s *JobStore) Update(_ domain.Context, id string, p domain.JobPatch, expected *domain.JobStatus) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	if expected != nil && j.Status != *expected {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrConflict)
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.CurrentStep != nil {
		j.CurrentStep = *p.CurrentStep
	}
	if p.Attempt != nil {
		j.Attempt = *p.Attempt
	}
	if p.DownloadURL != nil {
		j.DownloadURL = *p.DownloadURL
	}
	if p.DownloadURLExpiresAt != nil {
		j.DownloadURLExpiresAt = *p.DownloadURLExpiresAt
	}
	if p.StorageKey != nil {
		j.StorageKey = *p.StorageKey
	}
	if p.Metadata != nil {
		m := *p.Metadata
		j.Metadata = &m
	}
	if p.Error != nil {
		e := *p.Error
		j.Error = &e
	} else if p.ClearError {
		j.Error = nil
	}
	if p.LastProgressAt != nil {
		j.LastProgressAt = *p.LastProgressAt
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return j, nil
}

// ListByStatus returns jobs with the given status ordered by sequence.
func (s *JobStore) ListByStatus(_ domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.byStatusLocked(status)
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	out := make([]domain.Job, len(jobs))
	copy(out, jobs)
	return out, nil
}

// CountByStatus counts jobs with the given status.
func (s *JobStore) CountByStatus(_ domain.Context, status domain.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byStatusLocked(status))), nil
}

// NextQueued returns the queued job with the lowest sequence number.
func (s *JobStore) NextQueued(_ domain.Context) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.byStatusLocked(domain.JobQueued)
	if len(queued) == 0 {
		return domain.Job{}, fmt.Errorf("op=job.next_queued: %w", domain.ErrNotFound)
	}
	return queued[0], nil
}

// Position returns the number of queued jobs older than the given one.
func (s *JobStore) Position(_ domain.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, fmt.Errorf("op=job.position: %w", domain.ErrNotFound)
	}
	n := 0
	for _, other := range s.jobs {
		if other.Status == domain.JobQueued && other.Seq < j.Seq {
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes jobs whose expires_at is in the past.
func (s *JobStore) DeleteExpired(_ domain.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, j := range s.jobs {
		if !j.ExpiresAt.IsZero() && j.ExpiresAt.Before(now) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// AvgProcessingSeconds reports the mean created->updated duration over
// completed jobs.
func (s *JobStore) AvgProcessingSeconds(_ domain.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	var n int
	for _, j := range s.jobs {
		if j.Status == domain.JobCompleted {
			sum += j.UpdatedAt.Sub(j.CreatedAt).Seconds()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (s *JobStore) byStatusLocked(status domain.JobStatus) []domain.Job {
	var jobs []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Seq < jobs[b].Seq })
	return jobs
}
