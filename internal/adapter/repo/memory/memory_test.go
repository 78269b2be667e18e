package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/adapter/repo/memory"
	"github.com/clipforge/orchestrator/internal/domain"
)

func newJob(id string, seq int64, status domain.JobStatus) domain.Job {
	now := time.Now().UTC()
	return domain.Job{
		ID: id, URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Platform: domain.PlatformYouTube, Format: domain.FormatMP3, Quality: "128",
		Status: status, Seq: seq,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestJobStore_CreateDuplicate(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("a", 1, domain.JobQueued)))
	err := s.Create(ctx, newJob("a", 2, domain.JobQueued))
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestJobStore_ConditionalUpdate(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("a", 1, domain.JobQueued)))

	processing := domain.JobProcessing
	queued := domain.JobQueued
	j, err := s.Update(ctx, "a", domain.JobPatch{Status: &processing}, &queued)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, j.Status)

	// Second claim with the same guard must conflict.
	_, err = s.Update(ctx, "a", domain.JobPatch{Status: &processing}, &queued)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.Update(ctx, "missing", domain.JobPatch{Status: &processing}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobStore_SingleClaimUnderRace(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("a", 1, domain.JobQueued)))

	processing := domain.JobProcessing
	queued := domain.JobQueued
	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "a", domain.JobPatch{Status: &processing}, &queued); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	assert.Equal(t, 1, n, "exactly one claim must win")
}

func TestJobStore_FIFOAndPosition(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("a", 3, domain.JobQueued)))
	require.NoError(t, s.Create(ctx, newJob("b", 1, domain.JobQueued)))
	require.NoError(t, s.Create(ctx, newJob("c", 2, domain.JobQueued)))

	next, err := s.NextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	pos, err := s.Position(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	jobs, err := s.ListByStatus(ctx, domain.JobQueued, 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, "c", jobs[1].ID)

	n, err := s.CountByStatus(ctx, domain.JobQueued)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestJobStore_DeleteExpired(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	old := newJob("old", 1, domain.JobCompleted)
	old.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, newJob("fresh", 2, domain.JobCompleted)))

	deleted, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestJobStore_PatchIdempotent(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("a", 1, domain.JobProcessing)))

	progress := 40
	step := "downloading"
	now := time.Now().UTC()
	patch := domain.JobPatch{Progress: &progress, CurrentStep: &step, LastProgressAt: &now}

	first, err := s.Update(ctx, "a", patch, nil)
	require.NoError(t, err)
	second, err := s.Update(ctx, "a", patch, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Progress, second.Progress)
	assert.Equal(t, first.CurrentStep, second.CurrentStep)
	assert.Equal(t, first.LastProgressAt, second.LastProgressAt)
}
