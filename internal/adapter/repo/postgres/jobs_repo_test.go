package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/adapter/repo/postgres"
	"github.com/clipforge/orchestrator/internal/domain"
)

func TestJobRepo_Create(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewJobRepo(pool)
	ctx := context.Background()

	j := domain.Job{ID: "job-1", URL: "https://youtu.be/dQw4w9WgXcQ", Platform: domain.PlatformYouTube,
		Format: domain.FormatMP3, Quality: "128", Status: domain.JobQueued,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(24 * time.Hour)}

	require.NoError(t, repo.Create(ctx, j))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO jobs")
}

func TestJobRepo_Create_DuplicateNotRetried(t *testing.T) {
	pool := &fakePool{execResults: []execResult{
		{err: &pgconn.PgError{Code: "23505"}},
	}}
	repo := postgres.NewJobRepo(pool)

	err := repo.Create(context.Background(), domain.Job{ID: "job-1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
	assert.Len(t, pool.execSQL, 1, "unique violations must not be retried")
}

func TestJobRepo_Create_TransientErrorRetriedThenUnavailable(t *testing.T) {
	boom := errors.New("connection reset")
	pool := &fakePool{execResults: []execResult{{err: boom}, {err: boom}, {err: boom}}}
	repo := postgres.NewJobRepo(pool)

	err := repo.Create(context.Background(), domain.Job{ID: "job-1"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Len(t, pool.execSQL, 3, "writes retry up to 3 attempts")
}

func TestJobRepo_Get(t *testing.T) {
	pool := &fakePool{rowResults: []pgx.Row{&fakeRow{vals: jobRowVals("job-1", domain.JobProcessing, 7)}}}
	repo := postgres.NewJobRepo(pool)

	j, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, domain.JobProcessing, j.Status)
	assert.EqualValues(t, 7, j.Seq)
	assert.Equal(t, "downloading", j.CurrentStep)
	require.NotNil(t, j.Metadata)
	assert.Equal(t, "t", j.Metadata.Title)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &fakePool{rowResults: []pgx.Row{&fakeRow{err: pgx.ErrNoRows}}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Update_Conditional(t *testing.T) {
	pool := &fakePool{rowResults: []pgx.Row{&fakeRow{vals: jobRowVals("job-1", domain.JobProcessing, 7)}}}
	repo := postgres.NewJobRepo(pool)

	queued := domain.JobQueued
	processing := domain.JobProcessing
	j, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &processing}, &queued)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, j.Status)
	require.Len(t, pool.rowSQL, 1)
	assert.Contains(t, pool.rowSQL[0], "AND status=")
	assert.Contains(t, pool.rowSQL[0], "RETURNING")
}

func TestJobRepo_Update_ConflictWhenGuardMisses(t *testing.T) {
	// First QueryRow: conditional update misses. Second: Get finds the row,
	// so the miss is a status conflict rather than a missing job.
	pool := &fakePool{rowResults: []pgx.Row{
		&fakeRow{err: pgx.ErrNoRows},
		&fakeRow{vals: jobRowVals("job-1", domain.JobProcessing, 7)},
	}}
	repo := postgres.NewJobRepo(pool)

	queued := domain.JobQueued
	processing := domain.JobProcessing
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &processing}, &queued)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobRepo_Update_NotFound(t *testing.T) {
	pool := &fakePool{rowResults: []pgx.Row{
		&fakeRow{err: pgx.ErrNoRows},
		&fakeRow{err: pgx.ErrNoRows},
	}}
	repo := postgres.NewJobRepo(pool)

	queued := domain.JobQueued
	processing := domain.JobProcessing
	_, err := repo.Update(context.Background(), "gone", domain.JobPatch{Status: &processing}, &queued)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_ListByStatus(t *testing.T) {
	pool := &fakePool{queryRows: []pgx.Rows{&fakeRows{rows: []*fakeRow{
		{vals: jobRowVals("job-1", domain.JobQueued, 1)},
		{vals: jobRowVals("job-2", domain.JobQueued, 2)},
	}}}}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.ListByStatus(context.Background(), domain.JobQueued, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)
}

func TestJobRepo_CountAndPosition(t *testing.T) {
	pool := &fakePool{rowResults: []pgx.Row{
		&fakeRow{vals: []any{int64(5)}},
		&fakeRow{vals: []any{3}},
	}}
	repo := postgres.NewJobRepo(pool)
	ctx := context.Background()

	n, err := repo.CountByStatus(ctx, domain.JobQueued)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	pos, err := repo.Position(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestJobRepo_DeleteExpired(t *testing.T) {
	pool := &fakePool{execResults: []execResult{{tag: pgconn.NewCommandTag("DELETE 4")}}}
	repo := postgres.NewJobRepo(pool)

	deleted, err := repo.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 4, deleted)
}

func TestJobRepo_AvgProcessingSeconds(t *testing.T) {
	avg := 12.5
	pool := &fakePool{rowResults: []pgx.Row{&fakeRow{vals: []any{&avg}}}}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.AvgProcessingSeconds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, got)
}
