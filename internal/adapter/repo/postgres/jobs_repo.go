package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/clipforge/orchestrator/internal/domain"
)

const jobColumns = `id, url, platform, format, quality, status, progress, current_step, seq, attempt,
	created_at, updated_at, expires_at, download_url, download_url_expires_at, storage_key,
	metadata, error, last_progress_at`

// JobRepo persists and loads jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// withWriteRetry wraps a storage write in a bounded exponential retry
// (3 attempts, 100ms -> 400ms). Exhaustion surfaces ErrStorageUnavailable,
// which is fatal to the caller. Contract violations (not found, conflict,
// duplicate) are never retried.
func withWriteRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2.0
	bo.MaxInterval = 400 * time.Millisecond
	attempts := 0
	retry := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrDuplicateID) {
			return backoff.Permanent(err)
		}
		if attempts >= 3 {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err))
		}
		return err
	}
	return backoff.Retry(retry, backoff.WithContext(bo, ctx))
}

// Create inserts a new job. Fails with ErrDuplicateID when the id exists.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	metaJSON, errJSON, err := marshalJSONFields(j.Metadata, j.Error)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (` + jobColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	return withWriteRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q,
			j.ID, j.URL, j.Platform, j.Format, j.Quality, j.Status, j.Progress, j.CurrentStep, j.Seq, j.Attempt,
			j.CreatedAt, j.UpdatedAt, j.ExpiresAt, j.DownloadURL, nullableTime(j.DownloadURLExpiresAt), j.StorageKey,
			metaJSON, errJSON, nullableTime(j.LastProgressAt))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("op=job.create: %w", domain.ErrDuplicateID)
			}
			return fmt.Errorf("op=job.create: %w", err)
		}
		return nil
	})
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Update applies a partial patch atomically. With a non-nil expected status
// the write is conditional: zero affected rows on an existing job report
// ErrConflict. The updated record is returned.
func (r *JobRepo) Update(ctx domain.Context, id string, p domain.JobPatch, expected *domain.JobStatus) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	sets := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.Progress != nil {
		add("progress", *p.Progress)
	}
	if p.CurrentStep != nil {
		add("current_step", *p.CurrentStep)
	}
	if p.Attempt != nil {
		add("attempt", *p.Attempt)
	}
	if p.DownloadURL != nil {
		add("download_url", *p.DownloadURL)
	}
	if p.DownloadURLExpiresAt != nil {
		add("download_url_expires_at", *p.DownloadURLExpiresAt)
	}
	if p.StorageKey != nil {
		add("storage_key", *p.StorageKey)
	}
	if p.Metadata != nil {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
		}
		add("metadata", b)
	}
	if p.Error != nil {
		b, err := json.Marshal(p.Error)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
		}
		add("error", b)
	} else if p.ClearError {
		sets = append(sets, "error=NULL")
	}
	if p.LastProgressAt != nil {
		add("last_progress_at", *p.LastProgressAt)
	}

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id=$1`
	if expected != nil {
		args = append(args, *expected)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	q += ` RETURNING ` + jobColumns

	var updated domain.Job
	err := withWriteRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, q, args...)
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if expected == nil {
					return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
				}
				// Row exists but the status guard did not match, or the row
				// is gone; disambiguate for the caller.
				if _, getErr := r.Get(ctx, id); getErr != nil {
					return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
				}
				return fmt.Errorf("op=job.update: %w", domain.ErrConflict)
			}
			return fmt.Errorf("op=job.update: %w", err)
		}
		updated = j
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return updated, nil
}

// ListByStatus returns jobs with the given status ordered by sequence.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY seq ASC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_rows: %w", err)
	}
	return jobs, nil
}

// CountByStatus counts jobs with the given status.
func (r *JobRepo) CountByStatus(ctx domain.Context, status domain.JobStatus) (int64, error) {
	var n int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status=$1`, status)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return n, nil
}

// NextQueued returns the queued job with the lowest sequence number.
func (r *JobRepo) NextQueued(ctx domain.Context) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY seq ASC LIMIT 1`, domain.JobQueued)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.next_queued: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.next_queued: %w", err)
	}
	return j, nil
}

// Position returns the number of queued jobs older than the given one.
func (r *JobRepo) Position(ctx domain.Context, id string) (int, error) {
	var n int
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status=$1 AND seq < (SELECT seq FROM jobs WHERE id=$2)`, domain.JobQueued, id)
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=job.position: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=job.position: %w", err)
	}
	return n, nil
}

// DeleteExpired removes jobs whose expires_at is in the past.
func (r *JobRepo) DeleteExpired(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteExpired")
	defer span.End()

	var deleted int64
	err := withWriteRetry(ctx, func() error {
		tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE expires_at < $1`, now)
		if err != nil {
			return fmt.Errorf("op=job.delete_expired: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// AvgProcessingSeconds reports the mean created->updated duration over the
// last 100 completed jobs.
func (r *JobRepo) AvgProcessingSeconds(ctx domain.Context) (float64, error) {
	q := `SELECT AVG(EXTRACT(EPOCH FROM (updated_at - created_at)))
		FROM (SELECT created_at, updated_at FROM jobs WHERE status=$1 ORDER BY updated_at DESC LIMIT 100) recent`
	var avg *float64
	row := r.Pool.QueryRow(ctx, q, domain.JobCompleted)
	if err := row.Scan(&avg); err != nil {
		return 0, fmt.Errorf("op=job.avg_processing_time: %w", err)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (domain.Job, error) {
	var (
		j          domain.Job
		step       *string
		dlURL      *string
		dlExpires  *time.Time
		storageKey *string
		metaJSON   []byte
		errJSON    []byte
		lastProg   *time.Time
	)
	if err := row.Scan(
		&j.ID, &j.URL, &j.Platform, &j.Format, &j.Quality, &j.Status, &j.Progress, &step, &j.Seq, &j.Attempt,
		&j.CreatedAt, &j.UpdatedAt, &j.ExpiresAt, &dlURL, &dlExpires, &storageKey,
		&metaJSON, &errJSON, &lastProg,
	); err != nil {
		return domain.Job{}, err
	}
	if step != nil {
		j.CurrentStep = *step
	}
	if dlURL != nil {
		j.DownloadURL = *dlURL
	}
	if dlExpires != nil {
		j.DownloadURLExpiresAt = *dlExpires
	}
	if storageKey != nil {
		j.StorageKey = *storageKey
	}
	if lastProg != nil {
		j.LastProgressAt = *lastProg
	}
	if len(metaJSON) > 0 {
		var m domain.MediaMetadata
		if err := json.Unmarshal(metaJSON, &m); err != nil {
			return domain.Job{}, err
		}
		j.Metadata = &m
	}
	if len(errJSON) > 0 {
		var ce domain.ConversionError
		if err := json.Unmarshal(errJSON, &ce); err != nil {
			return domain.Job{}, err
		}
		j.Error = &ce
	}
	return j, nil
}

func marshalJSONFields(m *domain.MediaMetadata, ce *domain.ConversionError) ([]byte, []byte, error) {
	var metaJSON, errJSON []byte
	if m != nil {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, nil, err
		}
		metaJSON = b
	}
	if ce != nil {
		b, err := json.Marshal(ce)
		if err != nil {
			return nil, nil, err
		}
		errJSON = b
	}
	return metaJSON, errJSON, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
