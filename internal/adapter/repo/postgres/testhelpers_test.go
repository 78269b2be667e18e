package postgres_test

import (
	"context"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clipforge/orchestrator/internal/domain"
)

// fakePool is a scripted PgxPool: each call pops the next queued response.
type fakePool struct {
	execResults []execResult
	rowResults  []pgx.Row
	queryRows   []pgx.Rows
	queryErrs   []error

	execSQL  []string
	execArgs [][]any
	rowSQL   []string
	rowArgs  [][]any
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if len(f.execResults) == 0 {
		return pgconn.CommandTag{}, nil
	}
	res := f.execResults[0]
	f.execResults = f.execResults[1:]
	return res.tag, res.err
}

func (f *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.rowSQL = append(f.rowSQL, sql)
	f.rowArgs = append(f.rowArgs, args)
	if len(f.rowResults) == 0 {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	row := f.rowResults[0]
	f.rowResults = f.rowResults[1:]
	return row
}

func (f *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.queryRows) == 0 {
		return &fakeRows{}, nil
	}
	rows := f.queryRows[0]
	f.queryRows = f.queryRows[1:]
	return rows, nil
}

// fakeRow assigns preset values positionally; nil entries leave the
// destination untouched.
type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) || r.vals[i] == nil {
			continue
		}
		dv := reflect.ValueOf(d).Elem()
		sv := reflect.ValueOf(r.vals[i])
		if sv.Type().AssignableTo(dv.Type()) {
			dv.Set(sv)
		} else if sv.Type().ConvertibleTo(dv.Type()) {
			dv.Set(sv.Convert(dv.Type()))
		}
	}
	return nil
}

// jobRowVals lays out scan values in jobColumns order for a minimal job.
func jobRowVals(id string, status domain.JobStatus, seq int64) []any {
	now := time.Now().UTC()
	step := "downloading"
	return []any{
		id, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", domain.PlatformYouTube, domain.FormatMP3, "128",
		status, 40, &step, seq, 1,
		now, now, now.Add(24 * time.Hour), nil, nil, nil,
		[]byte(`{"title":"t","duration":60,"thumbnail":"","uploader":"u"}`), nil, &now,
	}
}

// fakeRows serves a fixed set of fakeRow values.
type fakeRows struct {
	rows []*fakeRow
	idx  int
	err  error
}

func (r *fakeRows) Next() bool {
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx]
	r.idx++
	return row.Scan(dest...)
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) CommandTag() pgconn.CommandTag           { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                  { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                     { return nil }
func (r *fakeRows) Conn() *pgx.Conn                         { return nil }
