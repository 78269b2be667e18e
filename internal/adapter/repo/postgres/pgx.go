// Package postgres implements the durable Job Store on PostgreSQL.
//
// Every write runs under a bounded retry to absorb transient storage
// failures; conditional updates carry the optimistic-concurrency contract
// the scheduler and monitor rely on.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool the repositories use. Tests supply
// a fake implementation.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
