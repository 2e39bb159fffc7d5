package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/toolgate/internal/domain"
)

// scannable is satisfied by pgx.Row and pgx.CollectableRow.
type scannable interface {
	Scan(dest ...any) error
}

// collect scans every row of a query with scan. A query without rows
// yields an empty, non-nil slice so list endpoints encode [].
func collect[T any](rows pgx.Rows, queryErr error, op string, scan func(scannable) (T, error)) ([]T, error) {
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		return scan(row)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// textArray keeps NOT NULL text[] columns from receiving NULL.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clampLimit(n, def, maxN int) int {
	if n <= 0 {
		return def
	}
	return min(n, maxN)
}

// wrapNotFound maps pgx.ErrNoRows to domain.ErrNotFound.
func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// expectOneRow turns an Exec that matched no row into sentinel. Conditional
// updates use it to report lost races as domain.ErrConflict.
func expectOneRow(tag pgconn.CommandTag, err error, sentinel error, format string, args ...any) error {
	if err == nil && tag.RowsAffected() == 0 {
		err = sentinel
	}
	if err != nil {
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
	return nil
}
