package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// prunableAnalyses selects analyses of inactive streams that are older than
// $1 (when set) or beyond the $2 newest of their stream (when $2 > 0).
// Analyses of active streams are never selected.
const prunableAnalyses = `
	SELECT r.id FROM (
		SELECT a.id, a.created_at,
		       row_number() OVER (PARTITION BY a.stream_id ORDER BY a.created_at DESC) AS rn
		FROM analyses a JOIN streams s ON s.id = a.stream_id
		WHERE NOT s.is_active
	) r
	WHERE ($1::timestamptz IS NOT NULL AND r.created_at < $1::timestamptz)
	   OR ($2::int > 0 AND r.rn > $2::int)`

func cutoffArg(cutoff time.Time) sql.NullTime {
	return sql.NullTime{Time: cutoff, Valid: !cutoff.IsZero()}
}

// CountPrunableAnalyses reports how many analyses PruneAnalyses would delete.
// A zero cutoff or keep disables that rule.
func (s *Store) CountPrunableAnalyses(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM (`+prunableAnalyses+`) p`, cutoffArg(cutoff), keep).Scan(&n)
	return n, errors.Wrap(err, "count prunable analyses")
}

// PruneAnalyses deletes analyses of inactive streams older than cutoff or
// beyond the keep newest per stream, and returns how many were removed.
func (s *Store) PruneAnalyses(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id IN (`+prunableAnalyses+`)`, cutoffArg(cutoff), keep)
	if err != nil {
		return 0, errors.Wrap(err, "prune analyses")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "prune analyses rows affected")
}
