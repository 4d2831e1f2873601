package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetRateCounter returns the mirrored counter for (hour, sender), or zero
// when no row exists. Used to reseed Redis after eviction.
func (s *Store) GetRateCounter(ctx context.Context, hour, sender string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_counters WHERE hour = $1 AND sender = $2`,
		hour, sender).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rate counter: %w", err)
	}
	return count, nil
}

// UpsertRateCounter mirrors the Redis counter. The stored value only ever
// grows within a bucket, so a stale async write cannot regress it.
func (s *Store) UpsertRateCounter(ctx context.Context, hour, sender string, count int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (hour, sender, count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (hour, sender)
		DO UPDATE SET count = GREATEST(rate_counters.count, EXCLUDED.count), updated_at = NOW()
	`, hour, sender, count)
	if err != nil {
		return fmt.Errorf("upsert rate counter: %w", err)
	}
	return nil
}
