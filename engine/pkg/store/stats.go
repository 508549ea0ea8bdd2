package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

const (
	StatGlobalPoints        = "global_points"
	StatTreasuryBalance     = "treasury_balance"
	StatBonusCreator        = "bonus_creator"
	StatPointsUpdatedAt     = "points_updated_at"
	StatLifetimeFeesClaimed = "lifetime_fees_claimed"
	StatLifetimeDistributed = "lifetime_distributed"
)

func (s *Store) GetStat(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM stats WHERE key = $1`, key).Scan(&value)
	if errors.Is(observe(err), pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get stat %s: %w", key, err)
	}
	return value, nil
}

// SetStats writes all values in one transaction.
func (s *Store) SetStats(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if observe(err) != nil {
		return fmt.Errorf("failed to begin stats update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for key, value := range values {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stats (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, key, value); observe(err) != nil {
			return fmt.Errorf("failed to set stat %s: %w", key, err)
		}
	}
	if err := tx.Commit(ctx); observe(err) != nil {
		return fmt.Errorf("failed to commit stats: %w", err)
	}
	return nil
}

// IncrementStat adds delta to a numeric stat in a single statement and
// returns the new value.
func (s *Store) IncrementStat(ctx context.Context, key string, delta uint64) (uint64, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stats (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = (stats.value::numeric + EXCLUDED.value::numeric)::text,
			updated_at = NOW()
		RETURNING value
	`, key, strconv.FormatUint(delta, 10)).Scan(&value)
	if observe(err) != nil {
		return 0, fmt.Errorf("failed to increment stat %s: %w", key, err)
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stat %s is not an unsigned integer: %q", key, value)
	}
	return n, nil
}
