package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

func detailsOrEmpty(d json.RawMessage) []byte {
	if len(d) == 0 {
		return []byte("{}")
	}
	return d
}

// InsertAirdropLog appends an airdrop audit record and returns its id.
func (s *Store) InsertAirdropLog(ctx context.Context, l AirdropLog) (int64, error) {
	signatures := l.Signatures
	if signatures == nil {
		signatures = []string{}
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO airdrop_logs (run_id, amount, recipient_count, total_points, signatures, details)
		VALUES ($1, $2::numeric, $3, $4::numeric, $5, $6::jsonb)
		RETURNING id
	`, l.RunID, strconv.FormatUint(l.Amount, 10), l.RecipientCount,
		strconv.FormatUint(l.TotalPoints, 10), signatures, string(detailsOrEmpty(l.Details))).Scan(&id)
	if observe(err) != nil {
		return 0, fmt.Errorf("failed to insert airdrop log: %w", err)
	}
	return id, nil
}

func (s *Store) RecentAirdropLogs(ctx context.Context, limit int) ([]AirdropLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, amount::text, recipient_count, total_points::text, signatures, details, created_at
		FROM airdrop_logs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if observe(err) != nil {
		return nil, fmt.Errorf("failed to query airdrop logs: %w", err)
	}
	defer rows.Close()

	var logs []AirdropLog
	for rows.Next() {
		var l AirdropLog
		var amount, points string
		var details []byte
		if err := rows.Scan(&l.ID, &l.RunID, &amount, &l.RecipientCount, &points, &l.Signatures, &details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan airdrop log: %w", err)
		}
		if l.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid airdrop amount %q: %w", amount, err)
		}
		if l.TotalPoints, err = strconv.ParseUint(points, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid airdrop points %q: %w", points, err)
		}
		l.Details = details
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate airdrop logs: %w", err)
	}
	return logs, nil
}

// InsertCycleLog appends one flywheel outcome.
func (s *Store) InsertCycleLog(ctx context.Context, l CycleLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flywheel_logs (cycle_id, status, reason, details)
		VALUES ($1, $2, $3, $4::jsonb)
	`, l.CycleID, l.Status, l.Reason, string(detailsOrEmpty(l.Details)))
	if observe(err) != nil {
		return fmt.Errorf("failed to insert cycle log: %w", err)
	}
	return nil
}

// RecentCycleLogs returns the newest flywheel outcomes first.
func (s *Store) RecentCycleLogs(ctx context.Context, limit int) ([]CycleLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cycle_id, status, reason, details, created_at
		FROM flywheel_logs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if observe(err) != nil {
		return nil, fmt.Errorf("failed to query cycle logs: %w", err)
	}
	defer rows.Close()

	var logs []CycleLog
	for rows.Next() {
		var l CycleLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.CycleID, &l.Status, &l.Reason, &details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle log: %w", err)
		}
		l.Details = details
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycle logs: %w", err)
	}
	return logs, nil
}
