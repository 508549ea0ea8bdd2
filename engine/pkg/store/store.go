// Package store persists tokens, holder snapshots, stats and the audit logs
// in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sollama58/ASDev/engine/pkg/metrics"
)

var ErrNotFound = errors.New("not found")

// Token is a leaderboard token maintained by the market-data collaborator.
type Token struct {
	Mint      solana.PublicKey
	Creator   solana.PublicKey // zero when no creator is registered
	Volume24h float64
	MarketCap float64
	UpdatedAt time.Time
}

// Holder is one ranked row of a mint's holder snapshot.
type Holder struct {
	Mint        solana.PublicKey
	Address     solana.PublicKey
	Rank        int
	Balance     uint64
	LastUpdated time.Time
}

type AirdropLog struct {
	ID             int64
	RunID          uuid.UUID
	Amount         uint64
	RecipientCount int
	TotalPoints    uint64
	Signatures     []string
	Details        json.RawMessage
	CreatedAt      time.Time
}

type CycleLog struct {
	ID        int64
	CycleID   uuid.UUID
	Status    string
	Reason    string
	Details   json.RawMessage
	CreatedAt time.Time
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

func observe(err error) error {
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "error"
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(status).Inc()
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return observe(s.pool.Ping(ctx))
}

// UpsertToken inserts or updates a leaderboard token.
func (s *Store) UpsertToken(ctx context.Context, t Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (mint, creator_address, volume_24h, market_cap)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mint) DO UPDATE SET
			creator_address = EXCLUDED.creator_address,
			volume_24h = EXCLUDED.volume_24h,
			market_cap = EXCLUDED.market_cap,
			updated_at = NOW()
	`, t.Mint.String(), nullableKey(t.Creator), t.Volume24h, t.MarketCap)
	if observe(err) != nil {
		return fmt.Errorf("failed to upsert token %s: %w", t.Mint, err)
	}
	return nil
}

// TopTokensByVolume returns the current leaderboard, highest volume first.
func (s *Store) TopTokensByVolume(ctx context.Context, limit int) ([]Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mint, COALESCE(creator_address, ''), volume_24h, market_cap, updated_at
		FROM tokens
		ORDER BY volume_24h DESC, mint
		LIMIT $1
	`, limit)
	if observe(err) != nil {
		return nil, fmt.Errorf("failed to query top tokens by volume: %w", err)
	}
	return collectTokens(rows)
}

// TopTokenByMarketCap returns the token with the highest market cap, or ErrNotFound.
func (s *Store) TopTokenByMarketCap(ctx context.Context) (Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mint, COALESCE(creator_address, ''), volume_24h, market_cap, updated_at
		FROM tokens
		ORDER BY market_cap DESC, mint
		LIMIT 1
	`)
	if observe(err) != nil {
		return Token{}, fmt.Errorf("failed to query top token by market cap: %w", err)
	}
	tokens, err := collectTokens(rows)
	if err != nil {
		return Token{}, err
	}
	if len(tokens) == 0 {
		return Token{}, ErrNotFound
	}
	return tokens[0], nil
}

func collectTokens(rows pgx.Rows) ([]Token, error) {
	defer rows.Close()
	var tokens []Token
	for rows.Next() {
		var mint, creator string
		var t Token
		if err := rows.Scan(&mint, &creator, &t.Volume24h, &t.MarketCap, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		var err error
		if t.Mint, err = solana.PublicKeyFromBase58(mint); err != nil {
			return nil, fmt.Errorf("invalid token mint %q: %w", mint, err)
		}
		if creator != "" {
			if t.Creator, err = solana.PublicKeyFromBase58(creator); err != nil {
				return nil, fmt.Errorf("invalid creator %q of %s: %w", creator, mint, err)
			}
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tokens: %w", err)
	}
	return tokens, nil
}

// ReplaceHolders swaps the snapshot of mint for holders in one transaction.
// On error the previous snapshot is left intact.
func (s *Store) ReplaceHolders(ctx context.Context, mint solana.PublicKey, holders []Holder) error {
	tx, err := s.pool.Begin(ctx)
	if observe(err) != nil {
		return fmt.Errorf("failed to begin holder replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM token_holders WHERE mint = $1`, mint.String()); observe(err) != nil {
		return fmt.Errorf("failed to delete holders of %s: %w", mint, err)
	}

	if len(holders) > 0 {
		batch := &pgx.Batch{}
		for _, h := range holders {
			// A zero LastUpdated falls back to the database clock.
			var updated *time.Time
			if !h.LastUpdated.IsZero() {
				updated = &h.LastUpdated
			}
			batch.Queue(`
				INSERT INTO token_holders (mint, holder_address, rank, balance, last_updated)
				VALUES ($1, $2, $3, $4::numeric, COALESCE($5::timestamptz, NOW()))
			`, mint.String(), h.Address.String(), h.Rank, strconv.FormatUint(h.Balance, 10), updated)
		}
		if err := tx.SendBatch(ctx, batch).Close(); observe(err) != nil {
			return fmt.Errorf("failed to insert holders of %s: %w", mint, err)
		}
	}

	if err := tx.Commit(ctx); observe(err) != nil {
		return fmt.Errorf("failed to commit holders of %s: %w", mint, err)
	}
	return nil
}

// Holders returns the snapshot of mint ordered by rank.
func (s *Store) Holders(ctx context.Context, mint solana.PublicKey) ([]Holder, error) {
	return s.queryHolders(ctx, `
		SELECT mint, holder_address, rank, balance::text, last_updated
		FROM token_holders
		WHERE mint = $1
		ORDER BY rank
	`, mint.String())
}

// HoldersOfMints returns the union of the snapshots of mints.
func (s *Store) HoldersOfMints(ctx context.Context, mints []solana.PublicKey) ([]Holder, error) {
	if len(mints) == 0 {
		return nil, nil
	}
	keys := make([]string, len(mints))
	for i, m := range mints {
		keys[i] = m.String()
	}
	return s.queryHolders(ctx, `
		SELECT mint, holder_address, rank, balance::text, last_updated
		FROM token_holders
		WHERE mint = ANY($1)
		ORDER BY mint, rank
	`, keys)
}

func (s *Store) queryHolders(ctx context.Context, query string, args ...any) ([]Holder, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if observe(err) != nil {
		return nil, fmt.Errorf("failed to query holders: %w", err)
	}
	defer rows.Close()

	var holders []Holder
	for rows.Next() {
		var mint, addr, balance string
		var h Holder
		if err := rows.Scan(&mint, &addr, &h.Rank, &balance, &h.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		if h.Mint, err = solana.PublicKeyFromBase58(mint); err != nil {
			return nil, fmt.Errorf("invalid holder mint %q: %w", mint, err)
		}
		if h.Address, err = solana.PublicKeyFromBase58(addr); err != nil {
			return nil, fmt.Errorf("invalid holder address %q: %w", addr, err)
		}
		if h.Balance, err = strconv.ParseUint(balance, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid holder balance %q: %w", balance, err)
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate holders: %w", err)
	}
	return holders, nil
}

func nullableKey(k solana.PublicKey) *string {
	if k.IsZero() {
		return nil
	}
	s := k.String()
	return &s
}
