// Package holders ranks the holders of the leaderboard tokens and keeps their
// snapshots current.
package holders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/metrics"
	"github.com/sollama58/ASDev/engine/pkg/pumpfun"
	"github.com/sollama58/ASDev/engine/pkg/store"
)

const (
	DefaultTopTokens  = 10
	DefaultMaxHolders = 100
	DefaultMintDelay  = 2 * time.Second
)

// Store is the storage the scanner reads the leaderboard from and writes
// snapshots to.
type Store interface {
	TopTokensByVolume(ctx context.Context, limit int) ([]store.Token, error)
	ReplaceHolders(ctx context.Context, mint solana.PublicKey, holders []store.Holder) error
}

type ScannerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Ledger ledger.Client
	Store  Store

	// TokenPrograms are scanned in order; defaults to classic SPL and Token-2022.
	TokenPrograms []solana.PublicKey
	// LiquidityAddress is the protocol liquidity vault owner, never ranked.
	LiquidityAddress solana.PublicKey
	MinBalance       uint64
	MaxHolders       int
	TopTokens        int
	// MintDelay is the pause between mints; zero disables it.
	MintDelay time.Duration
}

func (cfg *ScannerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.MintDelay < 0 {
		return errors.New("mint delay must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.TokenPrograms) == 0 {
		cfg.TokenPrograms = []solana.PublicKey{solana.TokenProgramID, ledger.Token2022ProgramID}
	}
	if cfg.MaxHolders <= 0 {
		cfg.MaxHolders = DefaultMaxHolders
	}
	if cfg.TopTokens <= 0 {
		cfg.TopTokens = DefaultTopTokens
	}
	return nil
}

type Scanner struct {
	log *slog.Logger
	cfg ScannerConfig
}

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scanner{log: cfg.Logger, cfg: cfg}, nil
}

// Scan ranks the holders of mint and replaces its stored snapshot.
func (s *Scanner) Scan(ctx context.Context, mint, bondingCurve solana.PublicKey) ([]Ranked, error) {
	accounts, err := Fetch(ctx, s.log, s.cfg.Ledger, s.cfg.TokenPrograms, mint)
	if err != nil {
		return nil, err
	}

	exclude := []solana.PublicKey{bondingCurve}
	if !s.cfg.LiquidityAddress.IsZero() {
		exclude = append(exclude, s.cfg.LiquidityAddress)
	}
	ranked := Rank(accounts, RankOptions{
		MinBalance: s.cfg.MinBalance,
		Exclude:    exclude,
		Limit:      s.cfg.MaxHolders,
	})

	now := s.cfg.Clock.Now()
	rows := make([]store.Holder, len(ranked))
	for i, r := range ranked {
		rows[i] = store.Holder{Mint: mint, Address: r.Owner, Rank: r.Rank, Balance: r.Amount, LastUpdated: now}
	}
	if err := s.cfg.Store.ReplaceHolders(ctx, mint, rows); err != nil {
		return nil, fmt.Errorf("failed to store holders of %s: %w", mint, err)
	}

	metrics.HoldersScanned.WithLabelValues(mint.String()).Set(float64(len(ranked)))
	s.log.Debug("holders: scanned mint", "mint", mint.String(), "accounts", len(accounts), "ranked", len(ranked))
	return ranked, nil
}

// Run scans every leaderboard token in sequence, pausing between mints. A
// failing mint is logged and skipped.
func (s *Scanner) Run(ctx context.Context) error {
	tokens, err := s.cfg.Store.TopTokensByVolume(ctx, s.cfg.TopTokens)
	if err != nil {
		return fmt.Errorf("failed to load leaderboard: %w", err)
	}

	scanned, failed := 0, 0
	for i, tok := range tokens {
		if i > 0 && s.cfg.MintDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.cfg.Clock.After(s.cfg.MintDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		curve, err := pumpfun.BondingCurveAddress(tok.Mint)
		if err != nil {
			failed++
			s.log.Warn("holders: failed to derive bonding curve", "mint", tok.Mint.String(), "error", err)
			continue
		}
		if _, err := s.Scan(ctx, tok.Mint, curve); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			s.log.Warn("holders: scan failed", "mint", tok.Mint.String(), "error", err)
			continue
		}
		scanned++
	}

	s.log.Info("holders: scan completed", "tokens", len(tokens), "scanned", scanned, "failed", failed)
	return nil
}
