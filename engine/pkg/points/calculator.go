package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/store"
)

const DefaultTopTokens = 10

type Store interface {
	TopTokensByVolume(ctx context.Context, limit int) ([]store.Token, error)
	TopTokenByMarketCap(ctx context.Context) (store.Token, error)
	HoldersOfMints(ctx context.Context, mints []solana.PublicKey) ([]store.Holder, error)
	SetStats(ctx context.Context, values map[string]string) error
}

type CalculatorConfig struct {
	Logger             *slog.Logger
	Clock              clockwork.Clock
	Ledger             ledger.Client
	Store              Store
	State              *accounting.State
	Treasury           solana.PublicKey
	RewardMint         solana.PublicKey
	RewardTokenProgram solana.PublicKey
	TopTokens          int
}

func (cfg *CalculatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.State == nil {
		return errors.New("accounting state is required")
	}
	if cfg.Treasury.IsZero() {
		return errors.New("treasury address is required")
	}
	if cfg.RewardMint.IsZero() {
		return errors.New("reward mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RewardTokenProgram.IsZero() {
		cfg.RewardTokenProgram = solana.TokenProgramID
	}
	if cfg.TopTokens <= 0 {
		cfg.TopTokens = DefaultTopTokens
	}
	return nil
}

type Calculator struct {
	log *slog.Logger
	cfg CalculatorConfig
}

func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{log: cfg.Logger, cfg: cfg}, nil
}

// Run recomputes points, pots and expected rewards and publishes them as one
// generation.
func (c *Calculator) Run(ctx context.Context) error {
	tokens, err := c.cfg.Store.TopTokensByVolume(ctx, c.cfg.TopTokens)
	if err != nil {
		return fmt.Errorf("failed to load leaderboard: %w", err)
	}
	mints := make([]solana.PublicKey, len(tokens))
	for i, t := range tokens {
		mints[i] = t.Mint
	}
	holderRows, err := c.cfg.Store.HoldersOfMints(ctx, mints)
	if err != nil {
		return fmt.Errorf("failed to load holder snapshots: %w", err)
	}

	bonusCreator, err := c.bonusCreator(ctx)
	if err != nil {
		return err
	}

	balance, err := TreasuryBalance(ctx, c.cfg.Ledger, c.cfg.Treasury, c.cfg.RewardMint, c.cfg.RewardTokenProgram)
	if err != nil {
		return err
	}

	entries, total := ComputePoints(Input{
		Tokens:   tokens,
		Holders:  holderRows,
		Loyalty:  c.cfg.State.Loyalty(),
		Treasury: c.cfg.Treasury,
	})
	pots := SplitPots(balance.Amount)
	now := c.cfg.Clock.Now()

	c.cfg.State.PublishPoints(&accounting.Points{
		Entries:         entries,
		Total:           total,
		TreasuryBalance: balance.Amount,
		Decimals:        balance.Decimals,
		Pots:            pots,
		BonusCreator:    bonusCreator,
		Expected:        ExpectedRewards(entries, total, pots, bonusCreator),
		UpdatedAt:       now,
	})

	bonus := ""
	if !bonusCreator.IsZero() {
		bonus = bonusCreator.String()
	}
	if err := c.cfg.Store.SetStats(ctx, map[string]string{
		store.StatGlobalPoints:    strconv.FormatUint(total, 10),
		store.StatTreasuryBalance: strconv.FormatUint(balance.Amount, 10),
		store.StatBonusCreator:    bonus,
		store.StatPointsUpdatedAt: now.UTC().Format(time.RFC3339),
	}); err != nil {
		c.log.Warn("points: failed to persist stats", "error", err)
	}

	c.log.Info("points: recompute completed",
		"addresses", len(entries),
		"global_points", total,
		"treasury_balance", balance.Amount,
		"community_pot", pots.Community,
		"bonus_pot", pots.Bonus,
		"bonus_creator", bonus,
	)
	return nil
}

func (c *Calculator) bonusCreator(ctx context.Context) (solana.PublicKey, error) {
	top, err := c.cfg.Store.TopTokenByMarketCap(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return solana.PublicKey{}, nil
	}
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to load top market cap token: %w", err)
	}
	if top.Creator.Equals(c.cfg.Treasury) {
		return solana.PublicKey{}, nil
	}
	return top.Creator, nil
}

// TreasuryBalance reads the treasury's reward-token balance; a missing token
// account is a zero balance.
func TreasuryBalance(ctx context.Context, client ledger.Client, treasury, mint, tokenProgram solana.PublicKey) (ledger.TokenAmount, error) {
	ata, err := ledger.AssociatedTokenAddress(treasury, mint, tokenProgram)
	if err != nil {
		return ledger.TokenAmount{}, err
	}
	amount, err := client.GetTokenAccountBalance(ctx, ata)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.TokenAmount{}, nil
	}
	if err != nil {
		return ledger.TokenAmount{}, fmt.Errorf("failed to read treasury balance: %w", err)
	}
	return amount, nil
}
