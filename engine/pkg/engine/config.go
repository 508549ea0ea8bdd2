package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/airdrop"
	"github.com/sollama58/ASDev/engine/pkg/flywheel"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/store"
)

// Store is everything the cycles persist to.
type Store interface {
	TopTokensByVolume(ctx context.Context, limit int) ([]store.Token, error)
	TopTokenByMarketCap(ctx context.Context) (store.Token, error)
	ReplaceHolders(ctx context.Context, mint solana.PublicKey, holders []store.Holder) error
	HoldersOfMints(ctx context.Context, mints []solana.PublicKey) ([]store.Holder, error)
	SetStats(ctx context.Context, values map[string]string) error
	IncrementStat(ctx context.Context, key string, delta uint64) (uint64, error)
	InsertAirdropLog(ctx context.Context, l store.AirdropLog) (int64, error)
	InsertCycleLog(ctx context.Context, l store.CycleLog) error
}

// Schedule is the interval and one-time initial delay of one cycle.
type Schedule struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

type Schedules struct {
	Holders  Schedule
	Loyalty  Schedule
	Points   Schedule
	Flywheel Schedule
	Airdrop  Schedule
}

// DefaultSchedules staggers first runs so the points calculator and the
// flywheel see a scanned leaderboard and a loyalty set.
var DefaultSchedules = Schedules{
	Holders:  Schedule{Interval: 5 * time.Minute, InitialDelay: 5 * time.Second},
	Loyalty:  Schedule{Interval: 2 * time.Minute, InitialDelay: 10 * time.Second},
	Points:   Schedule{Interval: time.Minute, InitialDelay: 30 * time.Second},
	Flywheel: Schedule{Interval: 10 * time.Minute, InitialDelay: time.Minute},
	Airdrop:  Schedule{Interval: 15 * time.Minute, InitialDelay: 2 * time.Minute},
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Ledger ledger.Client
	Store  Store
	State  *accounting.State
	Signer solana.PrivateKey

	RewardMint         solana.PublicKey
	RewardTokenProgram solana.PublicKey
	LoyaltyMint        solana.PublicKey
	LiquidityAddress   solana.PublicKey
	FeeReceiverA       solana.PublicKey
	FeeReceiverB       solana.PublicKey

	FeeSources []flywheel.FeeSource
	Swapper    flywheel.Swapper

	MinHolderBalance uint64
	MaxHolders       int
	TopTokens        int
	MintDelay        time.Duration

	// DistributionThreshold is the reward-token balance, in base units, above
	// which the treasury distributes instead of buying.
	DistributionThreshold uint64
	ClaimThreshold        uint64
	MinSpend              uint64
	Reserve               uint64
	BatchSize             int
	BatchDelay            time.Duration
	ConfirmTimeout        time.Duration

	FlywheelSinks []flywheel.Sink
	AirdropSinks  []airdrop.Sink

	Schedules    Schedules
	ReportPanics bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if len(cfg.Signer) != 64 {
		return errors.New("treasury signer is required")
	}
	if cfg.RewardMint.IsZero() {
		return errors.New("reward mint is required")
	}
	if cfg.LoyaltyMint.IsZero() {
		return errors.New("loyalty mint is required")
	}
	if cfg.Swapper == nil {
		return errors.New("swapper is required")
	}
	if cfg.DistributionThreshold == 0 {
		return errors.New("distribution threshold is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.State == nil {
		cfg.State = accounting.NewState()
	}
	if cfg.RewardTokenProgram.IsZero() {
		cfg.RewardTokenProgram = solana.TokenProgramID
	}
	if cfg.MintDelay == 0 {
		cfg.MintDelay = 2 * time.Second
	}
	cfg.Schedules.fill(DefaultSchedules)
	return nil
}

func (s *Schedules) fill(def Schedules) {
	for _, p := range []struct{ cur, def *Schedule }{
		{&s.Holders, &def.Holders},
		{&s.Loyalty, &def.Loyalty},
		{&s.Points, &def.Points},
		{&s.Flywheel, &def.Flywheel},
		{&s.Airdrop, &def.Airdrop},
	} {
		if p.cur.Interval <= 0 {
			*p.cur = *p.def
		}
	}
}
