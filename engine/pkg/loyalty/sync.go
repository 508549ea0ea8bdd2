// Package loyalty keeps the set of top loyalty-token holders whose points are doubled.
package loyalty

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/holders"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
)

const DefaultTopHolders = 100

type SyncConfig struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Ledger        ledger.Client
	State         *accounting.State
	Mint          solana.PublicKey
	TokenPrograms []solana.PublicKey
	TopHolders    int
}

func (cfg *SyncConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.State == nil {
		return errors.New("accounting state is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("loyalty mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.TokenPrograms) == 0 {
		cfg.TokenPrograms = []solana.PublicKey{solana.TokenProgramID, ledger.Token2022ProgramID}
	}
	if cfg.TopHolders <= 0 {
		cfg.TopHolders = DefaultTopHolders
	}
	return nil
}

type Sync struct {
	log *slog.Logger
	cfg SyncConfig
}

func NewSync(cfg SyncConfig) (*Sync, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sync{log: cfg.Logger, cfg: cfg}, nil
}

// Run replaces the loyalty set with the current top non-zero holders. On
// failure the previous set stays published.
func (s *Sync) Run(ctx context.Context) error {
	accounts, err := holders.Fetch(ctx, s.log, s.cfg.Ledger, s.cfg.TokenPrograms, s.cfg.Mint)
	if err != nil {
		return err
	}
	ranked := holders.Rank(accounts, holders.RankOptions{Limit: s.cfg.TopHolders})

	members := make([]solana.PublicKey, len(ranked))
	for i, r := range ranked {
		members[i] = r.Owner
	}
	s.cfg.State.PublishLoyalty(accounting.NewLoyaltySet(members, s.cfg.Clock.Now()))

	s.log.Info("loyalty: sync completed", "mint", s.cfg.Mint.String(), "members", len(members))
	return nil
}
