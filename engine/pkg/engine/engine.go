// Package engine builds every cycle from one dependency bundle and runs them
// on independent schedules.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/airdrop"
	"github.com/sollama58/ASDev/engine/pkg/cycle"
	"github.com/sollama58/ASDev/engine/pkg/flywheel"
	"github.com/sollama58/ASDev/engine/pkg/holders"
	"github.com/sollama58/ASDev/engine/pkg/loyalty"
	"github.com/sollama58/ASDev/engine/pkg/points"
)

const (
	CycleHolders  = "holders"
	CycleLoyalty  = "loyalty"
	CyclePoints   = "points"
	CycleFlywheel = "flywheel"
	CycleAirdrop  = "airdrop"
)

type Engine struct {
	log *slog.Logger
	cfg Config

	distributor *airdrop.Distributor
	controller  *flywheel.Controller
	loops       []*cycle.Loop
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scanner, err := holders.NewScanner(holders.ScannerConfig{
		Logger:           cfg.Logger,
		Clock:            cfg.Clock,
		Ledger:           cfg.Ledger,
		Store:            cfg.Store,
		LiquidityAddress: cfg.LiquidityAddress,
		MinBalance:       cfg.MinHolderBalance,
		MaxHolders:       cfg.MaxHolders,
		TopTokens:        cfg.TopTokens,
		MintDelay:        cfg.MintDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create holder scanner: %w", err)
	}

	loyaltySync, err := loyalty.NewSync(loyalty.SyncConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Ledger: cfg.Ledger,
		State:  cfg.State,
		Mint:   cfg.LoyaltyMint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create loyalty sync: %w", err)
	}

	calculator, err := points.NewCalculator(points.CalculatorConfig{
		Logger:             cfg.Logger,
		Clock:              cfg.Clock,
		Ledger:             cfg.Ledger,
		Store:              cfg.Store,
		State:              cfg.State,
		Treasury:           cfg.Signer.PublicKey(),
		RewardMint:         cfg.RewardMint,
		RewardTokenProgram: cfg.RewardTokenProgram,
		TopTokens:          cfg.TopTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create points calculator: %w", err)
	}

	distributor, err := airdrop.NewDistributor(airdrop.DistributorConfig{
		Logger:             cfg.Logger,
		Clock:              cfg.Clock,
		Ledger:             cfg.Ledger,
		Store:              cfg.Store,
		State:              cfg.State,
		Signer:             cfg.Signer,
		RewardMint:         cfg.RewardMint,
		RewardTokenProgram: cfg.RewardTokenProgram,
		Threshold:          cfg.DistributionThreshold,
		BatchSize:          cfg.BatchSize,
		BatchDelay:         cfg.BatchDelay,
		ConfirmTimeout:     cfg.ConfirmTimeout,
		Sinks:              cfg.AirdropSinks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create airdrop distributor: %w", err)
	}

	controller, err := flywheel.NewController(flywheel.ControllerConfig{
		Logger:                cfg.Logger,
		Clock:                 cfg.Clock,
		Ledger:                cfg.Ledger,
		Store:                 cfg.Store,
		State:                 cfg.State,
		Signer:                cfg.Signer,
		RewardMint:            cfg.RewardMint,
		RewardTokenProgram:    cfg.RewardTokenProgram,
		FeeSources:            cfg.FeeSources,
		Swapper:               cfg.Swapper,
		Distributor:           distributor,
		FeeReceiverA:          cfg.FeeReceiverA,
		FeeReceiverB:          cfg.FeeReceiverB,
		ClaimThreshold:        cfg.ClaimThreshold,
		DistributionThreshold: cfg.DistributionThreshold,
		MinSpend:              cfg.MinSpend,
		Reserve:               cfg.Reserve,
		ConfirmTimeout:        cfg.ConfirmTimeout,
		Sinks:                 cfg.FlywheelSinks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flywheel controller: %w", err)
	}

	e := &Engine{log: cfg.Logger, cfg: cfg, distributor: distributor, controller: controller}
	for _, c := range []struct {
		name     string
		schedule Schedule
		run      cycle.RunFunc
	}{
		{CycleHolders, cfg.Schedules.Holders, scanner.Run},
		{CycleLoyalty, cfg.Schedules.Loyalty, loyaltySync.Run},
		{CyclePoints, cfg.Schedules.Points, calculator.Run},
		{CycleFlywheel, cfg.Schedules.Flywheel, controller.Run},
		{CycleAirdrop, cfg.Schedules.Airdrop, distributor.Run},
	} {
		loop, err := cycle.NewLoop(cycle.LoopConfig{
			Name:         c.name,
			Logger:       cfg.Logger,
			Clock:        cfg.Clock,
			Interval:     c.schedule.Interval,
			InitialDelay: c.schedule.InitialDelay,
			Run:          c.run,
			ReportPanics: cfg.ReportPanics,
		})
		if err != nil {
			return nil, err
		}
		e.loops = append(e.loops, loop)
	}
	return e, nil
}

func (e *Engine) State() *accounting.State {
	return e.cfg.State
}

func (e *Engine) Distributor() *airdrop.Distributor {
	return e.distributor
}

func (e *Engine) Controller() *flywheel.Controller {
	return e.controller
}

// Ready reports whether every cycle has completed its first run.
func (e *Engine) Ready() bool {
	for _, l := range e.loops {
		if !l.Ready() {
			return false
		}
	}
	return true
}

// Run starts every cycle and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine: starting cycles", "count", len(e.loops), "treasury", e.cfg.Signer.PublicKey().String())

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range e.loops {
		g.Go(func() error {
			if err := l.Run(ctx); err != nil {
				return fmt.Errorf("%s cycle stopped: %w", l.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	e.log.Info("engine: stopped")
	return err
}
