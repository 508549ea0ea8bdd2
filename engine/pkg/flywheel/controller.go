// Package flywheel runs the buyback cycle: claim creator fees, decide between
// conserving for the next airdrop and buying the reward token, then hand over
// to the airdrop distributor.
package flywheel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/airdrop"
	"github.com/sollama58/ASDev/engine/pkg/jupiter"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/metrics"
	"github.com/sollama58/ASDev/engine/pkg/points"
	"github.com/sollama58/ASDev/engine/pkg/store"
)

const (
	// Spend split in parts per thousand; the swap receives the remainder.
	FeeAPerMille = 45
	FeeBPerMille = 5

	DefaultClaimThreshold uint64 = 10_000_000  // 0.01 SOL
	DefaultMinSpend       uint64 = 5_000_000   // 0.005 SOL
	DefaultReserve        uint64 = 50_000_000  // 0.05 SOL kept for fees and rent
	DefaultConfirmTimeout        = 60 * time.Second
)

// FeeSource is an account accruing creator fees that the treasury can claim.
type FeeSource interface {
	Name() string
	Pending(ctx context.Context) (uint64, error)
	ClaimInstructions(ctx context.Context) ([]solana.Instruction, error)
}

type Swapper interface {
	Swap(ctx context.Context, lamportsIn uint64, outputMint solana.PublicKey, signer solana.PrivateKey) (*jupiter.Result, error)
}

type Distributor interface {
	Distribute(ctx context.Context) (*airdrop.LogEntry, error)
}

type Store interface {
	InsertCycleLog(ctx context.Context, l store.CycleLog) error
	IncrementStat(ctx context.Context, key string, delta uint64) (uint64, error)
}

// Sink receives every cycle outcome; failures are logged only.
type Sink interface {
	RecordCycle(ctx context.Context, o *Outcome) error
}

type ControllerConfig struct {
	Logger             *slog.Logger
	Clock              clockwork.Clock
	Ledger             ledger.Client
	Store              Store
	State              *accounting.State
	Signer             solana.PrivateKey
	RewardMint         solana.PublicKey
	RewardTokenProgram solana.PublicKey

	FeeSources   []FeeSource
	Swapper      Swapper
	Distributor  Distributor
	FeeReceiverA solana.PublicKey
	FeeReceiverB solana.PublicKey

	// ClaimThreshold is the combined pending fees, in lamports, that trigger a claim.
	ClaimThreshold uint64
	// DistributionThreshold is the reward-token balance above which buybacks
	// pause in favor of the airdrop.
	DistributionThreshold uint64
	MinSpend              uint64
	Reserve               uint64
	RentPerAccount        uint64
	SafetyBuffer          uint64
	ConfirmTimeout        time.Duration

	Sinks []Sink
}

func (cfg *ControllerConfig) Validate() error {
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
	if len(cfg.Signer) != 64 {
		return errors.New("signer is required")
	}
	if cfg.RewardMint.IsZero() {
		return errors.New("reward mint is required")
	}
	if cfg.Swapper == nil {
		return errors.New("swapper is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.FeeReceiverA.IsZero() || cfg.FeeReceiverB.IsZero() {
		return errors.New("both fee receivers are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RewardTokenProgram.IsZero() {
		cfg.RewardTokenProgram = solana.TokenProgramID
	}
	if cfg.ClaimThreshold == 0 {
		cfg.ClaimThreshold = DefaultClaimThreshold
	}
	if cfg.MinSpend == 0 {
		cfg.MinSpend = DefaultMinSpend
	}
	if cfg.Reserve == 0 {
		cfg.Reserve = DefaultReserve
	}
	if cfg.RentPerAccount == 0 {
		cfg.RentPerAccount = ledger.AssociatedTokenAccountRent
	}
	if cfg.SafetyBuffer == 0 {
		cfg.SafetyBuffer = airdrop.DefaultSafetyBuffer
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return nil
}

type Controller struct {
	log      *slog.Logger
	cfg      ControllerConfig
	treasury solana.PublicKey
	slot     *semaphore.Weighted
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log:      cfg.Logger,
		cfg:      cfg,
		treasury: cfg.Signer.PublicKey(),
		slot:     semaphore.NewWeighted(1),
	}, nil
}

// Run adapts RunCycle to the cycle scheduler.
func (c *Controller) Run(ctx context.Context) error {
	o, err := c.RunCycle(ctx)
	if err != nil {
		return err
	}
	if o.Status == StatusFail {
		return fmt.Errorf("flywheel cycle failed: %s", o.Reason)
	}
	return nil
}

// RunCycle executes one pass of the state machine. A call made while another
// is in progress returns a StatusBusy outcome without doing anything.
func (c *Controller) RunCycle(ctx context.Context) (*Outcome, error) {
	if !c.slot.TryAcquire(1) {
		c.log.Info("flywheel: cycle already running, skipping")
		metrics.FlywheelOutcomesTotal.WithLabelValues(StatusBusy).Inc()
		return &Outcome{Decision: PhaseIdle, Status: StatusBusy, Reason: "previous cycle still running"}, nil
	}
	defer c.slot.Release(1)

	o := &Outcome{CycleID: uuid.New(), Decision: PhaseIdle, StartedAt: c.cfg.Clock.Now()}
	log := c.log.With("cycle_id", o.CycleID.String())

	c.claim(ctx, log, o)
	if err := ctx.Err(); err != nil {
		return c.interrupted(ctx, log, o, PhaseClaiming, err)
	}

	c.decide(ctx, log, o)
	if err := ctx.Err(); err != nil {
		return c.interrupted(ctx, log, o, PhaseDeciding, err)
	}

	if o.Decision == PhaseBuying {
		c.buy(ctx, log, o)
	}

	c.airdrop(ctx, log, o)

	o.FinishedAt = c.cfg.Clock.Now()
	c.record(context.WithoutCancel(ctx), log, o)
	return o, ctx.Err()
}

// interrupted records a cycle cut short by cancellation so a claim that
// already landed still has its outcome logged.
func (c *Controller) interrupted(ctx context.Context, log *slog.Logger, o *Outcome, phase Phase, err error) (*Outcome, error) {
	c.fail(o, phase, fmt.Sprintf("cycle interrupted: %v", err))
	o.FinishedAt = c.cfg.Clock.Now()
	c.record(context.WithoutCancel(ctx), log, o)
	return o, err
}

func (c *Controller) claim(ctx context.Context, log *slog.Logger, o *Outcome) {
	var claimable []FeeSource
	for _, src := range c.cfg.FeeSources {
		pending, err := src.Pending(ctx)
		if err != nil {
			log.Warn("flywheel: failed to read pending fees", "source", src.Name(), "error", err)
			continue
		}
		if pending > 0 {
			o.PendingFees += pending
			claimable = append(claimable, src)
		}
	}
	if o.PendingFees < c.cfg.ClaimThreshold || len(claimable) == 0 {
		log.Debug("flywheel: pending fees below claim threshold", "pending", o.PendingFees, "threshold", c.cfg.ClaimThreshold)
		return
	}

	var ixs []solana.Instruction
	for _, src := range claimable {
		claimIxs, err := src.ClaimInstructions(ctx)
		if err != nil {
			log.Warn("flywheel: failed to build claim", "source", src.Name(), "error", err)
			return
		}
		ixs = append(ixs, claimIxs...)
	}

	sig, err := ledger.SendAndConfirm(ctx, c.cfg.Ledger, c.cfg.Signer, c.cfg.ConfirmTimeout, ixs...)
	if !sig.IsZero() {
		o.ClaimSignature = sig.String()
	}
	if err != nil {
		log.Warn("flywheel: claim failed", "pending", o.PendingFees, "signature", o.ClaimSignature, "error", err)
		return
	}
	o.Claimed = o.PendingFees
	metrics.LamportsClaimedTotal.Add(float64(o.Claimed))
	if _, err := c.cfg.Store.IncrementStat(context.WithoutCancel(ctx), store.StatLifetimeFeesClaimed, o.Claimed); err != nil {
		log.Warn("flywheel: failed to update lifetime fees", "error", err)
	}
	log.Info("flywheel: fees claimed", "lamports", o.Claimed, "signature", o.ClaimSignature)
}

func (c *Controller) decide(ctx context.Context, log *slog.Logger, o *Outcome) {
	balance, err := points.TreasuryBalance(ctx, c.cfg.Ledger, c.treasury, c.cfg.RewardMint, c.cfg.RewardTokenProgram)
	if err != nil {
		c.fail(o, PhaseDeciding, fmt.Sprintf("failed to read reward balance: %v", err))
		return
	}
	o.RewardBalance = balance.Amount

	native, err := c.cfg.Ledger.GetBalance(ctx, c.treasury)
	if err != nil {
		c.fail(o, PhaseDeciding, fmt.Sprintf("failed to read native balance: %v", err))
		return
	}
	o.NativeBalance = native

	if balance.Amount <= c.cfg.DistributionThreshold {
		if o.Claimed == 0 {
			o.Decision, o.Status, o.Reason = PhaseIdle, StatusSkip, "no fees claimed this cycle"
			return
		}
		o.Decision = PhaseBuying
		return
	}

	est, err := airdrop.EstimateCost(ctx, c.cfg.Ledger, c.cfg.RewardMint, c.cfg.RewardTokenProgram,
		recipients(c.cfg.State.Points()), c.cfg.RentPerAccount, c.cfg.SafetyBuffer)
	if err != nil {
		c.fail(o, PhaseDeciding, fmt.Sprintf("failed to estimate airdrop cost: %v", err))
		return
	}
	o.EstimatedCost, o.MissingAccounts = est.Cost, est.MissingAccounts
	conserving := native < est.Cost
	c.cfg.State.PublishConservation(&accounting.Conservation{
		CycleID:         o.CycleID.String(),
		EstimatedCost:   est.Cost,
		MissingAccounts: est.MissingAccounts,
		NativeBalance:   native,
		Conserving:      conserving,
		UpdatedAt:       c.cfg.Clock.Now(),
	})

	if conserving {
		o.Decision, o.Status = PhaseConserving, StatusConserve
		o.Reason = fmt.Sprintf("native balance %s SOL below airdrop cost %s SOL (%d new accounts)",
			sol(native), sol(est.Cost), est.MissingAccounts)
		log.Info("flywheel: conserving for airdrop", "native", native, "estimated_cost", est.Cost, "missing_accounts", est.MissingAccounts)
		return
	}
	o.Decision = PhaseReadyForAirdrop
	log.Info("flywheel: ready for airdrop, skipping buyback", "native", native, "estimated_cost", est.Cost)
}

func (c *Controller) buy(ctx context.Context, log *slog.Logger, o *Outcome) {
	var available uint64
	if o.NativeBalance > c.cfg.Reserve {
		available = o.NativeBalance - c.cfg.Reserve
	}
	b := &Buy{Spendable: min(o.Claimed, available)}
	o.Buy = b
	if b.Spendable < c.cfg.MinSpend {
		o.Status = StatusSkip
		o.Reason = fmt.Sprintf("spendable %s SOL below minimum spend %s SOL", sol(b.Spendable), sol(c.cfg.MinSpend))
		log.Info("flywheel: skipping buyback", "spendable", b.Spendable, "min_spend", c.cfg.MinSpend)
		return
	}
	b.SwapAmount, b.FeeA, b.FeeB = SplitSpend(b.Spendable)

	res, err := c.cfg.Swapper.Swap(ctx, b.SwapAmount, c.cfg.RewardMint, c.cfg.Signer)
	if res != nil && !res.Signature.IsZero() {
		b.SwapSignature = res.Signature.String()
	}
	if err != nil {
		c.fail(o, PhaseBuying, fmt.Sprintf("swap failed: %v", err))
		log.Warn("flywheel: swap failed", "amount", b.SwapAmount, "signature", b.SwapSignature, "error", err)
		return
	}
	b.Received = res.OutputAmount

	var ixs []solana.Instruction
	for _, fee := range []struct {
		to     solana.PublicKey
		amount uint64
	}{{c.cfg.FeeReceiverA, b.FeeA}, {c.cfg.FeeReceiverB, b.FeeB}} {
		if fee.amount > 0 {
			ixs = append(ixs, system.NewTransferInstruction(fee.amount, c.treasury, fee.to).Build())
		}
	}
	if len(ixs) > 0 {
		sig, err := ledger.SendAndConfirm(ctx, c.cfg.Ledger, c.cfg.Signer, c.cfg.ConfirmTimeout, ixs...)
		if !sig.IsZero() {
			b.FeeSignature = sig.String()
		}
		if err != nil {
			c.fail(o, PhaseBuying, fmt.Sprintf("fee transfer failed: %v", err))
			log.Warn("flywheel: fee transfer failed", "signature", b.FeeSignature, "error", err)
			return
		}
	}

	o.Status = StatusSuccess
	o.Reason = fmt.Sprintf("bought %d base units for %s SOL", b.Received, sol(b.SwapAmount))
	log.Info("flywheel: buyback completed", "swap", b.SwapAmount, "received", b.Received, "fee_a", b.FeeA, "fee_b", b.FeeB)
}

func (c *Controller) airdrop(ctx context.Context, log *slog.Logger, o *Outcome) {
	entry, err := c.cfg.Distributor.Distribute(ctx)
	if entry != nil {
		o.AirdropRunID = entry.RunID.String()
		o.Distributed = entry.Distributed
	}
	if err != nil {
		o.AirdropError = err.Error()
		log.Warn("flywheel: airdrop attempt failed", "error", err)
		if o.Decision == PhaseReadyForAirdrop && o.Status == "" {
			c.fail(o, PhaseAirdropping, fmt.Sprintf("airdrop failed: %v", err))
		}
		return
	}
	if entry == nil {
		if o.Decision == PhaseReadyForAirdrop && o.Status == "" {
			o.Status, o.Reason = StatusSkip, "airdrop preconditions not met"
		}
		return
	}
	if o.Status == "" {
		o.Decision = PhaseAirdropping
		if entry.Landed() {
			o.Status = StatusSuccess
		} else {
			o.Status = StatusFail
		}
		o.Reason = fmt.Sprintf("airdropped %d base units to %d recipients (%d ok, %d failed batches)",
			entry.Distributed, entry.RecipientCount, entry.SuccessfulBatches, entry.FailedBatches)
	}
}

func (c *Controller) fail(o *Outcome, phase Phase, reason string) {
	o.Decision, o.Status, o.Reason = phase, StatusFail, reason
}

func (c *Controller) record(ctx context.Context, log *slog.Logger, o *Outcome) {
	if o.Status == "" {
		o.Status, o.Reason = StatusSkip, "nothing to do"
	}
	metrics.FlywheelOutcomesTotal.WithLabelValues(o.Status).Inc()
	log.Info("flywheel: cycle completed", "decision", string(o.Decision), "status", o.Status, "reason", o.Reason)

	details, err := json.Marshal(o)
	if err != nil {
		log.Error("flywheel: failed to encode outcome", "error", err)
	}
	if err := c.cfg.Store.InsertCycleLog(ctx, store.CycleLog{
		CycleID: o.CycleID,
		Status:  o.Status,
		Reason:  o.Reason,
		Details: details,
	}); err != nil {
		log.Error("flywheel: failed to persist cycle log", "error", err)
	}
	for _, sink := range c.cfg.Sinks {
		if err := sink.RecordCycle(ctx, o); err != nil {
			log.Warn("flywheel: sink failed", "error", err)
		}
	}
}

// SplitSpend divides spendable into the swap and the two fee amounts. The
// fees are floored; the swap takes the remainder so nothing is lost.
func SplitSpend(spendable uint64) (swap, feeA, feeB uint64) {
	feeA = points.MulDiv(spendable, FeeAPerMille, 1000)
	feeB = points.MulDiv(spendable, FeeBPerMille, 1000)
	return spendable - feeA - feeB, feeA, feeB
}

// recipients lists every address the next airdrop may pay, including a bonus
// creator without points.
func recipients(p *accounting.Points) []solana.PublicKey {
	owners := p.Owners()
	if p.HasBonusCreator() {
		if _, ok := p.Entries[p.BonusCreator]; !ok {
			owners = append(owners, p.BonusCreator)
		}
	}
	return owners
}

func sol(lamports uint64) string {
	return fmt.Sprintf("%.4f", ledger.LamportsToSOL(lamports))
}
