// Package airdrop pays the community and bonus pots out to points holders in
// batched token transfers.
package airdrop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/metrics"
	"github.com/sollama58/ASDev/engine/pkg/points"
	"github.com/sollama58/ASDev/engine/pkg/store"
	"github.com/sollama58/ASDev/utils/pkg/retry"
)

const (
	DefaultBatchSize      = 8
	DefaultBatchDelay     = 2 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
	DefaultLookupAttempts = 3
	DefaultLookupBackoff  = time.Second

	// DefaultFallbackCost is required when no estimate is cached (0.05 SOL).
	DefaultFallbackCost uint64 = 50_000_000
	// DefaultSafetyBuffer is added on top of account rent (0.01 SOL).
	DefaultSafetyBuffer uint64 = 10_000_000

	BonusSignaturePrefix = "BONUS:"
)

type Store interface {
	InsertAirdropLog(ctx context.Context, l store.AirdropLog) (int64, error)
	IncrementStat(ctx context.Context, key string, delta uint64) (uint64, error)
}

// Sink receives every persisted log entry; failures are logged only.
type Sink interface {
	RecordAirdrop(ctx context.Context, entry *LogEntry) error
}

type DistributorConfig struct {
	Logger             *slog.Logger
	Clock              clockwork.Clock
	Ledger             ledger.Client
	Store              Store
	State              *accounting.State
	Signer             solana.PrivateKey
	RewardMint         solana.PublicKey
	RewardTokenProgram solana.PublicKey

	// Threshold is the reward-token balance, in base units, that must be
	// exceeded before anything is distributed.
	Threshold      uint64
	FallbackCost   uint64
	BatchSize      int
	BatchDelay     time.Duration
	ConfirmTimeout time.Duration
	Lookup         retry.Config

	Sinks []Sink
}

func (cfg *DistributorConfig) Validate() error {
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
	if cfg.BatchDelay < 0 {
		return errors.New("batch delay must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RewardTokenProgram.IsZero() {
		cfg.RewardTokenProgram = solana.TokenProgramID
	}
	if cfg.FallbackCost == 0 {
		cfg.FallbackCost = DefaultFallbackCost
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Lookup.MaxAttempts <= 0 {
		cfg.Lookup = retry.FixedConfig(DefaultLookupAttempts, DefaultLookupBackoff)
	}
	if cfg.Lookup.Clock == nil {
		cfg.Lookup.Clock = cfg.Clock
	}
	return nil
}

type Distributor struct {
	log      *slog.Logger
	cfg      DistributorConfig
	treasury solana.PublicKey
	source   solana.PublicKey
	slot     *semaphore.Weighted
}

func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	treasury := cfg.Signer.PublicKey()
	source, err := ledger.AssociatedTokenAddress(treasury, cfg.RewardMint, cfg.RewardTokenProgram)
	if err != nil {
		return nil, err
	}
	return &Distributor{
		log:      cfg.Logger,
		cfg:      cfg,
		treasury: treasury,
		source:   source,
		slot:     semaphore.NewWeighted(1),
	}, nil
}

// Run adapts Distribute to the cycle scheduler.
func (d *Distributor) Run(ctx context.Context) error {
	_, err := d.Distribute(ctx)
	return err
}

// Distribute re-checks every precondition and, when all hold, pays the bonus
// pot and then the community pot. It returns nil, nil when it did nothing:
// a distribution is already running or a precondition failed. When ctx is
// cancelled mid-run the remaining batches are marked not attempted and the
// persisted entry is returned together with the context error.
func (d *Distributor) Distribute(ctx context.Context) (*LogEntry, error) {
	if !d.slot.TryAcquire(1) {
		d.log.Info("airdrop: distribution already running, skipping")
		return nil, nil
	}
	defer d.slot.Release(1)

	plan, err := d.preflight(ctx)
	if err != nil || plan == nil {
		return nil, err
	}
	return d.execute(ctx, plan)
}

type plan struct {
	balance ledger.TokenAmount
	native  uint64
	points  *accounting.Points
	pots    accounting.Pots
}

func (d *Distributor) preflight(ctx context.Context) (*plan, error) {
	balance, err := points.TreasuryBalance(ctx, d.cfg.Ledger, d.treasury, d.cfg.RewardMint, d.cfg.RewardTokenProgram)
	if err != nil {
		return nil, err
	}
	if balance.Amount <= d.cfg.Threshold {
		d.log.Debug("airdrop: balance below threshold", "balance", balance.Amount, "threshold", d.cfg.Threshold)
		return nil, nil
	}

	native, err := d.cfg.Ledger.GetBalance(ctx, d.treasury)
	if err != nil {
		return nil, fmt.Errorf("failed to read treasury native balance: %w", err)
	}
	required := d.cfg.FallbackCost
	if est := d.cfg.State.Conservation(); est != nil {
		required = est.EstimatedCost
	}
	if native < required {
		d.log.Info("airdrop: native balance below estimated cost", "native", native, "required", required)
		return nil, nil
	}

	p := d.cfg.State.Points()
	if p == nil || p.Total == 0 || len(p.Owners()) == 0 {
		d.log.Info("airdrop: no points holders, skipping")
		return nil, nil
	}

	return &plan{balance: balance, native: native, points: p, pots: points.SplitPots(balance.Amount)}, nil
}

func (d *Distributor) execute(ctx context.Context, pl *plan) (*LogEntry, error) {
	entry := &LogEntry{
		RunID:           uuid.New(),
		StartedAt:       d.cfg.Clock.Now(),
		TreasuryBalance: pl.balance.Amount,
		NativeBalance:   pl.native,
		Pots:            pl.pots,
		CommunityPot:    pl.pots.Community,
		TotalPoints:     pl.points.Total,
	}
	d.log.Info("airdrop: distribution started",
		"run_id", entry.RunID.String(),
		"balance", pl.balance.Amount,
		"community_pot", pl.pots.Community,
		"bonus_pot", pl.pots.Bonus,
		"points", pl.points.Total,
	)

	sent := 0
	if pl.points.HasBonusCreator() && pl.pots.Bonus > 0 {
		bonus := d.sendBonus(ctx, pl, pl.points.BonusCreator)
		entry.Bonus = bonus
		sent++
		if bonus.Status == StatusSuccess {
			entry.Distributed += bonus.Amount
			entry.Signatures = append(entry.Signatures, BonusSignaturePrefix+bonus.Signature)
		} else {
			entry.CommunityPot += pl.pots.Bonus
			if bonus.Signature != "" {
				entry.Signatures = append(entry.Signatures, BonusSignaturePrefix+bonus.Signature)
			}
		}
	}

	transfers, skipped := Shares(entry.CommunityPot, pl.points.Entries, pl.points.Total)
	entry.SkippedRecipients = skipped

	batches := Batches(transfers, d.cfg.BatchSize)
	var stopErr error
	for i, batch := range batches {
		if stopErr = d.pause(ctx, sent > 0); stopErr != nil {
			for j := i; j < len(batches); j++ {
				entry.Batches = append(entry.Batches, BatchResult{
					Index:     j,
					Transfers: batches[j],
					Status:    StatusNotAttempted,
					Error:     stopErr.Error(),
				})
				entry.NotAttemptedBatches++
				metrics.AirdropBatchesTotal.WithLabelValues(StatusNotAttempted).Inc()
			}
			d.log.Warn("airdrop: distribution interrupted", "run_id", entry.RunID.String(), "not_attempted", entry.NotAttemptedBatches, "error", stopErr)
			break
		}
		sent++
		result := d.sendBatch(ctx, pl, i, batch)
		entry.Batches = append(entry.Batches, result)
		if result.Signature != "" {
			entry.Signatures = append(entry.Signatures, result.Signature)
		}
		if result.Status == StatusSuccess {
			entry.SuccessfulBatches++
			entry.RecipientCount += len(batch)
			for _, tr := range batch {
				entry.Distributed += tr.Amount
			}
			metrics.AirdropBatchesTotal.WithLabelValues(StatusSuccess).Inc()
		} else {
			entry.FailedBatches++
			metrics.AirdropBatchesTotal.WithLabelValues(StatusFailed).Inc()
		}
	}
	entry.FinishedAt = d.cfg.Clock.Now()
	metrics.AirdropDistributedTotal.Add(float64(entry.Distributed))

	// Landed transfers are recorded even when the run was cancelled.
	d.persist(context.WithoutCancel(ctx), entry)

	if entry.Landed() {
		d.cfg.State.ClearConservation()
	}

	d.log.Info("airdrop: distribution completed",
		"run_id", entry.RunID.String(),
		"distributed", entry.Distributed,
		"recipients", entry.RecipientCount,
		"successful_batches", entry.SuccessfulBatches,
		"failed_batches", entry.FailedBatches,
		"skipped_recipients", entry.SkippedRecipients,
		"not_attempted_batches", entry.NotAttemptedBatches,
	)
	return entry, stopErr
}

// pause waits out the inter-transaction delay when wait is set and reports
// whether the run may continue.
func (d *Distributor) pause(ctx context.Context, wait bool) error {
	if !wait || d.cfg.BatchDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.cfg.Clock.After(d.cfg.BatchDelay):
		return nil
	}
}

func (d *Distributor) sendBonus(ctx context.Context, pl *plan, creator solana.PublicKey) *BonusResult {
	out := &BonusResult{Recipient: creator.String(), Amount: pl.pots.Bonus}
	res := d.sendBatch(ctx, pl, -1, []Transfer{{Recipient: creator, Amount: pl.pots.Bonus}})
	out.Status, out.Signature, out.Error, out.CreatedAccounts = res.Status, res.Signature, res.Error, res.CreatedAccounts
	if out.Status != StatusSuccess {
		d.log.Warn("airdrop: bonus transfer failed, folding into community pot", "creator", creator.String(), "amount", out.Amount, "error", out.Error)
	}
	return out
}

// sendBatch submits one transaction paying every transfer of batch. The
// existence lookup is retried; the submission is not.
func (d *Distributor) sendBatch(ctx context.Context, pl *plan, index int, batch []Transfer) BatchResult {
	result := BatchResult{Index: index, Transfers: batch, Status: StatusFailed}
	log := d.log.With("batch", index, "recipients", len(batch))

	atas := make([]solana.PublicKey, len(batch))
	for i, tr := range batch {
		ata, err := ledger.AssociatedTokenAddress(tr.Recipient, d.cfg.RewardMint, d.cfg.RewardTokenProgram)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		atas[i] = ata
	}

	exists, err := retry.DoValue(ctx, d.cfg.Lookup, func() ([]bool, error) {
		return d.cfg.Ledger.AccountsExist(ctx, atas)
	})
	if err != nil {
		log.Warn("airdrop: recipient account lookup failed", "error", err)
		result.Error = fmt.Sprintf("account lookup: %v", err)
		return result
	}

	ixs := make([]solana.Instruction, 0, 2*len(batch))
	for i, tr := range batch {
		if !exists[i] {
			create, err := ledger.CreateIdempotentATA(d.treasury, tr.Recipient, d.cfg.RewardMint, d.cfg.RewardTokenProgram)
			if err != nil {
				result.Error = err.Error()
				return result
			}
			ixs = append(ixs, create)
			result.CreatedAccounts++
		}
		transfer, err := ledger.TransferChecked(
			d.cfg.RewardTokenProgram, d.source, d.cfg.RewardMint, atas[i], d.treasury, tr.Amount, pl.balance.Decimals,
		)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		ixs = append(ixs, transfer)
	}

	sig, err := ledger.SendAndConfirm(ctx, d.cfg.Ledger, d.cfg.Signer, d.cfg.ConfirmTimeout, ixs...)
	if !sig.IsZero() {
		result.Signature = sig.String()
	}
	if err != nil {
		log.Warn("airdrop: batch failed", "signature", result.Signature, "error", err)
		result.Error = err.Error()
		return result
	}
	result.Status = StatusSuccess
	log.Debug("airdrop: batch landed", "signature", result.Signature, "created_accounts", result.CreatedAccounts)
	return result
}

func (d *Distributor) persist(ctx context.Context, entry *LogEntry) {
	details, err := json.Marshal(entry)
	if err != nil {
		d.log.Error("airdrop: failed to encode log entry", "run_id", entry.RunID.String(), "error", err)
		details = nil
	}
	if _, err := d.cfg.Store.InsertAirdropLog(ctx, store.AirdropLog{
		RunID:          entry.RunID,
		Amount:         entry.Distributed,
		RecipientCount: entry.RecipientCount,
		TotalPoints:    entry.TotalPoints,
		Signatures:     entry.Signatures,
		Details:        details,
	}); err != nil {
		d.log.Error("airdrop: failed to persist log", "run_id", entry.RunID.String(), "signatures", entry.Signatures, "error", err)
	}
	if entry.Distributed > 0 {
		if _, err := d.cfg.Store.IncrementStat(ctx, store.StatLifetimeDistributed, entry.Distributed); err != nil {
			d.log.Warn("airdrop: failed to update lifetime distributed", "error", err)
		}
	}
	for _, sink := range d.cfg.Sinks {
		if err := sink.RecordAirdrop(ctx, entry); err != nil {
			d.log.Warn("airdrop: sink failed", "error", err)
		}
	}
}
