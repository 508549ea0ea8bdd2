package flywheel

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a step of the cycle state machine.
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseClaiming        Phase = "CLAIMING"
	PhaseDeciding        Phase = "DECIDING"
	PhaseBuying          Phase = "BUYING"
	PhaseConserving      Phase = "CONSERVING"
	PhaseReadyForAirdrop Phase = "READY_FOR_AIRDROP"
	PhaseAirdropping     Phase = "AIRDROPPING"
)

const (
	StatusSuccess  = "success"
	StatusSkip     = "skip"
	StatusConserve = "conserve"
	StatusFail     = "fail"
	StatusBusy     = "busy"
)

// Outcome is the audit record of one cycle.
type Outcome struct {
	CycleID    uuid.UUID `json:"cycle_id"`
	Decision   Phase     `json:"decision"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	PendingFees    uint64 `json:"pending_fees"`
	Claimed        uint64 `json:"claimed"`
	ClaimSignature string `json:"claim_signature,omitempty"`

	RewardBalance   uint64 `json:"reward_balance"`
	NativeBalance   uint64 `json:"native_balance"`
	EstimatedCost   uint64 `json:"estimated_cost,omitempty"`
	MissingAccounts int    `json:"missing_accounts,omitempty"`

	Buy          *Buy   `json:"buy,omitempty"`
	AirdropRunID string `json:"airdrop_run_id,omitempty"`
	Distributed  uint64 `json:"distributed,omitempty"`
	AirdropError string `json:"airdrop_error,omitempty"`
}

// Buy is the spend split of a BUYING decision.
type Buy struct {
	Spendable     uint64 `json:"spendable"`
	SwapAmount    uint64 `json:"swap_amount"`
	FeeA          uint64 `json:"fee_a"`
	FeeB          uint64 `json:"fee_b"`
	SwapSignature string `json:"swap_signature,omitempty"`
	Received      uint64 `json:"received,omitempty"`
	FeeSignature  string `json:"fee_signature,omitempty"`
}
