package airdrop

import (
	"time"

	"github.com/google/uuid"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
)

const (
	StatusSuccess      = "success"
	StatusFailed       = "failed"
	StatusNotAttempted = "not_attempted"
)

// BatchResult is the outcome of one transfer transaction. A failed batch may
// still carry a signature when it was submitted but not confirmed in time;
// such batches need manual reconciliation.
type BatchResult struct {
	Index           int        `json:"index"`
	Transfers       []Transfer `json:"transfers"`
	Signature       string     `json:"signature,omitempty"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	CreatedAccounts int        `json:"created_accounts"`
}

type BonusResult struct {
	Recipient       string `json:"recipient"`
	Amount          uint64 `json:"amount"`
	Signature       string `json:"signature,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	CreatedAccounts int    `json:"created_accounts"`
}

// LogEntry is the audit record of one distribution.
type LogEntry struct {
	RunID               uuid.UUID       `json:"run_id"`
	StartedAt           time.Time       `json:"started_at"`
	FinishedAt          time.Time       `json:"finished_at"`
	TreasuryBalance     uint64          `json:"treasury_balance"`
	NativeBalance       uint64          `json:"native_balance"`
	Pots                accounting.Pots `json:"pots"`
	CommunityPot        uint64          `json:"community_pot"`
	TotalPoints         uint64          `json:"total_points"`
	Distributed         uint64          `json:"distributed"`
	RecipientCount      int             `json:"recipient_count"`
	SkippedRecipients   int             `json:"skipped_recipients"`
	SuccessfulBatches   int             `json:"successful_batches"`
	FailedBatches       int             `json:"failed_batches"`
	NotAttemptedBatches int             `json:"not_attempted_batches"`
	Bonus               *BonusResult    `json:"bonus,omitempty"`
	Batches             []BatchResult   `json:"batches"`
	Signatures          []string        `json:"signatures"`
}

// Landed reports whether at least one transfer was confirmed.
func (e *LogEntry) Landed() bool {
	if e == nil {
		return false
	}
	return e.SuccessfulBatches > 0 || (e.Bonus != nil && e.Bonus.Status == StatusSuccess)
}
