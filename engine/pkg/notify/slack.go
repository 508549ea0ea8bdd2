// Package notify posts operator summaries of airdrops and notable flywheel
// outcomes to a Slack incoming webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/sollama58/ASDev/engine/pkg/airdrop"
	"github.com/sollama58/ASDev/engine/pkg/flywheel"
)

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	// ExplorerURL is prefixed to transaction signatures in messages.
	ExplorerURL string
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = "https://solscan.io/tx/"
	}
	return nil
}

// Slack notifies on every airdrop and on failed or conserving cycles. A
// repeated conserve outcome is posted once until the status changes.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig

	mu         sync.Mutex
	lastStatus string
}

var (
	_ flywheel.Sink = (*Slack)(nil)
	_ airdrop.Sink  = (*Slack)(nil)
)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) RecordCycle(ctx context.Context, o *flywheel.Outcome) error {
	s.mu.Lock()
	previous := s.lastStatus
	s.lastStatus = o.Status
	s.mu.Unlock()

	switch o.Status {
	case flywheel.StatusFail:
	case flywheel.StatusConserve:
		if previous == flywheel.StatusConserve {
			return nil
		}
	default:
		return nil
	}

	title := ":warning: Flywheel cycle failed"
	if o.Status == flywheel.StatusConserve {
		title = ":hourglass: Flywheel conserving for airdrop"
	}
	body := fmt.Sprintf("*Decision:* `%s`\n*Reason:* %s\n*Cycle:* `%s`", o.Decision, o.Reason, o.CycleID)
	return s.post(ctx, title, body)
}

func (s *Slack) RecordAirdrop(ctx context.Context, e *airdrop.LogEntry) error {
	title := ":parachute: Airdrop completed"
	if !e.Landed() {
		title = ":x: Airdrop failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Distributed:* %d base units to %d recipients\n", e.Distributed, e.RecipientCount)
	fmt.Fprintf(&b, "*Batches:* %d ok, %d failed", e.SuccessfulBatches, e.FailedBatches)
	if e.SkippedRecipients > 0 {
		fmt.Fprintf(&b, ", %d recipients below one unit", e.SkippedRecipients)
	}
	if e.Bonus != nil {
		fmt.Fprintf(&b, "\n*Bonus:* %d to `%s` (%s)", e.Bonus.Amount, e.Bonus.Recipient, e.Bonus.Status)
	}
	for _, batch := range e.Batches {
		if batch.Status == airdrop.StatusFailed && batch.Signature != "" {
			fmt.Fprintf(&b, "\n*Reconcile batch %d:* <%s%s|%s>", batch.Index, s.cfg.ExplorerURL, batch.Signature, short(batch.Signature))
		}
	}
	return s.post(ctx, title, b.String())
}

func (s *Slack) post(ctx context.Context, title, body string) error {
	msg := &slack.WebhookMessage{
		Text: title,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, true, false)),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil),
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	s.log.Debug("notify: posted slack message", "title", title)
	return nil
}

func short(sig string) string {
	if len(sig) <= 12 {
		return sig
	}
	return sig[:6] + "…" + sig[len(sig)-6:]
}
