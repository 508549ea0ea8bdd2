package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sollama58/ASDev/engine/pkg/airdrop"
	"github.com/sollama58/ASDev/engine/pkg/flywheel"
)

const (
	cyclesTable    = "fact_flywheel_cycles"
	transfersTable = "fact_airdrop_transfers"

	KindBonus     = "bonus"
	KindCommunity = "community"
)

type SinkConfig struct {
	Logger *slog.Logger
	Conn   Connection
}

func (cfg *SinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	return nil
}

// Sink writes flywheel and airdrop records as fact rows.
type Sink struct {
	log  *slog.Logger
	conn Connection
}

var (
	_ flywheel.Sink = (*Sink)(nil)
	_ airdrop.Sink  = (*Sink)(nil)
)

func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{log: cfg.Logger, conn: cfg.Conn}, nil
}

func (s *Sink) RecordCycle(ctx context.Context, o *flywheel.Outcome) error {
	var spent uint64
	if o.Buy != nil {
		spent = o.Buy.SwapAmount + o.Buy.FeeA + o.Buy.FeeB
	}
	return s.write(ctx, cyclesTable, [][]any{{
		o.FinishedAt, o.CycleID.String(), o.Status, o.Reason,
		o.Claimed, spent, o.EstimatedCost, o.NativeBalance,
	}})
}

func (s *Sink) RecordAirdrop(ctx context.Context, e *airdrop.LogEntry) error {
	runID := e.RunID.String()
	var rows [][]any
	if b := e.Bonus; b != nil {
		rows = append(rows, []any{e.FinishedAt, runID, int32(-1), KindBonus, b.Recipient, b.Amount, b.Signature, b.Status})
	}
	for _, batch := range e.Batches {
		for _, tr := range batch.Transfers {
			rows = append(rows, []any{
				e.FinishedAt, runID, int32(batch.Index), KindCommunity,
				tr.Recipient.String(), tr.Amount, batch.Signature, batch.Status,
			})
		}
	}
	return s.write(ctx, transfersTable, rows)
}

func (s *Sink) write(ctx context.Context, table string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	s.log.Debug("clickhouse: wrote rows", "table", table, "count", len(rows))
	return nil
}
