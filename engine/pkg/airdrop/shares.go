package airdrop

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/gagliardetto/solana-go"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/points"
)

type Transfer struct {
	Recipient solana.PublicKey `json:"recipient"`
	Amount    uint64           `json:"amount"`
}

// Shares computes floor(pot*points/total) per address, highest points first
// with address order breaking ties. Zero shares are left out, so the call
// returns the number skipped as well. The sum never exceeds pot.
func Shares(pot uint64, entries map[solana.PublicKey]accounting.PointsEntry, total uint64) ([]Transfer, int) {
	if total == 0 || pot == 0 {
		return nil, len(entries)
	}
	type weighted struct {
		addr   solana.PublicKey
		points uint64
	}
	ordered := make([]weighted, 0, len(entries))
	for addr, e := range entries {
		if e.Total > 0 {
			ordered = append(ordered, weighted{addr, e.Total})
		}
	}
	slices.SortFunc(ordered, func(a, b weighted) int {
		if a.points != b.points {
			if a.points > b.points {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.addr[:], b.addr[:])
	})

	transfers := make([]Transfer, 0, len(ordered))
	skipped := len(entries) - len(ordered)
	for _, w := range ordered {
		amount := points.MulDiv(pot, w.points, total)
		if amount == 0 {
			skipped++
			continue
		}
		transfers = append(transfers, Transfer{Recipient: w.addr, Amount: amount})
	}
	return transfers, skipped
}

// Batches splits transfers into consecutive groups of size, preserving order.
func Batches(transfers []Transfer, size int) [][]Transfer {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]Transfer
	for start := 0; start < len(transfers); start += size {
		out = append(out, transfers[start:min(start+size, len(transfers))])
	}
	return out
}

// Estimate is the native cost of creating the missing recipient token
// accounts of a distribution, plus a safety buffer.
type Estimate struct {
	MissingAccounts int
	Cost            uint64
}

// EstimateCost checks which owners lack a token account for mint and prices
// their creation at rent each.
func EstimateCost(ctx context.Context, client ledger.Client, mint, tokenProgram solana.PublicKey, owners []solana.PublicKey, rent, buffer uint64) (Estimate, error) {
	atas := make([]solana.PublicKey, len(owners))
	for i, o := range owners {
		ata, err := ledger.AssociatedTokenAddress(o, mint, tokenProgram)
		if err != nil {
			return Estimate{}, err
		}
		atas[i] = ata
	}
	exists, err := client.AccountsExist(ctx, atas)
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to check recipient accounts: %w", err)
	}
	missing := 0
	for _, ok := range exists {
		if !ok {
			missing++
		}
	}
	return Estimate{MissingAccounts: missing, Cost: uint64(missing)*rent + buffer}, nil
}
