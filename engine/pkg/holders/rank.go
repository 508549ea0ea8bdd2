package holders

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gagliardetto/solana-go"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/tokenacct"
)

// Ranked is one surviving holder with its 1-based rank.
type Ranked struct {
	Owner  solana.PublicKey
	Amount uint64
	Rank   int
}

type RankOptions struct {
	// MinBalance is the dust threshold; holders at or below it are dropped.
	MinBalance uint64
	Exclude    []solana.PublicKey
	Limit      int
}

// Rank merges accounts by owner, sorts them by balance descending (ties keep
// fetch order), drops dust and excluded owners, and keeps the first Limit.
func Rank(accounts []tokenacct.Account, opts RankOptions) []Ranked {
	index := make(map[solana.PublicKey]int, len(accounts))
	merged := make([]Ranked, 0, len(accounts))
	for _, acc := range accounts {
		if i, ok := index[acc.Owner]; ok {
			merged[i].Amount = saturatingAdd(merged[i].Amount, acc.Amount)
			continue
		}
		index[acc.Owner] = len(merged)
		merged = append(merged, Ranked{Owner: acc.Owner, Amount: acc.Amount})
	}

	slices.SortStableFunc(merged, func(a, b Ranked) int {
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	excluded := make(map[solana.PublicKey]struct{}, len(opts.Exclude))
	for _, e := range opts.Exclude {
		excluded[e] = struct{}{}
	}

	out := make([]Ranked, 0, min(len(merged), max(opts.Limit, 0)))
	for _, r := range merged {
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
		if r.Amount <= opts.MinBalance {
			continue
		}
		if _, ok := excluded[r.Owner]; ok {
			continue
		}
		r.Rank = len(out) + 1
		out = append(out, r)
	}
	return out
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

// Fetch reads every token account of mint under each program and decodes it.
// Malformed records are dropped.
func Fetch(ctx context.Context, log *slog.Logger, client ledger.Client, programs []solana.PublicKey, mint solana.PublicKey) ([]tokenacct.Account, error) {
	var accounts []tokenacct.Account
	for _, program := range programs {
		raw, err := client.GetTokenAccountsByMint(ctx, program, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch token accounts of %s: %w", mint, err)
		}
		malformed := 0
		for _, r := range raw {
			acc, err := tokenacct.Decode(r.Data)
			if err != nil {
				malformed++
				continue
			}
			accounts = append(accounts, acc)
		}
		if malformed > 0 {
			log.Debug("holders: dropped malformed token accounts", "mint", mint.String(), "program", program.String(), "count", malformed)
		}
	}
	return accounts, nil
}
