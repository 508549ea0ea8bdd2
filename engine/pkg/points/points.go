// Package points derives per-address points and reward pots from the holder
// snapshots. The pure functions here are shared by the calculator and the
// airdrop distributor so both split the same balance identically.
package points

import (
	"math/bits"

	"github.com/gagliardetto/solana-go"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/store"
)

const (
	// DistributablePercent of the raw treasury balance is paid out; the rest
	// is the operating reserve.
	DistributablePercent = 99
	// BonusPercent of the distributable amount goes to the bonus creator.
	BonusPercent = 10

	CreatorWeight     = 2
	LoyaltyMultiplier = 2
)

// MulDiv returns floor(a*b/c) with a 128-bit intermediate product. It
// saturates when the quotient does not fit in 64 bits and returns 0 for c == 0.
func MulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}

// SplitPots splits a raw treasury balance into the bonus and community pots.
func SplitPots(raw uint64) accounting.Pots {
	distributable := MulDiv(raw, DistributablePercent, 100)
	bonus := MulDiv(distributable, BonusPercent, 100)
	return accounting.Pots{
		Raw:           raw,
		Distributable: distributable,
		Bonus:         bonus,
		Community:     distributable - bonus,
	}
}

type Input struct {
	// Tokens are the tracked leaderboard tokens.
	Tokens []store.Token
	// Holders is the union of the snapshots of Tokens.
	Holders  []store.Holder
	Loyalty  *accounting.LoyaltySet
	Treasury solana.PublicKey
}

// ComputePoints returns the points of every address with nonzero points and
// their sum. The treasury never earns points.
func ComputePoints(in Input) (map[solana.PublicKey]accounting.PointsEntry, uint64) {
	tracked := make(map[solana.PublicKey]struct{}, len(in.Tokens))
	for _, t := range in.Tokens {
		tracked[t.Mint] = struct{}{}
	}

	type key struct{ holder, mint solana.PublicKey }
	seen := make(map[key]struct{}, len(in.Holders))
	entries := make(map[solana.PublicKey]accounting.PointsEntry)
	for _, h := range in.Holders {
		if _, ok := tracked[h.Mint]; !ok {
			continue
		}
		k := key{h.Address, h.Mint}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		e := entries[h.Address]
		e.HolderPoints++
		entries[h.Address] = e
	}

	for _, t := range in.Tokens {
		if t.Creator.IsZero() {
			continue
		}
		e := entries[t.Creator]
		e.CreatorPoints++
		entries[t.Creator] = e
	}

	delete(entries, in.Treasury)

	var total uint64
	for addr, e := range entries {
		e.Total = e.HolderPoints + CreatorWeight*e.CreatorPoints
		if in.Loyalty.Contains(addr) {
			e.Loyal = true
			e.Total *= LoyaltyMultiplier
		}
		if e.Total == 0 {
			delete(entries, addr)
			continue
		}
		entries[addr] = e
		total += e.Total
	}
	return entries, total
}

// ExpectedRewards maps each points holder to its floored community share and
// adds the whole bonus pot to the bonus creator, who appears even with zero
// points.
func ExpectedRewards(entries map[solana.PublicKey]accounting.PointsEntry, total uint64, pots accounting.Pots, bonusCreator solana.PublicKey) map[solana.PublicKey]uint64 {
	expected := make(map[solana.PublicKey]uint64, len(entries)+1)
	if total > 0 {
		for addr, e := range entries {
			expected[addr] = MulDiv(pots.Community, e.Total, total)
		}
	}
	if !bonusCreator.IsZero() {
		expected[bonusCreator] += pots.Bonus
	}
	return expected
}
