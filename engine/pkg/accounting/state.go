// Package accounting holds the process-wide accounting generation shared by
// the cycles. Each field is an immutable snapshot owned by one cycle and
// swapped in whole, so readers see either the previous or the next
// generation and never a partially built one.
package accounting

import (
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Pots is the split of one treasury balance read.
type Pots struct {
	Raw           uint64
	Distributable uint64
	Bonus         uint64
	Community     uint64
}

// PointsEntry is the points of one address for one generation.
type PointsEntry struct {
	HolderPoints  uint64
	CreatorPoints uint64
	Loyal         bool
	Total         uint64
}

// Points is published by the points calculator.
type Points struct {
	Entries         map[solana.PublicKey]PointsEntry
	Total           uint64
	TreasuryBalance uint64
	Decimals        uint8
	Pots            Pots
	BonusCreator    solana.PublicKey
	Expected        map[solana.PublicKey]uint64
	UpdatedAt       time.Time
}

func (p *Points) HasBonusCreator() bool {
	return p != nil && !p.BonusCreator.IsZero()
}

// Owners returns the addresses with nonzero points.
func (p *Points) Owners() []solana.PublicKey {
	if p == nil {
		return nil
	}
	out := make([]solana.PublicKey, 0, len(p.Entries))
	for addr, e := range p.Entries {
		if e.Total > 0 {
			out = append(out, addr)
		}
	}
	return out
}

// LoyaltySet is the top tier of the loyalty token, published by the multiplier sync.
type LoyaltySet struct {
	Members   map[solana.PublicKey]struct{}
	UpdatedAt time.Time
}

func NewLoyaltySet(members []solana.PublicKey, at time.Time) *LoyaltySet {
	set := &LoyaltySet{Members: make(map[solana.PublicKey]struct{}, len(members)), UpdatedAt: at}
	for _, m := range members {
		set.Members[m] = struct{}{}
	}
	return set
}

func (l *LoyaltySet) Contains(addr solana.PublicKey) bool {
	if l == nil {
		return false
	}
	_, ok := l.Members[addr]
	return ok
}

func (l *LoyaltySet) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Members)
}

// Conservation is the airdrop cost estimate computed by the flywheel decision
// step and re-checked by the distributor.
type Conservation struct {
	CycleID         string
	EstimatedCost   uint64
	MissingAccounts int
	NativeBalance   uint64
	Conserving      bool
	UpdatedAt       time.Time
}

type State struct {
	points       atomic.Pointer[Points]
	loyalty      atomic.Pointer[LoyaltySet]
	conservation atomic.Pointer[Conservation]
}

func NewState() *State {
	return &State{}
}

// Points returns the current points generation, or nil before the first calculation.
func (s *State) Points() *Points {
	return s.points.Load()
}

func (s *State) PublishPoints(p *Points) {
	s.points.Store(p)
}

func (s *State) Loyalty() *LoyaltySet {
	return s.loyalty.Load()
}

func (s *State) PublishLoyalty(l *LoyaltySet) {
	s.loyalty.Store(l)
}

// Conservation returns the cached cost estimate, or nil when none is cached.
func (s *State) Conservation() *Conservation {
	return s.conservation.Load()
}

func (s *State) PublishConservation(c *Conservation) {
	s.conservation.Store(c)
}

func (s *State) ClearConservation() {
	s.conservation.Store(nil)
}
