package holders

import (
	"context"
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
	ledgertesting "github.com/sollama58/ASDev/engine/pkg/ledger/testing"
	"github.com/sollama58/ASDev/engine/pkg/tokenacct"
	flywheeltesting "github.com/sollama58/ASDev/utils/pkg/testing"
)

func keys(n int) []solana.PublicKey {
	out := make([]solana.PublicKey, n)
	for i := range out {
		out[i] = solana.NewWallet().PublicKey()
	}
	return out
}

func TestFlywheel_Holders_Rank(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()
	k := keys(6)

	t.Run("sorts descending with stable ties", func(t *testing.T) {
		t.Parallel()
		got := Rank([]tokenacct.Account{
			{Mint: mint, Owner: k[0], Amount: 10},
			{Mint: mint, Owner: k[1], Amount: 50},
			{Mint: mint, Owner: k[2], Amount: 10},
			{Mint: mint, Owner: k[3], Amount: 30},
		}, RankOptions{})
		require.Equal(t, []Ranked{
			{Owner: k[1], Amount: 50, Rank: 1},
			{Owner: k[3], Amount: 30, Rank: 2},
			{Owner: k[0], Amount: 10, Rank: 3},
			{Owner: k[2], Amount: 10, Rank: 4},
		}, got)
	})

	t.Run("dust at threshold excluded, one above included", func(t *testing.T) {
		t.Parallel()
		got := Rank([]tokenacct.Account{
			{Owner: k[0], Amount: 1000},
			{Owner: k[1], Amount: 1001},
		}, RankOptions{MinBalance: 1000})
		require.Len(t, got, 1)
		require.Equal(t, k[1], got[0].Owner)
		require.Equal(t, 1, got[0].Rank)
	})

	t.Run("zero threshold keeps only nonzero holders", func(t *testing.T) {
		t.Parallel()
		got := Rank([]tokenacct.Account{
			{Owner: k[0], Amount: 0},
			{Owner: k[1], Amount: 1},
		}, RankOptions{})
		require.Len(t, got, 1)
		require.Equal(t, k[1], got[0].Owner)
	})

	t.Run("excluded owners do not consume ranks", func(t *testing.T) {
		t.Parallel()
		got := Rank([]tokenacct.Account{
			{Owner: k[0], Amount: 100},
			{Owner: k[1], Amount: 90},
			{Owner: k[2], Amount: 80},
		}, RankOptions{Exclude: []solana.PublicKey{k[0]}})
		require.Equal(t, []Ranked{
			{Owner: k[1], Amount: 90, Rank: 1},
			{Owner: k[2], Amount: 80, Rank: 2},
		}, got)
	})

	t.Run("limit keeps first survivors", func(t *testing.T) {
		t.Parallel()
		accounts := make([]tokenacct.Account, 0, 150)
		for i := range 150 {
			accounts = append(accounts, tokenacct.Account{Owner: solana.NewWallet().PublicKey(), Amount: uint64(1000 - i)})
		}
		got := Rank(accounts, RankOptions{Limit: 100})
		require.Len(t, got, 100)
		for i, r := range got {
			require.Equal(t, i+1, r.Rank)
		}
		require.Equal(t, uint64(1000), got[0].Amount)
		require.Equal(t, uint64(901), got[99].Amount)
	})

	t.Run("merges accounts of one owner", func(t *testing.T) {
		t.Parallel()
		got := Rank([]tokenacct.Account{
			{Owner: k[4], Amount: 40},
			{Owner: k[5], Amount: 50},
			{Owner: k[4], Amount: 20},
			{Owner: k[5], Amount: math.MaxUint64},
		}, RankOptions{})
		require.Equal(t, []Ranked{
			{Owner: k[5], Amount: math.MaxUint64, Rank: 1},
			{Owner: k[4], Amount: 60, Rank: 2},
		}, got)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, Rank(nil, RankOptions{Limit: 100}))
	})
}

func TestFlywheel_Holders_Fetch(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()

	var programs []solana.PublicKey
	client := &ledgertesting.Client{
		GetTokenAccountsByMintFunc: func(_ context.Context, program, m solana.PublicKey) ([]ledger.RawAccount, error) {
			require.Equal(t, mint, m)
			programs = append(programs, program)
			if program.Equals(solana.TokenProgramID) {
				return []ledger.RawAccount{
					{Data: tokenacct.Encode(tokenacct.Account{Mint: mint, Owner: owner, Amount: 3})},
					{Data: []byte{1, 2, 3}},
				}, nil
			}
			return []ledger.RawAccount{
				{Data: append(tokenacct.Encode(tokenacct.Account{Mint: mint, Owner: owner, Amount: 4}), make([]byte, 100)...)},
			}, nil
		},
	}

	got, err := Fetch(context.Background(), flywheeltesting.NewLogger(), client,
		[]solana.PublicKey{solana.TokenProgramID, ledger.Token2022ProgramID}, mint)
	require.NoError(t, err)
	require.Equal(t, []solana.PublicKey{solana.TokenProgramID, ledger.Token2022ProgramID}, programs)
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].Amount)
	require.Equal(t, uint64(4), got[1].Amount)
}
