package tokenacct

import (
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestFlywheel_TokenAcct_Decode(t *testing.T) {
	t.Parallel()

	mint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	owner := solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")

	t.Run("round trips owner and amount", func(t *testing.T) {
		t.Parallel()

		for _, amount := range []uint64{0, 1, 1_000_000, math.MaxUint64} {
			data := Encode(Account{Mint: mint, Owner: owner, Amount: amount})
			acc, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, mint, acc.Mint)
			require.Equal(t, owner, acc.Owner)
			require.Equal(t, amount, acc.Amount)
		}
	})

	t.Run("decodes full size account with trailing fields", func(t *testing.T) {
		t.Parallel()

		data := make([]byte, AccountLen)
		copy(data, Encode(Account{Mint: mint, Owner: owner, Amount: 77}))
		data[108] = 1 // state: initialized

		acc, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, uint64(77), acc.Amount)
	})

	t.Run("rejects short buffers", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{0, 32, 64, MinLen - 1} {
			_, err := Decode(make([]byte, n))
			require.ErrorIs(t, err, ErrMalformed)
		}
	})

	t.Run("accepts exactly the minimum length", func(t *testing.T) {
		t.Parallel()

		_, err := Decode(make([]byte, MinLen))
		require.NoError(t, err)
	})
}
