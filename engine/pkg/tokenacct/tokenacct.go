// Package tokenacct decodes the fixed prefix of SPL token accounts.
//
// Layout (little endian):
//
//	[0:32]  mint
//	[32:64] owner
//	[64:72] amount (u64)
//
// Token-2022 accounts share this prefix, so both programs decode the same way.
package tokenacct

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	mintOffset   = 0
	ownerOffset  = 32
	amountOffset = 64

	// MinLen is the shortest buffer that carries mint, owner and amount.
	MinLen = 72

	// AccountLen is the full size of a classic SPL token account.
	AccountLen = 165
)

var ErrMalformed = errors.New("malformed token account")

type Account struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// Decode parses data into an Account. Buffers shorter than MinLen are rejected
// with ErrMalformed; callers drop such records rather than failing.
func Decode(data []byte) (Account, error) {
	if len(data) < MinLen {
		return Account{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformed, len(data), MinLen)
	}
	var acc Account
	copy(acc.Mint[:], data[mintOffset:ownerOffset])
	copy(acc.Owner[:], data[ownerOffset:amountOffset])
	acc.Amount = binary.LittleEndian.Uint64(data[amountOffset:MinLen])
	return acc, nil
}

// Encode writes the decodable prefix of acc into a MinLen buffer.
func Encode(acc Account) []byte {
	data := make([]byte, MinLen)
	copy(data[mintOffset:ownerOffset], acc.Mint[:])
	copy(data[ownerOffset:amountOffset], acc.Owner[:])
	binary.LittleEndian.PutUint64(data[amountOffset:MinLen], acc.Amount)
	return data
}
