// Package pumpfun derives the pump.fun accounts the engine reads and claims
// creator fees from.
package pumpfun

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ProgramID    = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	AMMProgramID = solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA")

	// WrappedSOLMint is the quote mint of pump AMM pools.
	WrappedSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

// BondingCurveAddress is the escrow PDA holding a token's pre-migration reserves.
func BondingCurveAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	return findPDA(ProgramID, []byte("bonding-curve"), mint.Bytes())
}

// CreatorVaultAddress holds lamport creator fees accrued on the bonding curve.
func CreatorVaultAddress(creator solana.PublicKey) (solana.PublicKey, error) {
	return findPDA(ProgramID, []byte("creator-vault"), creator.Bytes())
}

// AMMCreatorVaultAuthority owns the wrapped SOL account accruing AMM creator fees.
func AMMCreatorVaultAuthority(creator solana.PublicKey) (solana.PublicKey, error) {
	return findPDA(AMMProgramID, []byte("creator_vault"), creator.Bytes())
}

func EventAuthority(program solana.PublicKey) (solana.PublicKey, error) {
	return findPDA(program, []byte("__event_authority"))
}

func findPDA(program solana.PublicKey, seeds ...[]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive pda under %s: %w", program, err)
	}
	return addr, nil
}
