package pumpfun

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
)

// VaultRentExempt is the rent-exempt minimum of a zero-data system account;
// it stays in the bonding-curve creator vault after a claim.
const VaultRentExempt uint64 = 890_880

var (
	collectCreatorFeeDiscriminator     = []byte{20, 22, 86, 123, 198, 28, 219, 132}
	collectCoinCreatorFeeDiscriminator = []byte{160, 57, 89, 42, 181, 139, 43, 66}
)

// CurveFees reads and claims creator fees accrued on the bonding curve program.
type CurveFees struct {
	client  ledger.Client
	creator solana.PublicKey
	vault   solana.PublicKey
}

func NewCurveFees(client ledger.Client, creator solana.PublicKey) (*CurveFees, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	vault, err := CreatorVaultAddress(creator)
	if err != nil {
		return nil, err
	}
	return &CurveFees{client: client, creator: creator, vault: vault}, nil
}

func (f *CurveFees) Name() string { return "bonding_curve" }

// Pending returns the claimable lamports above the vault's rent reserve.
func (f *CurveFees) Pending(ctx context.Context) (uint64, error) {
	balance, err := f.client.GetBalance(ctx, f.vault)
	if err != nil {
		return 0, fmt.Errorf("failed to read creator vault: %w", err)
	}
	if balance <= VaultRentExempt {
		return 0, nil
	}
	return balance - VaultRentExempt, nil
}

func (f *CurveFees) ClaimInstructions(context.Context) ([]solana.Instruction, error) {
	eventAuthority, err := EventAuthority(ProgramID)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{solana.NewInstruction(
		ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(f.creator, true, true),
			solana.NewAccountMeta(f.vault, true, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(eventAuthority, false, false),
			solana.NewAccountMeta(ProgramID, false, false),
		},
		append([]byte(nil), collectCreatorFeeDiscriminator...),
	)}, nil
}

// AMMFees reads and claims creator fees accrued as wrapped SOL on migrated pools.
type AMMFees struct {
	client    ledger.Client
	creator   solana.PublicKey
	authority solana.PublicKey
	vaultATA  solana.PublicKey
}

func NewAMMFees(client ledger.Client, creator solana.PublicKey) (*AMMFees, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	authority, err := AMMCreatorVaultAuthority(creator)
	if err != nil {
		return nil, err
	}
	vaultATA, err := ledger.AssociatedTokenAddress(authority, WrappedSOLMint, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	return &AMMFees{client: client, creator: creator, authority: authority, vaultATA: vaultATA}, nil
}

func (f *AMMFees) Name() string { return "amm" }

func (f *AMMFees) Pending(ctx context.Context) (uint64, error) {
	amount, err := f.client.GetTokenAccountBalance(ctx, f.vaultATA)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read amm creator vault: %w", err)
	}
	return amount.Amount, nil
}

// ClaimInstructions moves the vault's wrapped SOL into the creator's wrapped
// SOL account and closes that account so the creator receives native SOL.
func (f *AMMFees) ClaimInstructions(context.Context) ([]solana.Instruction, error) {
	eventAuthority, err := EventAuthority(AMMProgramID)
	if err != nil {
		return nil, err
	}
	creatorATA, err := ledger.AssociatedTokenAddress(f.creator, WrappedSOLMint, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	createATA, err := ledger.CreateIdempotentATA(f.creator, f.creator, WrappedSOLMint, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	collect := solana.NewInstruction(
		AMMProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(WrappedSOLMint, false, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(f.creator, false, true),
			solana.NewAccountMeta(f.authority, false, false),
			solana.NewAccountMeta(f.vaultATA, true, false),
			solana.NewAccountMeta(creatorATA, true, false),
			solana.NewAccountMeta(eventAuthority, false, false),
			solana.NewAccountMeta(AMMProgramID, false, false),
		},
		append([]byte(nil), collectCoinCreatorFeeDiscriminator...),
	)
	unwrap, err := ledger.CloseAccount(solana.TokenProgramID, creatorATA, f.creator, f.creator)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{createATA, collect, unwrap}, nil
}
