package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/mr-tron/base58"
)

// Token2022ProgramID is the Token Extensions program.
var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

// AssociatedTokenAccountRent is the rent-exempt minimum of a 165 byte token account.
const AssociatedTokenAccountRent uint64 = 2_039_280

// ataCreateIdempotent is the associated-token-account CreateIdempotent tag;
// solana-go only builds the non-idempotent Create.
const ataCreateIdempotent byte = 1

// AssociatedTokenAddress derives the associated token account of wallet for
// mint under tokenProgram (classic or Token-2022).
func AssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{wallet.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}
	return addr, nil
}

// CreateIdempotentATA builds a CreateIdempotent instruction. It succeeds when
// the account already exists, so a resubmitted batch does not fail on it.
func CreateIdempotentATA(payer, wallet, mint, tokenProgram solana.PublicKey) (solana.Instruction, error) {
	ata, err := AssociatedTokenAddress(wallet, mint, tokenProgram)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(wallet, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(tokenProgram, false, false),
		},
		[]byte{ataCreateIdempotent},
	), nil
}

// TransferChecked builds a token TransferChecked instruction for tokenProgram.
func TransferChecked(tokenProgram, source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, owner, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer: %w", err)
	}
	return ForTokenProgram(tokenProgram, ix)
}

// CloseAccount builds a token CloseAccount instruction for tokenProgram that
// sends the account's lamports to destination.
func CloseAccount(tokenProgram, account, destination, owner solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewCloseAccountInstruction(account, destination, owner, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build close account: %w", err)
	}
	return ForTokenProgram(tokenProgram, ix)
}

// ForTokenProgram re-targets a token program instruction at tokenProgram.
// Token-2022 shares the classic layout for these instructions.
func ForTokenProgram(tokenProgram solana.PublicKey, ix solana.Instruction) (solana.Instruction, error) {
	if tokenProgram.Equals(ix.ProgramID()) {
		return ix, nil
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode instruction: %w", err)
	}
	return solana.NewInstruction(tokenProgram, ix.Accounts(), data), nil
}

// BuildSigned assembles instructions into a transaction paid for and signed by signer.
func BuildSigned(ctx context.Context, client Client, signer solana.PrivateKey, instructions ...solana.Instruction) (*solana.Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.New("no instructions")
	}
	blockhash, err := client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	payer := signer.PublicKey()
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// SendAndConfirm builds, submits once and waits for confirmation. When the
// submission succeeded but confirmation did not, the signature is returned
// together with the error so operators can reconcile it.
func SendAndConfirm(ctx context.Context, client Client, signer solana.PrivateKey, timeout time.Duration, instructions ...solana.Instruction) (solana.Signature, error) {
	tx, err := BuildSigned(ctx, client, signer, instructions...)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := client.ConfirmTransaction(ctx, sig, timeout); err != nil {
		return sig, err
	}
	return sig, nil
}

// LoadSigner parses a secret key given either as base58 or as a solana-keygen
// JSON byte array.
func LoadSigner(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret key is empty")
	}
	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("failed to parse keypair json: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair byte %d out of range: %d", i, v)
			}
			raw[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base58 secret key: %w", err)
		}
		raw = decoded
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("secret key must be 64 bytes, got %d", len(raw))
	}
	return solana.PrivateKey(raw), nil
}
