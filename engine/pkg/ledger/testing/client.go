// Package ledgertesting provides a func-field fake of ledger.Client.
package ledgertesting

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
)

// Client is a ledger.Client whose methods delegate to the set funcs. Unset
// funcs return zero values; every submitted transaction is recorded.
type Client struct {
	GetBalanceFunc             func(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetTokenAccountBalanceFunc func(ctx context.Context, account solana.PublicKey) (ledger.TokenAmount, error)
	AccountsExistFunc          func(ctx context.Context, addresses []solana.PublicKey) ([]bool, error)
	GetTokenAccountsByMintFunc func(ctx context.Context, programID, mint solana.PublicKey) ([]ledger.RawAccount, error)
	SendTransactionFunc        func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransactionFunc     func(ctx context.Context, sig solana.Signature, timeout time.Duration) error

	mu   sync.Mutex
	sent []*solana.Transaction
	seq  uint64
}

var _ ledger.Client = (*Client)(nil)

func (c *Client) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	if c.GetBalanceFunc != nil {
		return c.GetBalanceFunc(ctx, address)
	}
	return 0, nil
}

func (c *Client) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (ledger.TokenAmount, error) {
	if c.GetTokenAccountBalanceFunc != nil {
		return c.GetTokenAccountBalanceFunc(ctx, account)
	}
	return ledger.TokenAmount{}, ledger.ErrAccountNotFound
}

func (c *Client) AccountsExist(ctx context.Context, addresses []solana.PublicKey) ([]bool, error) {
	if c.AccountsExistFunc != nil {
		return c.AccountsExistFunc(ctx, addresses)
	}
	out := make([]bool, len(addresses))
	for i := range out {
		out[i] = true
	}
	return out, nil
}

func (c *Client) GetTokenAccountsByMint(ctx context.Context, programID, mint solana.PublicKey) ([]ledger.RawAccount, error) {
	if c.GetTokenAccountsByMintFunc != nil {
		return c.GetTokenAccountsByMintFunc(ctx, programID, mint)
	}
	return nil, nil
}

func (c *Client) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{1, 2, 3}, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.Lock()
	c.sent = append(c.sent, tx)
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	if c.SendTransactionFunc != nil {
		return c.SendTransactionFunc(ctx, tx)
	}
	return SignatureFor(seq), nil
}

func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature, timeout time.Duration) error {
	if c.ConfirmTransactionFunc != nil {
		return c.ConfirmTransactionFunc(ctx, sig, timeout)
	}
	return nil
}

// Sent returns the transactions passed to SendTransaction, in order.
func (c *Client) Sent() []*solana.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*solana.Transaction(nil), c.sent...)
}

// SignatureFor is the signature the default SendTransaction returns for the
// n-th submission (1-based).
func SignatureFor(n uint64) solana.Signature {
	var sig solana.Signature
	for i := range 8 {
		sig[i] = byte(n >> (8 * i))
	}
	sig[63] = 0xfe
	return sig
}

// Instructions decodes the program id and data of every instruction of tx.
func Instructions(tx *solana.Transaction) []Instruction {
	out := make([]Instruction, 0, len(tx.Message.Instructions))
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil {
			continue
		}
		accounts := make([]solana.PublicKey, 0, len(ix.Accounts))
		for _, idx := range ix.Accounts {
			if int(idx) < len(tx.Message.AccountKeys) {
				accounts = append(accounts, tx.Message.AccountKeys[idx])
			}
		}
		out = append(out, Instruction{Program: program, Accounts: accounts, Data: ix.Data})
	}
	return out
}

type Instruction struct {
	Program  solana.PublicKey
	Accounts []solana.PublicKey
	Data     []byte
}
