package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/sollama58/ASDev/engine/pkg/metrics"
	"github.com/sollama58/ASDev/engine/pkg/tokenacct"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrConfirmTimeout  = errors.New("transaction confirmation timed out")
)

const (
	// multipleAccountsLimit is the getMultipleAccounts per-request cap.
	multipleAccountsLimit = 100

	// invalidParamsCode is the JSON-RPC code the node uses for an unknown account.
	invalidParamsCode = -32602
)

// RawAccount is an undecoded program account.
type RawAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// TokenAmount is a token balance in base units.
type TokenAmount struct {
	Amount   uint64
	Decimals uint8
}

// Client is the ledger boundary the cycles depend on.
type Client interface {
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (TokenAmount, error)
	AccountsExist(ctx context.Context, addresses []solana.PublicKey) ([]bool, error)
	GetTokenAccountsByMint(ctx context.Context, programID, mint solana.PublicKey) ([]RawAccount, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature, timeout time.Duration) error
}

// SolanaRPC is the subset of the solana-go RPC client used by RPCClient.
type SolanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type RPCClientConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	RPC          SolanaRPC
	Commitment   solanarpc.CommitmentType
	RateLimit    float64 // requests per second, 0 = unlimited
	PollInterval time.Duration
}

func (cfg *RPCClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return nil
}

// RPCClient implements Client on top of solana-go, throttled by a token bucket.
type RPCClient struct {
	log     *slog.Logger
	cfg     RPCClientConfig
	limiter *rate.Limiter
}

func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &RPCClient{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *RPCClient) wait(ctx context.Context, method string) error {
	metrics.RPCRequestsTotal.WithLabelValues(method).Inc()
	return c.limiter.Wait(ctx)
}

func (c *RPCClient) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	if err := c.wait(ctx, "getBalance"); err != nil {
		return 0, err
	}
	out, err := c.cfg.RPC.GetBalance(ctx, address, c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", address, err)
	}
	return out.Value, nil
}

func (c *RPCClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (TokenAmount, error) {
	if err := c.wait(ctx, "getTokenAccountBalance"); err != nil {
		return TokenAmount{}, err
	}
	out, err := c.cfg.RPC.GetTokenAccountBalance(ctx, account, c.cfg.Commitment)
	if err != nil {
		if isAccountMissing(err) {
			return TokenAmount{}, fmt.Errorf("%w: %s: %w", ErrAccountNotFound, account, err)
		}
		return TokenAmount{}, fmt.Errorf("failed to get token balance of %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return TokenAmount{}, ErrAccountNotFound
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("failed to parse token amount %q: %w", out.Value.Amount, err)
	}
	return TokenAmount{Amount: amount, Decimals: out.Value.Decimals}, nil
}

// AccountsExist reports, per address, whether an account is allocated on chain.
func (c *RPCClient) AccountsExist(ctx context.Context, addresses []solana.PublicKey) ([]bool, error) {
	exists := make([]bool, 0, len(addresses))
	for start := 0; start < len(addresses); start += multipleAccountsLimit {
		end := min(start+multipleAccountsLimit, len(addresses))
		if err := c.wait(ctx, "getMultipleAccounts"); err != nil {
			return nil, err
		}
		out, err := c.cfg.RPC.GetMultipleAccountsWithOpts(ctx, addresses[start:end], &solanarpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.cfg.Commitment,
			DataSlice:  &solanarpc.DataSlice{Offset: ptr(uint64(0)), Length: ptr(uint64(0))},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get multiple accounts: %w", err)
		}
		if len(out.Value) != end-start {
			return nil, fmt.Errorf("unexpected account count: got %d, want %d", len(out.Value), end-start)
		}
		for _, acc := range out.Value {
			exists = append(exists, acc != nil)
		}
	}
	return exists, nil
}

// GetTokenAccountsByMint scans every token account of programID whose mint is mint.
// getTokenLargestAccounts caps results at 20, so a full program scan is used.
func (c *RPCClient) GetTokenAccountsByMint(ctx context.Context, programID, mint solana.PublicKey) ([]RawAccount, error) {
	filters := []solanarpc.RPCFilter{
		{
			Memcmp: &solanarpc.RPCFilterMemcmp{
				Offset: 0,
				Bytes:  solana.Base58(mint.Bytes()),
			},
		},
	}
	if programID.Equals(solana.TokenProgramID) {
		filters = append(filters, solanarpc.RPCFilter{DataSize: tokenacct.AccountLen})
	}
	if err := c.wait(ctx, "getProgramAccounts"); err != nil {
		return nil, err
	}
	out, err := c.cfg.RPC.GetProgramAccountsWithOpts(ctx, programID, &solanarpc.GetProgramAccountsOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.cfg.Commitment,
		Filters:    filters,
		DataSlice:  &solanarpc.DataSlice{Offset: ptr(uint64(0)), Length: ptr(uint64(tokenacct.MinLen))},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get program accounts for mint %s: %w", mint, err)
	}

	accounts := make([]RawAccount, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		accounts = append(accounts, RawAccount{
			Address: keyed.Pubkey,
			Data:    keyed.Account.Data.GetBinary(),
		})
	}
	c.log.Debug("ledger: fetched token accounts", "mint", mint.String(), "count", len(accounts))
	return accounts, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := c.wait(ctx, "getLatestBlockhash"); err != nil {
		return solana.Hash{}, err
	}
	out, err := c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("empty latest blockhash response")
	}
	return out.Value.Blockhash, nil
}

// SendTransaction submits tx once. It is never retried here: a resend of a
// transaction that actually landed would double spend.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := c.wait(ctx, "sendTransaction"); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: c.cfg.Commitment,
		MaxRetries:          ptr(uint(0)),
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// ConfirmTransaction polls the signature status until it reaches the configured
// commitment, the transaction fails, or timeout elapses.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, sig solana.Signature, timeout time.Duration) error {
	deadline := c.cfg.Clock.After(timeout)
	ticker := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := c.checkStatus(ctx, sig)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w after %s: %s", ErrConfirmTimeout, timeout, sig)
		case <-ticker.Chan():
		}
	}
}

func (c *RPCClient) checkStatus(ctx context.Context, sig solana.Signature) (bool, error) {
	if err := c.wait(ctx, "getSignatureStatuses"); err != nil {
		return false, err
	}
	out, err := c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		// Status polling is a read; a transient failure just waits for the next tick.
		c.log.Debug("ledger: signature status lookup failed", "signature", sig.String(), "error", err)
		return false, nil
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return false, fmt.Errorf("transaction %s failed: %v", sig, status.Err)
	}
	switch status.ConfirmationStatus {
	case solanarpc.ConfirmationStatusFinalized:
		return true, nil
	case solanarpc.ConfirmationStatusConfirmed:
		return c.cfg.Commitment != solanarpc.CommitmentFinalized, nil
	}
	return false, nil
}

// isAccountMissing matches only the node's invalid-params error for an
// unknown account; transport failures such as an HTTP 404 are not a missing
// account.
func isAccountMissing(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == invalidParamsCode && strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
}

func ptr[T any](v T) *T { return &v }

// LamportsToSOL converts lamports to SOL for human-readable logs.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / float64(solana.LAMPORTS_PER_SOL)
}
