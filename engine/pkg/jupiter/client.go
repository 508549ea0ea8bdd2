// Package jupiter buys the reward token with native SOL through the Jupiter
// swap aggregator.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/pumpfun"
	"github.com/sollama58/ASDev/utils/pkg/retry"
)

const (
	DefaultBaseURL        = "https://lite-api.jup.ag/swap/v1"
	DefaultSlippageBps    = 300
	DefaultConfirmTimeout = 60 * time.Second
)

var ErrNoRoute = errors.New("no swap route")

// StatusError is a non-200 response from the aggregator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Result describes a landed swap.
type Result struct {
	Signature    solana.Signature
	InputAmount  uint64
	OutputAmount uint64
}

type ClientConfig struct {
	Logger         *slog.Logger
	Ledger         ledger.Client
	HTTPClient     *http.Client
	BaseURL        string
	APIKey         string
	SlippageBps    int
	ConfirmTimeout time.Duration
	Retry          retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps > 10_000 {
		return errors.New("slippage must be between 0 and 10000 bps")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = DefaultSlippageBps
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

type quote struct {
	InAmount  string          `json:"inAmount"`
	OutAmount string          `json:"outAmount"`
	Raw       json.RawMessage `json:"-"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
	Error           string `json:"error"`
}

// Swap spends lamportsIn of native SOL on outputMint, signed by signer. The
// quote is retried; the submission is not.
func (c *Client) Swap(ctx context.Context, lamportsIn uint64, outputMint solana.PublicKey, signer solana.PrivateKey) (*Result, error) {
	if lamportsIn == 0 {
		return nil, errors.New("swap amount must be positive")
	}

	q, err := retry.DoValue(ctx, c.cfg.Retry, func() (*quote, error) {
		return c.quote(ctx, lamportsIn, outputMint)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	out, err := strconv.ParseUint(q.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote output %q: %w", q.OutAmount, err)
	}
	if out == 0 {
		return nil, ErrNoRoute
	}

	tx, err := c.swapTransaction(ctx, q, signer.PublicKey())
	if err != nil {
		return nil, err
	}
	payer := signer.PublicKey()
	tx.Signatures = nil
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign swap transaction: %w", err)
	}

	sig, err := c.cfg.Ledger.SendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to submit swap: %w", err)
	}
	if err := c.cfg.Ledger.ConfirmTransaction(ctx, sig, c.cfg.ConfirmTimeout); err != nil {
		return &Result{Signature: sig, InputAmount: lamportsIn}, fmt.Errorf("failed to confirm swap: %w", err)
	}

	c.log.Info("jupiter: swap confirmed", "signature", sig.String(), "in", lamportsIn, "quoted_out", out, "mint", outputMint.String())
	return &Result{Signature: sig, InputAmount: lamportsIn, OutputAmount: out}, nil
}

func (c *Client) quote(ctx context.Context, lamportsIn uint64, outputMint solana.PublicKey) (*quote, error) {
	params := url.Values{}
	params.Set("inputMint", pumpfun.WrappedSOLMint.String())
	params.Set("outputMint", outputMint.String())
	params.Set("amount", strconv.FormatUint(lamportsIn, 10))
	params.Set("slippageBps", strconv.Itoa(c.cfg.SlippageBps))
	params.Set("swapMode", "ExactIn")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var q quote
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	q.Raw = body
	return &q, nil
}

func (c *Client) swapTransaction(ctx context.Context, q *quote, user solana.PublicKey) (*solana.Transaction, error) {
	payload, err := json.Marshal(swapRequest{
		QuoteResponse:             q.Raw,
		UserPublicKey:             user.String(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build swap: %w", err)
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode swap response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("swap error: %s", resp.Error)
	}
	if resp.SwapTransaction == "" {
		return nil, errors.New("no swapTransaction in response")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode swap transaction: %w", err)
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse swap transaction: %w", err)
	}
	return tx, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
