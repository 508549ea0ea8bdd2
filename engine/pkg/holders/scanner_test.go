package holders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sollama58/ASDev/engine/pkg/ledger"
	ledgertesting "github.com/sollama58/ASDev/engine/pkg/ledger/testing"
	"github.com/sollama58/ASDev/engine/pkg/pumpfun"
	"github.com/sollama58/ASDev/engine/pkg/store"
	"github.com/sollama58/ASDev/engine/pkg/tokenacct"
	flywheeltesting "github.com/sollama58/ASDev/utils/pkg/testing"
)

type mockStore struct {
	mu                    sync.Mutex
	topTokensByVolumeFunc func(ctx context.Context, limit int) ([]store.Token, error)
	replaceHoldersFunc    func(ctx context.Context, mint solana.PublicKey, holders []store.Holder) error
	snapshots             map[solana.PublicKey][]store.Holder
}

func (m *mockStore) TopTokensByVolume(ctx context.Context, limit int) ([]store.Token, error) {
	if m.topTokensByVolumeFunc != nil {
		return m.topTokensByVolumeFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockStore) ReplaceHolders(ctx context.Context, mint solana.PublicKey, holders []store.Holder) error {
	if m.replaceHoldersFunc != nil {
		if err := m.replaceHoldersFunc(ctx, mint, holders); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots == nil {
		m.snapshots = map[solana.PublicKey][]store.Holder{}
	}
	m.snapshots[mint] = holders
	return nil
}

func (m *mockStore) snapshot(mint solana.PublicKey) []store.Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[mint]
}

func accountsLedger(byMint map[solana.PublicKey][]tokenacct.Account) *ledgertesting.Client {
	return &ledgertesting.Client{
		GetTokenAccountsByMintFunc: func(_ context.Context, program, mint solana.PublicKey) ([]ledger.RawAccount, error) {
			if !program.Equals(solana.TokenProgramID) {
				return nil, nil
			}
			var out []ledger.RawAccount
			for _, acc := range byMint[mint] {
				out = append(out, ledger.RawAccount{Data: tokenacct.Encode(acc)})
			}
			return out, nil
		},
	}
}

func TestFlywheel_Holders_Scanner_Scan(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()
	curve, err := pumpfun.BondingCurveAddress(mint)
	require.NoError(t, err)
	liquidity := solana.NewWallet().PublicKey()
	k := keys(3)

	client := accountsLedger(map[solana.PublicKey][]tokenacct.Account{
		mint: {
			{Mint: mint, Owner: curve, Amount: 1_000_000},
			{Mint: mint, Owner: k[0], Amount: 500},
			{Mint: mint, Owner: liquidity, Amount: 900_000},
			{Mint: mint, Owner: k[1], Amount: 700},
			{Mint: mint, Owner: k[2], Amount: 10},
		},
	})
	st := &mockStore{}
	scanner, err := NewScanner(ScannerConfig{
		Logger:           flywheeltesting.NewLogger(),
		Clock:            clockwork.NewFakeClock(),
		Ledger:           client,
		Store:            st,
		LiquidityAddress: liquidity,
		MinBalance:       10,
	})
	require.NoError(t, err)

	ranked, err := scanner.Scan(context.Background(), mint, curve)
	require.NoError(t, err)
	require.Equal(t, []Ranked{
		{Owner: k[1], Amount: 700, Rank: 1},
		{Owner: k[0], Amount: 500, Rank: 2},
	}, ranked)

	rows := st.snapshot(mint)
	require.Len(t, rows, 2)
	require.Equal(t, mint, rows[0].Mint)
	require.Equal(t, k[1], rows[0].Address)
	require.Equal(t, 1, rows[0].Rank)

	t.Run("rescan is idempotent", func(t *testing.T) {
		again, err := scanner.Scan(context.Background(), mint, curve)
		require.NoError(t, err)
		require.Equal(t, ranked, again)
		require.Equal(t, rows, st.snapshot(mint))
	})
}

func TestFlywheel_Holders_Scanner_Run(t *testing.T) {
	t.Parallel()

	t.Run("skips failing mint and continues", func(t *testing.T) {
		t.Parallel()

		mints := keys(3)
		owner := solana.NewWallet().PublicKey()
		client := &ledgertesting.Client{
			GetTokenAccountsByMintFunc: func(_ context.Context, program, mint solana.PublicKey) ([]ledger.RawAccount, error) {
				if mint.Equals(mints[1]) {
					return nil, errors.New("rpc overloaded")
				}
				if !program.Equals(solana.TokenProgramID) {
					return nil, nil
				}
				return []ledger.RawAccount{{Data: tokenacct.Encode(tokenacct.Account{Mint: mint, Owner: owner, Amount: 5})}}, nil
			},
		}
		st := &mockStore{
			topTokensByVolumeFunc: func(_ context.Context, limit int) ([]store.Token, error) {
				require.Equal(t, DefaultTopTokens, limit)
				return []store.Token{{Mint: mints[0]}, {Mint: mints[1]}, {Mint: mints[2]}}, nil
			},
		}
		scanner, err := NewScanner(ScannerConfig{
			Logger: flywheeltesting.NewLogger(),
			Ledger: client,
			Store:  st,
		})
		require.NoError(t, err)

		require.NoError(t, scanner.Run(context.Background()))
		require.Len(t, st.snapshot(mints[0]), 1)
		require.Nil(t, st.snapshot(mints[1]))
		require.Len(t, st.snapshot(mints[2]), 1)
	})

	t.Run("pauses between mints", func(t *testing.T) {
		t.Parallel()

		mints := keys(2)
		clock := clockwork.NewFakeClock()
		var mu sync.Mutex
		var scannedAt []time.Time
		client := &ledgertesting.Client{
			GetTokenAccountsByMintFunc: func(_ context.Context, program, mint solana.PublicKey) ([]ledger.RawAccount, error) {
				if program.Equals(solana.TokenProgramID) {
					mu.Lock()
					scannedAt = append(scannedAt, clock.Now())
					mu.Unlock()
				}
				return nil, nil
			},
		}
		st := &mockStore{
			topTokensByVolumeFunc: func(context.Context, int) ([]store.Token, error) {
				return []store.Token{{Mint: mints[0]}, {Mint: mints[1]}}, nil
			},
		}
		scanner, err := NewScanner(ScannerConfig{
			Logger:    flywheeltesting.NewLogger(),
			Clock:     clock,
			Ledger:    client,
			Store:     st,
			MintDelay: 2 * time.Second,
		})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- scanner.Run(context.Background()) }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(2 * time.Second)
		require.NoError(t, <-done)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, scannedAt, 2)
		require.Equal(t, 2*time.Second, scannedAt[1].Sub(scannedAt[0]))
	})

	t.Run("leaderboard failure is returned", func(t *testing.T) {
		t.Parallel()
		st := &mockStore{
			topTokensByVolumeFunc: func(context.Context, int) ([]store.Token, error) {
				return nil, errors.New("db down")
			},
		}
		scanner, err := NewScanner(ScannerConfig{Logger: flywheeltesting.NewLogger(), Ledger: &ledgertesting.Client{}, Store: st})
		require.NoError(t, err)
		require.ErrorContains(t, scanner.Run(context.Background()), "db down")
	})

	t.Run("store failure keeps scanning", func(t *testing.T) {
		t.Parallel()
		mints := keys(2)
		owner := solana.NewWallet().PublicKey()
		client := accountsLedger(map[solana.PublicKey][]tokenacct.Account{
			mints[0]: {{Owner: owner, Amount: 1}},
			mints[1]: {{Owner: owner, Amount: 2}},
		})
		st := &mockStore{
			topTokensByVolumeFunc: func(context.Context, int) ([]store.Token, error) {
				return []store.Token{{Mint: mints[0]}, {Mint: mints[1]}}, nil
			},
			replaceHoldersFunc: func(_ context.Context, mint solana.PublicKey, _ []store.Holder) error {
				if mint.Equals(mints[0]) {
					return errors.New("deadlock detected")
				}
				return nil
			},
		}
		scanner, err := NewScanner(ScannerConfig{Logger: flywheeltesting.NewLogger(), Ledger: client, Store: st})
		require.NoError(t, err)
		require.NoError(t, scanner.Run(context.Background()))
		require.Nil(t, st.snapshot(mints[0]))
		require.Len(t, st.snapshot(mints[1]), 1)
	})
}
