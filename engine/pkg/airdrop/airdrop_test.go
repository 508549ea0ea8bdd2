package airdrop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sollama58/ASDev/engine/pkg/accounting"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	ledgertesting "github.com/sollama58/ASDev/engine/pkg/ledger/testing"
	"github.com/sollama58/ASDev/engine/pkg/points"
	"github.com/sollama58/ASDev/engine/pkg/store"
	"github.com/sollama58/ASDev/utils/pkg/retry"
	flywheeltesting "github.com/sollama58/ASDev/utils/pkg/testing"
)

func keys(n int) []solana.PublicKey {
	out := make([]solana.PublicKey, n)
	for i := range out {
		out[i] = solana.NewWallet().PublicKey()
	}
	return out
}

type mockStore struct {
	mu     sync.Mutex
	logs   []store.AirdropLog
	stats  map[string]uint64
	logErr error
}

func (m *mockStore) InsertAirdropLog(ctx context.Context, l store.AirdropLog) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logErr != nil {
		return 0, m.logErr
	}
	m.logs = append(m.logs, l)
	return int64(len(m.logs)), nil
}

func (m *mockStore) IncrementStat(ctx context.Context, key string, delta uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		m.stats = map[string]uint64{}
	}
	m.stats[key] += delta
	return m.stats[key], nil
}

type mockSink struct {
	entries []*LogEntry
}

func (m *mockSink) RecordAirdrop(_ context.Context, e *LogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type fixture struct {
	signer solana.PrivateKey
	mint   solana.PublicKey
	client *ledgertesting.Client
	store  *mockStore
	state  *accounting.State
}

func newFixture(t *testing.T, balance uint64) *fixture {
	t.Helper()
	signer := solana.NewWallet().PrivateKey
	mint := solana.NewWallet().PublicKey()
	source, err := ledger.AssociatedTokenAddress(signer.PublicKey(), mint, solana.TokenProgramID)
	require.NoError(t, err)
	return &fixture{
		signer: signer,
		mint:   mint,
		client: &ledgertesting.Client{
			GetTokenAccountBalanceFunc: func(_ context.Context, account solana.PublicKey) (ledger.TokenAmount, error) {
				if account != source {
					return ledger.TokenAmount{}, ledger.ErrAccountNotFound
				}
				return ledger.TokenAmount{Amount: balance, Decimals: 6}, nil
			},
			GetBalanceFunc: func(context.Context, solana.PublicKey) (uint64, error) {
				return 1_000_000_000, nil
			},
		},
		store: &mockStore{},
		state: accounting.NewState(),
	}
}

func (f *fixture) distributor(t *testing.T, mutate ...func(*DistributorConfig)) *Distributor {
	t.Helper()
	cfg := DistributorConfig{
		Logger:     flywheeltesting.NewLogger(),
		Clock:      clockwork.NewFakeClock(),
		Ledger:     f.client,
		Store:      f.store,
		State:      f.state,
		Signer:     f.signer,
		RewardMint: f.mint,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	d, err := NewDistributor(cfg)
	require.NoError(t, err)
	return d
}

func equalPoints(owners []solana.PublicKey) *accounting.Points {
	entries := make(map[solana.PublicKey]accounting.PointsEntry, len(owners))
	for _, o := range owners {
		entries[o] = accounting.PointsEntry{HolderPoints: 1, Total: 1}
	}
	return &accounting.Points{Entries: entries, Total: uint64(len(owners))}
}

func TestFlywheel_Airdrop_Shares(t *testing.T) {
	t.Parallel()

	t.Run("proportional and ordered", func(t *testing.T) {
		t.Parallel()
		k := keys(3)
		entries := map[solana.PublicKey]accounting.PointsEntry{
			k[0]: {Total: 1},
			k[1]: {Total: 3},
			k[2]: {Total: 0},
		}
		transfers, skipped := Shares(1000, entries, 4)
		require.Equal(t, []Transfer{{Recipient: k[1], Amount: 750}, {Recipient: k[0], Amount: 250}}, transfers)
		require.Equal(t, 1, skipped)
	})

	t.Run("zero shares are skipped", func(t *testing.T) {
		t.Parallel()
		k := keys(2)
		entries := map[solana.PublicKey]accounting.PointsEntry{
			k[0]: {Total: 999},
			k[1]: {Total: 1},
		}
		transfers, skipped := Shares(10, entries, 1000)
		require.Equal(t, []Transfer{{Recipient: k[0], Amount: 9}}, transfers)
		require.Equal(t, 1, skipped)
	})

	t.Run("ties break on address", func(t *testing.T) {
		t.Parallel()
		a := solana.PublicKey{1}
		b := solana.PublicKey{2}
		entries := map[solana.PublicKey]accounting.PointsEntry{b: {Total: 5}, a: {Total: 5}}
		for range 10 {
			transfers, _ := Shares(100, entries, 10)
			require.Equal(t, a, transfers[0].Recipient)
			require.Equal(t, b, transfers[1].Recipient)
		}
	})

	t.Run("empty pot", func(t *testing.T) {
		t.Parallel()
		transfers, skipped := Shares(0, map[solana.PublicKey]accounting.PointsEntry{{1}: {Total: 1}}, 1)
		require.Empty(t, transfers)
		require.Equal(t, 1, skipped)
	})

	t.Run("sum within pot", func(t *testing.T) {
		t.Parallel()
		entries := map[solana.PublicKey]accounting.PointsEntry{}
		var total uint64
		for i, o := range keys(37) {
			p := uint64(i%5 + 1)
			entries[o] = accounting.PointsEntry{Total: p}
			total += p
		}
		transfers, _ := Shares(1_000_003, entries, total)
		var sum uint64
		for _, tr := range transfers {
			sum += tr.Amount
		}
		require.LessOrEqual(t, sum, uint64(1_000_003))
		require.Greater(t, sum, uint64(1_000_003-37))
	})
}

func TestFlywheel_Airdrop_Batches(t *testing.T) {
	t.Parallel()

	transfers := make([]Transfer, 20)
	for i := range transfers {
		transfers[i].Amount = uint64(i)
	}
	batches := Batches(transfers, 8)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 8)
	require.Len(t, batches[1], 8)
	require.Len(t, batches[2], 4)
	require.Equal(t, uint64(8), batches[1][0].Amount)

	require.Empty(t, Batches(nil, 8))
	require.Len(t, Batches(transfers, 0), 3)
}

func TestFlywheel_Airdrop_EstimateCost(t *testing.T) {
	t.Parallel()

	owners := keys(4)
	mint := solana.NewWallet().PublicKey()
	client := &ledgertesting.Client{
		AccountsExistFunc: func(_ context.Context, addrs []solana.PublicKey) ([]bool, error) {
			require.Len(t, addrs, 4)
			return []bool{true, false, true, false}, nil
		},
	}
	est, err := EstimateCost(context.Background(), client, mint, solana.TokenProgramID, owners, ledger.AssociatedTokenAccountRent, DefaultSafetyBuffer)
	require.NoError(t, err)
	require.Equal(t, 2, est.MissingAccounts)
	require.Equal(t, 2*ledger.AssociatedTokenAccountRent+DefaultSafetyBuffer, est.Cost)

	client.AccountsExistFunc = func(context.Context, []solana.PublicKey) ([]bool, error) {
		return nil, errors.New("rpc down")
	}
	_, err = EstimateCost(context.Background(), client, mint, solana.TokenProgramID, owners, 1, 0)
	require.Error(t, err)
}

func TestFlywheel_Airdrop_Distribute(t *testing.T) {
	t.Parallel()

	const balance = 1_000_000
	pots := points.SplitPots(balance)

	t.Run("failed batch does not stop the run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(20)))
		f.state.PublishConservation(&accounting.Conservation{EstimatedCost: 1, Conserving: true})
		var calls atomic.Uint64
		f.client.SendTransactionFunc = func(context.Context, *solana.Transaction) (solana.Signature, error) {
			n := calls.Add(1)
			if n == 2 {
				return solana.Signature{}, errors.New("transaction simulation failed")
			}
			return ledgertesting.SignatureFor(n), nil
		}

		sink := &mockSink{}
		entry, err := f.distributor(t, func(c *DistributorConfig) { c.Sinks = []Sink{sink} }).Distribute(context.Background())
		require.NoError(t, err)
		require.NotNil(t, entry)

		require.Equal(t, 2, entry.SuccessfulBatches)
		require.Equal(t, 1, entry.FailedBatches)
		require.Len(t, entry.Batches, 3)
		require.Equal(t, StatusFailed, entry.Batches[1].Status)
		require.Empty(t, entry.Batches[1].Signature)
		require.Equal(t, []string{ledgertesting.SignatureFor(1).String(), ledgertesting.SignatureFor(3).String()}, entry.Signatures)
		require.Equal(t, entry.Signatures[1], entry.Batches[2].Signature)
		require.Equal(t, 16, entry.RecipientCount)

		share := pots.Community / 20
		require.Equal(t, 16*share, entry.Distributed)
		require.Nil(t, entry.Bonus)
		require.Len(t, f.client.Sent(), 3)

		require.Len(t, f.store.logs, 1)
		require.Equal(t, entry.RunID, f.store.logs[0].RunID)
		require.Equal(t, entry.Distributed, f.store.logs[0].Amount)
		require.Equal(t, uint64(20), f.store.logs[0].TotalPoints)
		require.Equal(t, entry.Distributed, f.store.stats[store.StatLifetimeDistributed])

		var decoded LogEntry
		require.NoError(t, json.Unmarshal(f.store.logs[0].Details, &decoded))
		require.Equal(t, 1, decoded.FailedBatches)

		require.Len(t, sink.entries, 1)
		require.Nil(t, f.state.Conservation())
	})

	t.Run("cancellation between batches persists landed transfers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(20)))
		f.state.PublishConservation(&accounting.Conservation{EstimatedCost: 1})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.client.SendTransactionFunc = func(context.Context, *solana.Transaction) (solana.Signature, error) {
			cancel()
			return ledgertesting.SignatureFor(1), nil
		}

		sink := &mockSink{}
		entry, err := f.distributor(t, func(c *DistributorConfig) { c.Sinks = []Sink{sink} }).Distribute(ctx)
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, entry)
		require.Len(t, f.client.Sent(), 1)

		require.Equal(t, 1, entry.SuccessfulBatches)
		require.Equal(t, 2, entry.NotAttemptedBatches)
		require.Len(t, entry.Batches, 3)
		require.Equal(t, StatusSuccess, entry.Batches[0].Status)
		for _, b := range entry.Batches[1:] {
			require.Equal(t, StatusNotAttempted, b.Status)
			require.Empty(t, b.Signature)
		}
		require.Equal(t, []string{ledgertesting.SignatureFor(1).String()}, entry.Signatures)
		require.Equal(t, 8*(pots.Community/20), entry.Distributed)

		require.Len(t, f.store.logs, 1)
		require.Equal(t, entry.Signatures, f.store.logs[0].Signatures)
		require.Equal(t, entry.Distributed, f.store.stats[store.StatLifetimeDistributed])
		require.Len(t, sink.entries, 1)
		require.Nil(t, f.state.Conservation())
	})

	t.Run("confirmation timeout keeps signature for reconciliation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(1)))
		f.state.PublishConservation(&accounting.Conservation{EstimatedCost: 1})
		f.client.ConfirmTransactionFunc = func(context.Context, solana.Signature, time.Duration) error {
			return ledger.ErrConfirmTimeout
		}

		entry, err := f.distributor(t).Distribute(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, entry.FailedBatches)
		require.Equal(t, ledgertesting.SignatureFor(1).String(), entry.Batches[0].Signature)
		require.Equal(t, []string{ledgertesting.SignatureFor(1).String()}, entry.Signatures)
		require.Zero(t, entry.Distributed)
		require.Len(t, f.client.Sent(), 1)
		require.NotNil(t, f.state.Conservation())
	})

	t.Run("bonus paid first and prefixed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		k := keys(3)
		p := equalPoints(k[:2])
		p.BonusCreator = k[2]
		f.state.PublishPoints(p)

		entry, err := f.distributor(t).Distribute(context.Background())
		require.NoError(t, err)
		require.NotNil(t, entry.Bonus)
		require.Equal(t, StatusSuccess, entry.Bonus.Status)
		require.Equal(t, pots.Bonus, entry.Bonus.Amount)
		require.Equal(t, BonusSignaturePrefix+ledgertesting.SignatureFor(1).String(), entry.Signatures[0])
		require.Equal(t, pots.Community, entry.CommunityPot)
		require.Equal(t, pots.Bonus+2*(pots.Community/2), entry.Distributed)

		sent := f.client.Sent()
		require.Len(t, sent, 2)
		ixs := ledgertesting.Instructions(sent[0])
		require.Len(t, ixs, 1)
		require.Equal(t, solana.TokenProgramID, ixs[0].Program)
	})

	t.Run("failed bonus folds into community pot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		k := keys(3)
		p := equalPoints(k[:2])
		p.BonusCreator = k[2]
		f.state.PublishPoints(p)

		var calls atomic.Int32
		f.client.SendTransactionFunc = func(context.Context, *solana.Transaction) (solana.Signature, error) {
			if calls.Add(1) == 1 {
				return solana.Signature{}, errors.New("insufficient funds")
			}
			return ledgertesting.SignatureFor(9), nil
		}

		entry, err := f.distributor(t).Distribute(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusFailed, entry.Bonus.Status)
		require.Equal(t, pots.Distributable, entry.CommunityPot)
		require.Equal(t, 2*(pots.Distributable/2), entry.Distributed)
		require.Equal(t, 1, entry.SuccessfulBatches)
		require.Equal(t, []string{ledgertesting.SignatureFor(9).String()}, entry.Signatures)
	})

	t.Run("missing recipient accounts are created", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(2)))
		f.client.AccountsExistFunc = func(_ context.Context, addrs []solana.PublicKey) ([]bool, error) {
			return []bool{false, true}, nil
		}

		entry, err := f.distributor(t).Distribute(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, entry.Batches[0].CreatedAccounts)

		ixs := ledgertesting.Instructions(f.client.Sent()[0])
		require.Len(t, ixs, 3)
		require.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ixs[0].Program)
		require.Equal(t, []byte{1}, ixs[0].Data)
		require.Equal(t, solana.TokenProgramID, ixs[1].Program)
		require.Equal(t, solana.TokenProgramID, ixs[2].Program)
	})

	t.Run("account lookup is retried on the injected clock", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(1)))
		var calls atomic.Int32
		f.client.AccountsExistFunc = func(_ context.Context, addrs []solana.PublicKey) ([]bool, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("429 too many requests")
			}
			return []bool{true}, nil
		}
		clock := clockwork.NewFakeClock()
		d := f.distributor(t, func(c *DistributorConfig) { c.Clock = clock })

		type result struct {
			entry *LogEntry
			err   error
		}
		done := make(chan result, 1)
		go func() {
			entry, err := d.Distribute(context.Background())
			done <- result{entry, err}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for want := int32(1); want <= 2; want++ {
			require.NoError(t, clock.BlockUntilContext(ctx, 1))
			require.Equal(t, want, calls.Load())
			clock.Advance(DefaultLookupBackoff)
		}

		res := <-done
		require.NoError(t, res.err)
		require.Equal(t, int32(3), calls.Load())
		require.Equal(t, 1, res.entry.SuccessfulBatches)
	})

	t.Run("exhausted lookup fails batch without submitting", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(1)))
		f.state.PublishConservation(&accounting.Conservation{EstimatedCost: 1})
		f.client.AccountsExistFunc = func(context.Context, []solana.PublicKey) ([]bool, error) {
			return nil, errors.New("connection reset")
		}

		entry, err := f.distributor(t, func(c *DistributorConfig) {
			c.Lookup = retry.FixedConfig(3, 0)
		}).Distribute(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, entry.FailedBatches)
		require.Empty(t, entry.Batches[0].Signature)
		require.Empty(t, f.client.Sent())
		require.Zero(t, entry.Distributed)
		require.NotNil(t, f.state.Conservation())
		require.NotContains(t, f.store.stats, store.StatLifetimeDistributed)
	})

	t.Run("preconditions", func(t *testing.T) {
		t.Parallel()

		t.Run("balance at threshold", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 500)
			f.state.PublishPoints(equalPoints(keys(1)))
			entry, err := f.distributor(t, func(c *DistributorConfig) { c.Threshold = 500 }).Distribute(context.Background())
			require.NoError(t, err)
			require.Nil(t, entry)
			require.Empty(t, f.client.Sent())
		})

		t.Run("native below estimate", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, balance)
			f.state.PublishPoints(equalPoints(keys(1)))
			f.state.PublishConservation(&accounting.Conservation{EstimatedCost: 2_000_000_000})
			entry, err := f.distributor(t).Distribute(context.Background())
			require.NoError(t, err)
			require.Nil(t, entry)
		})

		t.Run("native below fallback", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, balance)
			f.state.PublishPoints(equalPoints(keys(1)))
			f.client.GetBalanceFunc = func(context.Context, solana.PublicKey) (uint64, error) {
				return DefaultFallbackCost - 1, nil
			}
			entry, err := f.distributor(t).Distribute(context.Background())
			require.NoError(t, err)
			require.Nil(t, entry)
		})

		t.Run("no points", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, balance)
			entry, err := f.distributor(t).Distribute(context.Background())
			require.NoError(t, err)
			require.Nil(t, entry)

			f.state.PublishPoints(&accounting.Points{})
			entry, err = f.distributor(t).Distribute(context.Background())
			require.NoError(t, err)
			require.Nil(t, entry)
		})

		t.Run("balance read failure", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, balance)
			f.client.GetTokenAccountBalanceFunc = func(context.Context, solana.PublicKey) (ledger.TokenAmount, error) {
				return ledger.TokenAmount{}, errors.New("rpc down")
			}
			entry, err := f.distributor(t).Distribute(context.Background())
			require.Error(t, err)
			require.Nil(t, entry)
		})
	})

	t.Run("concurrent invocation is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.state.PublishPoints(equalPoints(keys(1)))

		entered := make(chan struct{})
		release := make(chan struct{})
		f.client.SendTransactionFunc = func(context.Context, *solana.Transaction) (solana.Signature, error) {
			close(entered)
			<-release
			return ledgertesting.SignatureFor(1), nil
		}
		d := f.distributor(t)

		done := make(chan *LogEntry)
		go func() {
			entry, _ := d.Distribute(context.Background())
			done <- entry
		}()
		<-entered

		entry, err := d.Distribute(context.Background())
		require.NoError(t, err)
		require.Nil(t, entry)

		close(release)
		require.NotNil(t, <-done)
		require.Len(t, f.store.logs, 1)
	})

	t.Run("persist failure still returns entry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balance)
		f.store.logErr = errors.New("db down")
		f.state.PublishPoints(equalPoints(keys(1)))
		entry, err := f.distributor(t).Distribute(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, entry.SuccessfulBatches)
	})
}

func TestFlywheel_Airdrop_DistributorConfig_Validate(t *testing.T) {
	t.Parallel()

	base := func() DistributorConfig {
		return DistributorConfig{
			Logger:     flywheeltesting.NewLogger(),
			Ledger:     &ledgertesting.Client{},
			Store:      &mockStore{},
			State:      accounting.NewState(),
			Signer:     solana.NewWallet().PrivateKey,
			RewardMint: solana.NewWallet().PublicKey(),
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, DefaultFallbackCost, cfg.FallbackCost)
	require.Equal(t, solana.TokenProgramID, cfg.RewardTokenProgram)
	require.NotNil(t, cfg.Clock)

	for name, mutate := range map[string]func(*DistributorConfig){
		"logger": func(c *DistributorConfig) { c.Logger = nil },
		"ledger": func(c *DistributorConfig) { c.Ledger = nil },
		"store":  func(c *DistributorConfig) { c.Store = nil },
		"state":  func(c *DistributorConfig) { c.State = nil },
		"signer": func(c *DistributorConfig) { c.Signer = nil },
		"mint":   func(c *DistributorConfig) { c.RewardMint = solana.PublicKey{} },
		"delay":  func(c *DistributorConfig) { c.BatchDelay = -1 },
	} {
		cfg := base()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}
