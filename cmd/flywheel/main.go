package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sollama58/ASDev/engine/pkg/airdrop"
	"github.com/sollama58/ASDev/engine/pkg/clickhouse"
	"github.com/sollama58/ASDev/engine/pkg/engine"
	"github.com/sollama58/ASDev/engine/pkg/flywheel"
	"github.com/sollama58/ASDev/engine/pkg/jupiter"
	"github.com/sollama58/ASDev/engine/pkg/ledger"
	"github.com/sollama58/ASDev/engine/pkg/metrics"
	"github.com/sollama58/ASDev/engine/pkg/notify"
	"github.com/sollama58/ASDev/engine/pkg/pumpfun"
	"github.com/sollama58/ASDev/engine/pkg/server"
	"github.com/sollama58/ASDev/engine/pkg/store"
	"github.com/sollama58/ASDev/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before flags are resolved, when present")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging (or set VERBOSE=true env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "status server listen address (or set LISTEN_ADDR env var)")

	// Ledger
	rpcURLFlag := flag.String("solana-rpc-url", "", "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	rpcRateLimitFlag := flag.Float64("rpc-rate-limit", 0, "maximum RPC requests per second, 0 = unlimited (or set RPC_RATE_LIMIT env var)")
	treasuryKeyFlag := flag.String("treasury-keypair", "", "treasury secret key, base58 or keygen JSON (prefer TREASURY_KEYPAIR env var)")

	// Tokens and addresses
	rewardMintFlag := flag.String("reward-mint", "", "reward token mint (or set REWARD_MINT env var)")
	rewardProgramFlag := flag.String("reward-token-program", "", "reward token program, defaults to classic SPL (or set REWARD_TOKEN_PROGRAM env var)")
	loyaltyMintFlag := flag.String("loyalty-mint", "", "loyalty multiplier token mint (or set LOYALTY_MINT env var)")
	liquidityFlag := flag.String("liquidity-address", "", "protocol liquidity owner excluded from rankings (or set LIQUIDITY_ADDRESS env var)")
	feeReceiverAFlag := flag.String("fee-receiver-a", "", "receiver of the 4.5% buy fee (or set FEE_RECEIVER_A env var)")
	feeReceiverBFlag := flag.String("fee-receiver-b", "", "receiver of the 0.5% buy fee (or set FEE_RECEIVER_B env var)")

	// Thresholds
	distributionThresholdFlag := flag.Uint64("distribution-threshold", 0, "reward token balance in base units above which the treasury airdrops (or set DISTRIBUTION_THRESHOLD env var)")
	claimThresholdFlag := flag.Uint64("claim-threshold", flywheel.DefaultClaimThreshold, "pending fees in lamports that trigger a claim (or set CLAIM_THRESHOLD env var)")
	minSpendFlag := flag.Uint64("min-spend", flywheel.DefaultMinSpend, "smallest buy in lamports (or set MIN_SPEND env var)")
	reserveFlag := flag.Uint64("reserve", flywheel.DefaultReserve, "lamports always kept in the treasury (or set RESERVE env var)")
	minHolderBalanceFlag := flag.Uint64("min-holder-balance", 0, "balances at or below this are dust (or set MIN_HOLDER_BALANCE env var)")
	maxHoldersFlag := flag.Int("max-holders", 0, "ranked holders kept per leaderboard token (or set MAX_HOLDERS env var)")
	topTokensFlag := flag.Int("top-tokens", 0, "leaderboard tokens scanned by volume (or set TOP_TOKENS env var)")
	batchSizeFlag := flag.Int("batch-size", airdrop.DefaultBatchSize, "recipients per airdrop transaction (or set BATCH_SIZE env var)")
	batchDelayFlag := flag.Duration("batch-delay", airdrop.DefaultBatchDelay, "pause between airdrop transactions (or set BATCH_DELAY env var)")

	// Swap
	jupiterURLFlag := flag.String("jupiter-api-url", jupiter.DefaultBaseURL, "swap aggregator base URL (or set JUPITER_API_URL env var)")
	jupiterKeyFlag := flag.String("jupiter-api-key", "", "swap aggregator API key (or set JUPITER_API_KEY env var)")
	slippageFlag := flag.Int("slippage-bps", jupiter.DefaultSlippageBps, "swap slippage in basis points (or set SLIPPAGE_BPS env var)")

	// Postgres
	pgHostFlag := flag.String("postgres-host", "localhost", "Postgres host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "Postgres port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-database", "", "Postgres database (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("postgres-username", "", "Postgres username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "Postgres password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "Postgres sslmode (or set POSTGRES_SSLMODE env var)")

	// Optional analytics and notifications
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port), empty disables the sink (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "enable TLS for ClickHouse (or set CLICKHOUSE_SECURE=true env var)")
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack incoming webhook, empty disables notifications (or set SLACK_WEBHOOK_URL env var)")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN, empty disables crash reporting (or set SENTRY_DSN env var)")
	sentryEnvFlag := flag.String("sentry-environment", "production", "Sentry environment (or set SENTRY_ENVIRONMENT env var)")

	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
		}
	}

	envBool(verboseFlag, "VERBOSE")
	envString(listenAddrFlag, "LISTEN_ADDR")
	envString(rpcURLFlag, "SOLANA_RPC_URL")
	envString(treasuryKeyFlag, "TREASURY_KEYPAIR")
	envString(rewardMintFlag, "REWARD_MINT")
	envString(rewardProgramFlag, "REWARD_TOKEN_PROGRAM")
	envString(loyaltyMintFlag, "LOYALTY_MINT")
	envString(liquidityFlag, "LIQUIDITY_ADDRESS")
	envString(feeReceiverAFlag, "FEE_RECEIVER_A")
	envString(feeReceiverBFlag, "FEE_RECEIVER_B")
	envString(jupiterURLFlag, "JUPITER_API_URL")
	envString(jupiterKeyFlag, "JUPITER_API_KEY")
	envString(pgHostFlag, "POSTGRES_HOST")
	envString(pgPortFlag, "POSTGRES_PORT")
	envString(pgDatabaseFlag, "POSTGRES_DB")
	envString(pgUsernameFlag, "POSTGRES_USER")
	envString(pgPasswordFlag, "POSTGRES_PASSWORD")
	envString(pgSSLModeFlag, "POSTGRES_SSLMODE")
	envString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	envString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	envString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	envString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	envBool(clickhouseSecureFlag, "CLICKHOUSE_SECURE")
	envString(slackWebhookFlag, "SLACK_WEBHOOK_URL")
	envString(sentryDSNFlag, "SENTRY_DSN")
	envString(sentryEnvFlag, "SENTRY_ENVIRONMENT")
	if err := errors.Join(
		envFloat(rpcRateLimitFlag, "RPC_RATE_LIMIT"),
		envUint64(distributionThresholdFlag, "DISTRIBUTION_THRESHOLD"),
		envUint64(claimThresholdFlag, "CLAIM_THRESHOLD"),
		envUint64(minSpendFlag, "MIN_SPEND"),
		envUint64(reserveFlag, "RESERVE"),
		envUint64(minHolderBalanceFlag, "MIN_HOLDER_BALANCE"),
		envInt(maxHoldersFlag, "MAX_HOLDERS"),
		envInt(topTokensFlag, "TOP_TOKENS"),
		envInt(batchSizeFlag, "BATCH_SIZE"),
		envDuration(batchDelayFlag, "BATCH_DELAY"),
		envInt(slippageFlag, "SLIPPAGE_BPS"),
	); err != nil {
		return err
	}

	log := logger.New(*verboseFlag)

	if *rpcURLFlag == "" {
		return errors.New("solana rpc url is required (set --solana-rpc-url or SOLANA_RPC_URL)")
	}
	signer, err := ledger.LoadSigner(*treasuryKeyFlag)
	if err != nil {
		return fmt.Errorf("failed to load treasury keypair: %w", err)
	}
	rewardMint, err := publicKey("reward mint", *rewardMintFlag)
	if err != nil {
		return err
	}
	rewardProgram, err := publicKey("reward token program", *rewardProgramFlag)
	if err != nil {
		return err
	}
	loyaltyMint, err := publicKey("loyalty mint", *loyaltyMintFlag)
	if err != nil {
		return err
	}
	liquidity, err := publicKey("liquidity address", *liquidityFlag)
	if err != nil {
		return err
	}
	feeReceiverA, err := publicKey("fee receiver a", *feeReceiverAFlag)
	if err != nil {
		return err
	}
	feeReceiverB, err := publicKey("fee receiver b", *feeReceiverBFlag)
	if err != nil {
		return err
	}

	reportPanics := *sentryDSNFlag != ""
	if reportPanics {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         *sentryDSNFlag,
			Environment: *sentryEnvFlag,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := store.PostgresConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	if err := pgCfg.Validate(); err != nil {
		return err
	}
	if err := store.Migrate(ctx, log, pgCfg.ConnString()); err != nil {
		return err
	}
	pool, err := store.NewPool(ctx, pgCfg.ConnString())
	if err != nil {
		return err
	}
	defer pool.Close()
	db, err := store.New(store.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	var (
		flywheelSinks []flywheel.Sink
		airdropSinks  []airdrop.Sink
	)
	if *clickhouseAddrFlag != "" {
		chCfg := clickhouse.Config{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
		if err := clickhouse.Migrate(ctx, log, chCfg); err != nil {
			return err
		}
		conn, err := clickhouse.Open(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		sink, err := clickhouse.NewSink(clickhouse.SinkConfig{Logger: log, Conn: conn})
		if err != nil {
			return err
		}
		flywheelSinks = append(flywheelSinks, sink)
		airdropSinks = append(airdropSinks, sink)
	}
	if *slackWebhookFlag != "" {
		slack, err := notify.NewSlack(notify.SlackConfig{Logger: log, WebhookURL: *slackWebhookFlag})
		if err != nil {
			return err
		}
		flywheelSinks = append(flywheelSinks, slack)
		airdropSinks = append(airdropSinks, slack)
	}

	ledgerClient, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		Logger:    log,
		RPC:       solanarpc.New(*rpcURLFlag),
		RateLimit: *rpcRateLimitFlag,
	})
	if err != nil {
		return err
	}

	swapper, err := jupiter.NewClient(jupiter.ClientConfig{
		Logger:      log,
		Ledger:      ledgerClient,
		BaseURL:     *jupiterURLFlag,
		APIKey:      *jupiterKeyFlag,
		SlippageBps: *slippageFlag,
	})
	if err != nil {
		return err
	}

	curveFees, err := pumpfun.NewCurveFees(ledgerClient, signer.PublicKey())
	if err != nil {
		return err
	}
	ammFees, err := pumpfun.NewAMMFees(ledgerClient, signer.PublicKey())
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Logger:                log,
		Ledger:                ledgerClient,
		Store:                 db,
		Signer:                signer,
		RewardMint:            rewardMint,
		RewardTokenProgram:    rewardProgram,
		LoyaltyMint:           loyaltyMint,
		LiquidityAddress:      liquidity,
		FeeReceiverA:          feeReceiverA,
		FeeReceiverB:          feeReceiverB,
		FeeSources:            []flywheel.FeeSource{curveFees, ammFees},
		Swapper:               swapper,
		MinHolderBalance:      *minHolderBalanceFlag,
		MaxHolders:            *maxHoldersFlag,
		TopTokens:             *topTokensFlag,
		DistributionThreshold: *distributionThresholdFlag,
		ClaimThreshold:        *claimThresholdFlag,
		MinSpend:              *minSpendFlag,
		Reserve:               *reserveFlag,
		BatchSize:             *batchSizeFlag,
		BatchDelay:            *batchDelayFlag,
		FlywheelSinks:         flywheelSinks,
		AirdropSinks:          airdropSinks,
		ReportPanics:          reportPanics,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
		State:       eng.State(),
		Store:       db,
		Readiness:   eng,
	})
	if err != nil {
		return err
	}

	log.Info("flywheel: starting", "version", version, "commit", commit, "treasury", signer.PublicKey().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("flywheel: shutdown complete")
	return nil
}
