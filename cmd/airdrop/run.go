package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"airdrop/internal/chain"
	"airdrop/internal/config"
	"airdrop/internal/coordinator"
	"airdrop/internal/fee"
	"airdrop/internal/ledger"
	"airdrop/internal/metrics"
	"airdrop/internal/notify"
	"airdrop/internal/reward"
	"airdrop/internal/storage/postgres"
	"airdrop/internal/submitter"
	"airdrop/internal/subscriber"
	"airdrop/internal/wallet"
)

func runDistributor(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	contract, err := subscriber.ParseAddress(cfg.Contract)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	token, err := subscriber.ParseAddress(cfg.Token)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	topic0, err := subscriber.ParseTopic0(cfg.Topic0)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.WithLimiter(chain.NewLimiter(cfg.RPCRPS, cfg.RPCBurst)))
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = chainClient.ChainID(ctx); err != nil {
			return fmt.Errorf("read chain id: %w", err)
		}
	}

	signer, err := wallet.NewSigner(cfg.PrivateKey, chainID)
	if err != nil {
		return err
	}

	store, closeLedger, err := openLedger(ctx, cfg.LedgerDir, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeLedger()

	decimals, err := reward.ResolveDecimals(ctx, chainClient, token, cfg.TokenDecimals)
	if err != nil {
		return err
	}
	policy, err := reward.New(reward.Config{
		Kind:   cfg.RewardPolicy,
		Amount: cfg.RewardAmount,
		Rate:   cfg.RewardRate,
		Max:    cfg.RewardMax,
	}, decimals)
	if err != nil {
		return err
	}

	oracle := fee.NewOracle(chainClient, fee.Config{
		Legacy:      cfg.LegacyTx,
		MinTip:      cfg.MinTip,
		MaxFeeCap:   cfg.MaxFeeCap,
		BumpPercent: cfg.FeeBumpPercent,
	}, logger)

	sender, err := submitter.New(submitter.Config{
		ChainID:            chainID,
		Token:              token,
		GasLimit:           cfg.GasLimit,
		GasLimitMultiplier: cfg.GasLimitMultiplier,
		InclusionTimeout:   cfg.InclusionTimeout,
		PollInterval:       cfg.TxPollInterval,
		MaxEscalations:     cfg.MaxEscalations,
		Confirmations:      cfg.Confirmations,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff,
	}, chainClient, signer, oracle, coordinator.LedgerReporter{Ledger: store}, logger)
	if err != nil {
		return err
	}

	stream, err := subscriber.NewStream(chainClient, subscriber.NewCheckpointStore(cfg.Checkpoint, cfg.CheckpointEnabled), subscriber.Config{
		Contract:             contract,
		Topic0:               topic0,
		StartBlock:           cfg.StartBlock,
		BatchSize:            cfg.BatchSize,
		MaxRetries:           cfg.MaxRetries,
		RetryBackoff:         cfg.RetryBackoff,
		PollInterval:         cfg.PollInterval,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
		DedupWindow:          cfg.DedupWindow,
		Polling:              cfg.Polling,
	}, logger)
	if err != nil {
		return err
	}
	defer stream.Close()

	notifier, err := openNotifier(cfg)
	if err != nil {
		return err
	}
	defer notifier.Close()

	coord, err := coordinator.New(coordinator.Config{
		Concurrency:      cfg.Concurrency,
		OncePerRecipient: cfg.OncePerRecipient,
		FatalRejections:  cfg.FatalRejections,
		RetryInterval:    cfg.RetryBackoff,
		RetryMaxInterval: cfg.ReconnectMaxInterval,
	}, stream, store, coordinator.SubmitterTransfers(sender), policy, notifier, logger)
	if err != nil {
		return err
	}

	logger.Info("distributor start",
		zap.String("rpc", redactURL(cfg.RPCURL)),
		zap.String("chain_id", chainID.String()),
		zap.String("contract", contract.Hex()),
		zap.String("token", token.Hex()),
		zap.String("sender", signer.Address().Hex()),
		zap.String("reward", policy.Describe()),
		zap.Bool("once_per_recipient", cfg.OncePerRecipient),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.Bool("checkpoint_enabled", cfg.CheckpointEnabled),
		zap.String("checkpoint", cfg.Checkpoint),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		defer stop()
		return coord.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("distributor stopped")
	return nil
}

func openLedger(ctx context.Context, dir, dsn string) (ledger.Ledger, func(), error) {
	if dsn != "" {
		pg, err := postgres.NewLedger(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pg, pg.Close, nil
	}
	fl, err := ledger.OpenFileLedger(dir)
	if err != nil {
		return nil, nil, err
	}
	return fl, func() {}, nil
}

func openNotifier(cfg config.Config) (notify.Notifier, error) {
	var sinks notify.Multi
	if cfg.NotifyFile != "" {
		sinks = append(sinks, notify.NewJSONL(cfg.NotifyFile))
	}
	if cfg.KafkaBrokers != "" {
		k, err := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if len(sinks) == 0 {
		return notify.Nop{}, nil
	}
	return sinks, nil
}

// redactURL drops credentials and paths, which often embed provider API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
