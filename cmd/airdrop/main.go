package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "airdrop",
		Short:        "Reward liquidity providers once per IncreaseLiquidity event",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("env-file", ".env", "dotenv file with secrets such as AIRDROP_PRIVATE_KEY")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch events and distribute rewards",
		RunE:  runDistributor,
	}

	flags := runCmd.Flags()
	flags.String("rpc-url", "", "node RPC URL (ws/wss enables push subscriptions)")
	flags.Int64("chain-id", 0, "chain id, 0 reads it from the node")
	flags.Float64("rpc-rps", 0, "eth_getLogs requests per second, 0 means unlimited")
	flags.Int("rpc-burst", 10, "eth_getLogs burst size")
	flags.String("contract", "", "position manager contract address")
	flags.String("topic0", "", "override for the IncreaseLiquidity topic0")
	flags.Int64("start-block", -1, "first block to scan when no checkpoint exists, -1 means current head")
	flags.Uint64("batch-size", 2000, "blocks per eth_getLogs request")
	flags.String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	flags.Bool("checkpoint-enabled", true, "enable checkpointing")
	flags.Int("max-retries", 5, "maximum retry attempts for RPC calls")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.Bool("polling", false, "poll for logs instead of subscribing")
	flags.Duration("poll-interval", 4*time.Second, "polling interval")
	flags.Duration("connect-timeout", 15*time.Second, "timeout for one connect attempt")
	flags.Duration("reconnect-max-interval", 30*time.Second, "maximum delay between reconnect attempts")
	flags.Uint64("dedup-window", 128, "blocks below the checkpoint for which seen logs are remembered")
	flags.String("ledger-dir", "./data/ledger", "file ledger directory")
	flags.String("pg-dsn", "", "Postgres DSN, replaces the file ledger when set")
	flags.String("token", "", "reward token address")
	flags.Int("token-decimals", -1, "reward token decimals, -1 reads decimals()")
	flags.String("reward-policy", "fixed", "reward policy (fixed, proportional)")
	flags.String("reward-amount", "100", "tokens per event for the fixed policy")
	flags.String("reward-rate", "", "tokens per liquidity unit for the proportional policy")
	flags.String("reward-max", "", "cap in tokens for the proportional policy")
	flags.Bool("once-per-recipient", false, "reward each address at most once")
	flags.Bool("legacy-tx", false, "send legacy transactions priced by eth_gasPrice")
	flags.String("min-tip", "", "minimum priority fee in wei")
	flags.String("max-fee-cap", "", "maximum fee cap in wei")
	flags.Int("fee-bump-percent", 15, "fee increase per escalation")
	flags.Uint64("gas-limit", 500000, "gas limit when estimation is unavailable")
	flags.Float64("gas-limit-multiplier", 1.2, "multiplier applied to the gas estimate")
	flags.Duration("inclusion-timeout", 2*time.Minute, "wait before escalating the fee")
	flags.Duration("tx-poll-interval", 3*time.Second, "receipt polling interval")
	flags.Int("max-escalations", 5, "fee escalations before giving up")
	flags.Uint64("confirmations", 1, "blocks required to treat a transfer as confirmed")
	flags.Int("concurrency", 4, "transfers awaiting inclusion at once")
	flags.Int("fatal-rejections", 3, "consecutive operational failures that stop the run, negative disables")
	flags.String("notify-file", "", "append outcome notices to this JSONL file")
	flags.String("kafka-brokers", "", "publish outcome notices to these Kafka brokers")
	flags.String("kafka-topic", "", "Kafka topic for outcome notices")
	flags.String("metrics-addr", "", "serve /metrics and /healthz on this address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres ledger schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	lookupCmd := &cobra.Command{
		Use:   "lookup <block:txhash:logindex>",
		Short: "Print the ledger record of one event",
		Args:  cobra.ExactArgs(1),
		RunE:  runLookup,
	}
	lookupCmd.Flags().String("ledger-dir", "./data/ledger", "file ledger directory")
	lookupCmd.Flags().String("pg-dsn", "", "Postgres DSN, replaces the file ledger when set")
	lookupCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(lookupCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
