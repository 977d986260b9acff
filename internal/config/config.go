package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "AIRDROP"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	// node
	RPCURL   string
	ChainID  int64
	RPCRPS   float64
	RPCBurst int

	// subscriber
	Contract             string
	Topic0               string
	StartBlock           *uint64
	BatchSize            uint64
	Checkpoint           string
	CheckpointEnabled    bool
	MaxRetries           int
	RetryBackoff         time.Duration
	Polling              bool
	PollInterval         time.Duration
	ConnectTimeout       time.Duration
	ReconnectMaxInterval time.Duration
	DedupWindow          uint64

	// ledger
	LedgerDir string
	PGDSN     string

	// payout
	Token            string
	TokenDecimals    *uint8
	PrivateKey       string
	RewardPolicy     string
	RewardAmount     string
	RewardRate       string
	RewardMax        string
	OncePerRecipient bool

	// fees and submission
	LegacyTx           bool
	MinTip             *big.Int
	MaxFeeCap          *big.Int
	FeeBumpPercent     int
	GasLimit           uint64
	GasLimitMultiplier float64
	InclusionTimeout   time.Duration
	TxPollInterval     time.Duration
	MaxEscalations     int
	Confirmations      uint64

	// coordinator
	Concurrency     int
	FatalRejections int

	// operator surface
	NotifyFile   string
	KafkaBrokers string
	KafkaTopic   string
	MetricsAddr  string
	LogLevel     string
}

// Load merges a .env file, config file, environment variables, and flags into Config.
// Values from .env never override variables already set in the environment.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	envFile := ".env"
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil && f.Value.String() != "" {
			envFile = f.Value.String()
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	// never a flag, so it cannot leak through the process list
	if err := v.BindEnv("private-key"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:               strings.TrimSpace(v.GetString("rpc-url")),
		ChainID:              v.GetInt64("chain-id"),
		RPCRPS:               v.GetFloat64("rpc-rps"),
		RPCBurst:             v.GetInt("rpc-burst"),
		Contract:             strings.TrimSpace(v.GetString("contract")),
		Topic0:               strings.TrimSpace(v.GetString("topic0")),
		BatchSize:            v.GetUint64("batch-size"),
		Checkpoint:           v.GetString("checkpoint"),
		CheckpointEnabled:    v.GetBool("checkpoint-enabled"),
		MaxRetries:           v.GetInt("max-retries"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		Polling:              v.GetBool("polling"),
		PollInterval:         v.GetDuration("poll-interval"),
		ConnectTimeout:       v.GetDuration("connect-timeout"),
		ReconnectMaxInterval: v.GetDuration("reconnect-max-interval"),
		DedupWindow:          v.GetUint64("dedup-window"),
		LedgerDir:            v.GetString("ledger-dir"),
		PGDSN:                v.GetString("pg-dsn"),
		Token:                strings.TrimSpace(v.GetString("token")),
		PrivateKey:           strings.TrimSpace(v.GetString("private-key")),
		RewardPolicy:         v.GetString("reward-policy"),
		RewardAmount:         v.GetString("reward-amount"),
		RewardRate:           v.GetString("reward-rate"),
		RewardMax:            v.GetString("reward-max"),
		OncePerRecipient:     v.GetBool("once-per-recipient"),
		LegacyTx:             v.GetBool("legacy-tx"),
		FeeBumpPercent:       v.GetInt("fee-bump-percent"),
		GasLimit:             v.GetUint64("gas-limit"),
		GasLimitMultiplier:   v.GetFloat64("gas-limit-multiplier"),
		InclusionTimeout:     v.GetDuration("inclusion-timeout"),
		TxPollInterval:       v.GetDuration("tx-poll-interval"),
		MaxEscalations:       v.GetInt("max-escalations"),
		Confirmations:        v.GetUint64("confirmations"),
		Concurrency:          v.GetInt("concurrency"),
		FatalRejections:      v.GetInt("fatal-rejections"),
		NotifyFile:           v.GetString("notify-file"),
		KafkaBrokers:         v.GetString("kafka-brokers"),
		KafkaTopic:           v.GetString("kafka-topic"),
		MetricsAddr:          v.GetString("metrics-addr"),
		LogLevel:             v.GetString("log-level"),
	}

	if start := v.GetInt64("start-block"); start >= 0 {
		block := uint64(start)
		cfg.StartBlock = &block
	}
	if decimals := v.GetInt("token-decimals"); decimals >= 0 {
		if decimals > 255 {
			return Config{}, fmt.Errorf("token-decimals out of range: %d", decimals)
		}
		d := uint8(decimals)
		cfg.TokenDecimals = &d
	}

	var err error
	if cfg.MinTip, err = parseWei("min-tip", v.GetString("min-tip")); err != nil {
		return Config{}, err
	}
	if cfg.MaxFeeCap, err = parseWei("max-fee-cap", v.GetString("max-fee-cap")); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc-burst", 10)
	v.SetDefault("start-block", int64(-1))
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("poll-interval", 4*time.Second)
	v.SetDefault("connect-timeout", 15*time.Second)
	v.SetDefault("reconnect-max-interval", 30*time.Second)
	v.SetDefault("dedup-window", uint64(128))
	v.SetDefault("ledger-dir", "./data/ledger")
	v.SetDefault("token-decimals", -1)
	v.SetDefault("reward-policy", "fixed")
	v.SetDefault("reward-amount", "100")
	v.SetDefault("fee-bump-percent", 15)
	v.SetDefault("gas-limit", uint64(500000))
	v.SetDefault("gas-limit-multiplier", 1.2)
	v.SetDefault("inclusion-timeout", 2*time.Minute)
	v.SetDefault("tx-poll-interval", 3*time.Second)
	v.SetDefault("max-escalations", 5)
	v.SetDefault("confirmations", uint64(1))
	v.SetDefault("concurrency", 4)
	v.SetDefault("fatal-rejections", 3)
	v.SetDefault("log-level", "info")
}

// Validate checks the settings needed by the run command.
func (c Config) Validate() error {
	var problems []string
	if c.RPCURL == "" {
		problems = append(problems, "rpc-url is required")
	}
	if c.Contract == "" {
		problems = append(problems, "contract is required")
	}
	if c.Token == "" {
		problems = append(problems, "token is required")
	}
	if c.PrivateKey == "" {
		problems = append(problems, "private key is required (set "+envPrefix+"_PRIVATE_KEY)")
	}
	if c.LedgerDir == "" && c.PGDSN == "" {
		problems = append(problems, "ledger-dir or pg-dsn is required")
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		problems = append(problems, "kafka-topic is required with kafka-brokers")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func parseWei(key, input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(input, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %q", key, input)
	}
	return value, nil
}
