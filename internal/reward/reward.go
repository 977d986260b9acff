// Package reward turns a qualifying event into a token amount in base units.
package reward

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"airdrop/internal/dex"
	"airdrop/internal/model"
)

const (
	KindFixed        = "fixed"
	KindProportional = "proportional"
)

// Policy computes the reward for one event.
type Policy interface {
	Amount(ev model.QualifyingEvent) (*big.Int, error)
	Describe() string
}

// Config is the operator-facing description of a policy. Amounts are in whole tokens and may
// carry a fraction; they are converted with the token decimals.
type Config struct {
	Kind   string
	Amount string
	Rate   string
	Max    string
}

// New builds the policy described by cfg for a token with the given decimals.
func New(cfg Config, decimals uint8) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindFixed:
		amount, err := parseTokens("reward amount", cfg.Amount)
		if err != nil {
			return nil, err
		}
		units := ToBaseUnits(amount, decimals)
		if units.Sign() == 0 {
			return nil, errors.New("reward amount must be positive")
		}
		return &Fixed{amount: units, decimals: decimals}, nil
	case KindProportional:
		rate, err := parseTokens("reward rate", cfg.Rate)
		if err != nil {
			return nil, err
		}
		if rate.IsZero() {
			return nil, errors.New("reward rate must be positive")
		}
		p := &Proportional{rate: rate.Shift(int32(decimals)), decimals: decimals}
		if strings.TrimSpace(cfg.Max) != "" {
			limit, err := parseTokens("reward max", cfg.Max)
			if err != nil {
				return nil, err
			}
			p.max = ToBaseUnits(limit, decimals)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown reward policy %q", cfg.Kind)
	}
}

// Fixed pays the same amount for every event.
type Fixed struct {
	amount   *big.Int
	decimals uint8
}

func (f *Fixed) Amount(model.QualifyingEvent) (*big.Int, error) {
	return new(big.Int).Set(f.amount), nil
}

func (f *Fixed) Describe() string {
	return fmt.Sprintf("fixed %s tokens", FormatUnits(f.amount, f.decimals))
}

// Proportional pays liquidity times a per-unit rate, optionally capped.
type Proportional struct {
	// rate is in base units per liquidity unit
	rate     decimal.Decimal
	max      *big.Int
	decimals uint8
}

func (p *Proportional) Amount(ev model.QualifyingEvent) (*big.Int, error) {
	if ev.Liquidity == nil || ev.Liquidity.Sign() < 0 {
		return nil, fmt.Errorf("event %s has no liquidity", ev.ID)
	}
	amount := decimal.NewFromBigInt(ev.Liquidity, 0).Mul(p.rate).Truncate(0).BigInt()
	if p.max != nil && amount.Cmp(p.max) > 0 {
		amount.Set(p.max)
	}
	return amount, nil
}

func (p *Proportional) Describe() string {
	desc := fmt.Sprintf("proportional %s tokens per liquidity unit", p.rate.Shift(-int32(p.decimals)).String())
	if p.max != nil {
		desc += fmt.Sprintf(", capped at %s", FormatUnits(p.max, p.decimals))
	}
	return desc
}

// ToBaseUnits converts a token quantity into integer base units, truncating dust.
func ToBaseUnits(tokens decimal.Decimal, decimals uint8) *big.Int {
	return tokens.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FormatUnits renders base units as a token quantity.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ResolveDecimals returns configured when set, else asks the token contract.
func ResolveDecimals(ctx context.Context, caller dex.Caller, token common.Address, configured *uint8) (uint8, error) {
	if configured != nil {
		return *configured, nil
	}
	decimals, err := dex.Decimals(ctx, caller, token)
	if err != nil {
		return 0, fmt.Errorf("read token decimals: %w", err)
	}
	return decimals, nil
}

func parseTokens(field, input string) (decimal.Decimal, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	value, err := decimal.NewFromString(input)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, input, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return value, nil
}
