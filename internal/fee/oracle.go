package fee

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ErrFeeCapExceeded means a further bid would exceed the configured ceiling.
var ErrFeeCapExceeded = errors.New("fee cap exceeded")

// Fee is one fee bid. Legacy bids carry the gas price in both components.
type Fee struct {
	TipCap *big.Int
	FeeCap *big.Int
	Legacy bool
}

// Greater reports whether f is strictly higher than other on every component.
func (f Fee) Greater(other Fee) bool {
	if f.TipCap == nil || f.FeeCap == nil || other.TipCap == nil || other.FeeCap == nil {
		return false
	}
	return f.TipCap.Cmp(other.TipCap) > 0 && f.FeeCap.Cmp(other.FeeCap) > 0
}

func (f Fee) String() string {
	if f.Legacy {
		return fmt.Sprintf("gasPrice=%s", f.FeeCap)
	}
	return fmt.Sprintf("tip=%s feeCap=%s", f.TipCap, f.FeeCap)
}

// Source is the slice of the chain client the oracle reads.
type Source interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Config controls fee bidding.
type Config struct {
	Legacy      bool
	MinTip      *big.Int
	MaxFeeCap   *big.Int
	BumpPercent int
}

// Oracle produces initial and escalated fee bids.
type Oracle struct {
	source Source
	cfg    Config
	logger *zap.Logger
}

func NewOracle(source Source, cfg Config, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BumpPercent <= 0 {
		cfg.BumpPercent = 15
	}
	return &Oracle{source: source, cfg: cfg, logger: logger}
}

// Legacy reports whether the oracle is configured for legacy gas pricing.
func (o *Oracle) Legacy() bool {
	return o.cfg.Legacy
}

// Estimate returns the fee bid for a fresh transaction.
func (o *Oracle) Estimate(ctx context.Context) (Fee, error) {
	if o.cfg.Legacy {
		return o.legacy(ctx)
	}

	header, err := o.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fee{}, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil {
		o.logger.Debug("no base fee on chain head, using legacy pricing")
		return o.legacy(ctx)
	}

	tip, err := o.source.SuggestGasTipCap(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("suggest tip: %w", err)
	}
	tip = maxBig(tip, o.cfg.MinTip)

	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	if o.cfg.MaxFeeCap != nil && feeCap.Cmp(o.cfg.MaxFeeCap) > 0 {
		feeCap = new(big.Int).Set(o.cfg.MaxFeeCap)
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}
	return Fee{TipCap: tip, FeeCap: feeCap}, nil
}

// Escalate returns a replacement bid strictly higher than prev on every component.
func (o *Oracle) Escalate(ctx context.Context, prev Fee) (Fee, error) {
	if prev.TipCap == nil || prev.FeeCap == nil {
		return Fee{}, fmt.Errorf("previous fee is incomplete")
	}
	fresh, err := o.Estimate(ctx)
	if err != nil {
		o.logger.Warn("fresh fee estimate failed, bumping previous bid", zap.Error(err))
		fresh = Fee{}
	}

	next := Fee{
		TipCap: o.bump(prev.TipCap, fresh.TipCap),
		FeeCap: o.bump(prev.FeeCap, fresh.FeeCap),
		Legacy: prev.Legacy,
	}
	if next.Legacy {
		price := maxBig(next.TipCap, next.FeeCap)
		next.TipCap = price
		next.FeeCap = new(big.Int).Set(price)
	} else if next.TipCap.Cmp(next.FeeCap) > 0 {
		// feeCap below tip is invalid; lift it and keep it strictly above prev
		next.FeeCap = new(big.Int).Set(next.TipCap)
	}

	if o.cfg.MaxFeeCap != nil && next.FeeCap.Cmp(o.cfg.MaxFeeCap) > 0 {
		return Fee{}, fmt.Errorf("%w: %s > %s", ErrFeeCapExceeded, next.FeeCap, o.cfg.MaxFeeCap)
	}
	return next, nil
}

func (o *Oracle) legacy(ctx context.Context) (Fee, error) {
	price, err := o.source.SuggestGasPrice(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("suggest gas price: %w", err)
	}
	price = maxBig(price, o.cfg.MinTip)
	if o.cfg.MaxFeeCap != nil && price.Cmp(o.cfg.MaxFeeCap) > 0 {
		price = new(big.Int).Set(o.cfg.MaxFeeCap)
	}
	return Fee{TipCap: price, FeeCap: new(big.Int).Set(price), Legacy: true}, nil
}

// bump returns max(prev*(100+pct)/100, prev+1, fresh).
func (o *Oracle) bump(prev, fresh *big.Int) *big.Int {
	bumped := new(big.Int).Mul(prev, big.NewInt(int64(100+o.cfg.BumpPercent)))
	bumped.Quo(bumped, big.NewInt(100))
	return maxBig(maxBig(bumped, new(big.Int).Add(prev, big.NewInt(1))), fresh)
}

func maxBig(a, b *big.Int) *big.Int {
	switch {
	case a == nil && b == nil:
		return new(big.Int)
	case a == nil:
		return new(big.Int).Set(b)
	case b == nil || a.Cmp(b) >= 0:
		return new(big.Int).Set(a)
	default:
		return new(big.Int).Set(b)
	}
}
