package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// IncreaseLiquidity is the decoded payload of a position manager IncreaseLiquidity log.
type IncreaseLiquidity struct {
	TokenID   *big.Int
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

// LiquidityDecoder decodes IncreaseLiquidity logs. topic0 may be overridden for forks that
// emit the same layout under a different signature hash.
type LiquidityDecoder struct {
	event  abi.Event
	topic0 common.Hash
}

func NewLiquidityDecoder(topic0 common.Hash) (*LiquidityDecoder, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse position manager abi: %w", err)
	}
	event := parsed.Events["IncreaseLiquidity"]
	if topic0 == (common.Hash{}) {
		topic0 = event.ID
	}
	return &LiquidityDecoder{event: event, topic0: topic0}, nil
}

// Topic0 returns the topic the decoder accepts.
func (d *LiquidityDecoder) Topic0() common.Hash {
	return d.topic0
}

// CanDecode checks if the log carries the accepted topic0.
func (d *LiquidityDecoder) CanDecode(log types.Log) bool {
	return len(log.Topics) > 0 && log.Topics[0] == d.topic0
}

// Decode converts a raw log into IncreaseLiquidity.
func (d *LiquidityDecoder) Decode(log types.Log) (IncreaseLiquidity, error) {
	if !d.CanDecode(log) {
		if len(log.Topics) == 0 {
			return IncreaseLiquidity{}, fmt.Errorf("missing topics")
		}
		return IncreaseLiquidity{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	indexedTopics, err := parseIndexedTopics(d.event, log.Topics)
	if err != nil {
		return IncreaseLiquidity{}, err
	}
	var indexed struct {
		TokenId *big.Int
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(d.event.Inputs), indexedTopics); err != nil {
		return IncreaseLiquidity{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := d.event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return IncreaseLiquidity{}, fmt.Errorf("unpack %s: %w", d.event.Name, err)
	}
	if len(values) != 3 {
		return IncreaseLiquidity{}, fmt.Errorf("unexpected increase liquidity values: %d", len(values))
	}

	liquidity, err := asBigInt(values[0])
	if err != nil {
		return IncreaseLiquidity{}, err
	}
	amount0, err := asBigInt(values[1])
	if err != nil {
		return IncreaseLiquidity{}, err
	}
	amount1, err := asBigInt(values[2])
	if err != nil {
		return IncreaseLiquidity{}, err
	}

	return IncreaseLiquidity{
		TokenID:   indexed.TokenId,
		Liquidity: liquidity,
		Amount0:   amount0,
		Amount1:   amount1,
	}, nil
}

func parseIndexedTopics(event abi.Event, topics []common.Hash) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return topics[1:], nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
