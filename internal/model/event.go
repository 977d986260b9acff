package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// QualifyingEvent is one observed IncreaseLiquidity log with its resolved recipient.
type QualifyingEvent struct {
	ID        EventID
	BlockHash common.Hash
	Contract  common.Address
	TokenID   *big.Int
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
	Recipient common.Address
}
