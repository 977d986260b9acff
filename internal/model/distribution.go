package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a distribution record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// FailureReason classifies terminal failures.
type FailureReason string

const (
	FailureGasExhausted        FailureReason = "gas_exhausted"
	FailureReverted            FailureReason = "reverted"
	FailureInsufficientBalance FailureReason = "insufficient_balance"
	FailureInsufficientFunds   FailureReason = "insufficient_funds"
	FailureInvalidRecipient    FailureReason = "invalid_recipient"
	FailureNonceConsumed       FailureReason = "nonce_consumed"
	FailureRejected            FailureReason = "rejected"
)

// Operational reports whether the reason points at the sender setup (treasury, gas wallet,
// token contract) rather than at the individual event.
func (r FailureReason) Operational() bool {
	switch r {
	case FailureInsufficientBalance, FailureInsufficientFunds, FailureReverted:
		return true
	default:
		return false
	}
}

// Submission describes one signed bid for a distribution.
type Submission struct {
	TxHash    common.Hash
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// DistributionRecord is the ledger's unit of truth for one event.
type DistributionRecord struct {
	ID             EventID
	Recipient      common.Address
	Amount         *big.Int
	Status         Status
	TxHash         *common.Hash
	TxHashes       []common.Hash
	Nonce          *uint64
	GasTipCap      *big.Int
	GasFeeCap      *big.Int
	Attempts       int
	ConfirmedBlock *uint64
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy so callers cannot mutate ledger state.
func (r *DistributionRecord) Clone() *DistributionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Amount != nil {
		out.Amount = new(big.Int).Set(r.Amount)
	}
	if r.TxHash != nil {
		hash := *r.TxHash
		out.TxHash = &hash
	}
	if r.TxHashes != nil {
		out.TxHashes = append([]common.Hash(nil), r.TxHashes...)
	}
	if r.Nonce != nil {
		nonce := *r.Nonce
		out.Nonce = &nonce
	}
	if r.GasTipCap != nil {
		out.GasTipCap = new(big.Int).Set(r.GasTipCap)
	}
	if r.GasFeeCap != nil {
		out.GasFeeCap = new(big.Int).Set(r.GasFeeCap)
	}
	if r.ConfirmedBlock != nil {
		block := *r.ConfirmedBlock
		out.ConfirmedBlock = &block
	}
	return &out
}

// ApplySubmission records a new bid on r.
func (r *DistributionRecord) ApplySubmission(sub Submission, now time.Time) {
	hash := sub.TxHash
	nonce := sub.Nonce
	r.Status = StatusSubmitted
	r.TxHash = &hash
	r.TxHashes = append(r.TxHashes, hash)
	r.Nonce = &nonce
	if sub.GasTipCap != nil {
		r.GasTipCap = new(big.Int).Set(sub.GasTipCap)
	}
	if sub.GasFeeCap != nil {
		r.GasFeeCap = new(big.Int).Set(sub.GasFeeCap)
	}
	r.Attempts++
	r.UpdatedAt = now
}
