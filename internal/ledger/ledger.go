package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"airdrop/internal/model"
)

var (
	// ErrAlreadyExists means the identity was reserved before: skip, it is handled or in flight.
	ErrAlreadyExists = errors.New("distribution already exists")
	// ErrNotFound means no record exists for the identity.
	ErrNotFound = errors.New("distribution not found")
	// ErrInvalidTransition means the record cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Ledger is the durable deduplication store keyed by event identity.
type Ledger interface {
	Lookup(ctx context.Context, id model.EventID) (*model.DistributionRecord, error)
	Reserve(ctx context.Context, id model.EventID, recipient common.Address, amount *big.Int) (*model.DistributionRecord, error)
	MarkSubmitted(ctx context.Context, id model.EventID, sub model.Submission) (*model.DistributionRecord, error)
	MarkConfirmed(ctx context.Context, id model.EventID, block uint64) (*model.DistributionRecord, error)
	MarkFailed(ctx context.Context, id model.EventID, reason string) (*model.DistributionRecord, error)
	ListOpen(ctx context.Context) ([]*model.DistributionRecord, error)
	FindByRecipient(ctx context.Context, recipient common.Address) ([]*model.DistributionRecord, error)
}

// CheckTransition validates a status change against the distribution state machine.
func CheckTransition(from, to model.Status) error {
	ok := false
	switch from {
	case model.StatusPending:
		ok = to == model.StatusSubmitted || to == model.StatusFailed
	case model.StatusSubmitted:
		ok = to == model.StatusSubmitted || to == model.StatusConfirmed || to == model.StatusFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// NewRecord builds the Pending record created by Reserve.
func NewRecord(id model.EventID, recipient common.Address, amount *big.Int, now time.Time) *model.DistributionRecord {
	rec := &model.DistributionRecord{
		ID:        id,
		Recipient: recipient,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if amount != nil {
		rec.Amount = new(big.Int).Set(amount)
	} else {
		rec.Amount = new(big.Int)
	}
	return rec
}

// ApplySubmitted moves rec to Submitted with a new bid. Replacement bids must keep the nonce.
func ApplySubmitted(rec *model.DistributionRecord, sub model.Submission, now time.Time) error {
	if err := CheckTransition(rec.Status, model.StatusSubmitted); err != nil {
		return err
	}
	if rec.Nonce != nil && *rec.Nonce != sub.Nonce {
		return fmt.Errorf("%w: nonce %d recorded, got %d", ErrInvalidTransition, *rec.Nonce, sub.Nonce)
	}
	rec.ApplySubmission(sub, now)
	return nil
}

// ApplyConfirmed moves rec to Confirmed at block.
func ApplyConfirmed(rec *model.DistributionRecord, block uint64, now time.Time) error {
	if err := CheckTransition(rec.Status, model.StatusConfirmed); err != nil {
		return err
	}
	rec.Status = model.StatusConfirmed
	rec.ConfirmedBlock = &block
	rec.UpdatedAt = now
	return nil
}

// ApplyFailed moves rec to Failed with reason.
func ApplyFailed(rec *model.DistributionRecord, reason string, now time.Time) error {
	if err := CheckTransition(rec.Status, model.StatusFailed); err != nil {
		return err
	}
	rec.Status = model.StatusFailed
	rec.FailureReason = reason
	rec.UpdatedAt = now
	return nil
}
