// Package notify publishes distribution outcomes and fatal alerts to operator sinks.
package notify

import (
	"context"
	"errors"
	"time"

	"airdrop/internal/model"
)

const (
	KindOutcome = "outcome"
	KindFatal   = "fatal"
)

// Notice is one operator-facing message.
type Notice struct {
	Kind      string    `json:"kind"`
	EventID   string    `json:"event_id,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Block     *uint64   `json:"block,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier delivers notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
	Close() error
}

// Outcome describes the terminal state of rec.
func Outcome(rec *model.DistributionRecord, now time.Time) Notice {
	n := Notice{
		Kind:      KindOutcome,
		EventID:   rec.ID.String(),
		Recipient: rec.Recipient.Hex(),
		Status:    string(rec.Status),
		Reason:    rec.FailureReason,
		Attempts:  rec.Attempts,
		Time:      now.UTC(),
	}
	if rec.Amount != nil {
		n.Amount = rec.Amount.String()
	}
	if rec.TxHash != nil {
		n.TxHash = rec.TxHash.Hex()
	}
	if rec.ConfirmedBlock != nil {
		block := *rec.ConfirmedBlock
		n.Block = &block
	}
	return n
}

// Fatal describes a condition that stops the distributor.
func Fatal(message string, err error, now time.Time) Notice {
	n := Notice{Kind: KindFatal, Message: message, Time: now.UTC()}
	if err != nil {
		n.Reason = err.Error()
	}
	return n
}

// Nop drops every notice.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans a notice out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
