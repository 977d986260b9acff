package coordinator

import (
	"context"

	"airdrop/internal/ledger"
	"airdrop/internal/model"
	"airdrop/internal/submitter"
)

// SubmitterTransfers exposes a submitter as Transfers.
func SubmitterTransfers(s *submitter.Submitter) Transfers {
	return submitterTransfers{s: s}
}

type submitterTransfers struct {
	s *submitter.Submitter
}

func (t submitterTransfers) Broadcast(ctx context.Context, tr submitter.Transfer) (Pending, error) {
	in, err := t.s.Broadcast(ctx, tr)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (t submitterTransfers) Resume(ctx context.Context, rec *model.DistributionRecord) (Pending, error) {
	in, err := t.s.Resume(ctx, rec)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// LedgerReporter records each signed bid in the ledger before it is sent, and the failure of
// a refused bid before its nonce is reused.
type LedgerReporter struct {
	Ledger ledger.Ledger
}

func (r LedgerReporter) Submitted(ctx context.Context, id model.EventID, sub model.Submission) error {
	_, err := r.Ledger.MarkSubmitted(ctx, id, sub)
	return err
}

func (r LedgerReporter) Failed(ctx context.Context, id model.EventID, reason model.FailureReason) error {
	_, err := r.Ledger.MarkFailed(ctx, id, string(reason))
	return err
}
