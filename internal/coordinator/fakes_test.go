package coordinator

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"airdrop/internal/ledger"
	"airdrop/internal/model"
	"airdrop/internal/notify"
	"airdrop/internal/submitter"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func event(block uint64, tx string, recipient common.Address) model.QualifyingEvent {
	return model.QualifyingEvent{
		ID:        model.EventID{BlockNumber: block, TxHash: common.HexToHash(tx)},
		Recipient: recipient,
		TokenID:   big.NewInt(1),
		Liquidity: big.NewInt(1000),
	}
}

// sliceEvents hands out a fixed list, then ends with io.EOF or err.
type sliceEvents struct {
	mu     sync.Mutex
	events []model.QualifyingEvent
	end    error
}

func (s *sliceEvents) Next(context.Context) (model.QualifyingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return model.QualifyingEvent{}, s.end
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type fakePending struct {
	id   model.EventID
	res  submitter.Result
	gate <-chan struct{}
}

func (p *fakePending) ID() model.EventID { return p.id }

func (p *fakePending) Await(ctx context.Context) submitter.Result {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return submitter.Result{ID: p.id, Status: model.StatusSubmitted, Err: ctx.Err()}
		}
	}
	return p.res
}

// fakeTransfers mimics the submitter: it records a bid in the ledger before reporting a
// broadcast, and returns the outcome chosen by decide.
type fakeTransfers struct {
	t      *testing.T
	ledger ledger.Ledger

	mu        sync.Mutex
	nonce     uint64
	calls     []string
	broadcast []model.EventID
	resumed   []model.EventID
	failNext  error
	gate      chan struct{}
	decide    func(id model.EventID) submitter.Result
}

func newFakeTransfers(t *testing.T, l ledger.Ledger) *fakeTransfers {
	return &fakeTransfers{t: t, ledger: l, decide: func(id model.EventID) submitter.Result {
		return submitter.Result{ID: id, Status: model.StatusConfirmed, Block: id.BlockNumber + 1}
	}}
}

func (f *fakeTransfers) Broadcast(ctx context.Context, tr submitter.Transfer) (Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "broadcast:"+tr.ID.String())
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	f.broadcast = append(f.broadcast, tr.ID)

	res := f.decide(tr.ID)
	if res.Status == model.StatusFailed && res.Reason == model.FailureInvalidRecipient {
		return &fakePending{id: tr.ID, res: res}, nil
	}
	sub := model.Submission{
		TxHash:    common.BigToHash(new(big.Int).SetUint64(1000 + f.nonce)),
		Nonce:     f.nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
	}
	f.nonce++
	if _, err := f.ledger.MarkSubmitted(ctx, tr.ID, sub); err != nil {
		f.t.Errorf("mark submitted: %v", err)
	}
	if res.Recorded {
		if _, err := f.ledger.MarkFailed(ctx, tr.ID, string(res.Reason)); err != nil {
			f.t.Errorf("mark failed: %v", err)
		}
	}
	res.TxHash = sub.TxHash
	return &fakePending{id: tr.ID, res: res, gate: f.gate}, nil
}

func (f *fakeTransfers) Resume(_ context.Context, rec *model.DistributionRecord) (Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume:"+rec.ID.String())
	f.resumed = append(f.resumed, rec.ID)
	return &fakePending{id: rec.ID, res: f.decide(rec.ID)}, nil
}

func (f *fakeTransfers) broadcasts() []model.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EventID(nil), f.broadcast...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) kinds() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, n := range r.notices {
		out[n.Kind]++
	}
	return out
}
