package subscriber

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"airdrop/internal/dex"
)

var testManager = common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")

type fakeSub struct {
	errc chan error
	once sync.Once
	done chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{errc: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSub) Err() <-chan error {
	return s.errc
}

type fakeSource struct {
	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	owners      map[int64]common.Address
	noPush      bool
	filterErr   error
	filterCalls int
	filterFrom  []uint64
	subs        []*fakeSub
	ch          chan<- types.Log
	onSubscribe func(ch chan<- types.Log)
}

func newFakeSource(head uint64) *fakeSource {
	return &fakeSource{head: head, owners: make(map[int64]common.Address)}
}

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	f.filterFrom = append(f.filterFrom, from)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeSource) SubscribeLogs(_ context.Context, _ []common.Address, _ []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	if f.noPush {
		f.mu.Unlock()
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	f.ch = ch
	hook := f.onSubscribe
	f.mu.Unlock()
	if hook != nil {
		hook(ch)
	}
	return sub, nil
}

func (f *fakeSource) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	parsed, err := dex.PositionManagerABI()
	if err != nil {
		return nil, err
	}
	tokenID := new(big.Int).SetBytes(msg.Data[4:])
	f.mu.Lock()
	owner, ok := f.owners[tokenID.Int64()]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("execution reverted: ERC721: invalid token ID")
	}
	return parsed.Methods["ownerOf"].Outputs.Pack(owner)
}

// add stores a log for backfill without notifying subscribers.
func (f *fakeSource) add(log types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	if log.BlockNumber > f.head {
		f.head = log.BlockNumber
	}
}

// push stores a log and delivers it on the live subscription.
func (f *fakeSource) push(log types.Log) {
	f.add(log)
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	if ch != nil {
		ch <- log
	}
}

func (f *fakeSource) dropSubscription(err error) {
	f.mu.Lock()
	sub := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	sub.errc <- err
}

func (f *fakeSource) fetchedFrom() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.filterFrom...)
}

func (f *fakeSource) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func liquidityLog(t *testing.T, block uint64, tx string, index uint, tokenID int64) types.Log {
	t.Helper()
	parsed, err := dex.PositionManagerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := parsed.Events["IncreaseLiquidity"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(1_000), big.NewInt(1), big.NewInt(2))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     testManager,
		Topics:      []common.Hash{event.ID, common.BigToHash(big.NewInt(tokenID))},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

func testStreamConfig(start *uint64) Config {
	return Config{
		Contract:             testManager,
		StartBlock:           start,
		BatchSize:            2,
		MaxRetries:           1,
		RetryBackoff:         time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		ConnectTimeout:       time.Second,
		ReconnectMaxInterval: 5 * time.Millisecond,
	}
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func nextWithin(t *testing.T, s *Stream) (ev eventView) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return eventView{block: got.ID.BlockNumber, index: got.ID.LogIndex, tx: got.ID.TxHash, recipient: got.Recipient, tokenID: got.TokenID.Int64()}
}

type eventView struct {
	block     uint64
	index     uint
	tx        common.Hash
	recipient common.Address
	tokenID   int64
}
