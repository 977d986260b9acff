package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"airdrop/internal/metrics"
)

// errNonceStale tells the sequencer the chain already used the nonce it handed out.
var errNonceStale = errors.New("sequence number already used on chain")

// NonceSource reads the account's next pending nonce.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Sequencer is the single writer of the sending account's nonce.
//
// Allocate runs fn inside the critical section; the nonce advances only when fn reports the
// nonce consumed, so nonce order equals the order in which callers entered Allocate.
type Sequencer struct {
	mu      sync.Mutex
	source  NonceSource
	account common.Address

	ready    bool
	next     uint64
	floor    uint64
	hasFloor bool
}

func NewSequencer(source NonceSource, account common.Address) *Sequencer {
	return &Sequencer{source: source, account: account}
}

// Allocate hands the next nonce to fn.
func (s *Sequencer) Allocate(ctx context.Context, fn func(nonce uint64) (consumed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		pending, err := s.source.PendingNonceAt(ctx, s.account)
		if err != nil {
			return fmt.Errorf("load pending nonce: %w", err)
		}
		s.next = pending
		if s.hasFloor && s.floor > s.next {
			s.next = s.floor
		}
		s.ready = true
	}

	nonce := s.next
	consumed, err := fn(nonce)
	if consumed {
		s.next = nonce + 1
	}
	if errors.Is(err, errNonceStale) {
		s.ready = false
	}
	metrics.NextNonce.Set(float64(s.next))
	return err
}

// Observe reserves a nonce held by a recovered record so it is never handed out again.
func (s *Sequencer) Observe(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasFloor || nonce+1 > s.floor {
		s.floor = nonce + 1
		s.hasFloor = true
	}
	if s.ready && s.next < s.floor {
		s.next = s.floor
	}
}

// Next returns the nonce the next Allocate would use, if already known.
func (s *Sequencer) Next() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.ready
}
