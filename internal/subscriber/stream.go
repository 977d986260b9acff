package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"airdrop/internal/dex"
	"airdrop/internal/metrics"
	"airdrop/internal/model"
)

// ErrBackfillExhausted means a historical range could not be fetched within the retry budget.
// Continuing would leave a gap, so callers treat it as fatal.
var ErrBackfillExhausted = errors.New("backfill retries exhausted")

// LogSource is the slice of the chain client the stream reads from.
type LogSource interface {
	dex.Caller
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Config controls where the stream starts and how it talks to the node.
type Config struct {
	Contract common.Address
	// Topic0 overrides the IncreaseLiquidity signature hash when non-zero.
	Topic0 common.Hash
	// StartBlock is used only when no checkpoint exists. Nil starts at the current head.
	StartBlock           *uint64
	BatchSize            uint64
	MaxRetries           int
	RetryBackoff         time.Duration
	PollInterval         time.Duration
	ConnectTimeout       time.Duration
	ReconnectMaxInterval time.Duration
	// DedupWindow is how many blocks below the checkpoint seen event ids are remembered.
	DedupWindow uint64
	// Polling skips the push subscription entirely.
	Polling bool
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 4 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 128
	}
}

// Stream yields qualifying events in (block, tx hash, log index) order. It is not safe for
// concurrent use: a single consumer calls Next, and each call acknowledges the event returned
// by the previous one. The checkpoint only moves past blocks whose events were all acknowledged.
type Stream struct {
	cfg         Config
	chain       LogSource
	decoder     *dex.LiquidityDecoder
	checkpoints *CheckpointStore
	logger      *zap.Logger

	started bool
	polling bool
	sub     ethereum.Subscription
	logs    chan types.Log

	// nextCommit is the first block not yet covered by the checkpoint.
	nextCommit uint64
	// nextFetch is the first block not yet fetched through eth_getLogs.
	nextFetch uint64
	// ackedFloor is the highest block made complete by acknowledged events.
	ackedFloor uint64

	queue  []model.QualifyingEvent
	handed *model.QualifyingEvent
	seen   map[model.EventID]struct{}
}

// NewStream builds a stream. checkpoints may be disabled but not nil.
func NewStream(source LogSource, checkpoints *CheckpointStore, cfg Config, logger *zap.Logger) (*Stream, error) {
	if source == nil {
		return nil, errors.New("log source is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("contract address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	decoder, err := dex.NewLiquidityDecoder(cfg.Topic0)
	if err != nil {
		return nil, err
	}

	return &Stream{
		cfg:         cfg,
		chain:       source,
		decoder:     decoder,
		checkpoints: checkpoints,
		logger:      logger,
		polling:     cfg.Polling,
		seen:        make(map[model.EventID]struct{}),
	}, nil
}

// Next returns the next qualifying event, blocking until one is available or ctx is done.
func (s *Stream) Next(ctx context.Context) (model.QualifyingEvent, error) {
	if !s.started {
		if err := s.start(ctx); err != nil {
			return model.QualifyingEvent{}, err
		}
	}
	if err := s.ack(); err != nil {
		return model.QualifyingEvent{}, err
	}

	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.handed = &ev
			metrics.EventsObserved.Inc()
			return ev, nil
		}

		if err := s.commit(s.drainedFloor()); err != nil {
			return model.QualifyingEvent{}, err
		}
		if err := s.wait(ctx); err != nil {
			return model.QualifyingEvent{}, err
		}
	}
}

// Checkpoint reports the last block covered by the persisted checkpoint and whether one exists.
func (s *Stream) Checkpoint() (uint64, bool) {
	if s.nextCommit == 0 {
		return 0, false
	}
	return s.nextCommit - 1, true
}

// Close drops the live subscription.
func (s *Stream) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *Stream) start(ctx context.Context) error {
	cp, ok, err := s.checkpoints.Load()
	if err != nil {
		return err
	}

	switch {
	case ok:
		s.nextCommit = cp.LastProcessedBlock + 1
		s.logger.Info("resuming from checkpoint", zap.Uint64("last_processed_block", cp.LastProcessedBlock))
	case s.cfg.StartBlock != nil:
		s.nextCommit = *s.cfg.StartBlock
		s.logger.Info("starting from configured block", zap.Uint64("start_block", *s.cfg.StartBlock))
	default:
		var head uint64
		err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			head, err = s.chain.LatestBlockNumber(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("read head block: %w", err)
		}
		s.nextCommit = head + 1
		if err := s.persist(head); err != nil {
			return err
		}
		s.logger.Info("starting from current head", zap.Uint64("head", head))
	}
	s.nextFetch = s.nextCommit
	s.ackedFloor = 0

	if err := s.connect(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// connect opens the subscription before reading the head so nothing mined between the two
// calls is missed, then backfills up to that head. It retries until ctx is done.
func (s *Stream) connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBackoff
	policy.MaxInterval = s.cfg.ReconnectMaxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		if !s.polling {
			if err := s.subscribe(ctx); err != nil {
				return err
			}
		}

		head, err := s.head(ctx)
		if err != nil {
			s.Close()
			return err
		}
		if err := s.backfill(ctx, head); err != nil {
			s.Close()
			if errors.Is(err, ErrBackfillExhausted) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		metrics.Reconnects.Inc()
		s.logger.Warn("connect failed, retrying", zap.Duration("retry_in", next), zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *Stream) subscribe(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	logs := make(chan types.Log, 256)
	sub, err := s.chain.SubscribeLogs(attemptCtx, s.addresses(), s.topics(), logs)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		s.logger.Info("endpoint has no push notifications, falling back to polling", zap.Duration("interval", s.cfg.PollInterval))
		s.polling = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	s.sub = sub
	s.logs = logs
	return nil
}

func (s *Stream) head(ctx context.Context) (uint64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	head, err := s.chain.LatestBlockNumber(attemptCtx)
	if err != nil {
		return 0, fmt.Errorf("read head block: %w", err)
	}
	return head, nil
}

// backfill fetches [nextFetch, head] in batches and queues every qualifying event found.
func (s *Stream) backfill(ctx context.Context, head uint64) error {
	if s.nextFetch < s.nextCommit {
		// logs below nextCommit are checkpointed and accept drops them
		s.nextFetch = s.nextCommit
	}
	if s.nextFetch > head {
		return nil
	}
	ranges, err := SplitRange(s.nextFetch, head, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, r := range ranges {
		var logs []types.Log
		err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			logs, err = s.chain.FilterLogs(ctx, r.From, r.To, s.addresses(), s.topics())
			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: blocks %d-%d: %v", ErrBackfillExhausted, r.From, r.To, err)
		}
		for _, log := range logs {
			if err := s.accept(ctx, log); err != nil {
				return err
			}
		}
		s.nextFetch = r.To + 1
		s.logger.Debug("backfilled range", zap.Uint64("from", r.From), zap.Uint64("to", r.To), zap.Int("logs", len(logs)))
	}
	return nil
}

// wait blocks until new logs may be available, reconnecting when the subscription drops.
func (s *Stream) wait(ctx context.Context) error {
	if s.polling {
		return s.poll(ctx)
	}
	if s.sub == nil {
		return s.connect(ctx)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case log := <-s.logs:
		if err := s.accept(ctx, log); err != nil {
			s.logger.Warn("live log handling failed, reconnecting", zap.Error(err))
			s.Close()
			return s.connect(ctx)
		}
		return nil
	case err := <-s.sub.Err():
		s.logger.Warn("subscription dropped, reconnecting", zap.Error(err))
		s.sub = nil
		return s.connect(ctx)
	}
}

func (s *Stream) poll(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	head, err := s.head(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("poll head failed", zap.Error(err))
		return nil
	}
	if err := s.backfill(ctx, head); err != nil {
		if errors.Is(err, ErrBackfillExhausted) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("poll backfill failed", zap.Error(err))
	}
	return nil
}

// accept filters a raw log and queues it in order.
func (s *Stream) accept(ctx context.Context, log types.Log) error {
	if log.Removed {
		metrics.LogsRemoved.Inc()
		s.logger.Warn("ignoring removed log",
			zap.Uint64("block_number", log.BlockNumber),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint("log_index", log.Index),
		)
		return nil
	}
	if log.Address != s.cfg.Contract || len(log.Topics) == 0 || log.Topics[0] != s.decoder.Topic0() {
		return nil
	}

	id := model.EventIDFromLog(log)
	if _, dup := s.seen[id]; dup || log.BlockNumber < s.nextCommit {
		metrics.EventsDuplicate.Inc()
		return nil
	}

	ev, ok, err := s.buildEvent(ctx, log)
	if err != nil {
		return err
	}
	s.seen[id] = struct{}{}
	if !ok {
		return nil
	}

	idx := sort.Search(len(s.queue), func(i int) bool { return id.Less(s.queue[i].ID) })
	s.queue = append(s.queue, model.QualifyingEvent{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = ev
	return nil
}

// ack records that the previously returned event was handled. Events are handed out in
// order, so every block below it is complete.
func (s *Stream) ack() error {
	if s.handed == nil {
		return nil
	}
	block := s.handed.ID.BlockNumber
	s.handed = nil
	if block == 0 {
		return nil
	}
	if block-1 > s.ackedFloor {
		s.ackedFloor = block - 1
	}
	return s.commit(block - 1)
}

// drainedFloor is the highest block known complete once the queue is empty.
func (s *Stream) drainedFloor() uint64 {
	floor := s.ackedFloor
	if s.nextFetch > 0 && s.nextFetch-1 > floor {
		floor = s.nextFetch - 1
	}
	return floor
}

func (s *Stream) commit(block uint64) error {
	if block+1 <= s.nextCommit {
		return nil
	}
	if err := s.persist(block); err != nil {
		return err
	}
	s.nextCommit = block + 1
	s.prune()
	return nil
}

func (s *Stream) persist(block uint64) error {
	if err := s.checkpoints.Save(block); err != nil {
		return err
	}
	metrics.CheckpointBlock.Set(float64(block))
	return nil
}

func (s *Stream) prune() {
	if s.nextCommit <= s.cfg.DedupWindow {
		return
	}
	horizon := s.nextCommit - s.cfg.DedupWindow
	for id := range s.seen {
		if id.BlockNumber < horizon {
			delete(s.seen, id)
		}
	}
}

func (s *Stream) addresses() []common.Address {
	return []common.Address{s.cfg.Contract}
}

func (s *Stream) topics() []common.Hash {
	return []common.Hash{s.decoder.Topic0()}
}
