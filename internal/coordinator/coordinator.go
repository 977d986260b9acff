// Package coordinator ties the event stream, the ledger and the submitter together.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"airdrop/internal/chain"
	"airdrop/internal/ledger"
	"airdrop/internal/metrics"
	"airdrop/internal/model"
	"airdrop/internal/notify"
	"airdrop/internal/reward"
	"airdrop/internal/submitter"
)

// ErrTooManyRejections stops the distributor when consecutive transfers fail for reasons that
// point at the sender setup rather than the event.
var ErrTooManyRejections = errors.New("too many consecutive operational failures")

// Events is the ordered source of qualifying events. A finite source returns io.EOF.
type Events interface {
	Next(ctx context.Context) (model.QualifyingEvent, error)
}

// Pending is a transfer whose outcome is not yet known.
type Pending interface {
	ID() model.EventID
	Await(ctx context.Context) submitter.Result
}

// Transfers starts and resumes payouts.
type Transfers interface {
	Broadcast(ctx context.Context, t submitter.Transfer) (Pending, error)
	Resume(ctx context.Context, rec *model.DistributionRecord) (Pending, error)
}

// Config controls the coordinator.
type Config struct {
	// Concurrency bounds transfers polled for inclusion at once. Broadcasting never waits on it.
	Concurrency int
	// OncePerRecipient skips events whose recipient already has a non-failed record.
	OncePerRecipient bool
	// FatalRejections is the number of consecutive operational failures that stops the run.
	// Zero uses the default, negative disables the check.
	FatalRejections int
	// RetryInterval and RetryMaxInterval pace retries of Broadcast and Resume while the node
	// is unreachable.
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
}

// Coordinator decides, reserves and dispatches one payout per qualifying event.
type Coordinator struct {
	cfg       Config
	events    Events
	ledger    ledger.Ledger
	transfers Transfers
	policy    reward.Policy
	notifier  notify.Notifier
	logger    *zap.Logger
	now       func() time.Time

	rejections atomic.Int64
}

func New(cfg Config, events Events, l ledger.Ledger, transfers Transfers, policy reward.Policy, notifier notify.Notifier, logger *zap.Logger) (*Coordinator, error) {
	if events == nil || l == nil || transfers == nil || policy == nil {
		return nil, fmt.Errorf("coordinator dependencies are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FatalRejections == 0 {
		cfg.FatalRejections = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 30 * time.Second
	}
	if cfg.RetryMaxInterval < cfg.RetryInterval {
		cfg.RetryMaxInterval = cfg.RetryInterval
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		events:    events,
		ledger:    l,
		transfers: transfers,
		policy:    policy,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Run recovers open records and then processes events until ctx ends, the source is
// exhausted, or a fatal condition occurs. Awaiting transfers are drained before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	w, gctx := c.newWaiters(ctx)

	loopErr := c.run(gctx, w)
	waitErr := w.g.Wait()

	err := waitErr
	if err == nil {
		err = loopErr
	}
	if err == nil || ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	c.alert(ctx, err)
	return err
}

// Recover resumes every open record and waits for their outcomes.
func (c *Coordinator) Recover(ctx context.Context) error {
	w, gctx := c.newWaiters(ctx)
	if err := c.recover(gctx, w); err != nil {
		_ = w.g.Wait()
		return err
	}
	return w.g.Wait()
}

// waiters runs one goroutine per transfer awaiting its outcome. Starting one never blocks;
// slots bound how many poll the node at once.
type waiters struct {
	g     *errgroup.Group
	slots *semaphore.Weighted
}

func (c *Coordinator) newWaiters(ctx context.Context) (*waiters, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &waiters{g: g, slots: semaphore.NewWeighted(int64(c.cfg.Concurrency))}, gctx
}

func (c *Coordinator) run(ctx context.Context, w *waiters) error {
	if err := c.recover(ctx, w); err != nil {
		return err
	}
	for {
		ev, err := c.events.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.logger.Info("event source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next event: %w", err)
		}
		if err := c.handle(ctx, w, ev); err != nil {
			return err
		}
	}
}

// recover handles Submitted records before Pending ones so every recorded nonce is known to
// the sequencer before a fresh nonce is allocated.
func (c *Coordinator) recover(ctx context.Context, w *waiters) error {
	open, err := c.ledger.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open distributions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	c.logger.Info("recovering open distributions", zap.Int("count", len(open)))

	var reserved []*model.DistributionRecord
	for _, rec := range open {
		if rec.Status != model.StatusSubmitted {
			reserved = append(reserved, rec)
			continue
		}
		p, err := c.untilReachable(ctx, "resume", rec.ID, func() (Pending, error) {
			return c.transfers.Resume(ctx, rec)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("resume %s: %w", rec.ID, err)
		}
		c.track(ctx, w, p)
	}
	for _, rec := range reserved {
		if err := c.dispatch(ctx, w, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, w *waiters, ev model.QualifyingEvent) error {
	log := c.logger.With(zap.String("event_id", ev.ID.String()), zap.String("recipient", ev.Recipient.Hex()))

	amount, err := c.policy.Amount(ev)
	if err != nil {
		return fmt.Errorf("reward for %s: %w", ev.ID, err)
	}
	if amount.Sign() == 0 {
		metrics.DistributionsSkipped.WithLabelValues("zero_amount").Inc()
		log.Info("skip event with zero reward")
		return nil
	}

	if c.cfg.OncePerRecipient && ev.Recipient != (common.Address{}) {
		paid, err := c.recipientPaid(ctx, ev)
		if err != nil {
			return err
		}
		if paid {
			metrics.DistributionsSkipped.WithLabelValues("recipient_paid").Inc()
			log.Info("skip event for already rewarded recipient")
			return nil
		}
	}

	rec, err := c.ledger.Reserve(ctx, ev.ID, ev.Recipient, amount)
	if errors.Is(err, ledger.ErrAlreadyExists) {
		metrics.DistributionsSkipped.WithLabelValues("already_reserved").Inc()
		log.Debug("skip event already in ledger")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reserve %s: %w", ev.ID, err)
	}
	metrics.DistributionsReserved.Inc()
	log.Info("distribution reserved", zap.String("amount", amount.String()))

	return c.dispatch(ctx, w, rec)
}

func (c *Coordinator) recipientPaid(ctx context.Context, ev model.QualifyingEvent) (bool, error) {
	records, err := c.ledger.FindByRecipient(ctx, ev.Recipient)
	if err != nil {
		return false, fmt.Errorf("find records for %s: %w", ev.Recipient.Hex(), err)
	}
	for _, rec := range records {
		if rec.ID != ev.ID && rec.Status != model.StatusFailed {
			return true, nil
		}
	}
	return false, nil
}

// dispatch broadcasts rec in the caller's goroutine, so nonces follow event order, and hands
// the wait to the waiters.
func (c *Coordinator) dispatch(ctx context.Context, w *waiters, rec *model.DistributionRecord) error {
	t := submitter.Transfer{
		ID:        rec.ID,
		Recipient: rec.Recipient,
		Amount:    rec.Amount,
	}
	p, err := c.untilReachable(ctx, "broadcast", rec.ID, func() (Pending, error) {
		return c.transfers.Broadcast(ctx, t)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("broadcast %s: %w", rec.ID, err)
	}
	c.track(ctx, w, p)
	return nil
}

// untilReachable repeats op while it fails with a transient node error. Such a failure leaves
// no bid in the ledger, so the record is still Pending or unchanged and op can run again.
func (c *Coordinator) untilReachable(ctx context.Context, op string, id model.EventID, fn func() (Pending, error)) (Pending, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = c.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0

	var p Pending
	err := backoff.RetryNotify(func() error {
		var err error
		p, err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, submitter.ErrBidRecorded) || !chain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		metrics.TransferRetries.WithLabelValues(op).Inc()
		c.logger.Warn(op+" failed, node unreachable",
			zap.String("event_id", id.String()),
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
	})
	return p, err
}

func (c *Coordinator) track(ctx context.Context, w *waiters, p Pending) {
	metrics.InflightTransfers.Inc()
	w.g.Go(func() error {
		defer metrics.InflightTransfers.Dec()
		if err := w.slots.Acquire(ctx, 1); err != nil {
			return c.record(ctx, submitter.Result{ID: p.ID(), Status: model.StatusSubmitted, Err: err})
		}
		defer w.slots.Release(1)
		return c.record(ctx, p.Await(ctx))
	})
}

// record persists a terminal outcome. Writes ignore cancellation so an outcome observed
// during shutdown is not lost.
func (c *Coordinator) record(ctx context.Context, res submitter.Result) error {
	log := c.logger.With(zap.String("event_id", res.ID.String()))
	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
			log.Info("transfer left in flight for recovery", zap.String("tx_hash", res.TxHash.Hex()))
			return nil
		}
		return fmt.Errorf("await %s: %w", res.ID, res.Err)
	}

	writeCtx := context.WithoutCancel(ctx)
	var (
		rec *model.DistributionRecord
		err error
	)
	switch {
	case res.Recorded:
		rec, err = c.ledger.Lookup(writeCtx, res.ID)
	case res.Status == model.StatusConfirmed:
		rec, err = c.ledger.MarkConfirmed(writeCtx, res.ID, res.Block)
	case res.Status == model.StatusFailed:
		rec, err = c.ledger.MarkFailed(writeCtx, res.ID, string(res.Reason))
	default:
		log.Warn("transfer finished without a terminal status", zap.String("status", string(res.Status)))
		return nil
	}
	if errors.Is(err, ledger.ErrInvalidTransition) {
		log.Warn("outcome already recorded", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome of %s: %w", res.ID, err)
	}

	metrics.DistributionOutcomes.WithLabelValues(string(res.Status), string(res.Reason)).Inc()
	if res.Status == model.StatusConfirmed {
		log.Info("distribution confirmed", zap.String("tx_hash", res.TxHash.Hex()), zap.Uint64("block_number", res.Block))
	} else {
		log.Warn("distribution failed", zap.String("reason", string(res.Reason)), zap.String("detail", res.Detail), zap.String("tx_hash", res.TxHash.Hex()))
	}
	if err := c.notifier.Notify(writeCtx, notify.Outcome(rec, c.now())); err != nil {
		log.Warn("outcome notification failed", zap.Error(err))
	}

	return c.countRejection(res)
}

func (c *Coordinator) countRejection(res submitter.Result) error {
	if res.Status != model.StatusFailed || !res.Reason.Operational() {
		c.rejections.Store(0)
		return nil
	}
	n := c.rejections.Add(1)
	if c.cfg.FatalRejections > 0 && n >= int64(c.cfg.FatalRejections) {
		return fmt.Errorf("%w: %d in a row, last %s", ErrTooManyRejections, n, res.Reason)
	}
	return nil
}

func (c *Coordinator) alert(ctx context.Context, err error) {
	c.logger.Error("distributor stopped", zap.Error(err))
	if nerr := c.notifier.Notify(context.WithoutCancel(ctx), notify.Fatal("distributor stopped", err, c.now())); nerr != nil {
		c.logger.Warn("fatal notification failed", zap.Error(nerr))
	}
}
