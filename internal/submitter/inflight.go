package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"airdrop/internal/fee"
	"airdrop/internal/metrics"
	"airdrop/internal/model"
)

// Inflight is a broadcast transfer awaiting its outcome. It is not safe for concurrent use.
type Inflight struct {
	s           *Submitter
	transfer    Transfer
	nonce       uint64
	gas         uint64
	data        []byte
	fee         fee.Fee
	hashes      []common.Hash
	escalations int
	started     time.Time
	result      *Result
}

func (in *Inflight) ID() model.EventID { return in.transfer.ID }

// Nonce returns the allocated nonce; meaningless when nothing was sent.
func (in *Inflight) Nonce() uint64 { return in.nonce }

// Hashes returns every bid hash signed for the transfer.
func (in *Inflight) Hashes() []common.Hash { return append([]common.Hash(nil), in.hashes...) }

// Finished reports whether the outcome is already known.
func (in *Inflight) Finished() bool { return in.result != nil }

// Await polls for inclusion, escalates the fee after each inclusion timeout and returns the
// terminal outcome.
func (in *Inflight) Await(ctx context.Context) Result {
	if in.result != nil {
		return *in.result
	}
	s := in.s
	log := s.logger.With(zap.String("event_id", in.transfer.ID.String()), zap.Uint64("nonce", in.nonce))

	deadline := s.now().Add(s.cfg.InclusionTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, mined, done := in.checkReceipts(ctx)
		if done {
			if res.Confirmed() {
				metrics.ConfirmationLatency.Observe(s.now().Sub(in.started).Seconds())
			}
			return res
		}
		if !mined && !s.now().Before(deadline) {
			if res, done := in.escalate(ctx, log); done {
				return res
			}
			deadline = s.now().Add(s.cfg.InclusionTimeout)
		}

		select {
		case <-ctx.Done():
			return in.pending(ctx.Err())
		case <-ticker.C:
		}
	}
}

// checkReceipts looks for a receipt of any bid. mined means one was found; done means it
// also reached the confirmation depth.
func (in *Inflight) checkReceipts(ctx context.Context) (Result, bool, bool) {
	s := in.s
	for i := len(in.hashes) - 1; i >= 0; i-- {
		hash := in.hashes[i]
		receipt, err := s.chain.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
			continue
		}
		if err != nil {
			s.logger.Debug("receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			continue
		}

		block := receipt.BlockNumber.Uint64()
		head, err := s.chain.LatestBlockNumber(ctx)
		if err != nil {
			return Result{}, true, false
		}
		if head < block || head-block+1 < s.cfg.Confirmations {
			return Result{}, true, false
		}

		res := Result{ID: in.transfer.ID, TxHash: hash, Block: block}
		if receipt.Status == types.ReceiptStatusFailed {
			res.Status = model.StatusFailed
			res.Reason = model.FailureReverted
			res.Detail = "receipt status 0"
		} else {
			res.Status = model.StatusConfirmed
		}
		return res, true, true
	}
	return Result{}, false, false
}

// escalate sends a replacement bid, or fills the nonce when bidding is exhausted.
func (in *Inflight) escalate(ctx context.Context, log *zap.Logger) (Result, bool) {
	s := in.s
	if in.escalations >= s.cfg.MaxEscalations {
		return in.fillNonce(ctx, log, "max escalations reached"), true
	}

	next, err := s.oracle.Escalate(ctx, in.fee)
	if errors.Is(err, fee.ErrFeeCapExceeded) {
		return in.fillNonce(ctx, log, err.Error()), true
	}
	if err != nil {
		log.Warn("fee escalation failed, waiting another window", zap.Error(err))
		return Result{}, false
	}
	in.escalations++
	in.fee = next
	metrics.FeeEscalations.Inc()

	outcome, detail, err := s.sendBid(ctx, in, true)
	if err != nil {
		return in.pending(err), true
	}
	log.Info("replacement bid sent",
		zap.Int("escalation", in.escalations),
		zap.Stringer("fee", in.fee),
		zap.String("tx_hash", in.latest().Hex()),
		zap.Stringer("outcome", outcome),
	)

	switch outcome {
	case sendNonceTooLow:
		if res, ok := in.settle(ctx); ok {
			return res, true
		}
		return Result{}, false
	case sendInsufficientFunds, sendRejected:
		// earlier bids stay valid; the window still counts toward the limit
		log.Warn("replacement bid refused", zap.String("detail", detail))
	}
	return Result{}, false
}

// fillNonce replaces the transfer with a zero-value self-transfer so the nonce is consumed
// and later transfers are not stalled. A transfer bid that mines first wins.
func (in *Inflight) fillNonce(ctx context.Context, log *zap.Logger, reason string) Result {
	s := in.s
	bid, err := s.oracle.Escalate(ctx, in.fee)
	if err != nil {
		bid = minimumReplacement(in.fee)
	}

	self := s.signer.Address()
	signed, err := s.signer.SignTx(s.buildTx(in.nonce, self, new(big.Int), nil, fillerGas, bid))
	if err != nil {
		log.Error("sign nonce filler failed", zap.Error(err))
	} else {
		outcome, detail := s.send(ctx, signed)
		metrics.Broadcasts.WithLabelValues("filler").Inc()
		log.Warn("nonce filler sent",
			zap.String("reason", reason),
			zap.String("filler_hash", signed.Hash().Hex()),
			zap.Stringer("fee", bid),
			zap.Stringer("outcome", outcome),
			zap.String("detail", detail),
		)
	}

	if res, ok := in.settle(ctx); ok && res.Confirmed() {
		return res
	} else if ok && res.Reason == model.FailureReverted {
		return res
	}
	if ctx.Err() != nil {
		return in.pending(ctx.Err())
	}
	res := Result{ID: in.transfer.ID, Status: model.StatusFailed, Reason: model.FailureGasExhausted, Detail: reason}
	if len(in.hashes) > 0 {
		res.TxHash = in.latest()
	}
	return res
}

// settle waits up to one inclusion window for the nonce to be consumed and reports which
// transaction consumed it. ok is false if the nonce is still open.
func (in *Inflight) settle(ctx context.Context) (Result, bool) {
	s := in.s
	deadline := s.now().Add(s.cfg.InclusionTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, mined, done := in.checkReceipts(ctx)
		if done {
			return res, true
		}
		if !mined {
			minedNonce, err := s.chain.NonceAt(ctx, s.signer.Address(), nil)
			if err == nil && minedNonce > in.nonce {
				// consumed, but a receipt can lag the nonce by a poll
				if res, _, done := in.checkReceipts(ctx); done {
					return res, true
				}
				return Result{
					ID:     in.transfer.ID,
					Status: model.StatusFailed,
					Reason: model.FailureNonceConsumed,
					Detail: fmt.Sprintf("nonce %d consumed by another transaction", in.nonce),
				}, true
			}
		}
		if !s.now().Before(deadline) {
			return Result{}, false
		}
		select {
		case <-ctx.Done():
			return in.pending(ctx.Err()), false
		case <-ticker.C:
		}
	}
}

func (in *Inflight) finish(reason model.FailureReason, detail string) {
	in.result = &Result{ID: in.transfer.ID, Status: model.StatusFailed, Reason: reason, Detail: detail}
}

func (in *Inflight) pending(err error) Result {
	res := Result{ID: in.transfer.ID, Status: model.StatusSubmitted, Err: err}
	if len(in.hashes) > 0 {
		res.TxHash = in.latest()
	}
	return res
}

func (in *Inflight) latest() common.Hash {
	if len(in.hashes) == 0 {
		return common.Hash{}
	}
	return in.hashes[len(in.hashes)-1]
}

func (in *Inflight) hasHash(hash common.Hash) bool {
	for _, h := range in.hashes {
		if h == hash {
			return true
		}
	}
	return false
}

// minimumReplacement is the smallest bid a node accepts as a replacement, ignoring the cap.
func minimumReplacement(prev fee.Fee) fee.Fee {
	bump := func(v *big.Int) *big.Int {
		if v == nil {
			return big.NewInt(1)
		}
		out := new(big.Int).Mul(v, big.NewInt(110))
		out.Quo(out, big.NewInt(100))
		return out.Add(out, big.NewInt(1))
	}
	return fee.Fee{TipCap: bump(prev.TipCap), FeeCap: bump(prev.FeeCap), Legacy: prev.Legacy}
}
