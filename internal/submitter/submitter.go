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

	"airdrop/internal/dex"
	"airdrop/internal/fee"
	"airdrop/internal/metrics"
	"airdrop/internal/model"
)

const fillerGas = 21000

// ErrBidRecorded marks a Broadcast error returned after a bid reached the ledger. The record
// is Submitted and only recovery may decide its outcome.
var ErrBidRecorded = errors.New("bid already recorded")

// Chain is the slice of the node RPC the submitter needs.
type Chain interface {
	dex.Caller
	NonceSource
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// TxSigner signs for the sending account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// FeeOracle produces fee bids.
type FeeOracle interface {
	Estimate(ctx context.Context) (fee.Fee, error)
	Escalate(ctx context.Context, prev fee.Fee) (fee.Fee, error)
	Legacy() bool
}

// Reporter persists every signed bid before it is sent, and the failure of a recorded bid
// whose nonce is handed back to the sequencer.
type Reporter interface {
	Submitted(ctx context.Context, id model.EventID, sub model.Submission) error
	Failed(ctx context.Context, id model.EventID, reason model.FailureReason) error
}

// Config controls submission.
type Config struct {
	ChainID            *big.Int
	Token              common.Address
	GasLimit           uint64
	GasLimitMultiplier float64
	InclusionTimeout   time.Duration
	PollInterval       time.Duration
	MaxEscalations     int
	Confirmations      uint64
	MaxRetries         int
	RetryBackoff       time.Duration
}

// Transfer is one payout to make.
type Transfer struct {
	ID        model.EventID
	Recipient common.Address
	Amount    *big.Int
}

// Result is the outcome of a transfer. Err is set when the outcome is unknown, e.g. the
// context ended while the transaction was still pending.
type Result struct {
	ID     model.EventID
	Status model.Status
	Reason model.FailureReason
	TxHash common.Hash
	Block  uint64
	Detail string
	Err    error
	// Recorded means the outcome is already in the ledger.
	Recorded bool
}

func (r Result) Confirmed() bool { return r.Status == model.StatusConfirmed }

// Submitter signs, broadcasts and tracks token transfers.
type Submitter struct {
	cfg      Config
	chain    Chain
	signer   TxSigner
	oracle   FeeOracle
	reporter Reporter
	seq      *Sequencer
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config, chainClient Chain, signer TxSigner, oracle FeeOracle, reporter Reporter, logger *zap.Logger) (*Submitter, error) {
	if chainClient == nil || signer == nil || oracle == nil || reporter == nil {
		return nil, fmt.Errorf("submitter dependencies are required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("token address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500000
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = 1
	}
	if cfg.InclusionTimeout <= 0 {
		cfg.InclusionTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Submitter{
		cfg:      cfg,
		chain:    chainClient,
		signer:   signer,
		oracle:   oracle,
		reporter: reporter,
		seq:      NewSequencer(chainClient, signer.Address()),
		logger:   logger.With(zap.String("sender", signer.Address().Hex())),
		now:      time.Now,
	}, nil
}

// Sequencer exposes the nonce allocator for recovery.
func (s *Submitter) Sequencer() *Sequencer {
	return s.seq
}

// Sender returns the sending account.
func (s *Submitter) Sender() common.Address {
	return s.signer.Address()
}

// Submit broadcasts t and waits for its outcome.
func (s *Submitter) Submit(ctx context.Context, t Transfer) (Result, error) {
	in, err := s.Broadcast(ctx, t)
	if err != nil {
		return Result{}, err
	}
	return in.Await(ctx), nil
}

// Broadcast runs preflight checks, allocates a nonce and sends the first bid. The returned
// Inflight may already be finished when preflight or the node rejected the transfer.
// An error wrapping ErrBidRecorded leaves a Submitted record to recovery; any other error
// means nothing was sent and the record is still Pending.
func (s *Submitter) Broadcast(ctx context.Context, t Transfer) (*Inflight, error) {
	in := &Inflight{s: s, transfer: t, started: s.now()}
	log := s.logger.With(zap.String("event_id", t.ID.String()), zap.String("recipient", t.Recipient.Hex()))

	done, err := s.preflight(ctx, in)
	if err != nil {
		return nil, err
	}
	if done {
		log.Info("transfer rejected by preflight", zap.String("reason", string(in.result.Reason)), zap.String("detail", in.result.Detail))
		return in, nil
	}

	if err := s.retry(ctx, "estimate fee", func(ctx context.Context) error {
		var err error
		in.fee, err = s.oracle.Estimate(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}

	err = s.seq.Allocate(ctx, func(nonce uint64) (bool, error) {
		in.nonce = nonce
		consumed, err := s.firstSend(ctx, in)
		if !consumed && in.result != nil && len(in.hashes) > 0 {
			// the nonce goes back to the sequencer, so the recorded bid must never be resumed
			if ferr := s.reportFailed(ctx, in); ferr != nil {
				return false, errors.Join(ferr, err)
			}
		}
		return consumed, err
	})
	if errors.Is(err, errNonceStale) && in.result != nil && in.result.Recorded {
		err = nil
	}
	if err != nil {
		if len(in.hashes) > 0 && (in.result == nil || !in.result.Recorded) {
			return nil, fmt.Errorf("broadcast %s: %w: %w", t.ID, ErrBidRecorded, err)
		}
		return nil, err
	}

	if in.result != nil {
		log.Warn("transfer rejected by node", zap.Uint64("nonce", in.nonce), zap.String("reason", string(in.result.Reason)), zap.String("detail", in.result.Detail))
	} else {
		log.Info("transfer broadcast", zap.Uint64("nonce", in.nonce), zap.String("tx_hash", in.latest().Hex()), zap.Stringer("fee", in.fee))
	}
	return in, nil
}

// Resume rebuilds an in-flight transfer from a Submitted ledger record and rebroadcasts its
// latest bid with the same nonce.
func (s *Submitter) Resume(ctx context.Context, rec *model.DistributionRecord) (*Inflight, error) {
	if rec == nil || rec.Status != model.StatusSubmitted || rec.Nonce == nil {
		return nil, fmt.Errorf("resume requires a submitted record with a nonce")
	}
	s.seq.Observe(*rec.Nonce)

	in := &Inflight{
		s:        s,
		transfer: Transfer{ID: rec.ID, Recipient: rec.Recipient, Amount: new(big.Int).Set(rec.Amount)},
		nonce:    *rec.Nonce,
		hashes:   append([]common.Hash(nil), rec.TxHashes...),
		started:  s.now(),
	}
	if n := rec.Attempts - 1; n > 0 {
		in.escalations = n
	}

	data, err := dex.PackTransfer(rec.Recipient, rec.Amount)
	if err != nil {
		return nil, err
	}
	in.data = data

	fresh, err := s.oracle.Estimate(ctx)
	if err != nil {
		s.logger.Warn("fee estimate failed during resume", zap.Error(err))
		fresh.Legacy = s.oracle.Legacy()
	}
	if rec.GasTipCap != nil && rec.GasFeeCap != nil {
		in.fee = fee.Fee{TipCap: new(big.Int).Set(rec.GasTipCap), FeeCap: new(big.Int).Set(rec.GasFeeCap), Legacy: fresh.Legacy}
	} else if err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	} else {
		in.fee = fresh
	}

	if res, mined, done := in.checkReceipts(ctx); mined {
		if done {
			in.result = &res
		}
		return in, nil
	}

	in.gas = s.gasLimit(ctx, in, false)
	outcome, detail, err := s.sendBid(ctx, in, true)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transfer resumed",
		zap.String("event_id", rec.ID.String()),
		zap.Uint64("nonce", in.nonce),
		zap.Stringer("outcome", outcome),
		zap.String("detail", detail),
	)
	if outcome == sendNonceTooLow {
		if res, ok := in.settle(ctx); ok {
			in.result = &res
		}
	}
	return in, nil
}

// preflight fills in calldata and gas, or finishes in with a failure.
func (s *Submitter) preflight(ctx context.Context, in *Inflight) (bool, error) {
	t := in.transfer
	if t.Recipient == (common.Address{}) {
		in.finish(model.FailureInvalidRecipient, "zero recipient")
		return true, nil
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		in.finish(model.FailureRejected, "non-positive amount")
		return true, nil
	}

	data, err := dex.PackTransfer(t.Recipient, t.Amount)
	if err != nil {
		return false, err
	}
	in.data = data

	var balance *big.Int
	err = s.retry(ctx, "token balance", func(ctx context.Context) error {
		var err error
		balance, err = dex.BalanceOf(ctx, s.chain, s.cfg.Token, s.signer.Address())
		return err
	})
	if errors.Is(err, dex.ErrReverted) {
		in.finish(model.FailureReverted, err.Error())
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("token balance: %w", err)
	}
	if balance.Cmp(t.Amount) < 0 {
		in.finish(model.FailureInsufficientBalance, fmt.Sprintf("balance %s < amount %s", balance, t.Amount))
		return true, nil
	}

	in.gas = s.gasLimit(ctx, in, true)
	if in.result != nil {
		return true, nil
	}
	return false, nil
}

// gasLimit estimates gas for in. With strict set an estimation revert finishes in as Reverted.
func (s *Submitter) gasLimit(ctx context.Context, in *Inflight, strict bool) uint64 {
	token := s.cfg.Token
	msg := ethereum.CallMsg{From: s.signer.Address(), To: &token, Data: in.data}

	var estimate uint64
	err := s.retry(ctx, "estimate gas", func(ctx context.Context) error {
		var err error
		estimate, err = s.chain.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		if strict && dex.IsRevert(err) {
			in.finish(model.FailureReverted, err.Error())
			return 0
		}
		s.logger.Warn("gas estimation unavailable, using configured limit", zap.Error(err), zap.Uint64("gas_limit", s.cfg.GasLimit))
		return s.cfg.GasLimit
	}
	return uint64(float64(estimate) * s.cfg.GasLimitMultiplier)
}

// firstSend sends the first bid inside the sequencer critical section.
func (s *Submitter) firstSend(ctx context.Context, in *Inflight) (bool, error) {
	for {
		outcome, detail, err := s.sendBid(ctx, in, true)
		if err != nil {
			return false, err
		}
		switch outcome {
		case sendAccepted, sendAmbiguous:
			return true, nil
		case sendUnderpriced:
			if in.escalations >= s.cfg.MaxEscalations {
				in.finish(model.FailureGasExhausted, detail)
				return false, nil
			}
			next, err := s.oracle.Escalate(ctx, in.fee)
			if err != nil {
				in.finish(model.FailureGasExhausted, err.Error())
				return false, nil
			}
			in.escalations++
			in.fee = next
			metrics.FeeEscalations.Inc()
		case sendNonceTooLow:
			if res, mined, done := in.checkReceipts(ctx); mined {
				if done {
					in.result = &res
				}
				return true, nil
			}
			in.finish(model.FailureNonceConsumed, detail)
			return false, errNonceStale
		case sendInsufficientFunds:
			in.finish(model.FailureInsufficientFunds, detail)
			return false, nil
		default:
			in.finish(model.FailureRejected, detail)
			return false, nil
		}
	}
}

// reportFailed writes the outcome of a refused first bid before its nonce is released.
func (s *Submitter) reportFailed(ctx context.Context, in *Inflight) error {
	res := in.result
	if err := s.reporter.Failed(context.WithoutCancel(ctx), in.transfer.ID, res.Reason); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	res.Recorded = true
	res.TxHash = in.latest()
	return nil
}

// sendBid signs the current bid, records it when report is set, then sends it.
func (s *Submitter) sendBid(ctx context.Context, in *Inflight, report bool) (sendOutcome, string, error) {
	signed, err := s.signer.SignTx(s.buildTx(in.nonce, s.cfg.Token, nil, in.data, in.gas, in.fee))
	if err != nil {
		return sendRejected, "", err
	}
	hash := signed.Hash()

	if report && !in.hasHash(hash) {
		sub := model.Submission{
			TxHash:    hash,
			Nonce:     in.nonce,
			GasTipCap: in.fee.TipCap,
			GasFeeCap: in.fee.FeeCap,
		}
		if err := s.reporter.Submitted(ctx, in.transfer.ID, sub); err != nil {
			return sendRejected, "", fmt.Errorf("record submission: %w", err)
		}
		in.hashes = append(in.hashes, hash)
	}

	outcome, detail := s.send(ctx, signed)
	metrics.Broadcasts.WithLabelValues("transfer").Inc()
	return outcome, detail, nil
}

// send pushes a signed tx, retrying transport failures.
func (s *Submitter) send(ctx context.Context, tx *types.Transaction) (sendOutcome, string) {
	var outcome sendOutcome
	var lastErr error
	_ = s.retry(ctx, "send transaction", func(ctx context.Context) error {
		lastErr = s.chain.SendTransaction(ctx, tx)
		outcome = classifySendError(lastErr)
		if outcome == sendTransient {
			return lastErr
		}
		return nil
	})
	if outcome == sendTransient {
		outcome = sendAmbiguous
	}
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	return outcome, detail
}

func (s *Submitter) buildTx(nonce uint64, to common.Address, value *big.Int, data []byte, gas uint64, bid fee.Fee) *types.Transaction {
	if value == nil {
		value = new(big.Int)
	}
	if bid.Legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: bid.FeeCap,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: bid.TipCap,
		GasFeeCap: bid.FeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}
