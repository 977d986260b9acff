package submitter

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"airdrop/internal/fee"
	"airdrop/internal/model"
)

func TestSubmitConfirmed(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())

	recordedBeforeSend := false
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		recordedBeforeSend = len(reporter.submissions()) == 1 && reporter.submissions()[0].TxHash == tx.Hash()
		return mineAll(c, tx)
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	if !recordedBeforeSend {
		t.Fatalf("bid was not recorded before it was sent")
	}

	sent := c.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	tx := sent[0]
	if tx.Nonce() != 5 || *tx.To() != testToken || tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("unexpected tx: nonce=%d to=%s type=%d", tx.Nonce(), tx.To().Hex(), tx.Type())
	}
	if tx.Gas() != 75000 {
		t.Fatalf("expected multiplied gas estimate, got %d", tx.Gas())
	}
	if res.TxHash != tx.Hash() || res.Block != 101 {
		t.Fatalf("result mismatch: %+v", res)
	}
}

func TestSubmitEscalatesAfterTimeout(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		if len(c.sentTxs()) == 2 {
			c.mine(tx, types.ReceiptStatusSuccessful)
		}
		return nil
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}

	sent := c.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if sent[0].Nonce() != sent[1].Nonce() {
		t.Fatalf("replacement must reuse the nonce: %d != %d", sent[0].Nonce(), sent[1].Nonce())
	}
	if sent[1].GasTipCap().Cmp(sent[0].GasTipCap()) <= 0 || sent[1].GasFeeCap().Cmp(sent[0].GasFeeCap()) <= 0 {
		t.Fatalf("replacement fee not strictly greater")
	}
	if res.TxHash != sent[1].Hash() {
		t.Fatalf("expected replacement hash, got %s", res.TxHash.Hex())
	}
	if subs := reporter.submissions(); len(subs) != 2 || subs[1].TxHash != sent[1].Hash() {
		t.Fatalf("expected both bids recorded, got %+v", subs)
	}
}

func TestSubmitGasExhaustedFillsNonce(t *testing.T) {
	c := newFakeChain()
	cfg := testConfig()
	cfg.MaxEscalations = 1
	s, _ := newTestSubmitter(t, c, cfg)
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		if *tx.To() == s.Sender() {
			c.mine(tx, types.ReceiptStatusSuccessful)
		}
		return nil
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.StatusFailed || res.Reason != model.FailureGasExhausted {
		t.Fatalf("expected gas exhausted, got %+v", res)
	}

	sent := c.sentTxs()
	if len(sent) != 3 {
		t.Fatalf("expected transfer, replacement and filler, got %d sends", len(sent))
	}
	filler := sent[2]
	if *filler.To() != s.Sender() || filler.Value().Sign() != 0 || filler.Nonce() != 5 || filler.Gas() != fillerGas {
		t.Fatalf("unexpected filler: to=%s value=%s nonce=%d", filler.To().Hex(), filler.Value(), filler.Nonce())
	}
	if filler.GasFeeCap().Cmp(sent[1].GasFeeCap()) <= 0 {
		t.Fatalf("filler must outbid the last transfer bid")
	}
}

func TestSubmitFillerLosesToTransfer(t *testing.T) {
	c := newFakeChain()
	cfg := testConfig()
	cfg.MaxEscalations = 0
	s, _ := newTestSubmitter(t, c, cfg)
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		if *tx.To() == s.Sender() {
			c.mine(c.sentTxs()[0], types.ReceiptStatusSuccessful)
			return errors.New("nonce too low")
		}
		return nil
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() || res.TxHash != c.sentTxs()[0].Hash() {
		t.Fatalf("expected the transfer bid to win, got %+v", res)
	}
}

func TestSubmitRevertedReceipt(t *testing.T) {
	c := newFakeChain()
	s, _ := newTestSubmitter(t, c, testConfig())
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		c.mine(tx, types.ReceiptStatusFailed)
		return nil
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.StatusFailed || res.Reason != model.FailureReverted || res.Block != 101 {
		t.Fatalf("expected reverted, got %+v", res)
	}
}

func TestPreflightFailures(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(c *fakeChain, tr *Transfer)
		reason model.FailureReason
	}{
		{"zero recipient", func(_ *fakeChain, tr *Transfer) { tr.Recipient = common.Address{} }, model.FailureInvalidRecipient},
		{"low balance", func(c *fakeChain, _ *Transfer) { c.balance = big.NewInt(10) }, model.FailureInsufficientBalance},
		{"estimate reverts", func(c *fakeChain, _ *Transfer) { c.estimateErr = errors.New("execution reverted: paused") }, model.FailureReverted},
		{"token reverts", func(c *fakeChain, _ *Transfer) { c.callErr = errors.New("execution reverted") }, model.FailureReverted},
		{"zero amount", func(_ *fakeChain, tr *Transfer) { tr.Amount = big.NewInt(0) }, model.FailureRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newFakeChain()
			s, reporter := newTestSubmitter(t, c, testConfig())
			tr := testTransfer(100)
			tc.setup(c, &tr)

			in, err := s.Broadcast(context.Background(), tr)
			if err != nil {
				t.Fatalf("broadcast: %v", err)
			}
			if !in.Finished() {
				t.Fatalf("expected preflight to finish the transfer")
			}
			res := in.Await(context.Background())
			if res.Status != model.StatusFailed || res.Reason != tc.reason {
				t.Fatalf("expected %s, got %+v", tc.reason, res)
			}
			if len(c.sentTxs()) != 0 || len(reporter.submissions()) != 0 {
				t.Fatalf("nothing may be sent or recorded on preflight failure")
			}
		})
	}
}

func TestEstimateUnavailableUsesConfiguredGas(t *testing.T) {
	c := newFakeChain()
	c.estimateErr = errConnRefused
	s, _ := newTestSubmitter(t, c, testConfig())
	c.onSend = mineAll

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	if gas := c.sentTxs()[0].Gas(); gas != 500000 {
		t.Fatalf("expected configured gas limit, got %d", gas)
	}
}

func TestInsufficientFundsKeepsNonce(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())
	c.onSend = func(*fakeChain, *types.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reason != model.FailureInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %+v", res)
	}
	if len(reporter.submissions()) != 1 {
		t.Fatalf("expected the bid to be recorded before sending")
	}
	if next, ok := s.Sequencer().Next(); !ok || next != 5 {
		t.Fatalf("rejected send must not consume the nonce, next=%d", next)
	}
}

func TestNonceTooLowOnFreshSend(t *testing.T) {
	c := newFakeChain()
	s, _ := newTestSubmitter(t, c, testConfig())
	calls := 0
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		calls++
		if calls == 1 {
			return errors.New("nonce too low: next nonce 9, tx nonce 5")
		}
		return mineAll(c, tx)
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reason != model.FailureNonceConsumed {
		t.Fatalf("expected nonce consumed, got %+v", res)
	}
	if _, ok := s.Sequencer().Next(); ok {
		t.Fatalf("expected sequencer to reload after a stale nonce")
	}

	c.mu.Lock()
	c.pending = 9
	c.mu.Unlock()
	res, err = s.Submit(context.Background(), testTransfer(101))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() || c.sentTxs()[1].Nonce() != 9 {
		t.Fatalf("expected reload from pending nonce, got %+v", res)
	}
}

func TestUnderpricedFirstSendEscalates(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())
	calls := 0
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		calls++
		if calls == 1 {
			return errors.New("transaction underpriced")
		}
		return mineAll(c, tx)
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	sent := c.sentTxs()
	if len(sent) != 2 || sent[0].Nonce() != sent[1].Nonce() {
		t.Fatalf("expected a same-nonce rebid, got %d sends", len(sent))
	}
	if len(reporter.submissions()) != 2 {
		t.Fatalf("expected both bids recorded")
	}
}

func TestAmbiguousSendStillConsumesNonce(t *testing.T) {
	c := newFakeChain()
	s, _ := newTestSubmitter(t, c, testConfig())
	calls := 0
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		calls++
		if calls <= 3 {
			return errConnRefused
		}
		return mineAll(c, tx)
	}

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("expected the escalated bid to confirm, got %+v", res)
	}
	if next, _ := s.Sequencer().Next(); next != 6 {
		t.Fatalf("expected nonce 5 consumed, next=%d", next)
	}
}

func TestBroadcastOrdersNonces(t *testing.T) {
	c := newFakeChain()
	s, _ := newTestSubmitter(t, c, testConfig())

	for i := 0; i < 3; i++ {
		in, err := s.Broadcast(context.Background(), testTransfer(uint64(100+i)))
		if err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		if in.Nonce() != uint64(5+i) {
			t.Fatalf("broadcast %d got nonce %d", i, in.Nonce())
		}
	}
}

func TestConfirmationDepth(t *testing.T) {
	c := newFakeChain()
	c.advanceHead = true
	cfg := testConfig()
	cfg.Confirmations = 3
	s, _ := newTestSubmitter(t, c, cfg)
	c.onSend = mineAll

	res, err := s.Submit(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	c.mu.Lock()
	head := c.head
	c.mu.Unlock()
	if head < res.Block+2 {
		t.Fatalf("confirmed at depth %d, want 3", head-res.Block+1)
	}
}

func TestAwaitCanceled(t *testing.T) {
	c := newFakeChain()
	s, _ := newTestSubmitter(t, c, testConfig())

	in, err := s.Broadcast(context.Background(), testTransfer(100))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	res := in.Await(ctx)
	if res.Err == nil || res.Status != model.StatusSubmitted {
		t.Fatalf("expected pending result on cancel, got %+v", res)
	}
}

func TestReporterFailureStopsSend(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())
	reporter.err = errors.New("disk full")

	if _, err := s.Broadcast(context.Background(), testTransfer(100)); err == nil {
		t.Fatalf("expected broadcast error")
	}
	if len(c.sentTxs()) != 0 {
		t.Fatalf("an unrecorded bid must never be sent")
	}
	if next, _ := s.Sequencer().Next(); next != 5 {
		t.Fatalf("nonce must not advance, next=%d", next)
	}
}

func TestResumeRebroadcasts(t *testing.T) {
	c := newFakeChain()
	c.pending = 3
	s, reporter := newTestSubmitter(t, c, testConfig())
	c.onSend = mineAll

	nonce := uint64(9)
	stale := common.HexToHash("0xdead")
	rec := &model.DistributionRecord{
		ID:        testTransfer(90).ID,
		Recipient: testTo,
		Amount:    big.NewInt(50),
		Status:    model.StatusSubmitted,
		TxHash:    &stale,
		TxHashes:  []common.Hash{stale},
		Nonce:     &nonce,
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(202),
		Attempts:  1,
	}

	in, err := s.Resume(context.Background(), rec)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	res := in.Await(context.Background())
	if !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	sent := c.sentTxs()
	if len(sent) != 1 || sent[0].Nonce() != 9 || sent[0].GasFeeCap().Int64() != 202 {
		t.Fatalf("expected rebroadcast at the recorded nonce and fee")
	}
	if subs := reporter.submissions(); len(subs) != 1 || subs[0].Nonce != 9 {
		t.Fatalf("expected the rebuilt bid to be recorded, got %+v", subs)
	}

	next, err := s.Broadcast(context.Background(), testTransfer(101))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if next.Nonce() != 10 {
		t.Fatalf("recovered nonce must be reserved, got %d", next.Nonce())
	}
}

func TestResumeAlreadyMined(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())

	nonce := uint64(4)
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &testToken})
	c.mine(tx, types.ReceiptStatusSuccessful)
	hash := tx.Hash()
	rec := &model.DistributionRecord{
		ID:        testTransfer(90).ID,
		Recipient: testTo,
		Amount:    big.NewInt(50),
		Status:    model.StatusSubmitted,
		TxHash:    &hash,
		TxHashes:  []common.Hash{hash},
		Nonce:     &nonce,
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(202),
		Attempts:  1,
	}

	in, err := s.Resume(context.Background(), rec)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !in.Finished() {
		t.Fatalf("expected mined record to finish immediately")
	}
	if res := in.Await(context.Background()); !res.Confirmed() || res.TxHash != hash {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	if len(c.sentTxs()) != 0 || len(reporter.submissions()) != 0 {
		t.Fatalf("mined record must not be rebroadcast")
	}
}

func TestResumeRequiresSubmitted(t *testing.T) {
	c := newFakeChain()
	s, _ := newTestSubmitter(t, c, testConfig())
	if _, err := s.Resume(context.Background(), &model.DistributionRecord{Status: model.StatusPending}); err == nil {
		t.Fatalf("expected error for pending record")
	}
}

func TestRefusedFirstBidIsFailedBeforeNonceReuse(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())
	ctx := context.Background()

	refuse := true
	var failedBeforeReuse []model.FailureReason
	c.onSend = func(c *fakeChain, tx *types.Transaction) error {
		if refuse {
			refuse = false
			return errors.New("insufficient funds for gas * price + value")
		}
		failedBeforeReuse = reporter.failures()
		return mineAll(c, tx)
	}

	first, err := s.Broadcast(ctx, testTransfer(100))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	res := first.Await(ctx)
	if res.Reason != model.FailureInsufficientFunds || !res.Recorded {
		t.Fatalf("expected a recorded insufficient funds failure, got %+v", res)
	}
	if res.TxHash != reporter.submissions()[0].TxHash {
		t.Fatalf("failure should carry the refused bid hash")
	}

	second, err := s.Broadcast(ctx, testTransfer(101))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if second.Nonce() != first.Nonce() {
		t.Fatalf("released nonce should be reused, got %d want %d", second.Nonce(), first.Nonce())
	}
	if len(failedBeforeReuse) != 1 || failedBeforeReuse[0] != model.FailureInsufficientFunds {
		t.Fatalf("refused bid must be failed in the ledger before its nonce is reused, got %v", failedBeforeReuse)
	}
}

func TestRefusedFirstBidLeftToRecoveryWhenFailureNotRecorded(t *testing.T) {
	c := newFakeChain()
	s, reporter := newTestSubmitter(t, c, testConfig())
	reporter.failErr = errors.New("disk full")
	c.onSend = func(*fakeChain, *types.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}

	_, err := s.Broadcast(context.Background(), testTransfer(100))
	if !errors.Is(err, ErrBidRecorded) {
		t.Fatalf("expected ErrBidRecorded, got %v", err)
	}
}

func TestResumeKeepsLegacyPricingWhenEstimateFails(t *testing.T) {
	c := newFakeChain()
	c.feeErr = errConnRefused
	s, _ := newTestSubmitterWithFees(t, c, testConfig(), fee.Config{Legacy: true, BumpPercent: 10})
	c.onSend = mineAll

	nonce := uint64(7)
	stale := common.HexToHash("0xdead")
	rec := &model.DistributionRecord{
		ID:        testTransfer(90).ID,
		Recipient: testTo,
		Amount:    big.NewInt(50),
		Status:    model.StatusSubmitted,
		TxHash:    &stale,
		TxHashes:  []common.Hash{stale},
		Nonce:     &nonce,
		GasTipCap: big.NewInt(102),
		GasFeeCap: big.NewInt(102),
		Attempts:  1,
	}

	in, err := s.Resume(context.Background(), rec)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res := in.Await(context.Background()); !res.Confirmed() {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	sent := c.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("expected one rebroadcast, got %d", len(sent))
	}
	if sent[0].Type() != types.LegacyTxType || sent[0].GasPrice().Int64() != 102 {
		t.Fatalf("resumed bid must keep legacy pricing, got type %d", sent[0].Type())
	}
}
