package submitter

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

	"airdrop/internal/fee"
	"airdrop/internal/model"
	"airdrop/internal/wallet"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testChainID = big.NewInt(42161)
	testToken   = common.HexToAddress("0x000000000000000000000000000000000000beef")
	testTo      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeChain struct {
	mu          sync.Mutex
	pending     uint64
	mined       uint64
	head        uint64
	advanceHead bool
	baseFee     *big.Int
	tip         *big.Int
	balance     *big.Int
	callErr     error
	estimateErr error
	feeErr      error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	onSend      func(c *fakeChain, tx *types.Transaction) error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		pending:  5,
		mined:    5,
		head:     100,
		baseFee:  big.NewInt(100),
		tip:      big.NewInt(2),
		balance:  big.NewInt(1_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	return common.LeftPadBytes(c.balance.Bytes(), 32), nil
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *fakeChain) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mined, nil
}

func (c *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return 50000, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.sent = append(c.sent, tx)
	onSend := c.onSend
	c.mu.Unlock()
	if onSend == nil {
		return nil
	}
	return onSend(c, tx)
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advanceHead {
		c.head++
	}
	return c.head, nil
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeErr != nil {
		return nil, c.feeErr
	}
	return &types.Header{Number: new(big.Int).SetUint64(c.head), BaseFee: c.baseFee}, nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeErr != nil {
		return nil, c.feeErr
	}
	return new(big.Int).Set(c.tip), nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeErr != nil {
		return nil, c.feeErr
	}
	return new(big.Int).Add(c.baseFee, c.tip), nil
}

// mine includes tx in the next block.
func (c *fakeChain) mine(tx *types.Transaction, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
	}
	if tx.Nonce() >= c.mined {
		c.mined = tx.Nonce() + 1
	}
	if c.mined > c.pending {
		c.pending = c.mined
	}
}

func (c *fakeChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

type fakeReporter struct {
	mu      sync.Mutex
	subs    []model.Submission
	failed  []model.FailureReason
	err     error
	failErr error
}

func (r *fakeReporter) Submitted(_ context.Context, _ model.EventID, sub model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *fakeReporter) Failed(_ context.Context, _ model.EventID, reason model.FailureReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.failed = append(r.failed, reason)
	return nil
}

func (r *fakeReporter) failures() []model.FailureReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.FailureReason(nil), r.failed...)
}

func (r *fakeReporter) submissions() []model.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Submission(nil), r.subs...)
}

func testConfig() Config {
	return Config{
		ChainID:            testChainID,
		Token:              testToken,
		GasLimit:           500000,
		GasLimitMultiplier: 1.5,
		InclusionTimeout:   30 * time.Millisecond,
		PollInterval:       2 * time.Millisecond,
		MaxEscalations:     2,
		Confirmations:      1,
		MaxRetries:         2,
		RetryBackoff:       time.Millisecond,
	}
}

func newTestSubmitter(t *testing.T, c *fakeChain, cfg Config) (*Submitter, *fakeReporter) {
	t.Helper()
	return newTestSubmitterWithFees(t, c, cfg, fee.Config{BumpPercent: 10})
}

func newTestSubmitterWithFees(t *testing.T, c *fakeChain, cfg Config, fc fee.Config) (*Submitter, *fakeReporter) {
	t.Helper()
	signer, err := wallet.NewSigner(devKey, testChainID)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	reporter := &fakeReporter{}
	oracle := fee.NewOracle(c, fc, nil)
	s, err := New(cfg, c, signer, oracle, reporter, nil)
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return s, reporter
}

func testTransfer(block uint64) Transfer {
	return Transfer{
		ID:        model.EventID{BlockNumber: block, TxHash: common.HexToHash("0xabc"), LogIndex: 0},
		Recipient: testTo,
		Amount:    big.NewInt(50),
	}
}

func mineAll(c *fakeChain, tx *types.Transaction) error {
	c.mine(tx, types.ReceiptStatusSuccessful)
	return nil
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:8545: connection refused")
