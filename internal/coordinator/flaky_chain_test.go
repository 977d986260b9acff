package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testChainID = big.NewInt(31337)
	testToken   = common.HexToAddress("0x000000000000000000000000000000000000beef")
	errNodeDown = errors.New("dial tcp 127.0.0.1:8545: connection refused")
)

// flakyChain is a node that refuses every read while down and mines each sent transaction
// in the next block.
type flakyChain struct {
	mu       sync.Mutex
	down     bool
	downHits int
	head     uint64
	nonce    uint64
	sent     int
	receipts map[common.Hash]*types.Receipt
}

func newFlakyChain() *flakyChain {
	return &flakyChain{head: 100, receipts: make(map[common.Hash]*types.Receipt)}
}

func (c *flakyChain) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

func (c *flakyChain) refused() bool {
	if c.down {
		c.downHits++
	}
	return c.down
}

func (c *flakyChain) hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downHits
}

func (c *flakyChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refused() {
		return nil, errNodeDown
	}
	balance := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	return common.LeftPadBytes(balance.Bytes(), 32), nil
}

func (c *flakyChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refused() {
		return 0, errNodeDown
	}
	return c.nonce, nil
}

func (c *flakyChain) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *flakyChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refused() {
		return 0, errNodeDown
	}
	return 60000, nil
}

func (c *flakyChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	c.head++
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
	}
	if tx.Nonce() >= c.nonce {
		c.nonce = tx.Nonce() + 1
	}
	return nil
}

func (c *flakyChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *flakyChain) LatestBlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *flakyChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refused() {
		return nil, errNodeDown
	}
	return &types.Header{Number: new(big.Int).SetUint64(c.head), BaseFee: big.NewInt(100)}, nil
}

func (c *flakyChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refused() {
		return nil, errNodeDown
	}
	return big.NewInt(2), nil
}

func (c *flakyChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refused() {
		return nil, errNodeDown
	}
	return big.NewInt(102), nil
}

func (c *flakyChain) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}
