package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC and records per-method call metrics.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	limiter   *Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter throttles log queries, which are the expensive calls during backfill.
func WithLimiter(l *Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a new chain client from the RPC URL. ws/wss URLs support subscriptions.
func NewClient(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.ethClient.ChainID(ctx)
	RecordRPCCall("eth_chainId", err)
	return id, err
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	head, err := c.ethClient.BlockNumber(ctx)
	RecordRPCCall("eth_blockNumber", err)
	return head, err
}

// HeaderByNumber returns the block header by number; nil means latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, number)
	RecordRPCCall("eth_getBlockByNumber", err)
	return header, err
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	logs, err := c.ethClient.FilterLogs(ctx, filterQuery(fromBlock, toBlock, addresses, topic0))
	RecordRPCCall("eth_getLogs", err)
	return logs, err
}

// SubscribeLogs opens a push subscription for new logs. It fails with
// rpc.ErrNotificationsUnsupported on transports without notifications.
func (c *Client) SubscribeLogs(
	ctx context.Context,
	addresses []common.Address,
	topic0 []common.Hash,
	ch chan<- types.Log,
) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{Addresses: addresses}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	sub, err := c.ethClient.SubscribeFilterLogs(ctx, query, ch)
	RecordRPCCall("eth_subscribe", err)
	return sub, err
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.ethClient.CallContract(ctx, msg, blockNumber)
	RecordRPCCall("eth_call", err)
	return out, err
}

// PendingNonceAt returns the next nonce including transactions in the pool.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, account)
	RecordRPCCall("eth_getTransactionCount", err)
	return nonce, err
}

// NonceAt returns the mined nonce of account; nil block means latest.
func (c *Client) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	nonce, err := c.ethClient.NonceAt(ctx, account, block)
	RecordRPCCall("eth_getTransactionCount", err)
	return nonce, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.ethClient.SuggestGasTipCap(ctx)
	RecordRPCCall("eth_maxPriorityFeePerGas", err)
	return tip, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.ethClient.SuggestGasPrice(ctx)
	RecordRPCCall("eth_gasPrice", err)
	return price, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.ethClient.EstimateGas(ctx, msg)
	RecordRPCCall("eth_estimateGas", err)
	return gas, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	err := c.ethClient.SendTransaction(ctx, tx)
	RecordRPCCall("eth_sendRawTransaction", err)
	return err
}

// TransactionReceipt returns ethereum.NotFound while the transaction is not mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if err == ethereum.NotFound {
		RecordRPCCall("eth_getTransactionReceipt", nil)
	} else {
		RecordRPCCall("eth_getTransactionReceipt", err)
	}
	return receipt, err
}

func filterQuery(fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ethereum.FilterQuery {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return query
}
