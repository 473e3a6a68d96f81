package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// ErrReconnectExhausted is surfaced after the reconnect budget runs out.
var ErrReconnectExhausted = fmt.Errorf("chain: reconnect attempts exhausted")

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Cancel detaches a subscription handler. Safe to call more than once; the
// underlying unsubscribe runs exactly once.
type Cancel func()

// LogHandler receives raw chain logs for one (address, topic0) subscription.
type LogHandler func(log types.Log)

// PendingTxHandler receives pending transaction hashes.
type PendingTxHandler func(txHash common.Hash)

// Config controls dialing and reconnect behavior.
type Config struct {
	WSURL                string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Client wraps a single multiplexed node WebSocket connection: typed RPC,
// log subscriptions, pending-tx subscription, and bounded reconnect.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	rpcClient  *rpc.Client
	ethClient  *ethclient.Client
	connected  bool
	generation uint64

	onReconnect []func()
	onFatal     func(error)

	receiptPollInterval time.Duration
}

// NewClient dials the node WebSocket endpoint.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}

	c := &Client{
		cfg:                 cfg,
		logger:              logger,
		receiptPollInterval: 3 * time.Second,
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) error {
	rpcClient, err := rpc.DialContext(ctx, c.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("dial node: %w", err)
	}

	c.mu.Lock()
	c.rpcClient = rpcClient
	c.ethClient = ethclient.NewClient(rpcClient)
	c.connected = true
	c.generation++
	c.mu.Unlock()

	return nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Connected reports whether the transport is believed live.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// OnReconnect registers a hook invoked after a successful redial. The
// listener registry uses this to resubscribe its bindings.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// OnFatal registers the hook invoked when the reconnect budget is exhausted.
func (c *Client) OnFatal(fn func(error)) {
	c.mu.Lock()
	c.onFatal = fn
	c.mu.Unlock()
}

func (c *Client) eth() *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ethClient
}

func (c *Client) raw() *rpc.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpcClient
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth().ChainID(ctx)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth().BlockNumber(ctx)
}

// CallContract performs an eth_call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth().CallContract(ctx, msg, blockNumber)
}

// TransactionByHash returns the transaction and its pending state.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return c.eth().TransactionByHash(ctx, hash)
}

// TransactionReceipt returns the receipt, or ethereum.NotFound while pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth().TransactionReceipt(ctx, hash)
}

// TransactionSender recovers the from address of a transaction.
func (c *Client) TransactionSender(ctx context.Context, tx *types.Transaction) (common.Address, error) {
	chainID := tx.ChainId()
	if chainID != nil && chainID.Sign() > 0 {
		return types.Sender(types.LatestSignerForChainID(chainID), tx)
	}
	id, err := c.ChainID(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return types.Sender(types.LatestSignerForChainID(id), tx)
}

// WaitForReceipt polls for the receipt until it lands or ctx is done. Callers
// race this against their own timer by bounding ctx.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && err != ethereum.NotFound {
			c.logger.Debug("receipt poll failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubscribeLogs subscribes to logs for one (address, topic0) pair. The
// handler runs on a dedicated goroutine in the node's delivery order.
func (c *Client) SubscribeLogs(ctx context.Context, address common.Address, topic0 common.Hash, handler LogHandler) (Cancel, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic0}},
	}

	logs := make(chan types.Log, 128)
	sub, err := c.eth().SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs %s: %w", address.Hex(), err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case err := <-sub.Err():
				if err != nil {
					c.logger.Warn("log subscription dropped",
						zap.String("address", address.Hex()), zap.Error(err))
					c.transportLost()
				}
				return
			case logEntry := <-logs:
				c.safeHandleLog(handler, logEntry)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.Unsubscribe()
			close(done)
		})
	}
	return cancel, nil
}

// SubscribePendingTx subscribes to newPendingTransactions. Some providers
// push non-hash payloads on this channel; anything that is not a 66-char
// 0x hash is dropped silently.
func (c *Client) SubscribePendingTx(ctx context.Context, handler PendingTxHandler) (Cancel, error) {
	raw := make(chan json.RawMessage, 512)
	sub, err := c.raw().EthSubscribe(ctx, raw, "newPendingTransactions")
	if err != nil {
		return nil, fmt.Errorf("subscribe pending txs: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case err := <-sub.Err():
				if err != nil {
					c.logger.Warn("pending-tx subscription dropped", zap.Error(err))
					c.transportLost()
				}
				return
			case payload := <-raw:
				hash, ok := decodePendingHash(payload)
				if !ok {
					continue
				}
				c.safeHandlePending(handler, hash)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.Unsubscribe()
			close(done)
		})
	}
	return cancel, nil
}

func decodePendingHash(payload json.RawMessage) (common.Hash, bool) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return common.Hash{}, false
	}
	if !txHashPattern.MatchString(s) {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

// Subscription callbacks must never tear down the read loop; the mempool in
// particular is noisy.
func (c *Client) safeHandleLog(handler LogHandler, logEntry types.Log) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("log handler panic", zap.Any("panic", r))
		}
	}()
	handler(logEntry)
}

func (c *Client) safeHandlePending(handler PendingTxHandler, hash common.Hash) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("pending handler panic", zap.Any("panic", r))
		}
	}()
	handler(hash)
}

// transportLost marks the connection down and starts a single reconnect loop
// per connection generation, no matter how many subscriptions observed the
// drop.
func (c *Client) transportLost() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	gen := c.generation
	old := c.rpcClient
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go c.reconnectLoop(gen)
}

func (c *Client) reconnectLoop(fromGeneration uint64) {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectDelay)

		c.mu.RLock()
		stale := c.generation != fromGeneration
		c.mu.RUnlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max", c.cfg.MaxReconnectAttempts),
				zap.Error(err))
			continue
		}

		c.logger.Info("node connection restored", zap.Int("attempt", attempt))
		c.mu.RLock()
		hooks := make([]func(), len(c.onReconnect))
		copy(hooks, c.onReconnect)
		c.mu.RUnlock()
		for _, hook := range hooks {
			hook()
		}
		return
	}

	c.logger.Error("reconnect attempts exhausted", zap.Int("max", c.cfg.MaxReconnectAttempts))
	c.mu.RLock()
	fatal := c.onFatal
	c.mu.RUnlock()
	if fatal != nil {
		fatal(ErrReconnectExhausted)
	}
}
