package mempool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pricestream/internal/chain"
	"pricestream/internal/dex"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

// Sink receives swap-lifecycle envelopes; the confirmation emitter and the
// audit store both implement it.
type Sink interface {
	Emit(event string, payload interface{})
}

type watchedPool struct {
	pool     *dex.Pool
	token    string
	protocol string
	user     string
}

// Tracker watches pending transactions against the monitored pool set and
// drives each matched transaction's state machine to a terminal state.
type Tracker struct {
	chainClient    *chain.Client
	sink           Sink
	metrics        *metrics.Registry
	logger         *zap.Logger
	limiter        *rate.Limiter
	pendingTimeout time.Duration

	mu      sync.RWMutex
	pools   map[string]*watchedPool       // pool address → info
	pending map[string]*model.PendingSwap // tx hash → entry
	byNonce map[string]string             // from:nonce → tx hash
	nonceOf map[string]string             // tx hash → from:nonce
	cancel  chain.Cancel
	logOnly bool
}

// NewTracker builds the tracker.
func NewTracker(chainClient *chain.Client, sink Sink, reg *metrics.Registry, limit float64, burst int, pendingTimeout time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pendingTimeout <= 0 {
		pendingTimeout = 5 * time.Minute
	}
	return &Tracker{
		chainClient:    chainClient,
		sink:           sink,
		metrics:        reg,
		logger:         logger,
		limiter:        rate.NewLimiter(rate.Limit(limit), burst),
		pendingTimeout: pendingTimeout,
		pools:          make(map[string]*watchedPool),
		pending:        make(map[string]*model.PendingSwap),
		byNonce:        make(map[string]string),
		nonceOf:        make(map[string]string),
	}
}

// Start subscribes to newPendingTransactions. Nodes without the vendor
// extension degrade cleanly to log-only mode.
func (t *Tracker) Start(ctx context.Context) error {
	cancel, err := t.chainClient.SubscribePendingTx(ctx, func(hash common.Hash) {
		t.handlePendingHash(ctx, hash)
	})
	if err != nil {
		t.mu.Lock()
		t.logOnly = true
		t.mu.Unlock()
		t.logger.Warn("pending-tx subscription unavailable, running log-only", zap.Error(err))
		return nil
	}

	t.mu.Lock()
	t.cancel = cancel
	t.logOnly = false
	t.mu.Unlock()
	t.logger.Info("mempool tracking started")
	return nil
}

// Stop detaches the subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LogOnly reports whether the tracker degraded to log-only mode.
func (t *Tracker) LogOnly() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.logOnly
}

// WatchPool adds a pool to the monitored set.
func (t *Tracker) WatchPool(pool *dex.Pool, tokenAddress, protocol, userAddress string) {
	key := model.NormalizeAddress(pool.Address.Hex())
	t.mu.Lock()
	t.pools[key] = &watchedPool{
		pool:     pool,
		token:    model.NormalizeAddress(tokenAddress),
		protocol: protocol,
		user:     model.NormalizeAddress(userAddress),
	}
	t.mu.Unlock()
}

// UnwatchToken drops the token's pools and any pending entries that refer
// to them.
func (t *Tracker) UnwatchToken(tokenAddress string) {
	norm := model.NormalizeAddress(tokenAddress)
	t.mu.Lock()
	removed := make(map[string]struct{})
	for addr, wp := range t.pools {
		if wp.token == norm {
			removed[addr] = struct{}{}
			delete(t.pools, addr)
		}
	}
	for hash, entry := range t.pending {
		if _, gone := removed[entry.PoolAddress]; gone {
			delete(t.pending, hash)
		}
	}
	t.mu.Unlock()
}

// PendingCount returns the number of tracked transactions (test hook).
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// handlePendingHash is the subscription callback. Per-tx failures never tear
// down the subscription.
func (t *Tracker) handlePendingHash(ctx context.Context, hash common.Hash) {
	if !t.limiter.Allow() {
		return
	}

	tx, _, err := t.chainClient.TransactionByHash(ctx, hash)
	if err != nil || tx == nil || tx.To() == nil {
		return
	}

	target := model.NormalizeAddress(tx.To().Hex())
	t.mu.RLock()
	wp, watched := t.pools[target]
	t.mu.RUnlock()
	if !watched {
		// Router calls target the periphery, not the pool, so only
		// pool-direct transactions bind here. Router swaps are picked up on
		// log arrival.
		return
	}

	kind, methodID, op := classifyCalldata(tx.Data(), wp.pool.IsToken0)
	if kind == kindUnknown {
		return
	}

	from, err := t.chainClient.TransactionSender(ctx, tx)
	if err != nil {
		t.logger.Debug("sender recovery failed", zap.String("tx", hash.Hex()), zap.Error(err))
		return
	}
	sender := model.NormalizeAddress(from.Hex())

	if wp.user != "" && sender != wp.user {
		return
	}

	entry := &model.PendingSwap{
		TxHash:       model.NormalizeAddress(hash.Hex()),
		TokenAddress: wp.token,
		PoolAddress:  target,
		Protocol:     wp.protocol,
		UserAddress:  sender,
		Operation:    op,
		MethodID:     methodID,
		DetectedAt:   time.Now(),
		Status:       model.SwapPending,
	}

	nonceKey := fmt.Sprintf("%s:%d", sender, tx.Nonce())

	t.mu.Lock()
	if _, dup := t.pending[entry.TxHash]; dup {
		t.mu.Unlock()
		return
	}
	if oldHash, ok := t.byNonce[nonceKey]; ok && oldHash != entry.TxHash {
		t.replaceLocked(oldHash, entry)
		t.byNonce[nonceKey] = entry.TxHash
		t.nonceOf[entry.TxHash] = nonceKey
		t.mu.Unlock()
		go t.watchConfirmation(entry.TxHash)
		return
	}
	t.pending[entry.TxHash] = entry
	t.byNonce[nonceKey] = entry.TxHash
	t.nonceOf[entry.TxHash] = nonceKey
	t.mu.Unlock()

	t.emit(model.EventSwapPending, model.SwapPendingEnvelope{
		Event:         model.EventSwapPending,
		TxHash:        entry.TxHash,
		TokenAddress:  entry.TokenAddress,
		PoolAddress:   entry.PoolAddress,
		UserAddress:   entry.UserAddress,
		Operation:     entry.Operation,
		Status:        entry.Status,
		Protocol:      entry.Protocol,
		Timestamp:     now(),
		DetectionTime: entry.DetectedAt.UTC().Format(time.RFC3339Nano),
	})

	go t.watchConfirmation(entry.TxHash)
}

// replaceLocked swaps tracking from the old hash to the replacement. Caller
// holds the write lock.
func (t *Tracker) replaceLocked(oldHash string, replacement *model.PendingSwap) {
	old, ok := t.pending[oldHash]
	if ok {
		old.Status = model.SwapReplaced
		delete(t.pending, oldHash)
		delete(t.nonceOf, oldHash)
	}
	t.pending[replacement.TxHash] = replacement

	go t.emit(model.EventSwapReplaced, model.SwapReplacedEnvelope{
		Event:     model.EventSwapReplaced,
		OldTxHash: oldHash,
		NewTxHash: replacement.TxHash,
		Status:    model.SwapReplaced,
		Timestamp: now(),
	})
	t.logger.Info("pending swap replaced",
		zap.String("old", oldHash), zap.String("new", replacement.TxHash))
}

// watchConfirmation races the receipt against the pending timeout.
func (t *Tracker) watchConfirmation(txHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.pendingTimeout)
	defer cancel()

	receipt, err := t.chainClient.WaitForReceipt(ctx, common.HexToHash(txHash))

	t.mu.Lock()
	entry, tracked := t.pending[txHash]
	if tracked {
		delete(t.pending, txHash)
		if nonceKey, ok := t.nonceOf[txHash]; ok {
			delete(t.nonceOf, txHash)
			if t.byNonce[nonceKey] == txHash {
				delete(t.byNonce, nonceKey)
			}
		}
	}
	t.mu.Unlock()
	if !tracked {
		// Replaced or removed while waiting.
		return
	}

	if err != nil {
		entry.Status = model.SwapTimedOut
		t.logger.Info("pending swap timed out", zap.String("tx", txHash))
		return
	}

	if receipt.Status == 1 {
		entry.Status = model.SwapConfirmed
		t.emit(model.EventSwapConfirmed, model.SwapConfirmedEnvelope{
			Event:        model.EventSwapConfirmed,
			TxHash:       txHash,
			BlockNumber:  receipt.BlockNumber.Uint64(),
			GasUsed:      receipt.GasUsed,
			TokenAddress: entry.TokenAddress,
			PoolAddress:  entry.PoolAddress,
			UserAddress:  entry.UserAddress,
			Operation:    entry.Operation,
			Status:       entry.Status,
			Protocol:     entry.Protocol,
			Timestamp:    now(),
		})
		return
	}

	entry.Status = model.SwapFailed
	t.emit(model.EventSwapFailed, model.SwapFailedEnvelope{
		Event:       model.EventSwapFailed,
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Reason:      "reverted",
		Status:      entry.Status,
		Timestamp:   now(),
	})
}

func (t *Tracker) emit(event string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("sink panic", zap.Any("panic", r))
			t.metrics.RecordError("mempool", fmt.Sprintf("sink panic: %v", r))
		}
	}()
	if t.sink != nil {
		t.sink.Emit(event, payload)
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
