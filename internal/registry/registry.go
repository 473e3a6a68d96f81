package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricestream/internal/chain"
	"pricestream/internal/config"
	"pricestream/internal/dex"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
	"pricestream/internal/price"
)

var (
	// ErrUnknownToken rejects an add for a token with no configuration.
	ErrUnknownToken = errors.New("token is not configured")
	// ErrUnknownPair rejects a dynamic add whose pair cannot be resolved.
	ErrUnknownPair = errors.New("unknown pair token")
)

// Broadcaster fans events out to subscribed sessions.
type Broadcaster interface {
	BroadcastPrice(tokenAddress string, p model.TokenPrice)
	BroadcastSwap(tokenAddress string, event model.SwapEventMessage)
	BroadcastSwapUpdate(tokenAddress, txHash, sender string)
}

// PoolWatcher is notified when pools enter or leave the monitored set; the
// mempool tracker implements it.
type PoolWatcher interface {
	WatchPool(pool *dex.Pool, tokenAddress, protocol, userAddress string)
	UnwatchToken(tokenAddress string)
}

// poolBinding couples a loaded pool with its config entry.
type poolBinding struct {
	pool  *dex.Pool
	entry model.PoolEntry
}

// binding is the live state for one monitored token. Handlers and mutating
// operations for the same token serialize on mu; independent tokens proceed
// concurrently.
type binding struct {
	mu             sync.Mutex
	token          string
	config         model.TokenConfig
	pools          []*poolBinding
	lastPrice      float64
	lastUpdateCall time.Time
	isDynamic      bool
	viaListener    bool
	userAddress    string
	startedAt      time.Time
}

// handle pairs a live chain subscription with its teardown thunk.
type handle struct {
	poolAddress  string
	tokenAddress string
	poolType     dex.PoolType
	cancel       chain.Cancel
}

// Registry owns the token → pool-listener mapping: idempotent add, safe
// remove, resubscribe on reconnect.
type Registry struct {
	chainClient *chain.Client
	loader      *dex.Loader
	engine      *price.Engine
	params      config.Params
	metrics     *metrics.Registry
	logger      *zap.Logger

	broadcaster Broadcaster
	watcher     PoolWatcher

	coalesceWindow time.Duration

	mu       sync.RWMutex
	bindings map[string]*binding
	handles  map[string]*handle
}

// New builds the registry.
func New(chainClient *chain.Client, loader *dex.Loader, engine *price.Engine, params config.Params, reg *metrics.Registry, coalesceWindow time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		chainClient:    chainClient,
		loader:         loader,
		engine:         engine,
		params:         params,
		metrics:        reg,
		logger:         logger,
		coalesceWindow: coalesceWindow,
		bindings:       make(map[string]*binding),
		handles:        make(map[string]*handle),
	}
}

// SetBroadcaster wires the fan-out hub. Must be called before AddToken.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// SetPoolWatcher wires the mempool tracker.
func (r *Registry) SetPoolWatcher(w PoolWatcher) {
	r.watcher = w
}

// AddToken registers a statically configured token. Idempotent: an already
// monitored token returns its cached price. A token with zero live pools
// returns (nil, nil) and broadcasts nothing.
func (r *Registry) AddToken(ctx context.Context, tokenAddress string) (*model.TokenPrice, error) {
	norm := model.NormalizeAddress(tokenAddress)

	r.mu.RLock()
	_, exists := r.bindings[norm]
	r.mu.RUnlock()
	if exists {
		if cached, ok := r.engine.CachedPrice(norm); ok {
			return &cached, nil
		}
		return nil, nil
	}

	cfg, ok := r.params.Tokens[norm]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, norm)
	}

	return r.attach(ctx, norm, cfg, false, "")
}

// AddDynamicTokens registers tokens from request payloads.
func (r *Registry) AddDynamicTokens(ctx context.Context, specs []model.TokenSpec) []model.AddResult {
	results := make([]model.AddResult, 0, len(specs))
	for _, spec := range specs {
		result := model.AddResult{TokenAddress: model.NormalizeAddress(spec.TokenAddress)}
		p, err := r.addDynamic(ctx, spec, "")
		if err != nil {
			result.Error = err.Error()
		} else {
			result.OK = true
			result.Price = p
		}
		results = append(results, result)
	}
	return results
}

func (r *Registry) addDynamic(ctx context.Context, spec model.TokenSpec, userAddress string) (*model.TokenPrice, error) {
	norm := model.NormalizeAddress(spec.TokenAddress)
	if norm == "" || !common.IsHexAddress(norm) {
		return nil, fmt.Errorf("invalid token address: %q", spec.TokenAddress)
	}
	if len(spec.Pools) == 0 {
		return nil, fmt.Errorf("at least one pool is required")
	}

	cfg := model.TokenConfig{
		Symbol:   spec.Symbol,
		Name:     spec.Name,
		Decimals: spec.Decimals,
		Pools:    make([]model.PoolEntry, 0, len(spec.Pools)),
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}

	for _, entry := range spec.Pools {
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("invalid pool address: %q", entry.Address)
		}
		if _, err := dex.TypeForProtocol(entry.Protocol); err != nil {
			return nil, err
		}
		if entry.Pair == "" && entry.PairAddress != "" {
			kind, ok := r.params.PairFor(entry.PairAddress)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPair, entry.PairAddress)
			}
			entry.Pair = kind
		}
		if entry.Pair == "" {
			return nil, fmt.Errorf("%w: pair not specified", ErrUnknownPair)
		}
		entry.Address = model.NormalizeAddress(entry.Address)
		entry.PairAddress = model.NormalizeAddress(entry.PairAddress)
		if entry.Priority <= 0 {
			entry.Priority = 1
		}
		cfg.Pools = append(cfg.Pools, entry)
	}

	r.mu.RLock()
	_, exists := r.bindings[norm]
	r.mu.RUnlock()
	if exists {
		if cached, ok := r.engine.CachedPrice(norm); ok {
			return &cached, nil
		}
		return nil, nil
	}

	return r.attach(ctx, norm, cfg, true, userAddress)
}

// RemoveDynamicToken tears down a dynamically added token.
func (r *Registry) RemoveDynamicToken(tokenAddress string) bool {
	norm := model.NormalizeAddress(tokenAddress)
	r.mu.RLock()
	b, ok := r.bindings[norm]
	r.mu.RUnlock()
	if !ok || !b.isDynamic {
		return false
	}
	return r.RemoveToken(norm)
}

// RemoveToken tears down every listener for the token, evicts its cached
// price, and drops its pools from the mempool monitor. Each teardown thunk
// runs exactly once.
func (r *Registry) RemoveToken(tokenAddress string) bool {
	norm := model.NormalizeAddress(tokenAddress)
	prefix := norm + ":"

	r.mu.Lock()
	b, had := r.bindings[norm]
	delete(r.bindings, norm)

	var cancels []chain.Cancel
	for key, h := range r.handles {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			cancels = append(cancels, h.cancel)
			delete(r.handles, key)
		}
	}
	r.mu.Unlock()

	if !had && len(cancels) == 0 {
		return false
	}

	for _, cancel := range cancels {
		cancel()
	}

	r.engine.EvictPrice(norm)
	if r.watcher != nil {
		r.watcher.UnwatchToken(norm)
	}

	if had {
		b.mu.Lock()
		b.pools = nil
		b.mu.Unlock()
	}

	r.logger.Info("token removed",
		zap.String("token", norm), zap.Int("listeners", len(cancels)))
	return had || len(cancels) > 0
}

// OnReconnect re-attaches every stored binding without recomputing its
// config. Called by the chain client after a successful redial.
func (r *Registry) OnReconnect(ctx context.Context) {
	r.mu.RLock()
	bindings := make([]*binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		bindings = append(bindings, b)
	}
	r.mu.RUnlock()

	for _, b := range bindings {
		b.mu.Lock()
		token, cfg := b.token, b.config
		isDynamic, user := b.isDynamic, b.userAddress
		b.mu.Unlock()

		r.RemoveToken(token)
		if _, err := r.attach(ctx, token, cfg, isDynamic, user); err != nil {
			r.logger.Error("resubscribe failed",
				zap.String("token", token), zap.Error(err))
			r.metrics.RecordError("registry", fmt.Sprintf("resubscribe %s: %v", token, err))
		}
	}
}

// MonitoredTokens lists the currently bound token addresses.
func (r *Registry) MonitoredTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bindings))
	for token := range r.bindings {
		out = append(out, token)
	}
	return out
}

// MonitoredCount returns the number of bound tokens.
func (r *Registry) MonitoredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// IsMonitored reports whether the token has a live binding.
func (r *Registry) IsMonitored(tokenAddress string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[model.NormalizeAddress(tokenAddress)]
	return ok
}

// IsDynamic reports whether the token was added dynamically.
func (r *Registry) IsDynamic(tokenAddress string) bool {
	r.mu.RLock()
	b, ok := r.bindings[model.NormalizeAddress(tokenAddress)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isDynamic
}

// attach loads the token's pools, computes the initial price, and wires the
// swap subscriptions.
func (r *Registry) attach(ctx context.Context, token string, cfg model.TokenConfig, isDynamic bool, userAddress string) (*model.TokenPrice, error) {
	if r.engine.BNB().Stale() {
		if err := r.engine.BNB().Refresh(ctx); err != nil {
			r.logger.Warn("bnb refresh before add failed", zap.Error(err))
		}
	}
	if r.engine.HasAgents() {
		r.engine.RefreshAgents(ctx)
	}

	tokenAddr := common.HexToAddress(token)
	b := &binding{
		token:       token,
		config:      cfg,
		isDynamic:   isDynamic,
		userAddress: model.NormalizeAddress(userAddress),
		startedAt:   time.Now(),
	}

	for _, entry := range cfg.Pools {
		poolType, err := dex.TypeForProtocol(entry.Protocol)
		if err != nil {
			r.logger.Warn("pool skipped: bad protocol",
				zap.String("pool", entry.Address), zap.Error(err))
			continue
		}
		pool, err := r.loader.LoadPool(ctx, common.HexToAddress(entry.Address), poolType, tokenAddr)
		if err != nil {
			r.logger.Warn("pool skipped: load failed",
				zap.String("pool", entry.Address), zap.Error(err))
			r.metrics.RecordError("registry", fmt.Sprintf("load %s: %v", entry.Address, err))
			continue
		}
		if !pool.HasLiquidity() {
			r.logger.Warn("pool skipped: no liquidity", zap.String("pool", entry.Address))
			continue
		}
		b.pools = append(b.pools, &poolBinding{pool: pool, entry: entry})
	}

	if len(b.pools) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	r.bindings[token] = b
	r.mu.Unlock()

	for _, pb := range b.pools {
		if err := r.subscribePool(ctx, b, pb); err != nil {
			r.logger.Error("swap subscription failed",
				zap.String("pool", pb.entry.Address), zap.Error(err))
			r.metrics.RecordError("registry", fmt.Sprintf("subscribe %s: %v", pb.entry.Address, err))
		}
		if r.watcher != nil {
			r.watcher.WatchPool(pb.pool, token, pb.entry.Protocol, b.userAddress)
		}
	}

	tokenPrice := r.recomputePrice(ctx, b)
	if tokenPrice == nil {
		return nil, nil
	}
	if tokenPrice.PriceUSD > 0 && r.broadcaster != nil {
		r.broadcaster.BroadcastPrice(token, *tokenPrice)
	}

	r.logger.Info("token added",
		zap.String("token", token),
		zap.String("symbol", cfg.Symbol),
		zap.Int("pools", len(b.pools)),
		zap.Bool("dynamic", isDynamic))
	return tokenPrice, nil
}

// subscribePool attaches the swap-log subscription for one pool and stores
// its handle. Any stale handle whose key folds to the same value is torn
// down first.
func (r *Registry) subscribePool(ctx context.Context, b *binding, pb *poolBinding) error {
	topic, err := pb.pool.SwapTopic()
	if err != nil {
		return err
	}

	handler := func(logEntry types.Log) {
		r.handleSwapLog(b, pb, logEntry)
	}
	cancel, err := r.chainClient.SubscribeLogs(ctx, pb.pool.Address, topic, handler)
	if err != nil {
		return err
	}

	key := model.ListenerKey(b.token, pb.entry.Address)

	r.mu.Lock()
	var stale []chain.Cancel
	for existing, h := range r.handles {
		if existing != key && strings.EqualFold(existing, key) {
			stale = append(stale, h.cancel)
			delete(r.handles, existing)
		}
	}
	if prev, ok := r.handles[key]; ok {
		stale = append(stale, prev.cancel)
	}
	r.handles[key] = &handle{
		poolAddress:  pb.entry.Address,
		tokenAddress: b.token,
		poolType:     pb.pool.Type,
		cancel:       cancel,
	}
	r.mu.Unlock()

	for _, c := range stale {
		c()
	}
	return nil
}

// ListenerCount returns the number of live handles (test hook).
func (r *Registry) ListenerCount(tokenAddress string) int {
	prefix := model.NormalizeAddress(tokenAddress) + ":"
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for key := range r.handles {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// handleSwapLog is the per-pool subscription handler: decode synchronously,
// broadcast the swap event with the data already in hand, then run the
// RPC-dependent work in a background batch.
func (r *Registry) handleSwapLog(b *binding, pb *poolBinding, logEntry types.Log) {
	r.metrics.Inc(metrics.CounterEventsReceived)

	b.mu.Lock()
	info, ok := r.applySwap(pb, logEntry)
	symbol := b.config.Symbol
	cachedUSD := b.lastPrice
	b.mu.Unlock()
	if !ok {
		return
	}

	amountToken := dex.ToFloat(mustBig(info.TokenAmountRaw), pb.pool.TokenDecimals())
	amountPair := dex.ToFloat(mustBig(info.PairAmountRaw), pb.pool.PairDecimals())

	swapType := "sell"
	if info.IsBuy {
		swapType = "buy"
	}

	var amountBNB float64
	if pb.entry.Pair == model.PairWBNB {
		amountBNB = amountPair
	}

	event := model.SwapEventMessage{
		TokenAddress: b.token,
		Symbol:       symbol,
		PoolAddress:  pb.entry.Address,
		TxHash:       logEntry.TxHash.Hex(),
		Type:         swapType,
		Sender:       "",
		AmountBNB:    amountBNB,
		AmountToken:  amountToken,
		PairSymbol:   string(pb.entry.Pair),
		PairAmount:   info.PairAmount,
		PriceUSD:     cachedUSD,
		ValueUSD:     amountToken * cachedUSD,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if r.broadcaster != nil {
		r.broadcaster.BroadcastSwap(b.token, event)
	}

	go r.afterSwap(b, pb, logEntry)
}

// applySwap decodes the log and folds its state change into the pool.
// Called with the binding lock held.
func (r *Registry) applySwap(pb *poolBinding, logEntry types.Log) (model.SwapInfo, bool) {
	if pb.pool.Type.IsV3Family() {
		swap, err := dex.DecodeV3Swap(logEntry)
		if err != nil {
			r.logger.Warn("v3 swap decode failed",
				zap.String("pool", pb.entry.Address), zap.Error(err))
			r.metrics.RecordError("swap-decode", err.Error())
			return model.SwapInfo{}, false
		}
		pb.pool.SetSqrtPriceX96(swap.SqrtPriceX96)
		pb.pool.SetLiquidity(swap.Liquidity)
		return dex.ClassifyV3(pb.pool, swap), true
	}

	swap, err := dex.DecodeV2Swap(logEntry)
	if err != nil {
		r.logger.Warn("v2 swap decode failed",
			zap.String("pool", pb.entry.Address), zap.Error(err))
		r.metrics.RecordError("swap-decode", err.Error())
		return model.SwapInfo{}, false
	}

	// Fold the swap deltas into the reserves; the authoritative values are
	// re-read from chain in the background batch.
	reserve0, reserve1 := pb.pool.Reserves()
	if reserve0 != nil && reserve1 != nil {
		r0 := addSub(reserve0, swap.Amount0In, swap.Amount0Out)
		r1 := addSub(reserve1, swap.Amount1In, swap.Amount1Out)
		pb.pool.SetReserves(r0, r1)
	}
	return dex.ClassifyV2(pb.pool, swap), true
}

// afterSwap runs the RPC-dependent batch: state refresh, price recompute,
// and the sender follow-up.
func (r *Registry) afterSwap(b *binding, pb *poolBinding, logEntry types.Log) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.refreshPoolState(gctx, pb)
		r.handlePriceUpdate(gctx, b)
		return nil
	})

	g.Go(func() error {
		tx, _, err := r.chainClient.TransactionByHash(gctx, logEntry.TxHash)
		if err != nil || tx == nil {
			return nil
		}
		from, err := r.chainClient.TransactionSender(gctx, tx)
		if err != nil {
			return nil
		}
		if r.broadcaster != nil {
			r.broadcaster.BroadcastSwapUpdate(b.token, logEntry.TxHash.Hex(),
				model.NormalizeAddress(from.Hex()))
		}
		return nil
	})

	_ = g.Wait()
}

func (r *Registry) refreshPoolState(ctx context.Context, pb *poolBinding) {
	fresh, err := r.loader.LoadPool(ctx, pb.pool.Address, pb.pool.Type, tokenSide(pb.pool))
	if err != nil {
		r.logger.Debug("pool state refresh failed",
			zap.String("pool", pb.entry.Address), zap.Error(err))
		return
	}
	if pb.pool.Type.IsV3Family() {
		pb.pool.SetSqrtPriceX96(fresh.SqrtPriceX96())
	} else {
		r0, r1 := fresh.Reserves()
		pb.pool.SetReserves(r0, r1)
	}
}

// handlePriceUpdate recomputes and caches the aggregate price, broadcasting
// only past the threshold gate. Calls within the coalescing window of the
// previous one are dropped.
func (r *Registry) handlePriceUpdate(ctx context.Context, b *binding) {
	b.mu.Lock()
	if time.Since(b.lastUpdateCall) < r.coalesceWindow {
		b.mu.Unlock()
		return
	}
	b.lastUpdateCall = time.Now()
	old := b.lastPrice
	b.mu.Unlock()

	tokenPrice := r.recomputePrice(ctx, b)
	if tokenPrice == nil {
		return
	}

	b.mu.Lock()
	b.lastPrice = tokenPrice.PriceUSD
	b.mu.Unlock()

	if r.engine.ShouldBroadcast(old, tokenPrice.PriceUSD) && r.broadcaster != nil {
		r.broadcaster.BroadcastPrice(b.token, *tokenPrice)
	}
}

// recomputePrice samples every live pool and aggregates. The cache is always
// updated, broadcast or not.
func (r *Registry) recomputePrice(ctx context.Context, b *binding) *model.TokenPrice {
	b.mu.Lock()
	pools := make([]*poolBinding, len(b.pools))
	copy(pools, b.pools)
	cfg := b.config
	token := b.token
	b.mu.Unlock()

	samples := make([]model.PriceSample, 0, len(pools))
	for _, pb := range pools {
		sample, err := r.engine.Sample(ctx, pb.pool, pb.entry)
		if err != nil {
			r.logger.Debug("price sample failed",
				zap.String("pool", pb.entry.Address), zap.Error(err))
			continue
		}
		if sample.PriceUSD > 0 {
			samples = append(samples, sample)
		}
	}
	if len(samples) == 0 {
		return nil
	}

	tokenPrice := r.engine.Aggregate(token, cfg, samples)
	r.engine.CachePrice(tokenPrice)

	b.mu.Lock()
	if b.lastPrice == 0 {
		b.lastPrice = tokenPrice.PriceUSD
	}
	b.mu.Unlock()

	return &tokenPrice
}

func tokenSide(pool *dex.Pool) common.Address {
	if pool.IsToken0 {
		return pool.Token0
	}
	return pool.Token1
}

func addSub(base, in, out *big.Int) *big.Int {
	result := new(big.Int).Set(base)
	result.Add(result, in)
	result.Sub(result, out)
	return result
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
