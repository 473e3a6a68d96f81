package price

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"pricestream/internal/config"
	"pricestream/internal/dex"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

// Engine derives token prices: per-pool pair price, USD conversion through
// the BNB reference and the agent-token registry, outlier rejection, and
// priority-weighted aggregation. It also owns the most-recent price cache.
type Engine struct {
	loader    *dex.Loader
	bnb       *BNBRef
	params    config.Params
	metrics   *metrics.Registry
	logger    *zap.Logger
	threshold float64

	agents     map[string]model.AgentTokenEntry
	agentCache *gocache.Cache

	prices *gocache.Cache
}

// NewEngine builds a price engine seeded with the configured agent tokens.
func NewEngine(loader *dex.Loader, bnb *BNBRef, params config.Params, reg *metrics.Registry, agentTTL time.Duration, threshold float64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		loader:     loader,
		bnb:        bnb,
		params:     params,
		metrics:    reg,
		logger:     logger,
		threshold:  threshold,
		agents:     make(map[string]model.AgentTokenEntry),
		agentCache: gocache.New(agentTTL, 2*agentTTL),
		prices:     gocache.New(gocache.NoExpiration, 0),
	}
	for _, entry := range params.AgentTokens {
		e.agents[model.NormalizeAddress(entry.Address)] = entry
	}
	return e
}

// RegisterAgent adds or replaces an agent-token registry entry.
func (e *Engine) RegisterAgent(entry model.AgentTokenEntry) {
	e.agents[model.NormalizeAddress(entry.Address)] = entry
}

// HasAgents reports whether any agent tokens are registered.
func (e *Engine) HasAgents() bool {
	return len(e.agents) > 0
}

// RefreshAgents recomputes every registered agent price, bypassing the TTL
// cache.
func (e *Engine) RefreshAgents(ctx context.Context) {
	for addr := range e.agents {
		e.agentCache.Delete(addr)
		e.AgentPriceUSD(ctx, addr, nil)
	}
}

// AgentPriceUSD resolves an agent token's USD price. The call stack guards
// recursion through pairAddress chains: a revisited address terminates that
// branch at zero.
func (e *Engine) AgentPriceUSD(ctx context.Context, addr string, callStack []string) float64 {
	norm := model.NormalizeAddress(addr)

	for _, seen := range callStack {
		if seen == norm {
			msg := fmt.Sprintf("agent price cycle at %s (stack %v)", norm, callStack)
			e.logger.Warn("agent price cycle detected", zap.String("token", norm))
			e.metrics.RecordError("agent-price", msg)
			return 0
		}
	}

	if cached, ok := e.agentCache.Get(norm); ok {
		e.metrics.Inc(metrics.CounterCacheHits)
		return cached.(float64)
	}
	e.metrics.Inc(metrics.CounterCacheMisses)

	entry, ok := e.agents[norm]
	if !ok {
		return 0
	}

	stack := append(append([]string{}, callStack...), norm)
	samples := make([]float64, 0, len(entry.PriceSources))
	for _, source := range entry.PriceSources {
		usd, err := e.agentSourceUSD(ctx, norm, source, stack)
		if err != nil {
			e.logger.Warn("agent price source failed",
				zap.String("token", norm),
				zap.String("pool", source.Address),
				zap.Error(err))
			continue
		}
		if usd > 0 {
			samples = append(samples, usd)
		}
	}

	if len(samples) == 0 {
		return 0
	}

	kept := RejectOutliers(samples)
	var sum float64
	for _, s := range kept {
		sum += s
	}
	result := sum / float64(len(kept))
	e.agentCache.SetDefault(norm, result)
	return result
}

func (e *Engine) agentSourceUSD(ctx context.Context, tokenAddr string, source model.AgentPriceSource, stack []string) (float64, error) {
	poolType, err := dex.TypeForProtocol(source.Protocol)
	if err != nil {
		return 0, err
	}
	pool, err := e.loader.LoadPool(ctx, common.HexToAddress(source.Address), poolType, common.HexToAddress(tokenAddr))
	if err != nil {
		return 0, err
	}
	pairPrice, err := PairPrice(pool)
	if err != nil {
		return 0, err
	}
	usd, _, err := e.toUSD(ctx, pairPrice, source.Pair, source.PairAddress, stack)
	return usd, err
}

// toUSD converts a pair-denominated price to (USD, BNB).
func (e *Engine) toUSD(ctx context.Context, pairPrice float64, pair model.PairKind, pairAddress string, callStack []string) (float64, float64, error) {
	bnbUSD := e.bnb.Price(ctx)

	switch {
	case pair == model.PairWBNB:
		return pairPrice * bnbUSD, pairPrice, nil
	case pair.IsStable():
		if bnbUSD == 0 {
			return pairPrice, 0, nil
		}
		return pairPrice, pairPrice / bnbUSD, nil
	case pair == model.PairAgent:
		agentUSD := e.AgentPriceUSD(ctx, pairAddress, callStack)
		usd := pairPrice * agentUSD
		if bnbUSD == 0 {
			return usd, 0, nil
		}
		return usd, usd / bnbUSD, nil
	default:
		return 0, 0, fmt.Errorf("unknown pair kind: %s", pair)
	}
}

// Sample computes one pool's price contribution.
func (e *Engine) Sample(ctx context.Context, pool *dex.Pool, entry model.PoolEntry) (model.PriceSample, error) {
	pairPrice, err := PairPrice(pool)
	if err != nil {
		return model.PriceSample{}, err
	}
	usd, bnb, err := e.toUSD(ctx, pairPrice, entry.Pair, entry.PairAddress, nil)
	if err != nil {
		return model.PriceSample{}, err
	}
	priority := entry.Priority
	if priority <= 0 {
		priority = 1
	}
	return model.PriceSample{
		PriceUSD:    usd,
		PriceBNB:    bnb,
		PoolAddress: model.NormalizeAddress(entry.Address),
		Description: fmt.Sprintf("%s %s pool", pool.Type, entry.Pair),
		Pair:        entry.Pair,
		Priority:    priority,
	}, nil
}

// Aggregate filters outliers across USD samples and computes the
// priority-weighted average. PoolCount is the number of surviving samples.
func (e *Engine) Aggregate(tokenAddr string, cfg model.TokenConfig, samples []model.PriceSample) model.TokenPrice {
	surviving := filterOutlierSamples(samples)

	var usdSum, bnbSum, weightSum float64
	for _, s := range surviving {
		w := 1 / float64(s.Priority)
		usdSum += s.PriceUSD * w
		bnbSum += s.PriceBNB * w
		weightSum += w
	}

	var usd, bnb float64
	if weightSum > 0 {
		usd = usdSum / weightSum
		bnb = bnbSum / weightSum
	}

	return model.TokenPrice{
		TokenAddress: model.NormalizeAddress(tokenAddr),
		Symbol:       cfg.Symbol,
		Name:         cfg.Name,
		PriceUSD:     usd,
		PriceBNB:     bnb,
		PoolCount:    len(surviving),
		Pools:        surviving,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

func filterOutlierSamples(samples []model.PriceSample) []model.PriceSample {
	if len(samples) <= 2 {
		return samples
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.PriceUSD
	}
	mean, std := meanStd(values)

	kept := make([]model.PriceSample, 0, len(samples))
	for _, s := range samples {
		if math.Abs(s.PriceUSD-mean) <= 2*std {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return samples
	}
	return kept
}

// ShouldBroadcast applies the update threshold gate.
func (e *Engine) ShouldBroadcast(oldUSD, newUSD float64) bool {
	if oldUSD == 0 {
		return true
	}
	delta := (newUSD - oldUSD) / oldUSD
	return math.Abs(delta) >= e.threshold
}

// CachePrice stores the most-recent price for a token.
func (e *Engine) CachePrice(p model.TokenPrice) {
	e.prices.Set(model.NormalizeAddress(p.TokenAddress), p, gocache.NoExpiration)
	e.metrics.Inc(metrics.CounterPriceUpdates)
}

// CachedPrice returns the most-recent price for a token.
func (e *Engine) CachedPrice(tokenAddr string) (model.TokenPrice, bool) {
	cached, ok := e.prices.Get(model.NormalizeAddress(tokenAddr))
	if !ok {
		return model.TokenPrice{}, false
	}
	return cached.(model.TokenPrice), true
}

// EvictPrice drops a token from the cache.
func (e *Engine) EvictPrice(tokenAddr string) {
	e.prices.Delete(model.NormalizeAddress(tokenAddr))
}

// CachedPrices snapshots every cached price.
func (e *Engine) CachedPrices() []model.TokenPrice {
	items := e.prices.Items()
	out := make([]model.TokenPrice, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(model.TokenPrice))
	}
	return out
}

// BNB exposes the reference for coordinator timers.
func (e *Engine) BNB() *BNBRef {
	return e.bnb
}
