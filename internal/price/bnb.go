package price

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pricestream/internal/dex"
)

// BNBRef maintains the BNB/USD reference price from a configured set of
// stable/WBNB V3 pools. Readers accept staleness; a total refresh failure
// retains the last value, or the configured default on cold start.
type BNBRef struct {
	loader       *dex.Loader
	logger       *zap.Logger
	wbnb         common.Address
	poolAddrs    []common.Address
	staleAfter   time.Duration
	defaultPrice float64

	mu        sync.RWMutex
	price     float64
	updatedAt time.Time
}

// NewBNBRef builds the reference from pool addresses.
func NewBNBRef(loader *dex.Loader, wbnb string, pools []string, staleAfter time.Duration, defaultPrice float64, logger *zap.Logger) *BNBRef {
	if logger == nil {
		logger = zap.NewNop()
	}
	addrs := make([]common.Address, 0, len(pools))
	for _, p := range pools {
		addrs = append(addrs, common.HexToAddress(p))
	}
	return &BNBRef{
		loader:       loader,
		logger:       logger,
		wbnb:         common.HexToAddress(wbnb),
		poolAddrs:    addrs,
		staleAfter:   staleAfter,
		defaultPrice: defaultPrice,
	}
}

// Refresh reloads every reference pool and recomputes the mean of the
// outlier-filtered samples.
func (b *BNBRef) Refresh(ctx context.Context) error {
	samples := make([]float64, 0, len(b.poolAddrs))
	for _, addr := range b.poolAddrs {
		// Loading with WBNB as the monitored side yields stable-per-BNB
		// directly, regardless of which slot WBNB occupies.
		pool, err := b.loader.LoadPool(ctx, addr, dex.PoolV3, b.wbnb)
		if err != nil {
			b.logger.Warn("bnb reference pool load failed",
				zap.String("pool", addr.Hex()), zap.Error(err))
			continue
		}
		p, err := PairPrice(pool)
		if err != nil || p <= 0 {
			continue
		}
		samples = append(samples, p)
	}

	if len(samples) == 0 {
		return fmt.Errorf("no bnb reference samples")
	}

	kept := RejectOutliers(samples)
	var sum float64
	for _, s := range kept {
		sum += s
	}
	mean := sum / float64(len(kept))

	b.mu.Lock()
	b.price = mean
	b.updatedAt = time.Now()
	b.mu.Unlock()

	b.logger.Debug("bnb reference updated",
		zap.Float64("price", mean), zap.Int("samples", len(kept)))
	return nil
}

// Price returns the current BNB/USD reference, refreshing lazily when stale.
func (b *BNBRef) Price(ctx context.Context) float64 {
	b.mu.RLock()
	price := b.price
	stale := time.Since(b.updatedAt) > b.staleAfter
	b.mu.RUnlock()

	if stale {
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("bnb reference refresh failed", zap.Error(err))
		}
		b.mu.RLock()
		price = b.price
		b.mu.RUnlock()
	}

	if price <= 0 {
		return b.defaultPrice
	}
	return price
}

// Stale reports whether the reference needs a refresh.
func (b *BNBRef) Stale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Since(b.updatedAt) > b.staleAfter
}
