package price

import (
	"context"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"pricestream/internal/config"
	"pricestream/internal/dex"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

func testEngine(t *testing.T, reg *metrics.Registry) *Engine {
	t.Helper()
	bnb := NewBNBRef(nil, config.WBNBAddress, nil, time.Hour, 600, nil)
	bnb.mu.Lock()
	bnb.price = 600
	bnb.updatedAt = time.Now()
	bnb.mu.Unlock()
	return NewEngine(nil, bnb, config.DefaultParams(), reg, 10*time.Second, 0.001, nil)
}

func TestSampleWBNBPair(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())

	pool := &dex.Pool{Type: dex.PoolV2, Decimals0: 18, Decimals1: 18, IsToken0: true}
	pool.SetReserves(scaled(1000, 18), scaled(10, 18))

	sample, err := engine.Sample(context.Background(), pool, model.PoolEntry{
		Address:  "0x1111111111111111111111111111111111111111",
		Protocol: "uniswapv2",
		Pair:     model.PairWBNB,
		Priority: 1,
	})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if math.Abs(sample.PriceUSD-6.0) > 1e-9 {
		t.Fatalf("priceUSD = %v, want 6.00", sample.PriceUSD)
	}
	if math.Abs(sample.PriceBNB-0.01) > 1e-12 {
		t.Fatalf("priceBNB = %v, want 0.01", sample.PriceBNB)
	}
}

func TestSampleStablePair(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())

	pool := &dex.Pool{Type: dex.PoolV2, Decimals0: 18, Decimals1: 18, IsToken0: true}
	pool.SetReserves(scaled(100, 18), scaled(600, 18))

	sample, err := engine.Sample(context.Background(), pool, model.PoolEntry{
		Address:  "0x1111111111111111111111111111111111111111",
		Protocol: "uniswapv2",
		Pair:     model.PairUSDT,
		Priority: 2,
	})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if math.Abs(sample.PriceUSD-6.0) > 1e-9 {
		t.Fatalf("priceUSD = %v, want 6.00", sample.PriceUSD)
	}
	if math.Abs(sample.PriceBNB-0.01) > 1e-12 {
		t.Fatalf("priceBNB = %v, want 0.01", sample.PriceBNB)
	}
}

func TestAggregateWeightedAverage(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())

	samples := []model.PriceSample{
		{PriceUSD: 100, PriceBNB: 100.0 / 600, Priority: 1},
		{PriceUSD: 110, PriceBNB: 110.0 / 600, Priority: 2},
	}
	got := engine.Aggregate("0xABCDEF0000000000000000000000000000000001",
		model.TokenConfig{Symbol: "TKN"}, samples)

	// Weights 1 and 0.5: (100 + 55) / 1.5.
	want := (100.0 + 55.0) / 1.5
	if math.Abs(got.PriceUSD-want) > 1e-9 {
		t.Fatalf("weighted USD = %v, want %v", got.PriceUSD, want)
	}
	if got.PoolCount != 2 {
		t.Fatalf("poolCount = %d, want 2", got.PoolCount)
	}
	if got.TokenAddress != strings.ToLower(got.TokenAddress) {
		t.Fatalf("token address not lowercased: %s", got.TokenAddress)
	}
}

func TestAggregateDropsOutlierSample(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())

	samples := []model.PriceSample{
		{PriceUSD: 100, Priority: 1},
		{PriceUSD: 101, Priority: 1},
		{PriceUSD: 99, Priority: 1},
		{PriceUSD: 100, Priority: 1},
		{PriceUSD: 102, Priority: 1},
		{PriceUSD: 98, Priority: 1},
		{PriceUSD: 101, Priority: 1},
		{PriceUSD: 99, Priority: 1},
		{PriceUSD: 100_000, Priority: 1},
	}
	got := engine.Aggregate("0xABCDEF0000000000000000000000000000000002",
		model.TokenConfig{Symbol: "TKN"}, samples)

	if got.PoolCount != 8 {
		t.Fatalf("poolCount = %d, want 8 after outlier drop", got.PoolCount)
	}
	if got.PriceUSD > 200 {
		t.Fatalf("outlier leaked into average: %v", got.PriceUSD)
	}
}

func TestShouldBroadcastThreshold(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())

	cases := []struct {
		old, new float64
		want     bool
	}{
		{0, 5, true},        // first price always broadcasts
		{100, 100.05, false}, // 0.05% below threshold
		{100, 100.2, true},   // 0.2% above threshold
		{100, 99.8, true},    // drops count too
		{6.0, 6.12, true},    // +2%
	}
	for _, tc := range cases {
		if got := engine.ShouldBroadcast(tc.old, tc.new); got != tc.want {
			t.Fatalf("ShouldBroadcast(%v, %v) = %v, want %v", tc.old, tc.new, got, tc.want)
		}
	}
}

func TestAgentPriceCycleReturnsZero(t *testing.T) {
	reg := metrics.NewRegistry()
	engine := testEngine(t, reg)

	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	engine.RegisterAgent(model.AgentTokenEntry{
		Address: a,
		Symbol:  "AGA",
		PriceSources: []model.AgentPriceSource{{
			PoolEntry: model.PoolEntry{
				Address:     "0x1212121212121212121212121212121212121212",
				Protocol:    "uniswapv2",
				Pair:        model.PairAgent,
				PairAddress: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			},
		}},
	})

	// Re-entry through any chain of pairAddress references terminates the
	// branch at zero and records a single cycle entry.
	got := engine.AgentPriceUSD(context.Background(), a, []string{a, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	if got != 0 {
		t.Fatalf("cycled branch = %v, want 0", got)
	}

	errs := reg.RecentErrors()
	if len(errs) != 1 {
		t.Fatalf("expected one cycle entry in error ring, got %d", len(errs))
	}
	if errs[0].Source != "agent-price" {
		t.Fatalf("error source = %s", errs[0].Source)
	}
}

func TestAgentPriceUnknownToken(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())
	if got := engine.AgentPriceUSD(context.Background(), "0x1234567890123456789012345678901234567890", nil); got != 0 {
		t.Fatalf("unknown agent = %v, want 0", got)
	}
}

func TestPriceCacheLifecycle(t *testing.T) {
	engine := testEngine(t, metrics.NewRegistry())

	p := model.TokenPrice{TokenAddress: "0xABCDEF0000000000000000000000000000000003", PriceUSD: 1.5}
	engine.CachePrice(p)

	cached, ok := engine.CachedPrice("0xABCDEF0000000000000000000000000000000003")
	if !ok || cached.PriceUSD != 1.5 {
		t.Fatalf("cache miss after put: %+v", cached)
	}

	engine.EvictPrice("0xabcdef0000000000000000000000000000000003")
	if _, ok := engine.CachedPrice("0xABCDEF0000000000000000000000000000000003"); ok {
		t.Fatalf("price survived eviction")
	}
}

func TestBNBRefDefaultOnColdStart(t *testing.T) {
	ref := NewBNBRef(nil, config.WBNBAddress, nil, time.Hour, 600, nil)
	if got := ref.Price(context.Background()); got != 600 {
		t.Fatalf("cold-start price = %v, want default 600", got)
	}
}

func TestToFloatRoundTrip(t *testing.T) {
	v := dex.ToFloat(new(big.Int).Mul(big.NewInt(123), scaled(1, 16)), 18)
	if math.Abs(v-1.23) > 1e-12 {
		t.Fatalf("ToFloat = %v, want 1.23", v)
	}
}
