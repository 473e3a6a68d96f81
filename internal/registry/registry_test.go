package registry

import (
	"context"
	"testing"
	"time"

	"pricestream/internal/config"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

func testRegistry() *Registry {
	return New(nil, nil, nil, config.DefaultParams(), metrics.NewRegistry(),
		100*time.Millisecond, nil)
}

func TestAddDynamicTokensValidation(t *testing.T) {
	r := testRegistry()

	results := r.AddDynamicTokens(context.Background(), []model.TokenSpec{
		{TokenAddress: "not-an-address", Pools: []model.PoolEntry{{
			Address: "0x1111111111111111111111111111111111111111", Protocol: "uniswapv2", Pair: model.PairWBNB,
		}}},
		{TokenAddress: "0x2222222222222222222222222222222222222222"},
		{TokenAddress: "0x3333333333333333333333333333333333333333", Pools: []model.PoolEntry{{
			Address: "0x1111111111111111111111111111111111111111", Protocol: "sushiswap", Pair: model.PairWBNB,
		}}},
		{TokenAddress: "0x4444444444444444444444444444444444444444", Pools: []model.PoolEntry{{
			Address: "0x1111111111111111111111111111111111111111", Protocol: "uniswapv2",
		}}},
	})

	if len(results) != 4 {
		t.Fatalf("results = %d", len(results))
	}
	for i, result := range results {
		if result.OK {
			t.Fatalf("spec %d should have been rejected: %+v", i, result)
		}
		if result.Error == "" {
			t.Fatalf("spec %d missing rejection reason", i)
		}
	}

	// Rejected adds must not mutate the registry.
	if r.MonitoredCount() != 0 {
		t.Fatalf("rejected adds mutated the registry")
	}
}

func TestAddDynamicRejectsUnknownPairAddress(t *testing.T) {
	r := testRegistry()

	// With no pair kind given, the pair address must resolve to a known
	// pair token; an unregistered address rejects.
	_, err := r.addDynamic(context.Background(), model.TokenSpec{
		TokenAddress: "0x5555555555555555555555555555555555555555",
		Pools: []model.PoolEntry{{
			Address:     "0x1111111111111111111111111111111111111111",
			Protocol:    "uniswapv2",
			PairAddress: "0x9999999999999999999999999999999999999999",
		}},
	}, "")
	if err == nil {
		t.Fatalf("unknown pair address must reject")
	}
}

func TestRemoveTokenAbsent(t *testing.T) {
	r := testRegistry()
	if r.RemoveToken("0x1234567890123456789012345678901234567890") {
		t.Fatalf("removing an absent token must return false")
	}
}

func TestListenerCountEmpty(t *testing.T) {
	r := testRegistry()
	if r.ListenerCount("0x1234567890123456789012345678901234567890") != 0 {
		t.Fatalf("fresh registry must have zero listeners")
	}
}

func TestParsePairType(t *testing.T) {
	cases := map[string]model.PairKind{
		"WBNB":  model.PairWBNB,
		"usdt":  model.PairUSDT,
		" Busd": model.PairBUSD,
		"agent": model.PairAgent,
	}
	for input, want := range cases {
		got, err := parsePairType(input)
		if err != nil {
			t.Fatalf("parsePairType(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("parsePairType(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := parsePairType("doge"); err == nil {
		t.Fatalf("unknown pair type must error")
	}
}

func TestSwapListenerQueriesEmpty(t *testing.T) {
	r := testRegistry()
	if r.GetSwapListener("0x1234567890123456789012345678901234567890") != nil {
		t.Fatalf("no listener expected")
	}
	if len(r.ActiveSwapListeners()) != 0 {
		t.Fatalf("no active listeners expected")
	}
	if r.StopSwapListener("0x1234567890123456789012345678901234567890") {
		t.Fatalf("stopping an absent listener must return false")
	}
}
