package mempool

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pricestream/internal/dex"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (s *captureSink) Emit(event string, _ interface{}) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *captureSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func testTracker(sink Sink) *Tracker {
	return NewTracker(nil, sink, metrics.NewRegistry(), 20, 40, 5*time.Minute, nil)
}

func TestWatchAndUnwatch(t *testing.T) {
	tracker := testTracker(&captureSink{})

	pool := &dex.Pool{Address: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	tracker.WatchPool(pool, "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa", "uniswapv2", "")

	tracker.mu.RLock()
	_, watched := tracker.pools["0x1111111111111111111111111111111111111111"]
	tracker.mu.RUnlock()
	if !watched {
		t.Fatalf("pool not watched under lowercase key")
	}

	// A pending entry referring to the pool is dropped with the token.
	tracker.mu.Lock()
	tracker.pending["0xdead"] = &model.PendingSwap{
		TxHash:      "0xdead",
		PoolAddress: "0x1111111111111111111111111111111111111111",
		Status:      model.SwapPending,
	}
	tracker.mu.Unlock()

	tracker.UnwatchToken("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	if tracker.PendingCount() != 0 {
		t.Fatalf("pending entry survived unwatch")
	}
	tracker.mu.RLock()
	_, watched = tracker.pools["0x1111111111111111111111111111111111111111"]
	tracker.mu.RUnlock()
	if watched {
		t.Fatalf("pool survived unwatch")
	}
}

func TestReplaceMovesTracking(t *testing.T) {
	sink := &captureSink{}
	tracker := testTracker(sink)

	old := &model.PendingSwap{TxHash: "0xold", Status: model.SwapPending}
	replacement := &model.PendingSwap{TxHash: "0xnew", Status: model.SwapPending}

	tracker.mu.Lock()
	tracker.pending[old.TxHash] = old
	tracker.nonceOf[old.TxHash] = "0xuser:7"
	tracker.byNonce["0xuser:7"] = old.TxHash
	tracker.replaceLocked(old.TxHash, replacement)
	tracker.mu.Unlock()

	if old.Status != model.SwapReplaced {
		t.Fatalf("old status = %s, want replaced", old.Status)
	}

	tracker.mu.RLock()
	_, oldTracked := tracker.pending["0xold"]
	_, newTracked := tracker.pending["0xnew"]
	tracker.mu.RUnlock()
	if oldTracked {
		t.Fatalf("old hash still tracked")
	}
	if !newTracked {
		t.Fatalf("replacement not tracked")
	}

	// The replaced envelope is emitted asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Events()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	events := sink.Events()
	if len(events) != 1 || events[0] != model.EventSwapReplaced {
		t.Fatalf("events = %v, want [%s]", events, model.EventSwapReplaced)
	}
}

func TestUnwatchLeavesOtherTokens(t *testing.T) {
	tracker := testTracker(&captureSink{})

	poolA := &dex.Pool{Address: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	poolB := &dex.Pool{Address: common.HexToAddress("0x2222222222222222222222222222222222222222")}
	tracker.WatchPool(poolA, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "uniswapv2", "")
	tracker.WatchPool(poolB, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "uniswapv3", "")

	tracker.UnwatchToken("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	tracker.mu.RLock()
	_, watched := tracker.pools["0x2222222222222222222222222222222222222222"]
	tracker.mu.RUnlock()
	if !watched {
		t.Fatalf("unrelated token's pool was dropped")
	}
}
