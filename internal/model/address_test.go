package model

import (
	"strings"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	mixed := "0xBb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	got := NormalizeAddress(mixed)
	if got != strings.ToLower(mixed) {
		t.Fatalf("NormalizeAddress = %s", got)
	}
	if got != NormalizeAddress(got) {
		t.Fatalf("normalization not idempotent")
	}
	if NormalizeAddress("  0xABC  ") != "0xabc" {
		t.Fatalf("whitespace not trimmed")
	}
}

func TestListenerKeyLowercaseInvariant(t *testing.T) {
	key := ListenerKey("0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa", "0xBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbb")
	if key != strings.ToLower(key) {
		t.Fatalf("key contains upper case: %s", key)
	}
	if !strings.HasPrefix(key, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:") {
		t.Fatalf("token must lead the key: %s", key)
	}

	// Case variants collapse to the same key.
	other := ListenerKey("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if key != other {
		t.Fatalf("case variants produced distinct keys: %s vs %s", key, other)
	}
}

func TestPairKindIsStable(t *testing.T) {
	for _, stable := range []PairKind{PairUSDT, PairUSDC, PairBUSD, PairDAI} {
		if !stable.IsStable() {
			t.Fatalf("%s should be stable", stable)
		}
	}
	if PairWBNB.IsStable() || PairAgent.IsStable() {
		t.Fatalf("WBNB/agent must not be stable")
	}
}
