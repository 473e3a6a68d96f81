package chain

import (
	"encoding/json"
	"testing"
)

func TestDecodePendingHashAcceptsHashes(t *testing.T) {
	payload, _ := json.Marshal("0x" + repeat("ab", 32))
	hash, ok := decodePendingHash(payload)
	if !ok {
		t.Fatalf("valid hash rejected")
	}
	if hash.Hex() == "" {
		t.Fatalf("empty hash")
	}
}

func TestDecodePendingHashDropsGarbage(t *testing.T) {
	cases := []string{
		`"0x1234"`,                       // too short
		`"not-a-hash"`,                   // not hex
		`{"parentHash":"0x00"}`,          // block header object
		`12345`,                          // number
		`"0x` + repeat("zz", 32) + `"`,   // bad hex digits
		`"0x` + repeat("ab", 33) + `"`,   // too long
	}
	for _, c := range cases {
		if _, ok := decodePendingHash(json.RawMessage(c)); ok {
			t.Fatalf("garbage accepted: %s", c)
		}
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
