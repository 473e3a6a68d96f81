package dex

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func packV2SwapLog(t *testing.T, pool common.Address, amount0In, amount1In, amount0Out, amount1Out *big.Int) types.Log {
	t.Helper()
	pairABI, err := V2PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := pairABI.Events["Swap"]

	data, err := event.Inputs.NonIndexed().Pack(amount0In, amount1In, amount0Out, amount1Out)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{event.ID, topicFromAddress(sender), topicFromAddress(to)},
		Data:    data,
	}
}

func packV3SwapLog(t *testing.T, pool common.Address, amount0, amount1, sqrtPrice, liquidity *big.Int, tick int64) types.Log {
	t.Helper()
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := poolABI.Events["Swap"]

	data, err := event.Inputs.NonIndexed().Pack(amount0, amount1, sqrtPrice, liquidity, big.NewInt(tick))
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	sender := common.HexToAddress("0x4444444444444444444444444444444444444444")
	recipient := common.HexToAddress("0x5555555555555555555555555555555555555555")
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{event.ID, topicFromAddress(sender), topicFromAddress(recipient)},
		Data:    data,
	}
}

func e18(n int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func TestDecodeV2SwapRoundTrip(t *testing.T) {
	pool := common.HexToAddress("0x1111111111111111111111111111111111111111")
	logEntry := packV2SwapLog(t, pool, big.NewInt(0), big.NewInt(100), e18(10), big.NewInt(0))

	swap, err := DecodeV2Swap(logEntry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if swap.Amount0In.Sign() != 0 || swap.Amount1In.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("in amounts mismatch: %+v", swap)
	}
	if swap.Amount0Out.Cmp(e18(10)) != 0 || swap.Amount1Out.Sign() != 0 {
		t.Fatalf("out amounts mismatch: %+v", swap)
	}
}

func TestClassifyV2Buy(t *testing.T) {
	// token0 = monitored (18 dec), token1 = WBNB (18 dec). Trader sends
	// 0.1 WBNB in, receives 10 tokens out.
	pool := &Pool{Type: PoolV2, Decimals0: 18, Decimals1: 18, IsToken0: true}

	amount1In := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil) // 0.1e18
	logEntry := packV2SwapLog(t, common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(0), amount1In, e18(10), big.NewInt(0))
	swap, err := DecodeV2Swap(logEntry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	info := ClassifyV2(pool, swap)
	if !info.IsBuy {
		t.Fatalf("expected buy")
	}
	if info.TokenAmount != "10.0000" {
		t.Fatalf("token amount: %s", info.TokenAmount)
	}
	if info.PairAmount != "0.1000" {
		t.Fatalf("pair amount: %s", info.PairAmount)
	}
	if info.TokenAmountRaw != e18(10).String() {
		t.Fatalf("token raw: %s", info.TokenAmountRaw)
	}
}

func TestClassifyV2SellToken1(t *testing.T) {
	// Monitored is token1: trader sends 5 monitored in, receives token0 out.
	pool := &Pool{Type: PoolV2, Decimals0: 18, Decimals1: 18, IsToken0: false}

	logEntry := packV2SwapLog(t, common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(0), e18(5), e18(2), big.NewInt(0))
	swap, err := DecodeV2Swap(logEntry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	info := ClassifyV2(pool, swap)
	if info.IsBuy {
		t.Fatalf("expected sell")
	}
	if info.TokenAmountRaw != e18(5).String() {
		t.Fatalf("token raw: %s", info.TokenAmountRaw)
	}
	if info.PairAmountRaw != e18(2).String() {
		t.Fatalf("pair raw: %s", info.PairAmountRaw)
	}
}

func TestClassifyV3SignConvention(t *testing.T) {
	// Monitored = token1, amount1 negative means tokens left the pool, so
	// the outside party bought.
	pool := &Pool{Type: PoolV3, Decimals0: 6, Decimals1: 18, IsToken0: false}

	amount1 := new(big.Int).Neg(e18(1))
	logEntry := packV3SwapLog(t, common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(1_000_000), amount1, new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1), 0)

	swap, err := DecodeV3Swap(logEntry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	info := ClassifyV3(pool, swap)
	if !info.IsBuy {
		t.Fatalf("negative monitored-side amount must classify as buy")
	}
	if info.TokenAmountRaw != e18(1).String() {
		t.Fatalf("token raw: %s", info.TokenAmountRaw)
	}
	if info.PairAmountRaw != "1000000" {
		t.Fatalf("pair raw: %s", info.PairAmountRaw)
	}

	// Positive monitored-side amount is a sell.
	logEntry = packV3SwapLog(t, common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(-1_000_000), e18(1), new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1), 0)
	swap, err = DecodeV3Swap(logEntry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ClassifyV3(pool, swap).IsBuy {
		t.Fatalf("positive monitored-side amount must classify as sell")
	}
}

func TestDecodeV3SwapSignedAmounts(t *testing.T) {
	logEntry := packV3SwapLog(t, common.HexToAddress("0x9999999999999999999999999999999999999999"),
		big.NewInt(-1000), big.NewInt(2000), big.NewInt(123456789), big.NewInt(987654321), -15)

	swap, err := DecodeV3Swap(logEntry)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if swap.Amount0.Cmp(big.NewInt(-1000)) != 0 || swap.Amount1.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("amounts mismatch: %+v", swap)
	}
	if swap.Tick != -15 {
		t.Fatalf("tick mismatch: %d", swap.Tick)
	}
}

func TestDecodeV2SwapMissingTopics(t *testing.T) {
	pool := common.HexToAddress("0x1111111111111111111111111111111111111111")
	logEntry := packV2SwapLog(t, pool, big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4))
	logEntry.Topics = logEntry.Topics[:1]

	if _, err := DecodeV2Swap(logEntry); err == nil {
		t.Fatalf("expected error for missing topics")
	}
}
