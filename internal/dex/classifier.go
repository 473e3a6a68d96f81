package dex

import (
	"math/big"

	"pricestream/internal/model"
)

// ClassifyV2 resolves direction and amounts for a V2 swap relative to the
// pool's monitored token. isBuy means the outside party received the
// monitored token from the pool.
func ClassifyV2(pool *Pool, swap *V2Swap) model.SwapInfo {
	var isBuy bool
	var tokenRaw, pairRaw *big.Int

	if pool.IsToken0 {
		if swap.Amount0Out.Sign() > 0 {
			isBuy = true
			tokenRaw = swap.Amount0Out
			pairRaw = swap.Amount1In
		} else {
			tokenRaw = swap.Amount0In
			pairRaw = swap.Amount1Out
		}
	} else {
		if swap.Amount1Out.Sign() > 0 {
			isBuy = true
			tokenRaw = swap.Amount1Out
			pairRaw = swap.Amount0In
		} else {
			tokenRaw = swap.Amount1In
			pairRaw = swap.Amount0Out
		}
	}

	return model.SwapInfo{
		IsBuy:          isBuy,
		TokenAmount:    FormatAmount(tokenRaw, pool.TokenDecimals()),
		PairAmount:     FormatAmount(pairRaw, pool.PairDecimals()),
		TokenAmountRaw: tokenRaw.String(),
		PairAmountRaw:  pairRaw.String(),
		EventType:      "v2-swap",
	}
}

// ClassifyV3 resolves direction and amounts for a V3 swap. A negative
// monitored-side amount means tokens left the pool toward the trader.
func ClassifyV3(pool *Pool, swap *V3Swap) model.SwapInfo {
	monitored, pair := swap.Amount0, swap.Amount1
	if !pool.IsToken0 {
		monitored, pair = swap.Amount1, swap.Amount0
	}

	isBuy := monitored.Sign() < 0
	tokenRaw := new(big.Int).Abs(monitored)
	pairRaw := new(big.Int).Abs(pair)

	return model.SwapInfo{
		IsBuy:          isBuy,
		TokenAmount:    FormatAmount(tokenRaw, pool.TokenDecimals()),
		PairAmount:     FormatAmount(pairRaw, pool.PairDecimals()),
		TokenAmountRaw: tokenRaw.String(),
		PairAmountRaw:  pairRaw.String(),
		EventType:      "v3-swap",
	}
}
