package price

import (
	"errors"
	"math"
	"math/big"

	"pricestream/internal/dex"
)

// ErrNoLiquidity means the pool cannot quote a price.
var ErrNoLiquidity = errors.New("pool has no liquidity")

var (
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)
	e18  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// PairPrice returns the monitored token's price denominated in the pool's
// pair token.
func PairPrice(pool *dex.Pool) (float64, error) {
	if pool.Type.IsV3Family() {
		return v3PairPrice(pool)
	}
	return v2PairPrice(pool)
}

func v2PairPrice(pool *dex.Pool) (float64, error) {
	reserve0, reserve1 := pool.Reserves()
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return 0, ErrNoLiquidity
	}

	tokenReserve, pairReserve := reserve0, reserve1
	if !pool.IsToken0 {
		tokenReserve, pairReserve = reserve1, reserve0
	}

	tokenHuman := dex.ToFloat(tokenReserve, pool.TokenDecimals())
	pairHuman := dex.ToFloat(pairReserve, pool.PairDecimals())
	if tokenHuman == 0 {
		return 0, ErrNoLiquidity
	}
	return pairHuman / tokenHuman, nil
}

// v3PairPrice computes (sqrtPriceX96 / 2^96)^2 through a 1e18-scaled 256-bit
// integer bridge before dropping to float, then applies the decimal
// adjustment and inverts for a token1-monitored pool.
func v3PairPrice(pool *dex.Pool) (float64, error) {
	sqrt := pool.SqrtPriceX96()
	if sqrt == nil || sqrt.Sign() <= 0 {
		return 0, ErrNoLiquidity
	}

	scaled := new(big.Int).Mul(sqrt, sqrt)
	scaled.Mul(scaled, e18)
	scaled.Quo(scaled, q192)

	ratio := new(big.Float).SetInt(scaled)
	ratio.Quo(ratio, new(big.Float).SetInt(e18))
	p, _ := ratio.Float64()

	p *= math.Pow(10, float64(int(pool.Decimals0))-float64(int(pool.Decimals1)))
	if p == 0 {
		return 0, ErrNoLiquidity
	}
	if !pool.IsToken0 {
		p = 1 / p
	}
	return p, nil
}
