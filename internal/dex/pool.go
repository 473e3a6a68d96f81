package dex

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PoolType is the closed set of supported pool variants.
type PoolType string

const (
	PoolV2    PoolType = "v2"
	PoolV3    PoolType = "v3"
	PoolV2Alt PoolType = "v2-alt"
	PoolV3Alt PoolType = "v3-alt"
)

// TypeForProtocol maps an API protocol tag onto a pool type.
func TypeForProtocol(protocol string) (PoolType, error) {
	switch protocol {
	case "uniswapv2":
		return PoolV2, nil
	case "uniswapv3":
		return PoolV3, nil
	case "aerodromev2":
		return PoolV2Alt, nil
	case "aerodromev3", "slipstream":
		return PoolV3Alt, nil
	default:
		return "", fmt.Errorf("unknown protocol: %s", protocol)
	}
}

// IsV3Family reports whether the type uses concentrated-liquidity state.
func (t PoolType) IsV3Family() bool {
	return t == PoolV3 || t == PoolV3Alt
}

// Pool is a loaded pool with immutable identity and swap-mutated state.
// State setters and readers are safe for concurrent use; handlers for the
// same token are additionally serialized by the listener registry.
type Pool struct {
	Address     common.Address
	Type        PoolType
	Token0      common.Address
	Token1      common.Address
	Decimals0   uint8
	Decimals1   uint8
	Fee         uint32
	TickSpacing int32
	// IsToken0 marks which side the monitored token occupies.
	IsToken0 bool

	mu           sync.RWMutex
	reserve0     *big.Int
	reserve1     *big.Int
	sqrtPriceX96 *big.Int
	liquidity    *big.Int
}

// SetReserves replaces the V2 reserve state.
func (p *Pool) SetReserves(reserve0, reserve1 *big.Int) {
	p.mu.Lock()
	p.reserve0 = reserve0
	p.reserve1 = reserve1
	p.mu.Unlock()
}

// Reserves returns the V2 reserve state.
func (p *Pool) Reserves() (*big.Int, *big.Int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reserve0, p.reserve1
}

// SetSqrtPriceX96 replaces the V3 price state.
func (p *Pool) SetSqrtPriceX96(v *big.Int) {
	p.mu.Lock()
	p.sqrtPriceX96 = v
	p.mu.Unlock()
}

// SqrtPriceX96 returns the V3 price state.
func (p *Pool) SqrtPriceX96() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sqrtPriceX96
}

// SetLiquidity replaces the V3 in-range liquidity.
func (p *Pool) SetLiquidity(v *big.Int) {
	p.mu.Lock()
	p.liquidity = v
	p.mu.Unlock()
}

// HasLiquidity reports whether the pool can quote a price.
func (p *Pool) HasLiquidity() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Type.IsV3Family() {
		return p.liquidity != nil && p.liquidity.Sign() > 0
	}
	return p.reserve0 != nil && p.reserve0.Sign() > 0 &&
		p.reserve1 != nil && p.reserve1.Sign() > 0
}

// TokenDecimals returns the monitored-side decimals.
func (p *Pool) TokenDecimals() uint8 {
	if p.IsToken0 {
		return p.Decimals0
	}
	return p.Decimals1
}

// PairDecimals returns the pair-side decimals.
func (p *Pool) PairDecimals() uint8 {
	if p.IsToken0 {
		return p.Decimals1
	}
	return p.Decimals0
}

// PairToken returns the pair-side token address.
func (p *Pool) PairToken() common.Address {
	if p.IsToken0 {
		return p.Token1
	}
	return p.Token0
}

// SwapTopic returns topic0 of the pool family's Swap event.
func (p *Pool) SwapTopic() (common.Hash, error) {
	if p.Type.IsV3Family() {
		poolABI, err := V3PoolABI()
		if err != nil {
			return common.Hash{}, err
		}
		return poolABI.Events["Swap"].ID, nil
	}
	pairABI, err := V2PairABI()
	if err != nil {
		return common.Hash{}, err
	}
	return pairABI.Events["Swap"].ID, nil
}
