package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pricestream/internal/chain"
)

const (
	rpcMaxRetries   = 2
	rpcRetryBackoff = 200 * time.Millisecond
)

var (
	// ErrTokenNotInPool rejects a pool whose token sides do not include the
	// monitored token.
	ErrTokenNotInPool = errors.New("token is not part of pool")
	// ErrPoolLoadFailed wraps unrecoverable metadata read failures.
	ErrPoolLoadFailed = errors.New("pool load failed")
)

// Loader reads on-chain pool metadata and state for every pool variant.
type Loader struct {
	chain    *chain.Client
	decimals *DecimalsResolver
	logger   *zap.Logger
}

// NewLoader builds a pool loader.
func NewLoader(chainClient *chain.Client, decimals *DecimalsResolver, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{chain: chainClient, decimals: decimals, logger: logger}
}

// LoadPool fetches metadata and current state for the pool and validates
// that token is one of its sides.
func (l *Loader) LoadPool(ctx context.Context, address common.Address, poolType PoolType, token common.Address) (*Pool, error) {
	var familyABI abi.ABI
	var err error
	if poolType.IsV3Family() {
		familyABI, err = V3PoolABI()
	} else {
		familyABI, err = V2PairABI()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse abi: %v", ErrPoolLoadFailed, err)
	}

	token0, err := l.callAddress(ctx, address, familyABI, "token0")
	if err != nil {
		return nil, fmt.Errorf("%w: token0: %v", ErrPoolLoadFailed, err)
	}
	token1, err := l.callAddress(ctx, address, familyABI, "token1")
	if err != nil {
		return nil, fmt.Errorf("%w: token1: %v", ErrPoolLoadFailed, err)
	}

	var isToken0 bool
	switch token {
	case token0:
		isToken0 = true
	case token1:
		isToken0 = false
	default:
		return nil, fmt.Errorf("%w: %s not in %s/%s", ErrTokenNotInPool,
			token.Hex(), token0.Hex(), token1.Hex())
	}

	pool := &Pool{
		Address:   address,
		Type:      poolType,
		Token0:    token0,
		Token1:    token1,
		Decimals0: l.decimals.Resolve(ctx, token0),
		Decimals1: l.decimals.Resolve(ctx, token1),
		IsToken0:  isToken0,
	}

	if poolType.IsV3Family() {
		if err := l.loadV3State(ctx, pool, familyABI); err != nil {
			return nil, err
		}
	} else {
		if err := l.loadV2State(ctx, pool, familyABI); err != nil {
			return nil, err
		}
	}

	return pool, nil
}

func (l *Loader) loadV2State(ctx context.Context, pool *Pool, pairABI abi.ABI) error {
	values, err := l.call(ctx, pool.Address, pairABI, "getReserves")
	if err != nil {
		return fmt.Errorf("%w: getReserves: %v", ErrPoolLoadFailed, err)
	}
	if len(values) < 2 {
		return fmt.Errorf("%w: getReserves returned %d values", ErrPoolLoadFailed, len(values))
	}
	reserve0, err := asBigInt(values[0])
	if err != nil {
		return fmt.Errorf("%w: reserve0: %v", ErrPoolLoadFailed, err)
	}
	reserve1, err := asBigInt(values[1])
	if err != nil {
		return fmt.Errorf("%w: reserve1: %v", ErrPoolLoadFailed, err)
	}
	pool.SetReserves(reserve0, reserve1)
	return nil
}

func (l *Loader) loadV3State(ctx context.Context, pool *Pool, poolABI abi.ABI) error {
	// fee and tickSpacing are informational for the alternate family.
	if values, err := l.call(ctx, pool.Address, poolABI, "fee"); err == nil {
		if fee, err := asBigInt(values[0]); err == nil {
			pool.Fee = uint32(fee.Uint64())
		}
	} else if pool.Type == PoolV3 {
		return fmt.Errorf("%w: fee: %v", ErrPoolLoadFailed, err)
	}

	if values, err := l.call(ctx, pool.Address, poolABI, "tickSpacing"); err == nil {
		if spacing, err := asBigInt(values[0]); err == nil {
			if tick, err := int24FromBig(spacing); err == nil {
				pool.TickSpacing = tick
			}
		}
	}

	values, err := l.call(ctx, pool.Address, poolABI, "liquidity")
	if err != nil {
		return fmt.Errorf("%w: liquidity: %v", ErrPoolLoadFailed, err)
	}
	liquidity, err := asBigInt(values[0])
	if err != nil {
		return fmt.Errorf("%w: liquidity: %v", ErrPoolLoadFailed, err)
	}
	pool.SetLiquidity(liquidity)

	sqrtPrice, err := l.loadSlot0(ctx, pool.Address, poolABI)
	if err != nil {
		return err
	}
	pool.SetSqrtPriceX96(sqrtPrice)
	return nil
}

// loadSlot0 tries the standard 7-field tuple, then the alternate family's
// narrower tuple, then a raw ABI-less slice. First variant that decodes wins.
func (l *Loader) loadSlot0(ctx context.Context, address common.Address, poolABI abi.ABI) (*big.Int, error) {
	if values, err := l.call(ctx, address, poolABI, "slot0"); err == nil && len(values) >= 1 {
		if sqrt, err := asBigInt(values[0]); err == nil {
			return sqrt, nil
		}
	}

	altABI, err := V3AltSlot0ABI()
	if err == nil {
		if values, err := l.call(ctx, address, altABI, "slot0"); err == nil && len(values) >= 1 {
			if sqrt, err := asBigInt(values[0]); err == nil {
				l.logger.Debug("slot0 decoded via alternate tuple", zap.String("pool", address.Hex()))
				return sqrt, nil
			}
		}
	}

	// Raw fallback: selector call, slice the first word as unsigned
	// sqrtPriceX96 and the second as signed int24 tick.
	data, err := poolABI.Pack("slot0")
	if err != nil {
		return nil, fmt.Errorf("%w: pack slot0: %v", ErrPoolLoadFailed, err)
	}
	resp, err := l.callContract(ctx, address, data)
	if err != nil {
		return nil, fmt.Errorf("%w: slot0: %v", ErrPoolLoadFailed, err)
	}
	if len(resp) < 64 {
		return nil, fmt.Errorf("%w: slot0 returned %d bytes", ErrPoolLoadFailed, len(resp))
	}
	sqrt := new(big.Int).SetBytes(resp[:32])
	tick := signedWord(resp[32:64])
	if _, err := int24FromBig(tick); err != nil {
		return nil, fmt.Errorf("%w: slot0 tick: %v", ErrPoolLoadFailed, err)
	}
	l.logger.Debug("slot0 decoded via raw slice", zap.String("pool", address.Hex()))
	return sqrt, nil
}

func (l *Loader) call(ctx context.Context, target common.Address, parsed abi.ABI, method string) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := l.callContract(ctx, target, data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// callContract performs an eth_call with bounded retry.
func (l *Loader) callContract(ctx context.Context, target common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &target, Data: data}
	var resp []byte
	err := chain.WithRetry(ctx, rpcMaxRetries, rpcRetryBackoff, func(ctx context.Context) error {
		var err error
		resp, err = l.chain.CallContract(ctx, msg, nil)
		return err
	})
	return resp, err
}

func (l *Loader) callAddress(ctx context.Context, target common.Address, parsed abi.ABI, method string) (common.Address, error) {
	values, err := l.call(ctx, target, parsed, method)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, fmt.Errorf("%s returned nothing", method)
	}
	return asAddress(values[0])
}

// signedWord interprets a 32-byte word as a two's-complement integer.
func signedWord(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		max := new(big.Int).Lsh(big.NewInt(1), uint(len(word)*8))
		v.Sub(v, max)
	}
	return v
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case uint16:
		return uint8(v), nil
	case uint32:
		return uint8(v), nil
	case uint64:
		return uint8(v), nil
	case *big.Int:
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
