package dex

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pricestream/internal/chain"
	"pricestream/internal/model"
)

// DecimalsResolver resolves token decimals with a per-address cache.
// Well-known addresses short-circuit to constants; everything else calls
// decimals() once and caches the answer. Read failures fall back to 18.
type DecimalsResolver struct {
	chain  *chain.Client
	logger *zap.Logger
	known  map[string]uint8
	cache  *gocache.Cache
	group  singleflight.Group
}

// NewDecimalsResolver builds a resolver seeded with known constants.
func NewDecimalsResolver(chainClient *chain.Client, known map[string]uint8, logger *zap.Logger) *DecimalsResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecimalsResolver{
		chain:  chainClient,
		logger: logger,
		known:  known,
		cache:  gocache.New(gocache.NoExpiration, 0),
	}
}

// Resolve returns the token's decimals. Never fails; a failed read logs a
// warning and returns 18.
func (r *DecimalsResolver) Resolve(ctx context.Context, token common.Address) uint8 {
	key := model.NormalizeAddress(token.Hex())
	if d, ok := r.known[key]; ok {
		return d
	}
	if cached, ok := r.cache.Get(key); ok {
		return cached.(uint8)
	}

	value, err, _ := r.group.Do(key, func() (interface{}, error) {
		d, err := r.fetch(ctx, token)
		if err != nil {
			return uint8(0), err
		}
		r.cache.Set(key, d, gocache.NoExpiration)
		return d, nil
	})
	if err != nil {
		r.logger.Warn("decimals read failed, assuming 18",
			zap.String("token", token.Hex()), zap.Error(err))
		return 18
	}
	return value.(uint8)
}

func (r *DecimalsResolver) fetch(ctx context.Context, token common.Address) (uint8, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return 0, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	msg := ethereum.CallMsg{To: &token, Data: data}
	var resp []byte
	err = chain.WithRetry(ctx, rpcMaxRetries, rpcRetryBackoff, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.chain.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	values, err := parsed.Unpack("decimals", resp)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return asUint8(values[0])
}
