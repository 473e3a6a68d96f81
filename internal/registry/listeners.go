package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pricestream/internal/model"
)

// StartSwapListener attaches a single-pool listener for swap tracking with
// an optional per-user filter. Returns nil when the pool has no liquidity.
func (r *Registry) StartSwapListener(ctx context.Context, req model.SwapListenerRequest) (*model.ListenerInfo, error) {
	pair, err := parsePairType(req.PairType)
	if err != nil {
		return nil, err
	}

	spec := model.TokenSpec{
		TokenAddress: req.TokenAddress,
		Pools: []model.PoolEntry{{
			Address:  req.PoolAddress,
			Protocol: req.Protocol,
			Pair:     pair,
			Priority: 1,
		}},
	}

	if _, err := r.addDynamic(ctx, spec, req.UserAddress); err != nil {
		return nil, err
	}

	norm := model.NormalizeAddress(req.TokenAddress)
	r.mu.RLock()
	b, ok := r.bindings[norm]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	b.mu.Lock()
	b.viaListener = true
	info := listenerInfo(b)
	b.mu.Unlock()
	return &info, nil
}

// StopSwapListener tears down a listener started via StartSwapListener.
func (r *Registry) StopSwapListener(tokenAddress string) bool {
	norm := model.NormalizeAddress(tokenAddress)
	r.mu.RLock()
	b, ok := r.bindings[norm]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	via := b.viaListener
	b.mu.Unlock()
	if !via {
		return false
	}
	return r.RemoveToken(norm)
}

// GetSwapListener returns the listener for a token, if one is active.
func (r *Registry) GetSwapListener(tokenAddress string) *model.ListenerInfo {
	norm := model.NormalizeAddress(tokenAddress)
	r.mu.RLock()
	b, ok := r.bindings[norm]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.viaListener {
		return nil
	}
	info := listenerInfo(b)
	return &info
}

// ActiveSwapListeners lists every active swap listener.
func (r *Registry) ActiveSwapListeners() []model.ListenerInfo {
	r.mu.RLock()
	bindings := make([]*binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		bindings = append(bindings, b)
	}
	r.mu.RUnlock()

	out := make([]model.ListenerInfo, 0, len(bindings))
	for _, b := range bindings {
		b.mu.Lock()
		if b.viaListener {
			out = append(out, listenerInfo(b))
		}
		b.mu.Unlock()
	}
	return out
}

// listenerInfo builds the info view. Called with the binding lock held.
func listenerInfo(b *binding) model.ListenerInfo {
	info := model.ListenerInfo{
		TokenAddress: b.token,
		UserAddress:  b.userAddress,
		StartedAt:    b.startedAt.UTC().Format(time.RFC3339),
	}
	if len(b.pools) > 0 {
		info.PoolAddress = b.pools[0].entry.Address
		info.Protocol = b.pools[0].entry.Protocol
		info.Pair = b.pools[0].entry.Pair
	}
	return info
}

func parsePairType(pairType string) (model.PairKind, error) {
	switch model.PairKind(strings.ToUpper(strings.TrimSpace(pairType))) {
	case model.PairWBNB:
		return model.PairWBNB, nil
	case model.PairUSDT:
		return model.PairUSDT, nil
	case model.PairUSDC:
		return model.PairUSDC, nil
	case model.PairBUSD:
		return model.PairBUSD, nil
	case model.PairDAI:
		return model.PairDAI, nil
	case model.PairAgent:
		return model.PairAgent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPair, pairType)
	}
}
