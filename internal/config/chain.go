package config

import (
	"pricestream/internal/model"
)

// Params carries fixed-per-deployment chain parameters: well-known token
// addresses, the BNB/USD reference pool set, and the agent-token registry.
type Params struct {
	WBNB string
	// Stables maps lowercase address to pair kind.
	Stables map[string]model.PairKind
	// KnownDecimals short-circuits the decimals() call for well-known tokens.
	KnownDecimals map[string]uint8
	// BNBReferencePools are V3 stable/WBNB pools used for the USD reference.
	BNBReferencePools []string
	DefaultBNBPrice   float64
	AgentTokens       []model.AgentTokenEntry
	// Tokens are the statically configured bindings, keyed by lowercase
	// token address.
	Tokens map[string]model.TokenConfig
}

// BSC mainnet addresses, lowercase.
const (
	WBNBAddress = "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c"
	USDTAddress = "0x55d398326f99059ff775485246999027b3197955"
	USDCAddress = "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d"
	BUSDAddress = "0xe9e7cea3dedca5984780bafc599bd69add087d56"
	DAIAddress  = "0x1af3f329e8be154074d8769d1ffa4ee058b1dbc3"
)

// DefaultParams returns the BSC deployment parameters.
func DefaultParams() Params {
	return Params{
		WBNB: WBNBAddress,
		Stables: map[string]model.PairKind{
			USDTAddress: model.PairUSDT,
			USDCAddress: model.PairUSDC,
			BUSDAddress: model.PairBUSD,
			DAIAddress:  model.PairDAI,
		},
		KnownDecimals: map[string]uint8{
			WBNBAddress: 18,
			USDTAddress: 18,
			USDCAddress: 18,
			BUSDAddress: 18,
			DAIAddress:  18,
		},
		BNBReferencePools: []string{
			// PancakeSwap V3 USDT/WBNB 0.05%
			"0x36696169c63e42cd08ce11f5deebbcebae652050",
			// PancakeSwap V3 USDC/WBNB 0.05%
			"0xf2688fb5b81049dfb7703ada5e770543770612c4",
		},
		DefaultBNBPrice: 600,
		Tokens:          make(map[string]model.TokenConfig),
	}
}

// PairFor resolves a pair address to its kind; agent pairs return PairAgent
// only when registered.
func (p Params) PairFor(addr string) (model.PairKind, bool) {
	norm := model.NormalizeAddress(addr)
	if norm == p.WBNB {
		return model.PairWBNB, true
	}
	if kind, ok := p.Stables[norm]; ok {
		return kind, true
	}
	for _, agent := range p.AgentTokens {
		if model.NormalizeAddress(agent.Address) == norm {
			return model.PairAgent, true
		}
	}
	return "", false
}
