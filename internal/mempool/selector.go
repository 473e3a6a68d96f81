package mempool

import (
	"encoding/hex"
	"math/big"

	"pricestream/internal/model"
)

// callKind groups method selectors by how much the calldata reveals.
type callKind int

const (
	kindUnknown callKind = iota
	// kindRouterSwap is a periphery swap; direction resolves later from the
	// emitted log.
	kindRouterSwap
	// kindV2PoolSwap is a direct pair swap whose calldata carries the out
	// amounts.
	kindV2PoolSwap
	// kindV3PoolSwap is a direct pool swap.
	kindV3PoolSwap
)

// Known router and pool-direct swap selectors (first 4 calldata bytes).
var swapSelectors = map[string]callKind{
	// V2 router
	"7ff36ab5": kindRouterSwap, // swapExactETHForTokens
	"38ed1739": kindRouterSwap, // swapExactTokensForTokens
	"18cbafe5": kindRouterSwap, // swapExactTokensForETH
	"fb3bdb41": kindRouterSwap, // swapETHForExactTokens
	"b6f9de95": kindRouterSwap, // swapExactETHForTokensSupportingFeeOnTransferTokens
	"791ac947": kindRouterSwap, // swapExactTokensForETHSupportingFeeOnTransferTokens
	"5c11d795": kindRouterSwap, // swapExactTokensForTokensSupportingFeeOnTransferTokens
	// V3 router
	"414bf389": kindRouterSwap, // exactInputSingle
	"c04b8d59": kindRouterSwap, // exactInput
	"db3e2198": kindRouterSwap, // exactOutputSingle
	"f28c0498": kindRouterSwap, // exactOutput
	"ac9650d8": kindRouterSwap, // multicall
	// pool-direct
	"022c0d9f": kindV2PoolSwap, // swap(uint256,uint256,address,bytes)
	"128acb08": kindV3PoolSwap, // swap(address,bool,int256,int256,uint160,bytes)
}

// classifyCalldata resolves the selector and, for a V2 pool-direct call, the
// operation implied by the out amounts. Unknown selectors return
// (kindUnknown, ...) and are ignored by the tracker.
func classifyCalldata(data []byte, isToken0 bool) (callKind, string, model.SwapOperation) {
	if len(data) < 4 {
		return kindUnknown, "", model.OpUnknown
	}
	methodID := hex.EncodeToString(data[:4])
	kind, ok := swapSelectors[methodID]
	if !ok {
		return kindUnknown, methodID, model.OpUnknown
	}

	if kind == kindV2PoolSwap {
		return kind, methodID, v2DirectOperation(data[4:], isToken0)
	}
	return kind, methodID, model.OpUnknown
}

// v2DirectOperation decodes (amount0Out, amount1Out, to, data) and derives
// buy/sell for the monitored side.
func v2DirectOperation(args []byte, isToken0 bool) model.SwapOperation {
	if len(args) < 64 {
		return model.OpUnknown
	}
	amount0Out := new(big.Int).SetBytes(args[:32])
	amount1Out := new(big.Int).SetBytes(args[32:64])

	if isToken0 {
		if amount0Out.Sign() > 0 {
			return model.OpBuy
		}
		return model.OpSell
	}
	if amount1Out.Sign() > 0 {
		return model.OpBuy
	}
	return model.OpSell
}
