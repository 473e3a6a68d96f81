package model

import "time"

// SwapOperation is the direction of a swap relative to the monitored token.
type SwapOperation string

const (
	OpBuy     SwapOperation = "buy"
	OpSell    SwapOperation = "sell"
	OpUnknown SwapOperation = "unknown"
)

// SwapStatus is a pending swap's lifecycle state.
type SwapStatus string

const (
	SwapPending   SwapStatus = "pending"
	SwapConfirmed SwapStatus = "confirmed"
	SwapFailed    SwapStatus = "failed"
	SwapReplaced  SwapStatus = "replaced"
	SwapTimedOut  SwapStatus = "timedOut"
)

// SwapInfo is the classifier output for one swap log.
type SwapInfo struct {
	IsBuy       bool   `json:"isBuy"`
	TokenAmount string `json:"tokenAmount"`
	PairAmount  string `json:"pairAmount"`
	// Raw amounts in base units as decimal strings.
	TokenAmountRaw string `json:"tokenAmountRaw"`
	PairAmountRaw  string `json:"pairAmountRaw"`
	EventType      string `json:"eventType"`
}

// PendingSwap tracks one mempool-detected transaction to a terminal state.
type PendingSwap struct {
	TxHash       string        `json:"txHash"`
	TokenAddress string        `json:"tokenAddress"`
	PoolAddress  string        `json:"poolAddress"`
	Protocol     string        `json:"protocol"`
	UserAddress  string        `json:"userAddress"`
	Operation    SwapOperation `json:"operation"`
	MethodID     string        `json:"methodId"`
	DetectedAt   time.Time     `json:"detectedAt"`
	Status       SwapStatus    `json:"status"`
}

// V2SwapEventData is the decoded V2 Swap log payload. Amounts are unsigned
// base-unit integers as decimal strings.
type V2SwapEventData struct {
	Sender     string `json:"sender"`
	To         string `json:"to"`
	Amount0In  string `json:"amount0In"`
	Amount1In  string `json:"amount1In"`
	Amount0Out string `json:"amount0Out"`
	Amount1Out string `json:"amount1Out"`
}

// V3SwapEventData is the decoded V3 Swap log payload. Amounts are signed;
// negative means the amount left the pool.
type V3SwapEventData struct {
	Sender       string `json:"sender"`
	Recipient    string `json:"recipient"`
	Amount0      string `json:"amount0"`
	Amount1      string `json:"amount1"`
	SqrtPriceX96 string `json:"sqrtPriceX96"`
	Liquidity    string `json:"liquidity"`
	Tick         int32  `json:"tick"`
}
