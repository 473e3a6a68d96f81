package model

// Confirmation envelopes sent to the downstream consumer. Event names use
// the colon form on the outbound socket.

const (
	EventSwapPending   = "swap:pending"
	EventSwapConfirmed = "swap:confirmed"
	EventSwapFailed    = "swap:failed"
	EventSwapReplaced  = "swap:replaced"
)

// SwapPendingEnvelope announces a mempool-detected swap.
type SwapPendingEnvelope struct {
	Event         string        `json:"event"`
	TxHash        string        `json:"txHash"`
	TokenAddress  string        `json:"tokenAddress"`
	PoolAddress   string        `json:"poolAddress"`
	UserAddress   string        `json:"userAddress"`
	Operation     SwapOperation `json:"operation"`
	Status        SwapStatus    `json:"status"`
	Protocol      string        `json:"protocol"`
	Timestamp     string        `json:"timestamp"`
	DetectionTime string        `json:"detectionTime"`
}

// SwapConfirmedEnvelope announces an on-chain confirmed swap.
type SwapConfirmedEnvelope struct {
	Event        string        `json:"event"`
	TxHash       string        `json:"txHash"`
	BlockNumber  uint64        `json:"blockNumber"`
	GasUsed      uint64        `json:"gasUsed"`
	TokenAddress string        `json:"tokenAddress"`
	PoolAddress  string        `json:"poolAddress"`
	UserAddress  string        `json:"userAddress"`
	Operation    SwapOperation `json:"operation"`
	Status       SwapStatus    `json:"status"`
	Protocol     string        `json:"protocol"`
	Timestamp    string        `json:"timestamp"`
}

// SwapFailedEnvelope announces a reverted swap.
type SwapFailedEnvelope struct {
	Event       string     `json:"event"`
	TxHash      string     `json:"txHash"`
	BlockNumber uint64     `json:"blockNumber"`
	Reason      string     `json:"reason"`
	Status      SwapStatus `json:"status"`
	Timestamp   string     `json:"timestamp"`
}

// SwapReplacedEnvelope announces a speed-up / cancel replacement.
type SwapReplacedEnvelope struct {
	Event     string     `json:"event"`
	OldTxHash string     `json:"oldTxHash"`
	NewTxHash string     `json:"newTxHash"`
	Status    SwapStatus `json:"status"`
	Timestamp string     `json:"timestamp"`
}
