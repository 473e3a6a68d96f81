package fanout

import "pricestream/internal/model"

// Client → server message shape.
type clientMessage struct {
	Type         string `json:"type"`
	TokenAddress string `json:"tokenAddress,omitempty"`
}

// Feature flags advertised in the welcome message.
type welcomeFeatures struct {
	V2Support          bool `json:"v2Support"`
	V3Support          bool `json:"v3Support"`
	PancakeswapSupport bool `json:"pancakeswapSupport"`
	MultiPoolSupport   bool `json:"multiPoolSupport"`
	DynamicBnbPrice    bool `json:"dynamicBnbPrice"`
	Caching            bool `json:"caching"`
	MetricsTracking    bool `json:"metricsTracking"`
	BuySellDetection   bool `json:"buySellDetection"`
}

type welcomeMessage struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	SocketID string          `json:"socketId"`
	Service  string          `json:"service"`
	Features welcomeFeatures `json:"features"`
}

type subscribedMessage struct {
	Type         string            `json:"type"`
	TokenAddress string            `json:"tokenAddress"`
	CurrentPrice *model.TokenPrice `json:"currentPrice"`
	Room         string            `json:"room"`
}

type unsubscribedMessage struct {
	Type         string `json:"type"`
	TokenAddress string `json:"tokenAddress"`
}

type priceFormatted struct {
	PriceUSD string `json:"priceUSD"`
	PriceBNB string `json:"priceBNB"`
}

type priceUpdateMessage struct {
	Type         string              `json:"type"`
	TokenAddress string              `json:"tokenAddress"`
	Symbol       string              `json:"symbol"`
	Name         string              `json:"name"`
	PriceUSD     float64             `json:"priceUSD"`
	PriceBNB     float64             `json:"priceBNB"`
	PoolCount    int                 `json:"poolCount"`
	Pools        []model.PriceSample `json:"pools"`
	Timestamp    string              `json:"timestamp"`
	Formatted    priceFormatted      `json:"formatted"`
}

type swapEventMessage struct {
	Type string `json:"type"`
	model.SwapEventMessage
}

type swapUpdateMessage struct {
	Type   string `json:"type"`
	TxHash string `json:"txHash"`
	Sender string `json:"sender"`
}

type allPricesMessage struct {
	Type   string             `json:"type"`
	Prices []model.TokenPrice `json:"prices"`
}

type heartbeatMetrics struct {
	PriceUpdates   uint64 `json:"priceUpdates"`
	CacheHits      uint64 `json:"cacheHits"`
	EventsReceived uint64 `json:"eventsReceived"`
}

type heartbeatMessage struct {
	Type            string           `json:"type"`
	Timestamp       string           `json:"timestamp"`
	MonitoredTokens int              `json:"monitoredTokens"`
	Uptime          float64          `json:"uptime"`
	Metrics         heartbeatMetrics `json:"metrics"`
}

type pongMessage struct {
	Type string `json:"type"`
	Time string `json:"time"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
