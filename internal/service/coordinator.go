package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricestream/internal/chain"
	"pricestream/internal/config"
	"pricestream/internal/dex"
	"pricestream/internal/emitter"
	"pricestream/internal/fanout"
	"pricestream/internal/mempool"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
	"pricestream/internal/price"
	"pricestream/internal/registry"
	"pricestream/internal/storage"
	"pricestream/internal/storage/postgres"
)

// Coordinator wires the chain client, price engine, listener registry,
// mempool tracker, fan-out hub, confirmation emitter, and audit sinks, and
// owns the periodic timers.
type Coordinator struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	chainClient *chain.Client
	engine      *price.Engine
	registry    *registry.Registry
	tracker     *mempool.Tracker
	hub         *fanout.Hub
	emitter     *emitter.Client
	sinks       storage.Multi

	fatal chan error
}

// lifecycleSink fans envelopes to the downstream emitter and audit sinks.
type lifecycleSink struct {
	emitter *emitter.Client
	sinks   storage.Multi
}

func (s lifecycleSink) Emit(event string, payload interface{}) {
	if s.emitter.Enabled() {
		s.emitter.Emit(event, payload)
	}
	s.sinks.Emit(event, payload)
}

// New builds and wires a coordinator.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsReg := metrics.NewRegistry()

	chainClient, err := chain.NewClient(ctx, chain.Config{
		WSURL:                cfg.NodeWSURL,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
	}, logger.Named("chain"))
	if err != nil {
		return nil, fmt.Errorf("connect node: %w", err)
	}

	decimals := dex.NewDecimalsResolver(chainClient, cfg.Chain.KnownDecimals, logger.Named("dex"))
	loader := dex.NewLoader(chainClient, decimals, logger.Named("dex"))

	bnb := price.NewBNBRef(loader, cfg.Chain.WBNB, cfg.Chain.BNBReferencePools,
		cfg.BnbRefreshInterval, cfg.Chain.DefaultBNBPrice, logger.Named("bnb"))
	engine := price.NewEngine(loader, bnb, cfg.Chain, metricsReg,
		cfg.AgentPriceCacheTTL, cfg.PriceUpdateThreshold, logger.Named("price"))

	listeners := registry.New(chainClient, loader, engine, cfg.Chain, metricsReg,
		cfg.CoalesceWindow, logger.Named("registry"))

	emit := emitter.NewClient(cfg.ConsumerURL, cfg.ConsumerPath, metricsReg, logger.Named("emitter"))

	var sinks storage.Multi
	if cfg.AuditPath != "" {
		sinks = append(sinks, storage.NewJsonlSink(cfg.AuditPath, logger.Named("audit")))
	}
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN, logger.Named("audit"))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		sinks = append(sinks, store)
	}

	tracker := mempool.NewTracker(chainClient, lifecycleSink{emitter: emit, sinks: sinks},
		metricsReg, cfg.RPCRateLimit, cfg.RPCRateBurst, cfg.PendingTimeout, logger.Named("mempool"))

	c := &Coordinator{
		cfg:         cfg,
		logger:      logger,
		metrics:     metricsReg,
		chainClient: chainClient,
		engine:      engine,
		registry:    listeners,
		tracker:     tracker,
		emitter:     emit,
		sinks:       sinks,
		fatal:       make(chan error, 1),
	}

	c.hub = fanout.NewHub(c, metricsReg, cfg.HeartbeatInterval, cfg.ReapInterval,
		cfg.StaleAfter, logger.Named("fanout"))

	listeners.SetBroadcaster(c.hub)
	listeners.SetPoolWatcher(tracker)

	chainClient.OnReconnect(func() {
		reconnectCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		listeners.OnReconnect(reconnectCtx)
	})
	chainClient.OnFatal(func(err error) {
		select {
		case c.fatal <- err:
		default:
		}
	})

	return c, nil
}

// Run starts the hub, emitter, mempool tracker, and the BNB refresh timer,
// blocking until ctx is done or the chain connection is lost for good.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.engine.BNB().Refresh(ctx); err != nil {
		c.logger.Warn("initial bnb refresh failed, using default", zap.Error(err))
	}

	if err := c.tracker.Start(ctx); err != nil {
		return err
	}
	defer c.tracker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.emitter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return c.runBNBTimer(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-c.fatal:
			return err
		}
	})

	err := g.Wait()
	c.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Coordinator) runBNBTimer(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.BnbRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, c.cfg.BnbRefreshInterval)
			if err := c.engine.BNB().Refresh(refreshCtx); err != nil {
				c.logger.Warn("bnb refresh failed", zap.Error(err))
				c.metrics.RecordError("bnb", err.Error())
			}
			cancel()
		}
	}
}

func (c *Coordinator) shutdown() {
	for _, token := range c.registry.MonitoredTokens() {
		c.registry.RemoveToken(token)
	}
	c.emitter.Close()
	c.sinks.Close()
	c.chainClient.Close()
	c.logger.Info("coordinator stopped")
}

// Hub exposes the fan-out hub for the gateway's WS endpoint.
func (c *Coordinator) Hub() *fanout.Hub {
	return c.hub
}

// Metrics exposes the metrics registry.
func (c *Coordinator) Metrics() *metrics.Registry {
	return c.metrics
}

// --- fanout.Controller ---

// OnSubscribe attaches the token when it is statically configured and not
// yet monitored, then returns the cached price.
func (c *Coordinator) OnSubscribe(ctx context.Context, tokenAddress string) *model.TokenPrice {
	if !c.registry.IsMonitored(tokenAddress) {
		if _, err := c.registry.AddToken(ctx, tokenAddress); err != nil &&
			!errors.Is(err, registry.ErrUnknownToken) {
			c.logger.Warn("subscribe-triggered add failed",
				zap.String("token", tokenAddress), zap.Error(err))
		}
	}
	if cached, ok := c.engine.CachedPrice(tokenAddress); ok {
		return &cached
	}
	return nil
}

// OnRoomEmpty tears down dynamically added tokens when their room empties.
func (c *Coordinator) OnRoomEmpty(tokenAddress string) {
	if c.registry.IsDynamic(tokenAddress) {
		c.registry.RemoveDynamicToken(tokenAddress)
	}
}

// CachedPrices returns every cached token price.
func (c *Coordinator) CachedPrices() []model.TokenPrice {
	return c.engine.CachedPrices()
}

// MonitoredCount returns the number of monitored tokens.
func (c *Coordinator) MonitoredCount() int {
	return c.registry.MonitoredCount()
}

// --- REST-facing operations ---

// AddToken registers a configured token.
func (c *Coordinator) AddToken(ctx context.Context, tokenAddress string) (*model.TokenPrice, error) {
	c.metrics.Inc(metrics.CounterAPIRequests)
	return c.registry.AddToken(ctx, tokenAddress)
}

// AddDynamicTokens registers tokens from request payloads.
func (c *Coordinator) AddDynamicTokens(ctx context.Context, specs []model.TokenSpec) []model.AddResult {
	c.metrics.Inc(metrics.CounterAPIRequests)
	return c.registry.AddDynamicTokens(ctx, specs)
}

// RemoveDynamicToken tears down a dynamic token.
func (c *Coordinator) RemoveDynamicToken(tokenAddress string) bool {
	c.metrics.Inc(metrics.CounterAPIRequests)
	return c.registry.RemoveDynamicToken(tokenAddress)
}

// StartSwapListener starts a single-pool swap listener.
func (c *Coordinator) StartSwapListener(ctx context.Context, req model.SwapListenerRequest) (*model.ListenerInfo, error) {
	c.metrics.Inc(metrics.CounterAPIRequests)
	return c.registry.StartSwapListener(ctx, req)
}

// StopSwapListener stops a swap listener.
func (c *Coordinator) StopSwapListener(tokenAddress string) bool {
	c.metrics.Inc(metrics.CounterAPIRequests)
	return c.registry.StopSwapListener(tokenAddress)
}

// GetSwapListener returns one listener.
func (c *Coordinator) GetSwapListener(tokenAddress string) *model.ListenerInfo {
	return c.registry.GetSwapListener(tokenAddress)
}

// GetActiveSwapListeners lists all listeners.
func (c *Coordinator) GetActiveSwapListeners() []model.ListenerInfo {
	return c.registry.ActiveSwapListeners()
}

// GetTokenPrice returns the cached price for a token.
func (c *Coordinator) GetTokenPrice(tokenAddress string) *model.TokenPrice {
	c.metrics.Inc(metrics.CounterAPIRequests)
	if cached, ok := c.engine.CachedPrice(tokenAddress); ok {
		c.metrics.Inc(metrics.CounterCacheHits)
		return &cached
	}
	c.metrics.Inc(metrics.CounterCacheMisses)
	return nil
}

// GetMonitoredTokens lists monitored token addresses.
func (c *Coordinator) GetMonitoredTokens() []string {
	return c.registry.MonitoredTokens()
}

// GetStats snapshots the counters.
func (c *Coordinator) GetStats() metrics.Stats {
	return c.metrics.Snapshot()
}

// Health summarizes liveness for the health endpoint.
func (c *Coordinator) Health() map[string]interface{} {
	return map[string]interface{}{
		"connected":       c.chainClient.Connected(),
		"monitoredTokens": c.registry.MonitoredCount(),
		"mempoolLogOnly":  c.tracker.LogOnly(),
		"uptimeSeconds":   c.metrics.Uptime().Seconds(),
	}
}
