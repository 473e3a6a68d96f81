package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pricestream/internal/dex"
	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

const serviceName = "pricestream"

// Controller is the hub's view of the coordinator: subscribe-triggered token
// attachment and empty-room teardown.
type Controller interface {
	// OnSubscribe ensures the token is monitored and returns the cached
	// price, if any.
	OnSubscribe(ctx context.Context, tokenAddress string) *model.TokenPrice
	// OnRoomEmpty is invoked when the last subscriber leaves a token room.
	OnRoomEmpty(tokenAddress string)
	CachedPrices() []model.TokenPrice
	MonitoredCount() int
}

// session is one connected client.
type session struct {
	id          string
	conn        *websocket.Conn
	send        chan interface{}
	connectedAt time.Time
	remoteAddr  string

	mu            sync.Mutex
	lastPing      time.Time
	subscriptions map[string]struct{}
	closed        bool
}

func (s *session) stampPing(t time.Time) {
	s.mu.Lock()
	s.lastPing = t
	s.mu.Unlock()
}

func (s *session) pingAge(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastPing)
}

// enqueue drops the message when the session is closed or its buffer is
// full, so one slow client cannot stall the broadcast path.
func (s *session) enqueue(msg interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Hub owns the client session table, room subscriptions, threshold-free
// broadcast primitives, heartbeat, and the stale-connection reaper.
type Hub struct {
	logger     *zap.Logger
	metrics    *metrics.Registry
	controller Controller
	upgrader   websocket.Upgrader

	heartbeatInterval time.Duration
	reapInterval      time.Duration
	staleAfter        time.Duration
	now               func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session

	nextID atomic.Uint64
}

// NewHub builds the hub.
func NewHub(controller Controller, reg *metrics.Registry, heartbeatInterval, reapInterval, staleAfter time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		metrics:    reg,
		controller: controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		heartbeatInterval: heartbeatInterval,
		reapInterval:      reapInterval,
		staleAfter:        staleAfter,
		now:               time.Now,
		sessions:          make(map[string]*session),
		rooms:             make(map[string]map[string]*session),
	}
}

// RoomName builds the fan-out room key for a token.
func RoomName(tokenAddress string) string {
	return "token:" + model.NormalizeAddress(tokenAddress)
}

// ServeWS upgrades an HTTP request into a client session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:            fmt.Sprintf("sess-%d", h.nextID.Add(1)),
		conn:          conn,
		send:          make(chan interface{}, 256),
		connectedAt:   h.now(),
		lastPing:      h.now(),
		remoteAddr:    r.RemoteAddr,
		subscriptions: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.metrics.Inc(metrics.CounterWSConnections)

	h.logger.Info("client connected",
		zap.String("session", s.id), zap.String("remote", s.remoteAddr))

	go h.writePump(s)

	s.enqueue(welcomeMessage{
		Type:     "welcome",
		Message:  "connected to pool price stream",
		SocketID: s.id,
		Service:  serviceName,
		Features: welcomeFeatures{
			V2Support:          true,
			V3Support:          true,
			PancakeswapSupport: true,
			MultiPoolSupport:   true,
			DynamicBnbPrice:    true,
			Caching:            true,
			MetricsTracking:    true,
			BuySellDetection:   true,
		},
	})

	go h.readPump(s)
}

func (h *Hub) writePump(s *session) {
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			h.logger.Debug("write failed, dropping session",
				zap.String("session", s.id), zap.Error(err))
			h.disconnect(s)
			return
		}
	}
}

func (h *Hub) readPump(s *session) {
	defer h.disconnect(s)

	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			// A malformed payload is a protocol error for this session
			// only; the connection stays open. Anything else is a
			// transport failure.
			if isDecodeError(err) {
				s.enqueue(errorMessage{Type: "error", Message: "bad message shape"})
				continue
			}
			return
		}
		h.dispatch(s, msg)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (h *Hub) dispatch(s *session, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		h.handleSubscribe(s, msg.TokenAddress)
	case "unsubscribe":
		h.handleUnsubscribe(s, msg.TokenAddress)
	case "ping":
		s.stampPing(h.now())
		s.enqueue(pongMessage{Type: "pong", Time: h.now().UTC().Format(time.RFC3339)})
	case "get-all-prices":
		s.enqueue(allPricesMessage{Type: "all-prices", Prices: h.controller.CachedPrices()})
	default:
		s.enqueue(errorMessage{Type: "error", Message: fmt.Sprintf("unknown message type: %q", msg.Type)})
	}
}

func (h *Hub) handleSubscribe(s *session, tokenAddress string) {
	norm := model.NormalizeAddress(tokenAddress)
	if norm == "" {
		s.enqueue(errorMessage{Type: "error", Message: "tokenAddress is required"})
		return
	}
	room := RoomName(norm)

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*session)
		h.rooms[room] = members
	}
	members[s.id] = s
	h.mu.Unlock()

	s.mu.Lock()
	s.subscriptions[norm] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	price := h.controller.OnSubscribe(ctx, norm)
	cancel()

	s.enqueue(subscribedMessage{
		Type:         "subscribed",
		TokenAddress: norm,
		CurrentPrice: price,
		Room:         room,
	})
}

func (h *Hub) handleUnsubscribe(s *session, tokenAddress string) {
	norm := model.NormalizeAddress(tokenAddress)
	room := RoomName(norm)

	s.mu.Lock()
	delete(s.subscriptions, norm)
	s.mu.Unlock()

	h.leaveRoom(s, room, norm)
	s.enqueue(unsubscribedMessage{Type: "unsubscribed", TokenAddress: norm})
}

// leaveRoom removes a member; the last departure triggers the empty-room
// hook.
func (h *Hub) leaveRoom(s *session, room, tokenAddress string) {
	h.mu.Lock()
	empty := false
	if members, ok := h.rooms[room]; ok {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, room)
			empty = true
		}
	}
	h.mu.Unlock()

	if empty {
		h.controller.OnRoomEmpty(tokenAddress)
	}
}

func (h *Hub) disconnect(s *session) {
	h.mu.Lock()
	_, present := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !present {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]string, 0, len(s.subscriptions))
	for token := range s.subscriptions {
		subs = append(subs, token)
	}
	s.mu.Unlock()

	close(s.send)
	s.conn.Close()

	for _, token := range subs {
		h.leaveRoom(s, RoomName(token), token)
	}

	h.logger.Info("client disconnected", zap.String("session", s.id))
}

// BroadcastPrice sends a price-update to the token's room only.
func (h *Hub) BroadcastPrice(tokenAddress string, p model.TokenPrice) {
	msg := priceUpdateMessage{
		Type:         "price-update",
		TokenAddress: p.TokenAddress,
		Symbol:       p.Symbol,
		Name:         p.Name,
		PriceUSD:     p.PriceUSD,
		PriceBNB:     p.PriceBNB,
		PoolCount:    p.PoolCount,
		Pools:        p.Pools,
		Timestamp:    p.Timestamp,
		Formatted: priceFormatted{
			PriceUSD: "$" + dex.FormatHuman(p.PriceUSD),
			PriceBNB: dex.FormatHuman(p.PriceBNB) + " BNB",
		},
	}
	h.toRoom(RoomName(tokenAddress), msg)
}

// BroadcastSwap sends a swap-event to the token's room only.
func (h *Hub) BroadcastSwap(tokenAddress string, event model.SwapEventMessage) {
	h.toRoom(RoomName(tokenAddress), swapEventMessage{Type: "swap-event", SwapEventMessage: event})
}

// BroadcastSwapUpdate follows a swap-event with the resolved sender.
func (h *Hub) BroadcastSwapUpdate(tokenAddress, txHash, sender string) {
	h.toRoom(RoomName(tokenAddress), swapUpdateMessage{Type: "swap-update", TxHash: txHash, Sender: sender})
}

func (h *Hub) toRoom(room string, msg interface{}) {
	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for _, s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if !s.enqueue(msg) {
			h.metrics.Inc(metrics.CounterBroadcastDrops)
		}
	}
}

// Run drives the heartbeat and reaper tickers until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(h.heartbeatInterval)
	reaper := time.NewTicker(h.reapInterval)
	defer heartbeat.Stop()
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-heartbeat.C:
			h.sendHeartbeat()
		case <-reaper.C:
			h.reapStale()
		}
	}
}

func (h *Hub) sendHeartbeat() {
	stats := h.metrics.Snapshot()
	msg := heartbeatMessage{
		Type:            "heartbeat",
		Timestamp:       h.now().UTC().Format(time.RFC3339),
		MonitoredTokens: h.controller.MonitoredCount(),
		Uptime:          stats.UptimeSeconds,
		Metrics: heartbeatMetrics{
			PriceUpdates:   stats.Counters[metrics.CounterPriceUpdates],
			CacheHits:      stats.Counters[metrics.CounterCacheHits],
			EventsReceived: stats.Counters[metrics.CounterEventsReceived],
		},
	}

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.enqueue(msg) {
			h.metrics.Inc(metrics.CounterBroadcastDrops)
		}
	}
}

// reapStale force-disconnects sessions that have not pinged within the
// staleness bound.
func (h *Hub) reapStale() {
	now := h.now()

	h.mu.RLock()
	stale := make([]*session, 0)
	for _, s := range h.sessions {
		if s.pingAge(now) > h.staleAfter {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.logger.Info("reaping stale session", zap.String("session", s.id))
		h.disconnect(s)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		h.disconnect(s)
	}
}

// SessionCount returns the live session count (test hook).
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize returns a room's membership (test hook).
func (h *Hub) RoomSize(tokenAddress string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[RoomName(tokenAddress)])
}
