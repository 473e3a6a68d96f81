package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pricestream/internal/metrics"
	"pricestream/internal/model"
)

type fakeController struct {
	subscribed []string
	emptied    []string
	price      *model.TokenPrice
}

func (f *fakeController) OnSubscribe(_ context.Context, tokenAddress string) *model.TokenPrice {
	f.subscribed = append(f.subscribed, tokenAddress)
	return f.price
}

func (f *fakeController) OnRoomEmpty(tokenAddress string) {
	f.emptied = append(f.emptied, tokenAddress)
}

func (f *fakeController) CachedPrices() []model.TokenPrice {
	if f.price == nil {
		return nil
	}
	return []model.TokenPrice{*f.price}
}

func (f *fakeController) MonitoredCount() int { return len(f.subscribed) }

func newTestHub(ctrl Controller) (*Hub, *httptest.Server) {
	hub := NewHub(ctrl, metrics.NewRegistry(), time.Minute, time.Minute, time.Minute, nil)
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	return hub, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestSubscribeFlow(t *testing.T) {
	ctrl := &fakeController{price: &model.TokenPrice{
		TokenAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		PriceUSD:     6,
	}}
	hub, server := newTestHub(ctrl)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	welcome := readMessage(t, conn)
	if welcome["type"] != "welcome" {
		t.Fatalf("first message = %v, want welcome", welcome["type"])
	}

	token := "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa"
	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "tokenAddress": token}); err != nil {
		t.Fatalf("write: %v", err)
	}

	subscribed := readMessage(t, conn)
	if subscribed["type"] != "subscribed" {
		t.Fatalf("reply = %v, want subscribed", subscribed["type"])
	}
	if subscribed["room"] != "token:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Fatalf("room = %v", subscribed["room"])
	}
	if subscribed["currentPrice"] == nil {
		t.Fatalf("expected cached price in reply")
	}

	if hub.RoomSize(token) != 1 {
		t.Fatalf("room size = %d, want 1", hub.RoomSize(token))
	}
}

func TestUnsubscribeEmptyRoomHook(t *testing.T) {
	ctrl := &fakeController{}
	hub, server := newTestHub(ctrl)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	readMessage(t, conn) // welcome

	token := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	conn.WriteJSON(map[string]string{"type": "subscribe", "tokenAddress": token})
	readMessage(t, conn) // subscribed

	conn.WriteJSON(map[string]string{"type": "unsubscribe", "tokenAddress": token})
	reply := readMessage(t, conn)
	if reply["type"] != "unsubscribed" {
		t.Fatalf("reply = %v", reply["type"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomSize(token) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(ctrl.emptied) != 1 || ctrl.emptied[0] != token {
		t.Fatalf("empty-room hook calls: %v", ctrl.emptied)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	ctrl := &fakeController{}
	_, server := newTestHub(ctrl)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	readMessage(t, conn) // welcome

	conn.WriteJSON(map[string]string{"type": "ping"})
	pong := readMessage(t, conn)
	if pong["type"] != "pong" {
		t.Fatalf("reply = %v, want pong", pong["type"])
	}
	if pong["time"] == "" {
		t.Fatalf("pong missing time")
	}
}

func TestReaperDisconnectsStaleOnly(t *testing.T) {
	ctrl := &fakeController{}
	hub, server := newTestHub(ctrl)
	defer server.Close()

	fresh := dial(t, server)
	defer fresh.Close()
	stale := dial(t, server)
	defer stale.Close()
	readMessage(t, fresh)
	readMessage(t, stale)

	token := "0xcccccccccccccccccccccccccccccccccccccccc"
	fresh.WriteJSON(map[string]string{"type": "subscribe", "tokenAddress": token})
	stale.WriteJSON(map[string]string{"type": "subscribe", "tokenAddress": token})
	readMessage(t, fresh)
	readMessage(t, stale)

	if hub.SessionCount() != 2 {
		t.Fatalf("sessions = %d, want 2", hub.SessionCount())
	}

	// Age one session past the staleness bound, then run the reaper.
	hub.mu.RLock()
	var aged *session
	for _, s := range hub.sessions {
		aged = s
		break
	}
	hub.mu.RUnlock()
	aged.stampPing(time.Now().Add(-2 * time.Minute))

	hub.reapStale()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.SessionCount() != 1 {
		t.Fatalf("sessions after reap = %d, want 1", hub.SessionCount())
	}
	// The surviving subscriber keeps the room alive, so no teardown fires.
	if hub.RoomSize(token) != 1 {
		t.Fatalf("room size after reap = %d, want 1", hub.RoomSize(token))
	}
	if len(ctrl.emptied) != 0 {
		t.Fatalf("empty-room hook must not fire while a subscriber remains")
	}
}

func TestUnknownMessageType(t *testing.T) {
	ctrl := &fakeController{}
	_, server := newTestHub(ctrl)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	readMessage(t, conn) // welcome

	conn.WriteJSON(map[string]string{"type": "bogus"})
	reply := readMessage(t, conn)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v, want error", reply["type"])
	}
}

func TestMalformedJSONKeepsSessionOpen(t *testing.T) {
	ctrl := &fakeController{}
	hub, server := newTestHub(ctrl)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	readMessage(t, conn) // welcome

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readMessage(t, conn)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v, want error", reply["type"])
	}

	// The session survives and keeps serving the protocol.
	conn.WriteJSON(map[string]string{"type": "ping"})
	pong := readMessage(t, conn)
	if pong["type"] != "pong" {
		t.Fatalf("session dead after malformed payload: %v", pong["type"])
	}
	if hub.SessionCount() != 1 {
		t.Fatalf("sessions = %d, want 1", hub.SessionCount())
	}
}

func TestRoomName(t *testing.T) {
	got := RoomName("0xABCdef")
	if got != "token:0xabcdef" {
		t.Fatalf("RoomName = %s", got)
	}
}
