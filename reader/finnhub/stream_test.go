package finnhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/internal/channel"
	"tickflow/models"
)

var upgrader = websocket.Upgrader{}

// streamServer is a fake streaming endpoint. Each accepted connection is
// handed to the configured handler on its own goroutine.
type streamServer struct {
	server   *httptest.Server
	conns    int64
	mu       sync.Mutex
	lastSubs []string
}

func newStreamServer(t *testing.T, handler func(s *streamServer, conn *websocket.Conn)) *streamServer {
	t.Helper()
	s := &streamServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&s.conns, 1)
		defer conn.Close()
		handler(s, conn)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *streamServer) connCount() int64 {
	return atomic.LoadInt64(&s.conns)
}

// readSubscriptions consumes the three subscribe directives sent at
// connection open and records their order.
func (s *streamServer) readSubscriptions(conn *websocket.Conn) bool {
	subs := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		var msg models.SubscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return false
		}
		if msg.Type != "subscribe" {
			return false
		}
		subs = append(subs, msg.Symbol)
	}
	s.mu.Lock()
	s.lastSubs = append([]string(nil), subs...)
	s.mu.Unlock()
	return true
}

// holdOpen blocks until the peer goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) *appconfig.Config {
	return &appconfig.Config{
		Session: appconfig.SessionConfig{
			URL:              url,
			Token:            "test-token",
			Symbols:          []string{"OANDA:SPX500_USD", "SPY", "^VIX"},
			HandshakeTimeout: 2 * time.Second,
			WriteTimeout:     2 * time.Second,
			ReconnectMin:     10 * time.Millisecond,
			ReconnectMax:     100 * time.Millisecond,
		},
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSubscribesInOrder(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		if s.readSubscriptions(conn) {
			holdOpen(conn)
		}
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.lastSubs) == 3
	}, "subscriptions")

	srv.mu.Lock()
	subs := srv.lastSubs
	srv.mu.Unlock()

	want := []string{"OANDA:SPX500_USD", "SPY", "^VIX"}
	for i, symbol := range want {
		if subs[i] != symbol {
			t.Fatalf("subscription order %v, want %v", subs, want)
		}
	}
	if r.State() != StateReceiving {
		t.Errorf("unexpected state: %s", r.State())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		s.readSubscriptions(conn)
		holdOpen(conn)
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return srv.connCount() == 1 }, "first connection")

	if err := r.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := srv.connCount(); got != 1 {
		t.Fatalf("expected 1 connection after repeated start, got %d", got)
	}
}

func TestTradeMessageReachesRawChannel(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		if !s.readSubscriptions(conn) {
			return
		}
		frame := models.TradeMessage{
			Type: "trade",
			Data: []models.RawTick{
				{Symbol: "SPY", Price: 450.2, Volume: 100, Timestamp: 1700000000000, Conditions: []string{"@"}},
				{Symbol: "^VIX", Price: 14.5, Volume: 1, Timestamp: 1700000000001},
			},
		}
		conn.WriteJSON(frame)
		holdOpen(conn)
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	first := receiveTick(t, ch)
	if first.Symbol != "SPY" || first.Price != 450.2 || first.Volume != 100 {
		t.Errorf("unexpected first tick: %+v", first)
	}
	second := receiveTick(t, ch)
	if second.Symbol != "^VIX" {
		t.Errorf("unexpected second tick: %+v", second)
	}
}

func TestPingAndUnknownFramesAreIgnored(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		if !s.readSubscriptions(conn) {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"news","data":[]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		// the session must survive all of the above
		conn.WriteJSON(models.TradeMessage{
			Type: "trade",
			Data: []models.RawTick{{Symbol: "SPY", Price: 1, Timestamp: 1700000000000}},
		})
		holdOpen(conn)
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	tick := receiveTick(t, ch)
	if tick.Symbol != "SPY" {
		t.Errorf("unexpected tick: %+v", tick)
	}
	// only the trade frame produced ticks
	select {
	case extra := <-ch.Raw:
		t.Errorf("unexpected extra tick: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRestartTearsDownBeforeReconnect(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		s.readSubscriptions(conn)
		holdOpen(conn)
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return srv.connCount() == 1 }, "first connection")

	if err := r.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := r.Restart(); err != nil {
		t.Fatalf("second restart: %v", err)
	}

	waitFor(t, func() bool { return srv.connCount() == 3 }, "reconnects")
	if r.State() != StateReceiving {
		t.Errorf("unexpected state after restart: %s", r.State())
	}
}

func TestRestartBeforeStart(t *testing.T) {
	ch := channel.NewChannels(1, 1)
	r := NewReader(testConfig("ws://127.0.0.1:0"), ch)
	if err := r.Restart(); err == nil {
		t.Fatal("expected error restarting a reader that was never started")
	}
}

func TestServerCloseMarksSessionClosed(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		s.readSubscriptions(conn)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		holdOpen(conn)
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return r.State() == StateClosed }, "closed state")
}

func TestServerErrorCloseCodeMarksSessionClosed(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		s.readSubscriptions(conn)
		// any close frame ends the session as a close event, whatever the code
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream error"))
		holdOpen(conn)
	})

	ch := channel.NewChannels(8, 8)
	r := NewReader(testConfig(srv.wsURL()), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return r.State() == StateClosed }, "closed state")
}

func TestSupervisorReconnects(t *testing.T) {
	srv := newStreamServer(t, func(s *streamServer, conn *websocket.Conn) {
		s.readSubscriptions(conn)
		if atomic.LoadInt64(&s.conns) == 1 {
			// kill the first session, keep later ones alive
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		holdOpen(conn)
	})

	cfg := testConfig(srv.wsURL())
	cfg.Session.Supervise = true

	ch := channel.NewChannels(8, 8)
	r := NewReader(cfg, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	go r.Supervise(ctx)

	waitFor(t, func() bool { return srv.connCount() >= 2 }, "supervised reconnect")
}

func receiveTick(t *testing.T, ch *channel.Channels) models.RawTick {
	t.Helper()
	select {
	case tick := <-ch.Raw:
		return tick
	case <-time.After(3 * time.Second):
		t.Fatal("tick never arrived on the raw channel")
		return models.RawTick{}
	}
}

func TestSubscribePayloadShape(t *testing.T) {
	payload, err := json.Marshal(models.SubscribeMessage{Type: "subscribe", Symbol: "SPY"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"type":"subscribe","symbol":"SPY"}` {
		t.Errorf("unexpected payload: %s", payload)
	}
}
