package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"execution-core/internal/domain"
	"execution-core/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeTerminal accepts the three channel connections and lets tests drive
// inbound traffic and observe outbound commands.
type fakeTerminal struct {
	srv      *httptest.Server
	mu       sync.Mutex
	inbound  []*websocket.Conn
	commands chan []byte
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	ft := &fakeTerminal{commands: make(chan []byte, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/commands", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ft.commands <- msg
		}
	})
	inboundHandler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ft.mu.Lock()
		ft.inbound = append(ft.inbound, conn)
		ft.mu.Unlock()
		// Keep the connection open; test pushes messages.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	mux.HandleFunc("/telemetry", inboundHandler)
	mux.HandleFunc("/results", inboundHandler)

	ft.srv = httptest.NewServer(mux)
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTerminal) url(path string) string {
	return "ws" + strings.TrimPrefix(ft.srv.URL, "http") + path
}

func (ft *fakeTerminal) push(t *testing.T, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ft.mu.Lock()
		conns := append([]*websocket.Conn{}, ft.inbound...)
		ft.mu.Unlock()
		if len(conns) > 0 {
			for _, c := range conns {
				_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no inbound connection established")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startTestChannel(t *testing.T, ft *fakeTerminal) *Channel {
	t.Helper()
	ch := New(Config{
		CommandURL:     ft.url("/commands"),
		TelemetryURL:   ft.url("/telemetry"),
		ResultURL:      ft.url("/results"),
		ReconnectDelay: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { ch.Close() })
	ch.Start(ctx)
	return ch
}

func TestSendDeliversCommandMessage(t *testing.T) {
	ft := newFakeTerminal(t)
	ch := startTestChannel(t, ft)

	err := ch.Send(context.Background(), transport.Instruction{
		ID:        "sig-1",
		Kind:      transport.KindOpen,
		Symbol:    "GBPUSD",
		Direction: domain.Short,
		Lot:       0.25,
		StopLoss:  1.2710,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case raw := <-ft.commands:
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal command: %v", err)
		}
		if msg["type"] != "signal" || msg["signalId"] != "sig-1" || msg["action"] != "sell" {
			t.Fatalf("unexpected command: %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the terminal")
	}
}

func TestReceiverClassifiesTradeResult(t *testing.T) {
	ft := newFakeTerminal(t)
	ch := startTestChannel(t, ft)

	ft.push(t, `{"type":"trade_result","signalId":"sig-7","status":"success","ticket":555,"price":1.2345,"message":"ok"}`)

	select {
	case res := <-ch.Results():
		if res.ID != "sig-7" || res.Ticket != 555 || res.Status != domain.StatusSuccess {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result never classified")
	}
}

func TestReceiverClassifiesTelemetry(t *testing.T) {
	ft := newFakeTerminal(t)
	ch := startTestChannel(t, ft)

	ft.push(t, `{"type":"telemetry","uuid":"term-1","balance":10000,"equity":10100,"margin":50,"freeMargin":10050,"profit":100,"positions":3,"marginLevel":2020}`)

	select {
	case tel := <-ch.Telemetry():
		if tel.Balance != 10000 || tel.Positions != 3 || !tel.Connected {
			t.Fatalf("unexpected telemetry: %+v", tel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry never classified")
	}
}

func TestReceiverIgnoresUnknownTypes(t *testing.T) {
	ft := newFakeTerminal(t)
	ch := startTestChannel(t, ft)

	ft.push(t, `{"type":"totally_unknown","whatever":1}`)
	ft.push(t, `not json at all`)
	ft.push(t, `{"type":"trade_result","signalId":"after-noise","status":"rejected","message":"margin"}`)

	select {
	case res := <-ch.Results():
		if res.ID != "after-noise" || res.Status != domain.StatusRejected || res.Code != domain.CodeExecution {
			t.Fatalf("unexpected result after noise: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver stopped after unknown message types")
	}
}

func TestHealthyRequiresEveryConnection(t *testing.T) {
	ch := New(Config{
		CommandURL:   "ws://terminal/commands",
		TelemetryURL: "ws://terminal/telemetry",
		ResultURL:    "ws://terminal/results",
	})

	ch.setCmdConnected(true)
	ch.setReaderConnected("telemetry", true)
	if ch.Healthy() {
		t.Fatal("channel healthy while the result connection is down")
	}

	ch.setReaderConnected("results", true)
	if !ch.Healthy() {
		t.Fatal("channel unhealthy with all three connections up")
	}

	ch.setReaderConnected("telemetry", false)
	if ch.Healthy() {
		t.Fatal("channel healthy while the telemetry connection is down")
	}
}

func TestHealthyWithSharedInboundConnection(t *testing.T) {
	// Results riding the telemetry connection: only two connections exist.
	ch := New(Config{
		CommandURL:   "ws://terminal/commands",
		TelemetryURL: "ws://terminal/telemetry",
	})

	ch.setCmdConnected(true)
	ch.setReaderConnected("telemetry", true)
	if !ch.Healthy() {
		t.Fatal("shared-inbound channel unhealthy with both connections up")
	}
}
