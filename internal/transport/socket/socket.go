// Package socket implements the persistent three-channel socket transport:
// one outbound fire-and-forget command socket, one inbound account-telemetry
// socket, and one inbound trade-result socket. Inbound messages are
// classified purely by their "type" field; unknown types are logged and
// ignored so a misbehaving terminal can never crash the receiver.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"execution-core/internal/domain"
	"execution-core/internal/transport"
)

// Config holds the socket channel settings.
type Config struct {
	CommandURL     string
	TelemetryURL   string
	ResultURL      string
	ReconnectDelay time.Duration
	MaxMessageSize int64
}

// Channel is the socket implementation of transport.Channel.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	out       chan []byte
	results   chan domain.TradeResult
	telemetry chan transport.Telemetry
	ticks     chan transport.PriceTick

	// sharedInbound means results arrive over the telemetry connection,
	// so only one reader loop runs.
	sharedInbound bool

	mu           sync.Mutex
	cmdConnected bool
	telConnected bool
	resConnected bool
	lastInbound  time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates the channel. Call Start to open the three connections.
func New(cfg Config) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &Channel{
		cfg:           cfg,
		dialer:        websocket.DefaultDialer,
		sharedInbound: cfg.ResultURL == "" || cfg.ResultURL == cfg.TelemetryURL,
		out:           make(chan []byte, 128),
		results:       make(chan domain.TradeResult, 64),
		telemetry:     make(chan transport.Telemetry, 64),
		ticks:         make(chan transport.PriceTick, 256),
		done:          make(chan struct{}),
	}
}

// Start launches the writer and the two receiver loops. Each loop redials
// with a fixed delay after any connection failure.
func (c *Channel) Start(ctx context.Context) {
	go c.writerLoop(ctx)
	go c.readerLoop(ctx, c.cfg.TelemetryURL, "telemetry")
	if !c.sharedInbound {
		go c.readerLoop(ctx, c.cfg.ResultURL, "results")
	}
}

func (c *Channel) Name() string { return "socket" }

// commandMsg is the outbound wire schema.
type commandMsg struct {
	Type      string  `json:"type"`
	SignalID  string  `json:"signalId"`
	Symbol    string  `json:"symbol,omitempty"`
	Action    string  `json:"action,omitempty"`
	Lot       float64 `json:"lot,omitempty"`
	SL        float64 `json:"sl,omitempty"`
	TP        float64 `json:"tp,omitempty"`
	Ticket    int64   `json:"ticket,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
	Comment   string  `json:"comment,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Send enqueues one command for the writer. Fire-and-forget: the error only
// covers local serialization or a saturated outbound queue.
func (c *Channel) Send(ctx context.Context, in transport.Instruction) error {
	msg := commandMsg{
		Type:      string(in.Kind),
		SignalID:  in.ID,
		Symbol:    in.Symbol,
		Action:    string(in.Direction),
		Lot:       in.Lot,
		SL:        in.StopLoss,
		TP:        in.TakeProfit,
		Ticket:    in.Ticket,
		Percent:   in.ClosePercent,
		Comment:   in.Comment,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("outbound queue full, command %s dropped", in.ID)
	}
}

func (c *Channel) Results() <-chan domain.TradeResult    { return c.results }
func (c *Channel) Telemetry() <-chan transport.Telemetry { return c.telemetry }
func (c *Channel) Ticks() <-chan transport.PriceTick     { return c.ticks }

// Healthy reports whether every launched connection is live. A dead
// result socket counts as unhealthy even while telemetry still flows.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cmdConnected || !c.telConnected {
		return false
	}
	return c.sharedInbound || c.resConnected
}

// Close stops all loops.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Channel) writerLoop(ctx context.Context) {
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.CommandURL, nil)
		if err != nil {
			if !c.sleepOrDone(ctx) {
				return
			}
			continue
		}
		c.setCmdConnected(true)
		log.Printf("socket: command channel connected to %s", c.cfg.CommandURL)

		c.drainOutbound(ctx, conn)
		conn.Close()
		c.setCmdConnected(false)

		if !c.sleepOrDone(ctx) {
			return
		}
	}
}

func (c *Channel) drainOutbound(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.out:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("socket: command write error: %v", err)
				return
			}
		}
	}
}

func (c *Channel) readerLoop(ctx context.Context, url, label string) {
	for {
		conn, _, err := c.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if !c.sleepOrDone(ctx) {
				return
			}
			continue
		}
		conn.SetReadLimit(c.cfg.MaxMessageSize)
		c.setReaderConnected(label, true)
		log.Printf("socket: %s channel connected to %s", label, url)

		c.readMessages(ctx, conn)
		conn.Close()
		c.setReaderConnected(label, false)

		if !c.sleepOrDone(ctx) {
			return
		}
	}
}

func (c *Channel) readMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("socket: read error: %v", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// handleMessage classifies one inbound message by its type discriminator and
// dispatches it. Malformed or unknown messages are logged and dropped.
func (c *Channel) handleMessage(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		log.Printf("socket: malformed inbound message ignored: %v", err)
		return
	}

	c.mu.Lock()
	c.lastInbound = time.Now()
	c.mu.Unlock()

	switch head.Type {
	case "telemetry", "heartbeat":
		c.handleTelemetry(raw)
	case "trade_result":
		c.handleTradeResult(raw)
	case "tick":
		c.handleTick(raw)
	case "status":
		// Connection state is already tracked by the dial loops.
	case "error":
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		log.Printf("socket: terminal error: %s", msg.Message)
	default:
		log.Printf("socket: unknown message type %q ignored", head.Type)
	}
}

func (c *Channel) handleTelemetry(raw []byte) {
	var msg struct {
		UUID        string  `json:"uuid"`
		Balance     float64 `json:"balance"`
		Equity      float64 `json:"equity"`
		Margin      float64 `json:"margin"`
		FreeMargin  float64 `json:"freeMargin"`
		Profit      float64 `json:"profit"`
		Positions   int     `json:"positions"`
		MarginLevel float64 `json:"marginLevel"`
		Currency    string  `json:"currency"`
		Leverage    int     `json:"leverage"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("socket: malformed telemetry ignored: %v", err)
		return
	}
	tel := transport.Telemetry{
		UUID:        msg.UUID,
		Balance:     msg.Balance,
		Equity:      msg.Equity,
		Margin:      msg.Margin,
		FreeMargin:  msg.FreeMargin,
		Profit:      msg.Profit,
		Positions:   msg.Positions,
		MarginLevel: msg.MarginLevel,
		Currency:    msg.Currency,
		Leverage:    msg.Leverage,
		Connected:   true,
		At:          time.Now(),
	}
	select {
	case c.telemetry <- tel:
	default:
	}
}

func (c *Channel) handleTradeResult(raw []byte) {
	var msg struct {
		SignalID string  `json:"signalId"`
		Status   string  `json:"status"`
		Ticket   int64   `json:"ticket"`
		Price    float64 `json:"price"`
		Message  string  `json:"message"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("socket: malformed trade result ignored: %v", err)
		return
	}

	res := domain.TradeResult{
		ID:        msg.SignalID,
		Ticket:    msg.Ticket,
		FillPrice: msg.Price,
		Message:   msg.Message,
		Timestamp: time.Now(),
	}
	switch msg.Status {
	case "success", "filled":
		res.Status = domain.StatusSuccess
	case "rejected":
		res.Status = domain.StatusRejected
		res.Code = domain.CodeExecution
	default:
		res.Status = domain.StatusError
		res.Code = domain.CodeExecution
	}

	select {
	case c.results <- res:
	default:
		log.Printf("socket: result channel full, dropping result for %s", res.ID)
	}
}

func (c *Channel) handleTick(raw []byte) {
	var msg struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	select {
	case c.ticks <- transport.PriceTick{Symbol: msg.Symbol, Bid: msg.Bid, Ask: msg.Ask, At: time.Now()}:
	default:
	}
}

func (c *Channel) setCmdConnected(v bool) {
	c.mu.Lock()
	c.cmdConnected = v
	c.mu.Unlock()
}

func (c *Channel) setReaderConnected(label string, v bool) {
	c.mu.Lock()
	if label == "results" {
		c.resConnected = v
	} else {
		c.telConnected = v
	}
	c.mu.Unlock()
}

// sleepOrDone waits the reconnect delay; false means the channel is closing.
func (c *Channel) sleepOrDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-time.After(c.cfg.ReconnectDelay):
		return true
	}
}
