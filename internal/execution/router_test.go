package execution

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"execution-core/internal/admission"
	"execution-core/internal/domain"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/internal/telemetry"
	"execution-core/internal/transport"
	"execution-core/pkg/instruments"
)

// echoChannel answers every open instruction with a success result.
type echoChannel struct {
	mu      sync.Mutex
	sent    []transport.Instruction
	silent  bool // swallow sends without answering
	failing bool // fail the send itself

	results   chan domain.TradeResult
	telemetry chan transport.Telemetry
	ticks     chan transport.PriceTick
}

func newEchoChannel() *echoChannel {
	return &echoChannel{
		results:   make(chan domain.TradeResult, 16),
		telemetry: make(chan transport.Telemetry, 16),
		ticks:     make(chan transport.PriceTick, 16),
	}
}

func (e *echoChannel) Name() string { return "echo" }

func (e *echoChannel) Send(_ context.Context, in transport.Instruction) error {
	if e.failing {
		return errors.New("link down")
	}
	e.mu.Lock()
	e.sent = append(e.sent, in)
	e.mu.Unlock()

	if !e.silent && in.Kind == transport.KindOpen {
		e.results <- domain.TradeResult{
			ID:        in.ID,
			Status:    domain.StatusSuccess,
			Ticket:    10001,
			FillPrice: 1.0800,
			Message:   "filled",
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (e *echoChannel) Results() <-chan domain.TradeResult    { return e.results }
func (e *echoChannel) Telemetry() <-chan transport.Telemetry { return e.telemetry }
func (e *echoChannel) Ticks() <-chan transport.PriceTick     { return e.ticks }
func (e *echoChannel) Healthy() bool                         { return !e.failing }
func (e *echoChannel) Close() error                          { return nil }

func (e *echoChannel) lastSent() (transport.Instruction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sent) == 0 {
		return transport.Instruction{}, false
	}
	return e.sent[len(e.sent)-1], true
}

type fixture struct {
	router     *Router
	channel    *echoChannel
	correlator *transport.Correlator
	positions  *position.Manager
	accounts   *telemetry.State
	cancel     context.CancelFunc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	channel := newEchoChannel()
	correlator := transport.NewCorrelator(cfg.ResultTimeout)
	catalog := instruments.Defaults()
	positions := position.NewManager(channel, catalog, nil, nil, time.Second)
	accounts := telemetry.NewState(2*time.Minute, nil)
	validator := admission.New(catalog, admission.Config{WeekendTradingAllowed: true})
	calculator := risk.NewCalculator(catalog)
	metrics := monitor.NewSystemMetrics()

	router := NewRouter(channel, correlator, validator, calculator,
		positions, accounts, nil, metrics, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)
	t.Cleanup(func() {
		cancel()
		correlator.Close()
	})

	// Fresh, verified account telemetry.
	accounts.Apply(transport.Telemetry{
		Balance:   10000,
		Equity:    10000,
		Currency:  "USD",
		Leverage:  500,
		Connected: true,
		At:        time.Now(),
	})

	return &fixture{
		router:     router,
		channel:    channel,
		correlator: correlator,
		positions:  positions,
		accounts:   accounts,
		cancel:     cancel,
	}
}

func submitRequest() domain.TradeRequest {
	return domain.TradeRequest{
		ID:         "req-1",
		UserID:     "u1",
		Symbol:     "EURUSD",
		Direction:  domain.Long,
		Lot:        0.10,
		StopLoss:   1.0780,
		TakeProfit: 1.0860,
		Confidence: 0.90,
	}
}

func submitProfile() domain.UserProfile {
	return domain.UserProfile{
		UserID:        "u1",
		Tier:          domain.TierStarter,
		RiskMode:      domain.ModeFixedPercent,
		RiskPct:       0.01,
		UnlockedPlans: []domain.PlanKind{domain.PlanBreakeven},
	}
}

func TestSubmitSizesAndRegistersPosition(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: 5 * time.Second})
	f.positions.UpdatePrice("EURUSD", 1.0800)

	res := f.router.Submit(context.Background(), submitRequest(), submitProfile())
	if !res.Succeeded() {
		t.Fatalf("submit failed: %+v", res)
	}
	if res.Ticket != 10001 {
		t.Fatalf("ticket = %d, want 10001", res.Ticket)
	}

	// $10k at 1% over 20 pips sizes to 0.50 lots, overriding the request.
	sent, ok := f.channel.lastSent()
	if !ok || sent.Kind != transport.KindOpen {
		t.Fatalf("expected open instruction, got %+v", sent)
	}
	if math.Abs(sent.Lot-0.50) > 1e-9 {
		t.Fatalf("sent lot = %v, want 0.50", sent.Lot)
	}

	snap, found := f.router.GetTradeStatus("req-1")
	if !found {
		t.Fatal("filled trade must be registered")
	}
	if snap.Ticket != 10001 || snap.EntryPrice != 1.0800 {
		t.Fatalf("registered trade wrong: %+v", snap)
	}
	if len(snap.Plans) != 1 || snap.Plans[0].Kind != domain.PlanBreakeven {
		t.Fatalf("plans not derived from unlocked set: %+v", snap.Plans)
	}
}

func TestSubmitTimeoutEvictsPending(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: 200 * time.Millisecond})
	f.channel.silent = true
	f.positions.UpdatePrice("EURUSD", 1.0800)

	start := time.Now()
	res := f.router.Submit(context.Background(), submitRequest(), submitProfile())
	if res.Status != domain.StatusTimeout || res.Code != domain.CodeTimeout {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout wait was not bounded")
	}
	if f.correlator.Pending() != 0 {
		t.Fatalf("pending = %d after timeout, want 0", f.correlator.Pending())
	}
	if _, found := f.router.GetTradeStatus("req-1"); found {
		t.Fatal("timed-out request must not register a position")
	}
}

func TestSubmitTimeoutBoundIndependentOfSweep(t *testing.T) {
	// The correlator sweeps on a much longer horizon; the router's own
	// result deadline must still bound the wait.
	channel := newEchoChannel()
	channel.silent = true
	correlator := transport.NewCorrelator(time.Minute)
	catalog := instruments.Defaults()
	positions := position.NewManager(channel, catalog, nil, nil, time.Second)
	accounts := telemetry.NewState(2*time.Minute, nil)
	validator := admission.New(catalog, admission.Config{WeekendTradingAllowed: true})
	calculator := risk.NewCalculator(catalog)
	metrics := monitor.NewSystemMetrics()

	router := NewRouter(channel, correlator, validator, calculator,
		positions, accounts, nil, metrics, nil, Config{ResultTimeout: 150 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)
	t.Cleanup(func() {
		cancel()
		correlator.Close()
	})

	accounts.Apply(transport.Telemetry{
		Balance:   10000,
		Equity:    10000,
		Currency:  "USD",
		Leverage:  500,
		Connected: true,
		At:        time.Now(),
	})
	positions.UpdatePrice("EURUSD", 1.0800)

	start := time.Now()
	res := router.Submit(context.Background(), submitRequest(), submitProfile())
	if res.Status != domain.StatusTimeout || res.Code != domain.CodeTimeout {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("router deadline did not bound the wait")
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d after router timeout, want 0", correlator.Pending())
	}
}

func TestEmergencyStopRefusesAdmissions(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: time.Second})
	f.router.SetEmergencyStop(true)

	res := f.router.Submit(context.Background(), submitRequest(), submitProfile())
	if res.Status != domain.StatusRejected || res.Code != domain.CodeEmergencyStop {
		t.Fatalf("expected emergency stop rejection, got %+v", res)
	}
	if _, ok := f.channel.lastSent(); ok {
		t.Fatal("nothing may reach the transport under emergency stop")
	}

	f.router.SetEmergencyStop(false)
	f.positions.UpdatePrice("EURUSD", 1.0800)
	if res := f.router.Submit(context.Background(), submitRequest(), submitProfile()); !res.Succeeded() {
		t.Fatalf("submit after clearing stop failed: %+v", res)
	}
}

func TestStaleAccountRefused(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: time.Second})
	f.accounts.Apply(transport.Telemetry{
		Balance:   10000,
		Currency:  "USD",
		Leverage:  500,
		Connected: true,
		At:        time.Now().Add(-10 * time.Minute),
	})

	res := f.router.Submit(context.Background(), submitRequest(), submitProfile())
	if res.Code != domain.CodeStaleAccount {
		t.Fatalf("expected stale account rejection, got %+v", res)
	}
}

func TestSingleTradePerUser(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: 5 * time.Second, SingleTradePerUser: true})
	f.positions.UpdatePrice("EURUSD", 1.0800)

	if res := f.router.Submit(context.Background(), submitRequest(), submitProfile()); !res.Succeeded() {
		t.Fatalf("first submit failed: %+v", res)
	}

	second := submitRequest()
	second.ID = "req-2"
	res := f.router.Submit(context.Background(), second, submitProfile())
	if res.Status != domain.StatusRejected || res.Code != domain.CodeDuplicate {
		t.Fatalf("expected duplicate rejection, got %+v", res)
	}
}

func TestValidationFailureSurfacesReason(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: time.Second})

	bad := submitRequest()
	bad.Symbol = "DOGEUSD"
	res := f.router.Submit(context.Background(), bad, submitProfile())
	if res.Status != domain.StatusRejected || res.Code != domain.CodeValidation {
		t.Fatalf("expected validation rejection, got %+v", res)
	}
	if res.Message == "" {
		t.Fatal("rejection must carry a human-readable reason")
	}
}

func TestTransportFailureSurfaced(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: time.Second})
	f.channel.failing = true
	f.positions.UpdatePrice("EURUSD", 1.0800)

	res := f.router.Submit(context.Background(), submitRequest(), submitProfile())
	if res.Status != domain.StatusError || res.Code != domain.CodeTransport {
		t.Fatalf("expected transport error, got %+v", res)
	}
	if f.correlator.Pending() != 0 {
		t.Fatal("failed send must not leave a pending waiter")
	}
}

func TestClosePositionIdempotent(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: 5 * time.Second})
	f.positions.UpdatePrice("EURUSD", 1.0800)

	if res := f.router.Submit(context.Background(), submitRequest(), submitProfile()); !res.Succeeded() {
		t.Fatalf("submit failed: %+v", res)
	}

	found, err := f.router.ClosePosition(context.Background(), "req-1")
	if err != nil || !found {
		t.Fatalf("close: found=%v err=%v", found, err)
	}
	sent, _ := f.channel.lastSent()
	if sent.Kind != transport.KindClose || sent.Ticket != 10001 {
		t.Fatalf("close instruction wrong: %+v", sent)
	}

	// Second close is a no-op, not an error.
	found, err = f.router.ClosePosition(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("second close errored: %v", err)
	}
	if found {
		t.Fatal("second close must report not found")
	}
}

func TestSystemStatusReflectsState(t *testing.T) {
	f := newFixture(t, Config{ResultTimeout: time.Second})

	status := f.router.GetSystemStatus()
	if status.ExecutionMode != "echo" {
		t.Fatalf("execution mode = %q", status.ExecutionMode)
	}
	if !status.TransportHealthy || status.EmergencyStop {
		t.Fatalf("status wrong: %+v", status)
	}
	if !status.AccountFresh {
		t.Fatal("account must be fresh after telemetry")
	}
}
