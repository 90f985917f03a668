// Package execution routes trade requests through admission, sizing and
// transport, correlates the terminal's result and hands filled positions
// to the lifecycle manager.
package execution

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/admission"
	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/internal/telemetry"
	"execution-core/internal/transport"
)

// Journal is the persistence surface the router writes through. Satisfied
// by db.Journal; nil-able for tests that do not care about durability.
// Position rows are owned by the lifecycle manager, which journals every
// mutation itself.
type Journal interface {
	RecordRequest(req domain.TradeRequest) error
	RecordResult(res domain.TradeResult) error
}

// Config tunes the router.
type Config struct {
	// ResultTimeout bounds the wait for a correlated trade result.
	ResultTimeout time.Duration
	// SingleTradePerUser refuses a submission while the user has an open
	// managed position.
	SingleTradePerUser bool
	// EmergencyStop starts the router with admissions refused.
	EmergencyStop bool
}

// Router is the synchronous submission path.
type Router struct {
	channel    transport.Channel
	correlator *transport.Correlator
	validator  *admission.Validator
	calculator *risk.Calculator
	positions  *position.Manager
	accounts   *telemetry.State
	journal    Journal
	metrics    *monitor.SystemMetrics
	bus        *events.Bus

	cfg           Config
	emergencyStop atomic.Bool
}

// NewRouter wires the submission path together. journal may be nil.
func NewRouter(
	channel transport.Channel,
	correlator *transport.Correlator,
	validator *admission.Validator,
	calculator *risk.Calculator,
	positions *position.Manager,
	accounts *telemetry.State,
	journal Journal,
	metrics *monitor.SystemMetrics,
	bus *events.Bus,
	cfg Config,
) *Router {
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	r := &Router{
		channel:    channel,
		correlator: correlator,
		validator:  validator,
		calculator: calculator,
		positions:  positions,
		accounts:   accounts,
		journal:    journal,
		metrics:    metrics,
		bus:        bus,
		cfg:        cfg,
	}
	r.emergencyStop.Store(cfg.EmergencyStop)
	return r
}

// Start consumes the channel's result stream and resolves waiters.
// Results with no registered waiter are logged and dropped.
func (r *Router) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-r.channel.Results():
				if !ok {
					return
				}
				if !r.correlator.Deliver(res) {
					log.Printf("⚠️ Result for unknown request %s dropped", res.ID)
				}
			}
		}
	}()
}

// Submit runs the full admission, sizing and transport pipeline for one
// request and blocks until the correlated result or the timeout.
func (r *Router) Submit(ctx context.Context, req domain.TradeRequest, profile domain.UserProfile) domain.TradeResult {
	r.metrics.IncrementSubmitted()
	timer := monitor.NewTimer(r.metrics.SubmitLatency)
	defer timer.Stop()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	if r.emergencyStop.Load() {
		return r.finish(domain.RejectedResult(req.ID, domain.CodeEmergencyStop,
			"emergency stop active, all admissions refused"))
	}

	if r.cfg.SingleTradePerUser && r.positions.CountForUser(req.UserID) > 0 {
		return r.finish(domain.RejectedResult(req.ID, domain.CodeDuplicate,
			"user already has an open position"))
	}

	acct, haveAcct := r.accounts.Snapshot()
	if !haveAcct || !r.accounts.Fresh() {
		return r.finish(domain.RejectedResult(req.ID, domain.CodeStaleAccount,
			"account telemetry is stale or missing"))
	}
	if !acct.Verified {
		return r.finish(domain.RejectedResult(req.ID, domain.CodeStaleAccount,
			"terminal reports account unverified"))
	}

	if ok, reason := r.validator.Check(req, acct, profile); !ok {
		r.metrics.IncrementValidateFailed()
		return r.finish(domain.RejectedResult(req.ID, domain.CodeValidation, reason))
	}

	lot, sizeErr := r.sizedLot(req, acct, profile)
	if sizeErr != nil {
		r.metrics.IncrementValidateFailed()
		return r.finish(domain.RejectedResult(req.ID, domain.CodeValidation, sizeErr.Error()))
	}

	if r.journal != nil {
		if err := r.journal.RecordRequest(req); err != nil {
			log.Printf("⚠️ Journal request %s failed: %v", req.ID, err)
		}
	}

	resultCh, cancel := r.correlator.Register(req.ID)

	instruction := transport.Instruction{
		ID:         req.ID,
		Kind:       transport.KindOpen,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Lot:        lot,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Comment:    req.Comment,
		Timestamp:  time.Now(),
	}

	sendTimer := monitor.NewTimer(r.metrics.TransportLatency)
	if err := r.channel.Send(ctx, instruction); err != nil {
		sendTimer.Stop()
		cancel()
		r.metrics.IncrementTransportFailed()
		return r.finish(domain.TradeResult{
			ID:        req.ID,
			Status:    domain.StatusError,
			Code:      domain.CodeTransport,
			Message:   "transport send failed: " + err.Error(),
			Timestamp: time.Now(),
		})
	}
	sendTimer.Stop()

	if r.bus != nil {
		r.bus.Publish(events.EventTradeSubmitted, req)
	}

	var res domain.TradeResult
	select {
	case res = <-resultCh:
	case <-time.After(r.cfg.ResultTimeout):
		cancel()
		res = domain.TimeoutResult(req.ID, r.cfg.ResultTimeout)
	case <-ctx.Done():
		cancel()
		res = domain.TradeResult{
			ID:        req.ID,
			Status:    domain.StatusError,
			Code:      domain.CodeShutdown,
			Message:   "caller cancelled while waiting for result",
			Timestamp: time.Now(),
		}
	}

	switch {
	case res.Succeeded():
		r.metrics.IncrementSucceeded()
		r.adoptPosition(req, profile, lot, res)
	case res.Status == domain.StatusTimeout:
		r.metrics.IncrementTimeouts()
	}

	return r.finish(res)
}

// sizedLot overrides the requested lot with the calculated size when a
// stop price and a market price are available. Without them the
// admission-checked requested lot stands.
func (r *Router) sizedLot(req domain.TradeRequest, acct domain.AccountSnapshot, profile domain.UserProfile) (float64, error) {
	if req.StopLoss <= 0 {
		return req.Lot, nil
	}
	entry, known := r.positions.LastPrice(req.Symbol)
	if !known {
		return req.Lot, nil
	}

	sized, err := r.calculator.Size(acct, profile, req.Symbol, entry, req.StopLoss)
	if err != nil {
		return 0, err
	}
	return sized.Lot, nil
}

// adoptPosition registers a filled trade with the lifecycle manager, with
// the management plans fixed from the user's unlocked feature set.
func (r *Router) adoptPosition(req domain.TradeRequest, profile domain.UserProfile, lot float64, res domain.TradeResult) {
	entry := res.FillPrice
	if entry == 0 {
		entry, _ = r.positions.LastPrice(req.Symbol)
	}

	trade := &position.ActiveTrade{
		ID:         req.ID,
		UserID:     req.UserID,
		Ticket:     res.Ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		EntryPrice: entry,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Lot:        lot,
		Plans:      position.DerivePlans(profile.UnlockedPlans),
		OpenedAt:   time.Now(),
	}
	r.positions.Register(trade)
	r.metrics.SetManagedPositions(r.positions.Count())
}

func (r *Router) finish(res domain.TradeResult) domain.TradeResult {
	if r.journal != nil {
		if err := r.journal.RecordResult(res); err != nil {
			log.Printf("⚠️ Journal result %s failed: %v", res.ID, err)
		}
	}
	if r.bus != nil {
		topic := events.EventTradeResult
		if res.Status == domain.StatusRejected {
			topic = events.EventTradeRejected
		}
		r.bus.Publish(topic, res)
	}
	return res
}

// GetTradeStatus returns a point-in-time copy of a managed trade.
func (r *Router) GetTradeStatus(id string) (position.Snapshot, bool) {
	return r.positions.Get(id)
}

// Positions returns copies of every managed trade.
func (r *Router) Positions() []position.Snapshot {
	return r.positions.All()
}

// ClosePosition sends a full close for a managed trade and releases it.
// Closing an unknown or already-closed trade reports found=false and has
// no side effects.
func (r *Router) ClosePosition(ctx context.Context, id string) (bool, error) {
	snap, ok := r.positions.Get(id)
	if !ok {
		return false, nil
	}

	instruction := transport.Instruction{
		ID:        uuid.NewString(),
		Kind:      transport.KindClose,
		Symbol:    snap.Symbol,
		Direction: snap.Direction,
		Ticket:    snap.Ticket,
		Lot:       snap.Lot,
		Timestamp: time.Now(),
	}
	if err := r.channel.Send(ctx, instruction); err != nil {
		r.metrics.IncrementTransportFailed()
		return true, err
	}

	r.positions.Remove(id)
	r.metrics.SetManagedPositions(r.positions.Count())
	return true, nil
}

// SetEmergencyStop flips the admission kill switch.
func (r *Router) SetEmergencyStop(active bool) {
	r.emergencyStop.Store(active)
	if active {
		log.Printf("🛑 Emergency stop ACTIVATED: all admissions refused")
	} else {
		log.Printf("✅ Emergency stop cleared")
	}
}

// EmergencyStopped reports whether the kill switch is active.
func (r *Router) EmergencyStopped() bool {
	return r.emergencyStop.Load()
}

// SystemStatus is the operator-facing health summary.
type SystemStatus struct {
	ExecutionMode    string          `json:"execution_mode"`
	EmergencyStop    bool            `json:"emergency_stop"`
	TransportHealthy bool            `json:"transport_healthy"`
	PendingResults   int             `json:"pending_results"`
	ManagedPositions int             `json:"managed_positions"`
	ValidationStats  admission.Stats `json:"validation_stats"`
	AccountFresh     bool            `json:"account_fresh"`
	Timestamp        time.Time       `json:"timestamp"`
}

// GetSystemStatus reports the current execution health.
func (r *Router) GetSystemStatus() SystemStatus {
	return SystemStatus{
		ExecutionMode:    r.channel.Name(),
		EmergencyStop:    r.emergencyStop.Load(),
		TransportHealthy: r.channel.Healthy(),
		PendingResults:   r.correlator.Pending(),
		ManagedPositions: r.positions.Count(),
		ValidationStats:  r.validator.Stats(),
		AccountFresh:     r.accounts.Fresh(),
		Timestamp:        time.Now(),
	}
}
