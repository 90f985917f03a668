package position

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/transport"
	"execution-core/pkg/instruments"
)

// Journal persists managed-position state across restarts. Satisfied by
// db.Journal; nil disables persistence.
type Journal interface {
	UpsertPosition(snap Snapshot) error
	DeletePosition(id string) error
}

// Manager owns every registered ActiveTrade and evolves it on a fixed
// tick against the latest known price. Stop and partial-close mutations
// are sent through the transport fire-and-forget; local state is updated
// as soon as the command is issued, reconciled later by telemetry. Every
// mutation is written through to the journal so a restart resumes from
// the last applied state, not the state at open.
type Manager struct {
	channel transport.Channel
	catalog *instruments.Catalog
	bus     *events.Bus
	journal Journal

	tickInterval time.Duration

	mu     sync.Mutex
	trades map[string]*ActiveTrade
	prices map[string]float64
}

// NewManager creates a lifecycle manager over the transport channel.
// journal may be nil.
func NewManager(channel transport.Channel, catalog *instruments.Catalog, bus *events.Bus, journal Journal, tickInterval time.Duration) *Manager {
	if tickInterval <= 0 {
		tickInterval = 2 * time.Second
	}
	return &Manager{
		channel:      channel,
		catalog:      catalog,
		bus:          bus,
		journal:      journal,
		tickInterval: tickInterval,
		trades:       make(map[string]*ActiveTrade),
		prices:       make(map[string]float64),
	}
}

// Start runs the evaluation loop and the price feed until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evaluateAll(ctx)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-m.channel.Ticks():
				if !ok {
					return
				}
				m.UpdatePrice(tick.Symbol, midpoint(tick.Bid, tick.Ask))
				if m.bus != nil {
					m.bus.Publish(events.EventPriceTick, tick)
				}
			}
		}
	}()
}

func midpoint(bid, ask float64) float64 {
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	if bid > 0 {
		return bid
	}
	return ask
}

// Register adopts a new position. The manager owns the record from here on.
func (m *Manager) Register(trade *ActiveTrade) {
	if trade.OriginalLot == 0 {
		trade.OriginalLot = trade.Lot
	}
	if trade.PeakPrice == 0 {
		trade.PeakPrice = trade.EntryPrice
	}
	if len(trade.planDone) != len(trade.Plans) {
		trade.planDone = make([]bool, len(trade.Plans))
	}

	m.mu.Lock()
	m.trades[trade.ID] = trade
	m.mu.Unlock()

	log.Printf("📈 Position registered: %s %s %s %.2f lots, ticket %d",
		trade.ID, trade.Symbol, trade.Direction, trade.Lot, trade.Ticket)

	snap := trade.snapshot()
	m.persist(snap)
	if m.bus != nil {
		m.bus.Publish(events.EventPositionChange, snap)
	}
}

// UpdatePrice records the latest price for a symbol. Evaluation happens on
// the next tick, not here, so a fast feed never blocks on transport work.
func (m *Manager) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	m.prices[symbol] = price
	m.mu.Unlock()
}

// Get returns a point-in-time copy of a managed trade.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// All returns copies of every managed trade.
func (m *Manager) All() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t.snapshot())
	}
	return out
}

// Count returns the number of managed trades.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

// CountForUser returns how many managed trades belong to a user.
func (m *Manager) CountForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trades {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

// LastPrice returns the latest known price for a symbol.
func (m *Manager) LastPrice(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	return price, ok
}

// Remove drops a trade from management. Safe to call for ids that were
// never registered or already removed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	t, ok := m.trades[id]
	if ok {
		delete(m.trades, id)
	}
	m.mu.Unlock()

	if ok {
		log.Printf("📉 Position released: %s %s", id, t.Symbol)
		m.purge(id)
		if m.bus != nil {
			m.bus.Publish(events.EventPositionClosed, t.snapshot())
		}
	}
}

func (m *Manager) persist(snap Snapshot) {
	if m.journal == nil {
		return
	}
	if err := m.journal.UpsertPosition(snap); err != nil {
		log.Printf("⚠️ Journal position %s failed: %v", snap.ID, err)
	}
}

func (m *Manager) purge(id string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.DeletePosition(id); err != nil {
		log.Printf("⚠️ Journal delete %s failed: %v", id, err)
	}
}

// evaluateAll runs one evaluation pass over every managed trade. All
// mutations for one trade are decided in a single pass, so no two
// conflicting commands for the same trade are ever in flight at once.
func (m *Manager) evaluateAll(ctx context.Context) {
	m.mu.Lock()
	type job struct {
		trade *ActiveTrade
		price float64
		spec  instruments.Spec
	}
	jobs := make([]job, 0, len(m.trades))
	for _, t := range m.trades {
		price, havePrice := m.prices[t.Symbol]
		if !havePrice {
			continue
		}
		spec, haveSpec := m.catalog.Get(t.Symbol)
		if !haveSpec {
			continue
		}
		jobs = append(jobs, job{trade: t, price: price, spec: spec})
	}
	m.mu.Unlock()

	for _, j := range jobs {
		m.evaluate(ctx, j.trade, j.price, j.spec)
	}
}

// evaluate applies every plan for one trade in the fixed order breakeven,
// trailing, partial close, runner. At most one stop modification and one
// partial close leave this pass.
func (m *Manager) evaluate(ctx context.Context, t *ActiveTrade, price float64, spec instruments.Spec) {
	m.mu.Lock()

	if _, still := m.trades[t.ID]; !still {
		m.mu.Unlock()
		return
	}

	if t.Direction == domain.Long && price > t.PeakPrice {
		t.PeakPrice = price
	}
	if t.Direction == domain.Short && (t.PeakPrice == 0 || price < t.PeakPrice) {
		t.PeakPrice = price
	}

	favorable := t.favorablePips(price, spec.PipSize)

	stopChanged := false
	var closeIncrement float64

	for _, kind := range []domain.PlanKind{domain.PlanBreakeven, domain.PlanTrailing, domain.PlanPartialClose, domain.PlanRunner} {
		for i, plan := range t.Plans {
			if plan.Kind != kind {
				continue
			}
			switch kind {
			case domain.PlanBreakeven:
				if m.applyBreakeven(t, i, plan, favorable, spec) {
					stopChanged = true
				}
			case domain.PlanTrailing:
				if m.applyTrailing(t, plan, favorable, price, spec) {
					stopChanged = true
				}
			case domain.PlanPartialClose:
				closeIncrement += m.applyPartial(t, plan, favorable)
			case domain.PlanRunner:
				moved, inc := m.applyRunner(t, i, plan, favorable, spec)
				if moved {
					stopChanged = true
				}
				closeIncrement += inc
			}
		}
	}

	fullyClosed := t.ClosedPercent >= 100

	var modify, partial *transport.Instruction
	if stopChanged && !fullyClosed {
		modify = &transport.Instruction{
			ID:         uuid.NewString(),
			Kind:       transport.KindModify,
			Symbol:     t.Symbol,
			Direction:  t.Direction,
			Ticket:     t.Ticket,
			StopLoss:   t.StopLoss,
			TakeProfit: t.TakeProfit,
			Timestamp:  time.Now(),
		}
	}
	if closeIncrement > 0 {
		kind := transport.KindPartialClose
		if fullyClosed {
			kind = transport.KindClose
		}
		partial = &transport.Instruction{
			ID:           uuid.NewString(),
			Kind:         kind,
			Symbol:       t.Symbol,
			Direction:    t.Direction,
			Ticket:       t.Ticket,
			ClosePercent: closeIncrement,
			Lot:          t.Lot,
			Timestamp:    time.Now(),
		}
	}

	snap := t.snapshot()
	if fullyClosed {
		delete(m.trades, t.ID)
	}
	m.mu.Unlock()

	// Sends happen outside the lock; a slow channel must not stall the
	// whole evaluation pass for other trades longer than necessary.
	if modify != nil {
		if err := m.channel.Send(ctx, *modify); err != nil {
			log.Printf("⚠️ Modify send failed for %s: %v", t.ID, err)
		}
	}
	if partial != nil {
		if err := m.channel.Send(ctx, *partial); err != nil {
			log.Printf("⚠️ Partial close send failed for %s: %v", t.ID, err)
		}
	}

	if modify != nil || partial != nil {
		if fullyClosed {
			m.purge(t.ID)
		} else {
			m.persist(snap)
		}
		if m.bus != nil {
			m.bus.Publish(events.EventPositionChange, snap)
			if fullyClosed {
				m.bus.Publish(events.EventPositionClosed, snap)
			}
		}
	}
}

// applyBreakeven moves the stop to entry plus offset once, if that
// tightens the current stop. Caller holds the lock.
func (m *Manager) applyBreakeven(t *ActiveTrade, idx int, plan domain.ManagementPlan, favorable float64, spec instruments.Spec) bool {
	if t.planDone[idx] || favorable < plan.TriggerPips {
		return false
	}

	candidate := t.EntryPrice + plan.OffsetPips*spec.PipSize
	if t.Direction == domain.Short {
		candidate = t.EntryPrice - plan.OffsetPips*spec.PipSize
	}

	t.planDone[idx] = true
	if !t.tightens(candidate) {
		return false
	}
	t.StopLoss = candidate
	t.AtBreakeven = true
	log.Printf("🛡️ Breakeven armed for %s: stop -> %.5f", t.ID, candidate)
	return true
}

// applyTrailing recomputes the trailing stop and applies it when it is
// tighter than the current stop and at least TrailStepPips better than the
// last applied trail. Caller holds the lock.
func (m *Manager) applyTrailing(t *ActiveTrade, plan domain.ManagementPlan, favorable, price float64, spec instruments.Spec) bool {
	if favorable < plan.TriggerPips {
		return false
	}

	candidate := price - plan.TrailDistancePips*spec.PipSize
	if t.Direction == domain.Short {
		candidate = price + plan.TrailDistancePips*spec.PipSize
	}
	if !t.tightens(candidate) {
		return false
	}

	if t.lastTrailPrice != 0 {
		improvement := (candidate - t.lastTrailPrice) / spec.PipSize
		if t.Direction == domain.Short {
			improvement = (t.lastTrailPrice - candidate) / spec.PipSize
		}
		if improvement < plan.TrailStepPips {
			return false
		}
	}

	t.StopLoss = candidate
	t.lastTrailPrice = candidate
	t.Trailing = true
	log.Printf("🎯 Trailing stop for %s: stop -> %.5f", t.ID, candidate)
	return true
}

// applyPartial returns the incremental percentage to close, bounded so the
// cumulative total never exceeds the plan target or 100. Caller holds the
// lock; local state is updated optimistically before the send.
func (m *Manager) applyPartial(t *ActiveTrade, plan domain.ManagementPlan, favorable float64) float64 {
	if favorable < plan.TriggerPips || t.ClosedPercent >= plan.ClosePercent {
		return 0
	}

	increment := plan.ClosePercent - t.ClosedPercent
	if t.ClosedPercent+increment > 100 {
		increment = 100 - t.ClosedPercent
	}
	if increment <= 0 {
		return 0
	}

	t.ClosedPercent += increment
	t.Lot = t.OriginalLot * (100 - t.ClosedPercent) / 100
	log.Printf("✂️ Partial close for %s: +%.0f%% (cumulative %.0f%%)", t.ID, increment, t.ClosedPercent)
	return increment
}

// applyRunner composes a late breakeven move with a partial exit, leaving
// the remainder to run. One-shot per plan. Caller holds the lock.
func (m *Manager) applyRunner(t *ActiveTrade, idx int, plan domain.ManagementPlan, favorable float64, spec instruments.Spec) (bool, float64) {
	if t.planDone[idx] || favorable < plan.TriggerPips {
		return false, 0
	}
	t.planDone[idx] = true

	moved := false
	candidate := t.EntryPrice + plan.OffsetPips*spec.PipSize
	if t.Direction == domain.Short {
		candidate = t.EntryPrice - plan.OffsetPips*spec.PipSize
	}
	if t.tightens(candidate) {
		t.StopLoss = candidate
		t.AtBreakeven = true
		moved = true
	}

	increment := plan.ClosePercent
	if t.ClosedPercent+increment > 100 {
		increment = 100 - t.ClosedPercent
	}
	if increment > 0 {
		t.ClosedPercent += increment
		t.Lot = t.OriginalLot * (100 - t.ClosedPercent) / 100
	}

	if moved || increment > 0 {
		log.Printf("🏃 Runner plan for %s: stop moved=%v, +%.0f%% closed", t.ID, moved, increment)
	}
	return moved, increment
}
