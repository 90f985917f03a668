package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/transport"
)

// State holds the latest account snapshot reported by the terminal. Reads
// return a copy so callers never share the internal struct.
type State struct {
	mu       sync.RWMutex
	snapshot domain.AccountSnapshot
	hasData  bool
	maxAge   time.Duration

	bus *events.Bus
}

// NewState creates an empty account state. maxAge is how old a snapshot may
// be before Fresh reports it stale.
func NewState(maxAge time.Duration, bus *events.Bus) *State {
	return &State{maxAge: maxAge, bus: bus}
}

// Start consumes the channel's telemetry stream until ctx is cancelled.
func (s *State) Start(ctx context.Context, ch transport.Channel) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tel, ok := <-ch.Telemetry():
				if !ok {
					return
				}
				s.Apply(tel)
			}
		}
	}()
}

// Apply records a telemetry report as the current account snapshot.
// Heartbeat-style reports without balance data only refresh the timestamp
// and connectivity flag. Reports that fail validation are logged and
// dropped so a corrupt message cannot poison the state.
func (s *State) Apply(tel transport.Telemetry) {
	at := tel.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	if tel.Balance == 0 && tel.Currency == "" && s.hasData {
		s.snapshot.Verified = tel.Connected
		if tel.Connected {
			// A connected heartbeat carries the terminal's authoritative
			// open position count; a disconnected one reports nothing.
			s.snapshot.Positions = tel.Positions
		}
		s.snapshot.AsOf = at
		s.mu.Unlock()
		return
	}

	snap := domain.AccountSnapshot{
		Balance:    tel.Balance,
		Equity:     tel.Equity,
		Margin:     tel.Margin,
		FreeMargin: tel.FreeMargin,
		Currency:   tel.Currency,
		Leverage:   tel.Leverage,
		Positions:  tel.Positions,
		Verified:   tel.Connected,
		AsOf:       at,
	}
	if snap.Currency == "" {
		snap.Currency = s.snapshot.Currency
	}
	if snap.Leverage == 0 {
		snap.Leverage = s.snapshot.Leverage
		if snap.Leverage == 0 {
			snap.Leverage = 100
		}
	}
	if snap.Currency == "" {
		snap.Currency = "USD"
	}
	if err := snap.Validate(); err != nil {
		s.mu.Unlock()
		log.Printf("⚠️ Telemetry report dropped: %v", err)
		return
	}

	s.snapshot = snap
	s.hasData = true
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.EventTelemetry, snap)
	}
}

// Snapshot returns a copy of the latest account snapshot. The bool is false
// until the first telemetry report arrives.
func (s *State) Snapshot() (domain.AccountSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.hasData
}

// Fresh reports whether the latest snapshot is recent enough to trade on.
func (s *State) Fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasData {
		return false
	}
	return time.Since(s.snapshot.AsOf) <= s.maxAge
}

// Age returns how old the latest snapshot is, or a very large duration when
// nothing was ever received.
func (s *State) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasData {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.snapshot.AsOf)
}
