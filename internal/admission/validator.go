// Package admission gates trade requests before they reach the transport.
// All rules are evaluated in a fixed order and the first failure
// short-circuits with a specific reason.
package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/domain"
	"execution-core/pkg/instruments"
)

// tierLimits are the per-tier admission bounds. Read-only after init.
type tierLimits struct {
	maxDailyTrades  int
	maxOpenPerUser  int
	minConfidence   float64
	minBalance      float64
	maxExposurePct  float64 // fraction of balance
	highRiskAllowed bool
}

var limitsByTier = map[domain.Tier]tierLimits{
	domain.TierPress:   {maxDailyTrades: 2, maxOpenPerUser: 1, minConfidence: 0.85, minBalance: 0, maxExposurePct: 0.02, highRiskAllowed: false},
	domain.TierStarter: {maxDailyTrades: 5, maxOpenPerUser: 2, minConfidence: 0.75, minBalance: 100, maxExposurePct: 0.04, highRiskAllowed: false},
	domain.TierPlus:    {maxDailyTrades: 10, maxOpenPerUser: 3, minConfidence: 0.70, minBalance: 250, maxExposurePct: 0.06, highRiskAllowed: true},
	domain.TierPro:     {maxDailyTrades: 20, maxOpenPerUser: 5, minConfidence: 0.65, minBalance: 500, maxExposurePct: 0.08, highRiskAllowed: true},
	domain.TierElite:   {maxDailyTrades: 40, maxOpenPerUser: 10, minConfidence: 0.60, minBalance: 1000, maxExposurePct: 0.10, highRiskAllowed: true},
}

// Config tunes the per-user rate limiter and session gating.
type Config struct {
	MaxPerMinute          int
	Cooldown              time.Duration
	WeekendTradingAllowed bool
}

// userWindow is the sliding rate-limit window for one user, plus the
// count of trades admitted during the current UTC day. Exclusively owned
// by the validator, guarded by Validator.mu.
type userWindow struct {
	recent   []time.Time
	last     time.Time
	day      time.Time
	dayCount int
}

// Stats are cumulative admission counters.
type Stats struct {
	Checked  int64 `json:"checked"`
	Passed   int64 `json:"passed"`
	Rejected int64 `json:"rejected"`
}

// Validator runs the admission rule chain.
type Validator struct {
	catalog *instruments.Catalog
	cfg     Config

	mu      sync.Mutex
	windows map[string]*userWindow

	checked  atomic.Int64
	passed   atomic.Int64
	rejected atomic.Int64

	now func() time.Time
}

// New creates a validator over the instrument catalog.
func New(catalog *instruments.Catalog, cfg Config) *Validator {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 6
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	return &Validator{
		catalog: catalog,
		cfg:     cfg,
		windows: make(map[string]*userWindow),
		now:     time.Now,
	}
}

// Check runs every admission rule in order and returns the first failure
// reason. On success it records the request in the user's rate-limit
// window; rejections leave the window untouched.
func (v *Validator) Check(req domain.TradeRequest, acct domain.AccountSnapshot, profile domain.UserProfile) (bool, string) {
	v.checked.Add(1)
	ok, reason := v.evaluate(req, acct, profile)
	if ok {
		v.record(req.UserID)
		v.passed.Add(1)
	} else {
		v.rejected.Add(1)
	}
	return ok, reason
}

func (v *Validator) evaluate(req domain.TradeRequest, acct domain.AccountSnapshot, profile domain.UserProfile) (bool, string) {
	spec, found := v.catalog.Get(req.Symbol)
	if !found {
		return false, fmt.Sprintf("unknown symbol %q", req.Symbol)
	}

	if !req.Direction.Valid() {
		return false, fmt.Sprintf("invalid direction %q", req.Direction)
	}

	if req.Lot < spec.MinLot || req.Lot > spec.MaxLot {
		return false, fmt.Sprintf("lot %.2f outside %s bounds [%.2f, %.2f]",
			req.Lot, req.Symbol, spec.MinLot, spec.MaxLot)
	}

	if req.StopLoss > 0 && req.TakeProfit > 0 {
		if req.Direction == domain.Long && req.TakeProfit <= req.StopLoss {
			return false, "take profit must be above stop loss for a long"
		}
		if req.Direction == domain.Short && req.TakeProfit >= req.StopLoss {
			return false, "take profit must be below stop loss for a short"
		}
	}

	limits, known := limitsByTier[profile.Tier]
	if !known {
		return false, fmt.Sprintf("unknown tier %q", profile.Tier)
	}

	if req.Confidence < limits.minConfidence {
		return false, fmt.Sprintf("confidence %.2f below tier minimum %.2f",
			req.Confidence, limits.minConfidence)
	}

	// The validator counts what it admitted itself; the token claim can
	// only raise the count, covering trades placed outside this process.
	tradesToday := v.admittedToday(req.UserID)
	if profile.TradesToday > tradesToday {
		tradesToday = profile.TradesToday
	}
	if tradesToday >= limits.maxDailyTrades {
		return false, fmt.Sprintf("daily trade limit %d reached", limits.maxDailyTrades)
	}
	if profile.OpenPositions >= limits.maxOpenPerUser {
		return false, fmt.Sprintf("open position limit %d reached", limits.maxOpenPerUser)
	}

	if acct.Balance < limits.minBalance {
		return false, fmt.Sprintf("balance %.2f below tier minimum %.2f",
			acct.Balance, limits.minBalance)
	}
	if maxExposure := acct.Balance * limits.maxExposurePct; profile.Exposure >= maxExposure {
		return false, fmt.Sprintf("exposure %.2f at or above limit %.2f",
			profile.Exposure, maxExposure)
	}

	if reason, limited := v.rateLimited(req.UserID); limited {
		return false, reason
	}

	if !v.cfg.WeekendTradingAllowed && !spec.IsCrypto() {
		switch v.now().UTC().Weekday() {
		case time.Saturday, time.Sunday:
			return false, "market closed for the weekend"
		}
	}

	if spec.HighRisk && !limits.highRiskAllowed {
		return false, fmt.Sprintf("instrument %s requires a higher tier", req.Symbol)
	}

	return true, ""
}

// rateLimited checks both the minimum cooldown between consecutive
// requests and the per-minute sliding window. Pure read; recording
// happens only when the whole rule chain passes.
func (v *Validator) rateLimited(userID string) (string, bool) {
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	w, exists := v.windows[userID]
	if !exists {
		return "", false
	}

	if since := now.Sub(w.last); since < v.cfg.Cooldown {
		return fmt.Sprintf("cooldown active, retry in %v", (v.cfg.Cooldown - since).Round(time.Second)), true
	}

	cutoff := now.Add(-time.Minute)
	live := w.recent[:0]
	for _, t := range w.recent {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	w.recent = live

	if len(w.recent) >= v.cfg.MaxPerMinute {
		return fmt.Sprintf("rate limit of %d requests/minute exceeded", v.cfg.MaxPerMinute), true
	}
	return "", false
}

// admittedToday returns how many submissions passed the full rule chain
// for this user during the current UTC day.
func (v *Validator) admittedToday(userID string) int {
	day := v.now().UTC().Truncate(24 * time.Hour)

	v.mu.Lock()
	defer v.mu.Unlock()

	w, exists := v.windows[userID]
	if !exists || !w.day.Equal(day) {
		return 0
	}
	return w.dayCount
}

func (v *Validator) record(userID string) {
	now := v.now()
	day := now.UTC().Truncate(24 * time.Hour)

	v.mu.Lock()
	defer v.mu.Unlock()

	w, exists := v.windows[userID]
	if !exists {
		w = &userWindow{}
		v.windows[userID] = w
	}
	w.recent = append(w.recent, now)
	w.last = now
	if !w.day.Equal(day) {
		w.day = day
		w.dayCount = 0
	}
	w.dayCount++
}

// Stats returns cumulative admission counters.
func (v *Validator) Stats() Stats {
	return Stats{
		Checked:  v.checked.Load(),
		Passed:   v.passed.Load(),
		Rejected: v.rejected.Load(),
	}
}
