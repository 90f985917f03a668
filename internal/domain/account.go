package domain

import (
	"fmt"
	"time"
)

// AccountSnapshot is a point-in-time copy of terminal account state.
// Consumers always receive a copy, never a live reference.
type AccountSnapshot struct {
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Currency   string
	Leverage   int
	// Positions is the terminal-reported open position count, used to
	// reconcile against locally managed trades.
	Positions int
	Verified  bool
	AsOf      time.Time
}

const (
	minLeverage = 1
	maxLeverage = 2000
)

// Validate rejects snapshots that cannot be trusted for sizing decisions.
func (a AccountSnapshot) Validate() error {
	switch {
	case a.Balance < 0:
		return fmt.Errorf("negative balance %.2f", a.Balance)
	case a.Equity < 0:
		return fmt.Errorf("negative equity %.2f", a.Equity)
	case a.Margin < 0 || a.FreeMargin < 0:
		return fmt.Errorf("negative margin fields")
	case a.Currency == "":
		return fmt.Errorf("missing account currency")
	case a.Leverage < minLeverage || a.Leverage > maxLeverage:
		return fmt.Errorf("leverage %d outside [%d, %d]", a.Leverage, minLeverage, maxLeverage)
	}
	return nil
}

// Age returns how stale the snapshot is.
func (a AccountSnapshot) Age() time.Duration {
	return time.Since(a.AsOf)
}

// Tier classifies a user for risk limits and unlockable management features.
type Tier string

const (
	TierPress   Tier = "press"   // demo / trial
	TierStarter Tier = "starter" // entry paid tier
	TierPlus    Tier = "plus"
	TierPro     Tier = "pro"
	TierElite   Tier = "elite"
)

// rank orders tiers from lowest to highest.
var tierRank = map[Tier]int{
	TierPress:   0,
	TierStarter: 1,
	TierPlus:    2,
	TierPro:     3,
	TierElite:   4,
}

// AtLeast reports whether the tier ranks at or above other.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// Known reports whether the tier is one of the defined values.
func (t Tier) Known() bool {
	_, ok := tierRank[t]
	return ok
}

// RiskMode selects the sizing algorithm.
type RiskMode string

const (
	ModeFixedPercent RiskMode = "fixed"
	ModeKelly        RiskMode = "kelly"
)

// UserProfile carries the per-user state the admission gate and sizing
// calculator consult. Assembled by the caller from its user store.
type UserProfile struct {
	UserID      string
	Tier        Tier
	XP          int
	RiskMode    RiskMode
	RiskPct     float64 // fraction of balance risked per trade, e.g. 0.01
	WinRate     float64 // observed win probability for Kelly, 0-1
	PayoffRatio float64 // average win / average loss for Kelly

	// Unlocked management features (XP-gated), fixed at position open.
	UnlockedPlans []PlanKind

	// Counters maintained by the caller's profile store.
	TradesToday   int
	OpenPositions int
	Exposure      float64 // aggregate open risk in account currency
}

// HasPlan reports whether a management feature is unlocked.
func (p UserProfile) HasPlan(kind PlanKind) bool {
	for _, k := range p.UnlockedPlans {
		if k == kind {
			return true
		}
	}
	return false
}
