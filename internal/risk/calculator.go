// Package risk converts an approved trade request into a position size.
// Sizing is deterministic and side-effect free: the same account, profile
// and prices always produce the same result.
package risk

import (
	"errors"
	"fmt"

	"execution-core/internal/domain"
	"execution-core/pkg/instruments"
)

const (
	// hardRiskCeiling caps the risked fraction of balance for every mode.
	hardRiskCeiling = 0.05

	// defaultRiskPct applies when a profile carries no explicit setting.
	defaultRiskPct = 0.01

	// kellyXPThreshold gates the Kelly mode behind trading experience.
	kellyXPThreshold = 1000
	// kellyCap clips the raw Kelly fraction before the safety factor.
	kellyCap = 0.25
	// kellySafety scales the clipped Kelly fraction down.
	kellySafety = 0.5
)

// tierMultiplier grants higher tiers a bounded extra risk allowance.
// The hard ceiling still applies after multiplication.
var tierMultiplier = map[domain.Tier]float64{
	domain.TierPress:   0.5,
	domain.TierStarter: 1.0,
	domain.TierPlus:    1.1,
	domain.TierPro:     1.2,
	domain.TierElite:   1.3,
}

// ErrInvalidInput marks sizing inputs the calculator refuses to work with.
var ErrInvalidInput = errors.New("risk: invalid sizing input")

// SizingResult is the pure output of a sizing calculation.
type SizingResult struct {
	Lot         float64 `json:"lot"`
	RiskAmount  float64 `json:"riskAmount"`
	RiskPercent float64 `json:"riskPercent"`
	PipRisk     float64 `json:"pipRisk"`
}

// Calculator sizes positions against the instrument catalog.
type Calculator struct {
	catalog *instruments.Catalog
}

// NewCalculator creates a sizing calculator.
func NewCalculator(catalog *instruments.Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// Size computes the lot size for a trade risking a fraction of balance
// between the entry and stop prices. The result is clamped to the
// instrument bounds, floored to the lot step, and never implies more risk
// than the hard account ceiling.
func (c *Calculator) Size(acct domain.AccountSnapshot, profile domain.UserProfile, symbol string, entry, stop float64) (SizingResult, error) {
	spec, found := c.catalog.Get(symbol)
	if !found {
		return SizingResult{}, fmt.Errorf("%w: unknown symbol %q", ErrInvalidInput, symbol)
	}
	if acct.Balance <= 0 {
		return SizingResult{}, fmt.Errorf("%w: non-positive balance %.2f", ErrInvalidInput, acct.Balance)
	}
	if entry <= 0 || stop <= 0 {
		return SizingResult{}, fmt.Errorf("%w: non-positive price", ErrInvalidInput)
	}

	pipRisk := spec.PipsBetween(entry, stop)
	if pipRisk == 0 {
		return SizingResult{}, fmt.Errorf("%w: stop price equals entry price", ErrInvalidInput)
	}

	fraction := c.riskFraction(profile)
	if mult, ok := tierMultiplier[profile.Tier]; ok {
		fraction *= mult
	}
	if fraction > hardRiskCeiling {
		fraction = hardRiskCeiling
	}
	if fraction <= 0 {
		return SizingResult{}, fmt.Errorf("%w: computed risk fraction is zero", ErrInvalidInput)
	}

	riskAmount := acct.Balance * fraction
	rawLot := riskAmount / (pipRisk * spec.PipValuePerLot)

	lot := rawLot
	if lot > spec.MaxLot {
		lot = spec.MaxLot
	}
	lot = spec.RoundLot(lot)

	if lot < spec.MinLot {
		return SizingResult{}, fmt.Errorf("%w: balance %.2f too small to risk %.2f%% on %s at %.1f pips",
			ErrInvalidInput, acct.Balance, fraction*100, symbol, pipRisk)
	}

	// Re-derive the implied risk from the final lot so rounding and
	// clamping can only ever lower it.
	actualRisk := lot * pipRisk * spec.PipValuePerLot

	return SizingResult{
		Lot:         lot,
		RiskAmount:  actualRisk,
		RiskPercent: actualRisk / acct.Balance,
		PipRisk:     pipRisk,
	}, nil
}

// riskFraction picks the raw risked fraction for the profile's mode.
// Kelly is gated behind the experience threshold and usable win statistics;
// otherwise the fixed-percent path applies.
func (c *Calculator) riskFraction(profile domain.UserProfile) float64 {
	fixed := profile.RiskPct
	if fixed <= 0 {
		fixed = defaultRiskPct
	}

	if profile.RiskMode != domain.ModeKelly {
		return fixed
	}
	if profile.XP < kellyXPThreshold || profile.PayoffRatio <= 0 {
		return fixed
	}

	p := profile.WinRate
	q := 1 - p
	b := profile.PayoffRatio

	kelly := (p*b - q) / b
	if kelly < 0 {
		kelly = 0
	}
	if kelly > kellyCap {
		kelly = kellyCap
	}
	frac := kelly * kellySafety
	if frac <= 0 {
		// Negative-edge statistics fall back to the fixed setting.
		return fixed
	}
	return frac
}
