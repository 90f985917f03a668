package domain

// PlanKind enumerates the unlockable position-management behaviors.
type PlanKind string

const (
	PlanBreakeven    PlanKind = "breakeven"
	PlanTrailing     PlanKind = "trailing"
	PlanPartialClose PlanKind = "partial_close"
	PlanRunner       PlanKind = "runner"
)

// ManagementPlan is one tagged management behavior with its numeric
// parameters in pip units. Plans are derived once at position-open time and
// never change afterward; evaluation is uniform over the tagged values.
type ManagementPlan struct {
	Kind PlanKind

	// TriggerPips is the favorable movement required before the plan acts.
	TriggerPips float64

	// OffsetPips shifts the breakeven stop past entry (breakeven/runner).
	OffsetPips float64

	// TrailDistancePips is the stop's following distance (trailing).
	TrailDistancePips float64

	// TrailStepPips is the minimum improvement over the last applied trail
	// before a new stop is sent, preventing modify thrashing (trailing).
	TrailStepPips float64

	// ClosePercent is the cumulative percentage target of the position to
	// close once triggered (partial_close/runner).
	ClosePercent float64
}
