// Package position drives the lifecycle of open trades: breakeven moves,
// trailing stops and partial exits evaluated on a fixed tick against the
// latest known price.
package position

import (
	"time"

	"execution-core/internal/domain"
)

// ActiveTrade is the mutable lifecycle record for one open position.
// Exclusively owned by the Manager after registration; callers only ever
// see copies via Snapshot.
type ActiveTrade struct {
	ID        string
	UserID    string
	Ticket    int64
	Symbol    string
	Direction domain.Direction

	EntryPrice float64
	StopLoss   float64
	TakeProfit float64

	Lot         float64 // remaining size
	OriginalLot float64

	// PeakPrice is the most favorable price observed since open.
	PeakPrice float64
	// ClosedPercent is cumulative across all partial exits, never above 100.
	ClosedPercent float64

	AtBreakeven bool
	Trailing    bool
	// lastTrailPrice is the stop applied by the most recent trail move,
	// used to suppress sub-step adjustments.
	lastTrailPrice float64

	// Plans are fixed at open time from the user's unlocked feature set.
	Plans []domain.ManagementPlan
	// planDone marks one-shot plans (breakeven, runner) as applied.
	planDone []bool

	OpenedAt time.Time
}

// Snapshot is an immutable copy of an ActiveTrade handed to callers.
type Snapshot struct {
	ID            string                  `json:"id"`
	UserID        string                  `json:"userId"`
	Ticket        int64                   `json:"ticket"`
	Symbol        string                  `json:"symbol"`
	Direction     domain.Direction        `json:"direction"`
	EntryPrice    float64                 `json:"entryPrice"`
	StopLoss      float64                 `json:"stopLoss"`
	TakeProfit    float64                 `json:"takeProfit"`
	Lot           float64                 `json:"lot"`
	OriginalLot   float64                 `json:"originalLot"`
	ClosedPercent float64                 `json:"closedPercent"`
	AtBreakeven   bool                    `json:"atBreakeven"`
	Trailing      bool                    `json:"trailing"`
	Plans         []domain.ManagementPlan `json:"plans"`
	PlansDone     []bool                  `json:"plansDone,omitempty"`
	OpenedAt      time.Time               `json:"openedAt"`
}

func (t *ActiveTrade) snapshot() Snapshot {
	plans := make([]domain.ManagementPlan, len(t.Plans))
	copy(plans, t.Plans)
	done := make([]bool, len(t.planDone))
	copy(done, t.planDone)
	return Snapshot{
		ID:            t.ID,
		UserID:        t.UserID,
		Ticket:        t.Ticket,
		Symbol:        t.Symbol,
		Direction:     t.Direction,
		EntryPrice:    t.EntryPrice,
		StopLoss:      t.StopLoss,
		TakeProfit:    t.TakeProfit,
		Lot:           t.Lot,
		OriginalLot:   t.OriginalLot,
		ClosedPercent: t.ClosedPercent,
		AtBreakeven:   t.AtBreakeven,
		Trailing:      t.Trailing,
		Plans:         plans,
		PlansDone:     done,
		OpenedAt:      t.OpenedAt,
	}
}

// Restore rebuilds a lifecycle record from a journaled snapshot so a
// restart resumes managing positions the terminal still holds. The peak
// price restarts from entry; stops stay monotonic either way.
func Restore(snap Snapshot) *ActiveTrade {
	plans := make([]domain.ManagementPlan, len(snap.Plans))
	copy(plans, snap.Plans)
	done := make([]bool, len(plans))
	copy(done, snap.PlansDone)
	return &ActiveTrade{
		ID:            snap.ID,
		UserID:        snap.UserID,
		Ticket:        snap.Ticket,
		Symbol:        snap.Symbol,
		Direction:     snap.Direction,
		EntryPrice:    snap.EntryPrice,
		StopLoss:      snap.StopLoss,
		TakeProfit:    snap.TakeProfit,
		Lot:           snap.Lot,
		OriginalLot:   snap.OriginalLot,
		PeakPrice:     snap.EntryPrice,
		ClosedPercent: snap.ClosedPercent,
		AtBreakeven:   snap.AtBreakeven,
		Trailing:      snap.Trailing,
		Plans:         plans,
		planDone:      done,
		OpenedAt:      snap.OpenedAt,
	}
}

// favorablePips returns how far price has moved in the trade's favor.
func (t *ActiveTrade) favorablePips(price, pipSize float64) float64 {
	if t.Direction == domain.Long {
		return (price - t.EntryPrice) / pipSize
	}
	return (t.EntryPrice - price) / pipSize
}

// tightens reports whether candidate is a strictly safer stop than the
// current one. Stops only ever move toward price, never away.
func (t *ActiveTrade) tightens(candidate float64) bool {
	if t.StopLoss == 0 {
		return true
	}
	if t.Direction == domain.Long {
		return candidate > t.StopLoss
	}
	return candidate < t.StopLoss
}

// DerivePlans selects the management plans for a new position from the
// user's unlocked feature set. Parameters are fixed per plan kind; the
// plan list never changes after open.
func DerivePlans(unlocked []domain.PlanKind) []domain.ManagementPlan {
	var plans []domain.ManagementPlan
	for _, kind := range unlocked {
		switch kind {
		case domain.PlanBreakeven:
			plans = append(plans, domain.ManagementPlan{
				Kind:        domain.PlanBreakeven,
				TriggerPips: 10,
				OffsetPips:  1,
			})
		case domain.PlanTrailing:
			plans = append(plans, domain.ManagementPlan{
				Kind:              domain.PlanTrailing,
				TriggerPips:       15,
				TrailDistancePips: 10,
				TrailStepPips:     3,
			})
		case domain.PlanPartialClose:
			plans = append(plans, domain.ManagementPlan{
				Kind:         domain.PlanPartialClose,
				TriggerPips:  12,
				ClosePercent: 50,
			})
		case domain.PlanRunner:
			plans = append(plans, domain.ManagementPlan{
				Kind:         domain.PlanRunner,
				TriggerPips:  25,
				OffsetPips:   2,
				ClosePercent: 25,
			})
		}
	}
	return plans
}
