// Package transport carries trade instructions to the execution terminal and
// streams telemetry and trade results back. Two interchangeable channel
// implementations exist: a signed file-drop channel and a persistent
// three-socket channel. Callers correlate results through the Correlator.
package transport

import (
	"context"
	"time"

	"execution-core/internal/domain"
)

// CommandKind discriminates outbound instructions.
type CommandKind string

const (
	KindOpen         CommandKind = "signal"
	KindModify       CommandKind = "modify"
	KindPartialClose CommandKind = "partial_close"
	KindClose        CommandKind = "close"
)

// Instruction is one outbound command for the terminal.
type Instruction struct {
	ID         string
	Kind       CommandKind
	Symbol     string
	Direction  domain.Direction
	Lot        float64
	Price      float64 // 0 = market
	StopLoss   float64
	TakeProfit float64
	Comment    string

	// Ticket addresses an existing position (modify/partial_close/close).
	Ticket int64
	// ClosePercent is the incremental percentage for partial closes.
	ClosePercent float64

	Timestamp time.Time
}

// Telemetry is an account-level update streamed by the terminal,
// independent of any specific trade.
type Telemetry struct {
	UUID        string
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	Profit      float64
	Positions   int
	MarginLevel float64
	Currency    string
	Leverage    int
	Connected   bool
	At          time.Time
}

// PriceTick is a per-symbol quote update some terminals interleave on the
// telemetry channel.
type PriceTick struct {
	Symbol string
	Bid    float64
	Ask    float64
	At     time.Time
}

// Channel is the send/receive contract both transport variants implement.
// Send is fire-and-forget: results arrive asynchronously on Results keyed by
// instruction id. Implementations must never block a caller beyond the
// bounded work of enqueueing.
type Channel interface {
	// Name identifies the variant for logs and status reporting.
	Name() string

	// Send transmits one instruction. The error covers local enqueue or
	// serialization problems only; terminal rejection arrives as a result.
	Send(ctx context.Context, in Instruction) error

	// Results streams discrete trade results keyed by instruction id.
	Results() <-chan domain.TradeResult

	// Telemetry streams account telemetry updates.
	Telemetry() <-chan Telemetry

	// Ticks streams price quotes when the variant carries them. Variants
	// without quote support return a channel that never produces.
	Ticks() <-chan PriceTick

	// Healthy reports whether the terminal link is currently usable.
	Healthy() bool

	Close() error
}
