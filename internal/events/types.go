package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventTelemetry      Event = "telemetry"
	EventTradeResult    Event = "trade_result"
	EventTradeSubmitted Event = "trade.submitted"
	EventTradeRejected  Event = "trade.rejected"
	EventPositionChange Event = "position_change"
	EventPositionClosed Event = "position_closed"
	EventRiskAlert      Event = "risk_alert"
	EventTransportState Event = "transport_state"
)
