package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventTick           Event = "market.tick"
	EventCandle         Event = "market.candle"
	EventIndicator      Event = "market.indicator"
	EventDataGap        Event = "market.data_gap"
	EventSignal         Event = "strategy.signal"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderUpdate    Event = "order.update"
	EventOrderFilled    Event = "order.filled"
	EventOrderFailed    Event = "order.failed"
	EventDivergence     Event = "order.divergence"
	EventPositionChange Event = "position.change"
	EventRiskAlert      Event = "risk.alert"
	EventRiskDenial     Event = "risk.denial"
	EventStateChange    Event = "engine.state_change"
	EventEmergency      Event = "engine.emergency"
	EventStatusSnapshot Event = "engine.status"
)
