package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Tick is a single trade print from a market data feed.
type Tick struct {
	Symbol string
	Price  float64
	Qty    float64
	Time   time.Time
}

// Candle is a fixed-interval OHLCV bar. Immutable once stored.
type Candle struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      float64
	Price    float64 // required for LIMIT
	ClientID string
}

// OrderResult returns the venue ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// OrderState is the venue-reported state of an order, used for
// fill tracking and reconciliation.
type OrderState struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Type            OrderType
	Qty             float64
	Price           float64
	FilledQty       float64
	AvgPrice        float64
	Status          OrderStatus
	UpdatedAt       time.Time
}
