// Package order owns the order lifecycle: placement with retries,
// status tracking, cancellation and venue reconciliation.
package order

import (
	"time"

	"tradebot/pkg/exchange"
)

// Status is the local order lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
	StatusFailed          Status = "FAILED"
)

// statusRank orders statuses so transitions only move forward. Terminal
// states share the top rank; once there an order never changes again.
var statusRank = map[Status]int{
	StatusPending:         0,
	StatusSubmitted:       1,
	StatusPartiallyFilled: 2,
	StatusFilled:          3,
	StatusCancelled:       3,
	StatusRejected:        3,
	StatusExpired:         3,
	StatusFailed:          3,
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// canTransition allows only forward moves, and nothing out of a
// terminal state.
func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// fromVenueStatus maps a venue status onto the local lifecycle.
func fromVenueStatus(s exchange.OrderStatus) Status {
	switch s {
	case exchange.StatusNew:
		return StatusSubmitted
	case exchange.StatusPartial:
		return StatusPartiallyFilled
	case exchange.StatusFilled:
		return StatusFilled
	case exchange.StatusCancelled:
		return StatusCancelled
	case exchange.StatusRejected:
		return StatusRejected
	case exchange.StatusExpired:
		return StatusExpired
	default:
		return StatusSubmitted
	}
}

// Order is the local record of one order.
type Order struct {
	ID              string             `json:"id"`
	ClientID        string             `json:"client_id"`
	ExchangeOrderID string             `json:"exchange_order_id"`
	SignalID        string             `json:"signal_id"`
	StrategyID      string             `json:"strategy_id"`
	Symbol          string             `json:"symbol"`
	Side            exchange.Side      `json:"side"`
	Type            exchange.OrderType `json:"type"`
	Price           float64            `json:"price"`
	Qty             float64            `json:"qty"`
	FilledQty       float64            `json:"filled_qty"`
	AvgPrice        float64            `json:"avg_price"`
	Status          Status             `json:"status"`
	FailReason      string             `json:"fail_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// PlaceRequest is the input to Manager.Place.
type PlaceRequest struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Side       exchange.Side
	Type       exchange.OrderType
	Qty        float64
	Price      float64
}
