package exchange

import (
	"context"
	"time"
)

// MarketData streams ticks and serves historical candles for backfill.
type MarketData interface {
	// StreamTicks opens a tick stream for symbol. The returned stop
	// function closes the stream and the channel.
	StreamTicks(ctx context.Context, symbol string) (<-chan Tick, func(), error)

	// GetCandleRange fetches historical candles in [from, to). Used for
	// gap backfill after reconnects and for backtest data loading.
	GetCandleRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error)
}

// Trading places and manages orders on a venue. All methods return a
// typed *Error so callers can distinguish retryable from fatal failures.
type Trading interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderState, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
}

// Client is a full venue: market data plus trading.
type Client interface {
	MarketData
	Trading
}
