package binance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"tradebot/pkg/exchange"
)

const (
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamTicks implements exchange.MarketData over the trade stream.
// The returned channel closes when the connection drops; the caller
// owns reconnection.
func (c *Client) StreamTicks(ctx context.Context, symbol string) (<-chan exchange.Tick, func(), error) {
	u := fmt.Sprintf("%s/ws/%s@trade", c.cfg.WSBaseURL, strings.ToLower(symbol))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, exchange.NewTransient("stream_ticks", fmt.Errorf("dial %s: %w", u, err))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan exchange.Tick, 1024)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-streamCtx.Done():
				conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil {
					log.Printf("[Binance] %s stream read: %v", symbol, err)
				}
				return
			}
			tick, ok := parseTrade(msg)
			if !ok {
				continue
			}
			select {
			case out <- tick:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// parseTrade extracts a tick from a trade stream payload.
func parseTrade(msg []byte) (exchange.Tick, bool) {
	r := gjson.ParseBytes(msg)
	if r.Get("e").String() != "trade" {
		return exchange.Tick{}, false
	}
	return exchange.Tick{
		Symbol: r.Get("s").String(),
		Price:  r.Get("p").Float(),
		Qty:    r.Get("q").Float(),
		Time:   time.UnixMilli(r.Get("T").Int()).UTC(),
	}, true
}
