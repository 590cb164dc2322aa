// Package binance implements the exchange interfaces against the
// Binance spot REST and websocket APIs.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"tradebot/pkg/exchange"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	defaultWSBaseURL = "wss://stream.binance.com:9443"
)

// Config holds client credentials and endpoints.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WSBaseURL string
}

// Client talks to Binance. REST calls share a rate limiter sized under
// the documented request weight limits.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Binance client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = defaultWSBaseURL
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(15), 30),
	}
}

// GetCandleRange implements exchange.MarketData via /api/v3/klines.
func (c *Client) GetCandleRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]exchange.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	q.Set("limit", "1000")

	body, err := c.do(ctx, http.MethodGet, "/api/v3/klines", q, false)
	if err != nil {
		return nil, err
	}

	var candles []exchange.Candle
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		arr := row.Array()
		if len(arr) < 6 {
			return true
		}
		candles = append(candles, exchange.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(arr[0].Int()).UTC(),
			Open:     arr[1].Float(),
			High:     arr[2].Float(),
			Low:      arr[3].Float(),
			Close:    arr[4].Float(),
			Volume:   arr[5].Float(),
		})
		return true
	})
	return candles, nil
}

// SubmitOrder implements exchange.Trading. The caller's ClientID goes
// out as newClientOrderId, which Binance deduplicates, so a retried
// submit cannot create a second order.
func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	q.Set("type", string(req.Type))
	q.Set("quantity", trimFloat(req.Qty))
	if req.Type == exchange.OrderTypeLimit {
		q.Set("price", trimFloat(req.Price))
		q.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		q.Set("newClientOrderId", req.ClientID)
	}
	q.Set("newOrderRespType", "RESULT")

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", q, true)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	r := gjson.ParseBytes(body)
	filled := r.Get("executedQty").Float()
	avg := 0.0
	if filled > 0 {
		avg = r.Get("cummulativeQuoteQty").Float() / filled
	}
	return exchange.OrderResult{
		ExchangeOrderID: r.Get("orderId").String(),
		ClientID:        r.Get("clientOrderId").String(),
		Status:          mapStatus(r.Get("status").String()),
		FilledQty:       filled,
		AvgPrice:        avg,
	}, nil
}

// CancelOrder implements exchange.Trading. A cancel for an order that
// already reached a terminal state is treated as success.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", exchangeOrderID)

	_, err := c.do(ctx, http.MethodDelete, "/api/v3/order", q, true)
	if err != nil {
		var apiErr *exchange.Error
		// -2011 means the order is already done; cancel is idempotent.
		if errors.As(err, &apiErr) && apiErr.Code == "-2011" {
			return nil
		}
		return err
	}
	return nil
}

// GetOrder implements exchange.Trading.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (exchange.OrderState, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", exchangeOrderID)

	body, err := c.do(ctx, http.MethodGet, "/api/v3/order", q, true)
	if err != nil {
		var apiErr *exchange.Error
		if errors.As(err, &apiErr) && apiErr.Code == "-2013" {
			return exchange.OrderState{}, exchange.NewFatal("get_order", exchange.ErrOrderNotFound)
		}
		return exchange.OrderState{}, err
	}
	return parseOrderState(gjson.ParseBytes(body)), nil
}

// GetOpenOrders implements exchange.Trading.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderState, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	body, err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", q, true)
	if err != nil {
		return nil, err
	}

	var out []exchange.OrderState
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		out = append(out, parseOrderState(row))
		return true
	})
	return out, nil
}

func parseOrderState(r gjson.Result) exchange.OrderState {
	filled := r.Get("executedQty").Float()
	avg := 0.0
	if filled > 0 {
		avg = r.Get("cummulativeQuoteQty").Float() / filled
	}
	return exchange.OrderState{
		ExchangeOrderID: r.Get("orderId").String(),
		ClientID:        r.Get("clientOrderId").String(),
		Symbol:          r.Get("symbol").String(),
		Side:            exchange.Side(r.Get("side").String()),
		Type:            exchange.OrderType(r.Get("type").String()),
		Qty:             r.Get("origQty").Float(),
		Price:           r.Get("price").Float(),
		FilledQty:       filled,
		AvgPrice:        avg,
		Status:          mapStatus(r.Get("status").String()),
		UpdatedAt:       time.UnixMilli(r.Get("updateTime").Int()).UTC(),
	}
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return exchange.StatusCancelled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	default:
		return exchange.StatusUnknown
	}
}

// do performs one REST call, signing when required and mapping error
// responses onto the exchange error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	op := method + " " + path

	if signed {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		q.Set("recvWindow", "5000")
		q.Set("signature", c.sign(q.Encode()))
	}

	u := c.cfg.BaseURL + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, exchange.NewFatal(op, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, exchange.NewTransient(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, exchange.NewTransient(op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	code := gjson.GetBytes(body, "code").String()
	msg := gjson.GetBytes(body, "msg").String()
	apiErr := fmt.Errorf("binance %s: %s (code %s)", resp.Status, msg, code)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		e := exchange.NewTransient(op, apiErr)
		e.Code = code
		return nil, e
	}
	e := exchange.NewFatal(op, apiErr)
	e.Code = code
	return nil, e
}

// sign computes the HMAC-SHA256 request signature.
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// trimFloat renders a quantity without scientific notation or trailing
// zeros, as the API requires.
func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
