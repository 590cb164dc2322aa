package db

import (
	"context"
	"database/sql"
	"time"

	"tradebot/pkg/exchange"
)

// AppendTick stores a raw tick. The series is append-only.
func (d *Database) AppendTick(ctx context.Context, t exchange.Tick) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO ticks (symbol, ts, price, qty) VALUES (?, ?, ?, ?)
	`, t.Symbol, t.Time.UnixMilli(), t.Price, t.Qty)
	return err
}

// AppendCandle stores a completed candle. Re-appending the same
// (symbol, interval, open_time) is ignored; stored candles are immutable.
func (d *Database) AppendCandle(ctx context.Context, c exchange.Candle) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO candles (symbol, interval, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Symbol, c.Interval, c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume)
	return err
}

// GetCandleRange returns stored candles with open time in [from, to),
// ordered by time. Used for replay, backfill checks and backtests.
func (d *Database) GetCandleRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]exchange.Candle, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, interval, open_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC
	`, symbol, interval, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []exchange.Candle
	for rows.Next() {
		var c exchange.Candle
		var openTime int64
		if err := rows.Scan(&c.Symbol, &c.Interval, &openTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.OpenTime = time.UnixMilli(openTime).UTC()
		res = append(res, c)
	}
	return res, rows.Err()
}

// LastCandleTime returns the open time of the newest stored candle, or
// the zero time when the series is empty.
func (d *Database) LastCandleTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	var ts sql.NullInt64
	err := d.DB.QueryRowContext(ctx, `
		SELECT MAX(open_time) FROM candles WHERE symbol = ? AND interval = ?
	`, symbol, interval).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64).UTC(), nil
}

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, exchange_order_id, signal_id, strategy_id, symbol, side, type,
			price, qty, filled_qty, avg_price, status, fail_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`,
		o.ID, o.ExchangeOrderID, o.SignalID, o.StrategyID, o.Symbol, o.Side, o.Type,
		o.Price, o.Qty, o.FilledQty, o.AvgPrice, o.Status, o.FailReason, o.CreatedAt,
	)
	return err
}

// UpdateOrder sets venue id, status and fill progress for an order.
func (d *Database) UpdateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET exchange_order_id = ?, status = ?, filled_qty = ?, avg_price = ?,
		    fail_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, o.ExchangeOrderID, o.Status, o.FilledQty, o.AvgPrice, o.FailReason, o.ID)
	return err
}

// ListOpenOrders returns orders that have not reached a terminal state.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange_order_id, signal_id, strategy_id, symbol, side, type,
		       price, qty, filled_qty, avg_price, status, COALESCE(fail_reason, ''), created_at, updated_at
		FROM orders
		WHERE status NOT IN ('FILLED','CANCELLED','REJECTED','FAILED','EXPIRED')
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.ExchangeOrderID, &o.SignalID, &o.StrategyID, &o.Symbol, &o.Side, &o.Type,
			&o.Price, &o.Qty, &o.FilledQty, &o.AvgPrice, &o.Status, &o.FailReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CreateTrade inserts a new trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, price, qty, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.OrderID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.CreatedAt)
	return err
}

// UpsertPosition stores the latest position for a symbol. A flat position
// is removed from the table instead of stored as a zero row.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	if p.Qty == 0 {
		_, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, p.Symbol)
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry = excluded.avg_entry,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, p.Symbol, p.Qty, p.AvgEntry, p.RealizedPnL)
	return err
}

// ListPositions returns all current positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, qty, avg_entry, realized_pnl, updated_at FROM positions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgEntry, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CreateRiskAlert inserts a new alert row.
func (d *Database) CreateRiskAlert(ctx context.Context, a RiskAlert) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_alerts (id, level, type, message, value, threshold, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, a.ID, a.Level, a.Type, a.Message, a.Value, a.Threshold, boolToInt(a.Resolved), a.CreatedAt)
	return err
}

// ResolveRiskAlert marks an alert resolved.
func (d *Database) ResolveRiskAlert(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE risk_alerts SET resolved = 1, resolved_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	return err
}

// ListRiskAlerts returns alerts, newest first.
func (d *Database) ListRiskAlerts(ctx context.Context, limit int) ([]RiskAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, level, type, message, value, threshold, resolved, created_at, resolved_at
		FROM risk_alerts ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RiskAlert
	for rows.Next() {
		var a RiskAlert
		var resolved int
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Level, &a.Type, &a.Message, &a.Value, &a.Threshold, &resolved, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		a.Resolved = resolved == 1
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CreateBacktestRun persists a completed backtest.
func (d *Database) CreateBacktestRun(ctx context.Context, r BacktestRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO backtest_runs (id, strategy, symbol, params, result, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, r.ID, r.Strategy, r.Symbol, r.Params, r.Result, r.CreatedAt)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
