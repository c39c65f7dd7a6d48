package storage

import "database/sql"

// Position lifecycle states
const (
	PositionOpen    = "OPEN"
	PositionClosing = "CLOSING"
	PositionClosed  = "CLOSED"
)

// Position sides
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Position is a live exchange position owned by one subscriber. Trailing-stop
// and DCA state is persisted here so a supervisor restart loses nothing.
type Position struct {
	ID           int64
	SubscriberID int64
	Exchange     string
	Symbol       string
	Side         string
	Status       string
	EntryPrice   float64
	Quantity     float64
	Leverage     int

	TPOrderID string
	SLOrderID string
	TPPercent float64
	SLPercent float64

	// Trailing stop: best favorable mark price seen, activation latch
	BestPrice float64
	TSLActive bool

	// DCA: additions made and the last fill used as threshold base
	DCAAdds      int
	LastAddPrice float64
	LastAddQty   float64

	RealizedPnL float64
	OpenedAt    int64
	ClosedAt    int64
}

const positionCols = `id, subscriber_id, exchange, symbol, side, status,
	entry_price, quantity, leverage, tp_order_id, sl_order_id, tp_percent, sl_percent,
	best_price, tsl_active, dca_adds, last_add_price, last_add_qty,
	realized_pnl, opened_at, closed_at`

func scanPosition(row interface{ Scan(...any) error }) (*Position, error) {
	var p Position
	var tslActive int
	err := row.Scan(&p.ID, &p.SubscriberID, &p.Exchange, &p.Symbol, &p.Side, &p.Status,
		&p.EntryPrice, &p.Quantity, &p.Leverage, &p.TPOrderID, &p.SLOrderID,
		&p.TPPercent, &p.SLPercent, &p.BestPrice, &tslActive,
		&p.DCAAdds, &p.LastAddPrice, &p.LastAddQty,
		&p.RealizedPnL, &p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return nil, err
	}
	p.TSLActive = tslActive != 0
	return &p, nil
}

// InsertPosition creates a position row. The partial unique index on
// (subscriber, exchange, symbol, side) WHERE status='OPEN' rejects a second
// open position on the same side; callers surface that as an invariant
// violation.
func (d *DB) InsertPosition(p *Position) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO positions
		(subscriber_id, exchange, symbol, side, status, entry_price, quantity, leverage,
		 tp_order_id, sl_order_id, tp_percent, sl_percent, best_price, tsl_active,
		 dca_adds, last_add_price, last_add_qty, realized_pnl, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SubscriberID, p.Exchange, p.Symbol, p.Side, p.Status, p.EntryPrice, p.Quantity,
		p.Leverage, p.TPOrderID, p.SLOrderID, p.TPPercent, p.SLPercent,
		p.BestPrice, boolInt(p.TSLActive), p.DCAAdds, p.LastAddPrice, p.LastAddQty,
		p.RealizedPnL, p.OpenedAt, p.ClosedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdatePosition rewrites the mutable fields of a position
func (d *DB) UpdatePosition(p *Position) error {
	_, err := d.db.Exec(`
		UPDATE positions SET status = ?, entry_price = ?, quantity = ?,
		 tp_order_id = ?, sl_order_id = ?, tp_percent = ?, sl_percent = ?,
		 best_price = ?, tsl_active = ?, dca_adds = ?, last_add_price = ?, last_add_qty = ?,
		 realized_pnl = ?, closed_at = ?
		WHERE id = ?`,
		p.Status, p.EntryPrice, p.Quantity,
		p.TPOrderID, p.SLOrderID, p.TPPercent, p.SLPercent,
		p.BestPrice, boolInt(p.TSLActive), p.DCAAdds, p.LastAddPrice, p.LastAddQty,
		p.RealizedPnL, p.ClosedAt, p.ID)
	return err
}

// GetOpenPosition finds the subscriber's OPEN position on (exchange, symbol, side)
func (d *DB) GetOpenPosition(subscriberID int64, exchange, symbol, side string) (*Position, error) {
	p, err := scanPosition(d.db.QueryRow(`
		SELECT `+positionCols+` FROM positions
		WHERE subscriber_id = ? AND exchange = ? AND symbol = ? AND side = ? AND status = 'OPEN'`,
		subscriberID, exchange, symbol, side))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetOpenPositionAnySide finds the subscriber's non-CLOSED position on a symbol
// regardless of side. Used by CLOSE signal handling.
func (d *DB) GetOpenPositionAnySide(subscriberID int64, exchange, symbol string) (*Position, error) {
	p, err := scanPosition(d.db.QueryRow(`
		SELECT `+positionCols+` FROM positions
		WHERE subscriber_id = ? AND exchange = ? AND symbol = ? AND status != 'CLOSED'
		ORDER BY opened_at DESC LIMIT 1`,
		subscriberID, exchange, symbol))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CountOpenPositions returns the subscriber's count of non-CLOSED positions
func (d *DB) CountOpenPositions(subscriberID int64) (int, error) {
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM positions WHERE subscriber_id = ? AND status != 'CLOSED'`,
		subscriberID).Scan(&n)
	return n, err
}

// GetOpenPositionsBatch pages through OPEN and CLOSING positions in id order.
// The supervisor scans with afterID cursors so a restart between batches
// resumes cleanly.
func (d *DB) GetOpenPositionsBatch(afterID int64, limit int) ([]*Position, error) {
	rows, err := d.db.Query(`
		SELECT `+positionCols+` FROM positions
		WHERE status != 'CLOSED' AND id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetOpenPositionsBySubscriber returns all non-CLOSED positions for one subscriber
func (d *DB) GetOpenPositionsBySubscriber(subscriberID int64) ([]*Position, error) {
	rows, err := d.db.Query(`
		SELECT `+positionCols+` FROM positions
		WHERE subscriber_id = ? AND status != 'CLOSED'`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SumRealizedPnLSince totals realized PnL on positions closed at or after the
// given instant. Used for the daily-loss guardrail.
func (d *DB) SumRealizedPnLSince(subscriberID, since int64) (float64, error) {
	var total float64
	err := d.db.QueryRow(`
		SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE subscriber_id = ? AND status = 'CLOSED' AND closed_at >= ?`,
		subscriberID, since).Scan(&total)
	return total, err
}
