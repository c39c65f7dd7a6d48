package storage

import "database/sql"

// Signal lifecycle states
const (
	SignalReceived   = "RECEIVED"
	SignalDispatched = "DISPATCHED"
	SignalTerminal   = "TERMINAL"
)

// Signal actions
const (
	ActionLong  = "long"
	ActionShort = "short"
	ActionClose = "close"
)

// Signal is one externally delivered trading directive. SignalID is the
// content hash of the canonical request body, so identical re-deliveries
// collapse onto the same row.
type Signal struct {
	SignalID   string
	StrategyID int64
	Symbol     string
	Action     string

	// Optional overrides carried on the signal itself
	RiskPercent *float64
	Leverage    *int
	TPPercent   *float64
	SLPercent   *float64

	Status     string
	ReceivedAt int64
}

// InsertSignalOnce inserts the signal if its id is new. It reports whether a
// row was actually created; a false return means this is a duplicate delivery.
func (d *DB) InsertSignalOnce(s *Signal) (bool, error) {
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO signals
		(signal_id, strategy_id, symbol, action, risk_percent, leverage, tp_percent, sl_percent, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SignalID, s.StrategyID, s.Symbol, s.Action,
		s.RiskPercent, s.Leverage, s.TPPercent, s.SLPercent,
		SignalReceived, s.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSignal retrieves a signal by id
func (d *DB) GetSignal(signalID string) (*Signal, error) {
	var s Signal
	err := d.db.QueryRow(`
		SELECT signal_id, strategy_id, symbol, action, risk_percent, leverage, tp_percent, sl_percent, status, received_at
		FROM signals WHERE signal_id = ?`, signalID).Scan(
		&s.SignalID, &s.StrategyID, &s.Symbol, &s.Action,
		&s.RiskPercent, &s.Leverage, &s.TPPercent, &s.SLPercent,
		&s.Status, &s.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSignalStatus advances the signal lifecycle. Transitions only move forward;
// callers never write RECEIVED after dispatch.
func (d *DB) SetSignalStatus(signalID, status string) error {
	_, err := d.db.Exec(`UPDATE signals SET status = ? WHERE signal_id = ?`, status, signalID)
	return err
}
