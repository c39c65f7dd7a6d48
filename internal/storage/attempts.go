package storage

import "database/sql"

// Execution attempt outcomes
const (
	AttemptPending   = "PENDING"
	AttemptSubmitted = "SUBMITTED"
	AttemptSkipped   = "SKIPPED"
	AttemptFailed    = "FAILED"
)

// Skip / failure reason codes recorded on attempts
const (
	ReasonBelowNotional     = "below_notional"
	ReasonNoPosition        = "no_position"
	ReasonPositionExists    = "position_exists"
	ReasonMaxPositions      = "max_positions"
	ReasonSymbolUnavailable = "symbol_unavailable"
	ReasonInactive          = "subscriber_inactive"
	ReasonBracketAttach     = "bracket_attach"
	ReasonExchangeRejected  = "exchange_rejected"
	ReasonTransport         = "transport"
	ReasonAuth              = "auth"
	ReasonInsufficient      = "insufficient_balance"
	ReasonAmbiguous         = "ambiguous"
)

// ExecutionAttempt is the durable record of applying one signal to one
// subscriber. The (signal_id, subscriber_id) primary key is the at-most-once
// fence for fan-out.
type ExecutionAttempt struct {
	SignalID        string
	SubscriberID    int64
	Outcome         string
	Reason          string
	ExchangeOrderID string
	Quantity        float64
	RiskPercent     float64
	Leverage        int
	CreatedAt       int64
	UpdatedAt       int64
}

// ClaimAttempt inserts the PENDING fence row for (signal, subscriber).
// It reports whether the claim succeeded; false means another worker already
// holds (or held) this pair and the caller must do nothing.
func (d *DB) ClaimAttempt(signalID string, subscriberID int64) (bool, error) {
	now := Now()
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO execution_attempts
		(signal_id, subscriber_id, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		signalID, subscriberID, AttemptPending, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveAttempt flips a claimed attempt to its final outcome
func (d *DB) ResolveAttempt(a *ExecutionAttempt) error {
	_, err := d.db.Exec(`
		UPDATE execution_attempts
		SET outcome = ?, reason = ?, exchange_order_id = ?, quantity = ?,
		    risk_percent = ?, leverage = ?, updated_at = ?
		WHERE signal_id = ? AND subscriber_id = ?`,
		a.Outcome, a.Reason, a.ExchangeOrderID, a.Quantity,
		a.RiskPercent, a.Leverage, Now(),
		a.SignalID, a.SubscriberID)
	return err
}

// GetAttempt retrieves one attempt by its pair key
func (d *DB) GetAttempt(signalID string, subscriberID int64) (*ExecutionAttempt, error) {
	var a ExecutionAttempt
	err := d.db.QueryRow(`
		SELECT signal_id, subscriber_id, outcome, reason, exchange_order_id,
		       quantity, risk_percent, leverage, created_at, updated_at
		FROM execution_attempts WHERE signal_id = ? AND subscriber_id = ?`,
		signalID, subscriberID).Scan(
		&a.SignalID, &a.SubscriberID, &a.Outcome, &a.Reason, &a.ExchangeOrderID,
		&a.Quantity, &a.RiskPercent, &a.Leverage, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAttemptsBySignal returns every attempt recorded for a signal
func (d *DB) GetAttemptsBySignal(signalID string) ([]*ExecutionAttempt, error) {
	rows, err := d.db.Query(`
		SELECT signal_id, subscriber_id, outcome, reason, exchange_order_id,
		       quantity, risk_percent, leverage, created_at, updated_at
		FROM execution_attempts WHERE signal_id = ?`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*ExecutionAttempt
	for rows.Next() {
		var a ExecutionAttempt
		if err := rows.Scan(&a.SignalID, &a.SubscriberID, &a.Outcome, &a.Reason,
			&a.ExchangeOrderID, &a.Quantity, &a.RiskPercent, &a.Leverage,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
