package storage

import (
	"database/sql"
)

// Subscriber is a copy-trading account holder. The nullable parameter fields
// override the global defaults when set; nil means "inherit".
type Subscriber struct {
	ID           int64
	Name         string
	Active       bool
	EmitsSignals bool
	ExpiresAt    int64 // 0 = never expires
	PausedUntil  int64 // guardrail pause, unix seconds

	RiskPercent  *float64
	Leverage     *int
	TPPercent    *float64
	SLPercent    *float64
	MaxPositions *int

	DCAThresholdPct float64
	DCAMultiplier   float64
	DCAMaxAdds      int

	TSLActivationPct float64
	TSLDistancePct   float64

	DailyLossCutoffPct float64
}

// StrategySub is a subscriber's subscription to one strategy, with optional
// per-strategy parameter overrides.
type StrategySub struct {
	SubscriberID int64
	StrategyID   int64
	RiskPercent  *float64
	Leverage     *int
	TPPercent    *float64
	SLPercent    *float64
}

const subscriberCols = `id, name, active, emits_signals, expires_at, paused_until,
	risk_percent, leverage, tp_percent, sl_percent, max_positions,
	dca_threshold_pct, dca_multiplier, dca_max_adds,
	tsl_activation_pct, tsl_distance_pct, daily_loss_cutoff_pct`

func scanSubscriber(row interface{ Scan(...any) error }) (*Subscriber, error) {
	var s Subscriber
	var active, emits int
	err := row.Scan(&s.ID, &s.Name, &active, &emits, &s.ExpiresAt, &s.PausedUntil,
		&s.RiskPercent, &s.Leverage, &s.TPPercent, &s.SLPercent, &s.MaxPositions,
		&s.DCAThresholdPct, &s.DCAMultiplier, &s.DCAMaxAdds,
		&s.TSLActivationPct, &s.TSLDistancePct, &s.DailyLossCutoffPct)
	if err != nil {
		return nil, err
	}
	s.Active = active != 0
	s.EmitsSignals = emits != 0
	return &s, nil
}

// InsertSubscriber creates a subscriber and returns its id
func (d *DB) InsertSubscriber(s *Subscriber) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO subscribers
		(name, active, emits_signals, expires_at, paused_until,
		 risk_percent, leverage, tp_percent, sl_percent, max_positions,
		 dca_threshold_pct, dca_multiplier, dca_max_adds,
		 tsl_activation_pct, tsl_distance_pct, daily_loss_cutoff_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, boolInt(s.Active), boolInt(s.EmitsSignals), s.ExpiresAt, s.PausedUntil,
		s.RiskPercent, s.Leverage, s.TPPercent, s.SLPercent, s.MaxPositions,
		s.DCAThresholdPct, s.DCAMultiplier, s.DCAMaxAdds,
		s.TSLActivationPct, s.TSLDistancePct, s.DailyLossCutoffPct)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSubscriber retrieves a subscriber by id
func (d *DB) GetSubscriber(id int64) (*Subscriber, error) {
	s, err := scanSubscriber(d.db.QueryRow(
		`SELECT `+subscriberCols+` FROM subscribers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetActiveSubscribers returns every subscriber with the active flag set.
// Expiry and guardrail pause are checked by the resolver against "now".
func (d *DB) GetActiveSubscribers() ([]*Subscriber, error) {
	rows, err := d.db.Query(`SELECT ` + subscriberCols + ` FROM subscribers WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// SetPausedUntil sets the guardrail pause boundary for a subscriber
func (d *DB) SetPausedUntil(subscriberID, until int64) error {
	_, err := d.db.Exec(`UPDATE subscribers SET paused_until = ? WHERE id = ?`, until, subscriberID)
	return err
}

// GetStrategySub returns the subscriber's subscription row for a strategy,
// or nil when the subscriber is not subscribed to it.
func (d *DB) GetStrategySub(subscriberID, strategyID int64) (*StrategySub, error) {
	var ss StrategySub
	err := d.db.QueryRow(`
		SELECT subscriber_id, strategy_id, risk_percent, leverage, tp_percent, sl_percent
		FROM strategy_subscriptions WHERE subscriber_id = ? AND strategy_id = ?`,
		subscriberID, strategyID).Scan(
		&ss.SubscriberID, &ss.StrategyID, &ss.RiskPercent, &ss.Leverage, &ss.TPPercent, &ss.SLPercent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

// UpsertStrategySub creates or replaces a strategy subscription
func (d *DB) UpsertStrategySub(ss *StrategySub) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO strategy_subscriptions
		(subscriber_id, strategy_id, risk_percent, leverage, tp_percent, sl_percent)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ss.SubscriberID, ss.StrategyID, ss.RiskPercent, ss.Leverage, ss.TPPercent, ss.SLPercent)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
