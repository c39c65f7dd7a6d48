package storage

import "database/sql"

// BalanceSnapshot is one point-in-time equity reading for a subscriber on an
// exchange. The guardrail computation anchors on the first snapshot of the
// UTC day.
type BalanceSnapshot struct {
	SubscriberID int64
	Exchange     string
	Equity       float64
	Available    float64
	TakenAt      int64
}

// InsertSnapshot appends a balance snapshot
func (d *DB) InsertSnapshot(s *BalanceSnapshot) error {
	_, err := d.db.Exec(`
		INSERT INTO balance_snapshots (subscriber_id, exchange, equity, available, taken_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.SubscriberID, s.Exchange, s.Equity, s.Available, s.TakenAt)
	return err
}

// GetDayStartEquity returns the subscriber's equity at the start of the day:
// the earliest snapshot taken at or after dayStart on each exchange, summed.
// Anchoring per exchange matters because the snapshot job reaches the
// exchanges in different seconds. A zero return with no error means no
// snapshot exists yet for the day.
func (d *DB) GetDayStartEquity(subscriberID, dayStart int64) (float64, error) {
	var equity float64
	err := d.db.QueryRow(`
		SELECT COALESCE(SUM(equity), 0) FROM (
			SELECT equity,
			       ROW_NUMBER() OVER (PARTITION BY exchange ORDER BY taken_at) AS rn
			FROM balance_snapshots
			WHERE subscriber_id = ? AND taken_at >= ?
		) WHERE rn = 1`, subscriberID, dayStart).Scan(&equity)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return equity, err
}
