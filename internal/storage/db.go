package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database
type DB struct {
	db *sql.DB
}

// NewDB creates a new database connection
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		emits_signals INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL DEFAULT 0,
		paused_until INTEGER NOT NULL DEFAULT 0,
		risk_percent REAL,
		leverage INTEGER,
		tp_percent REAL,
		sl_percent REAL,
		max_positions INTEGER,
		dca_threshold_pct REAL NOT NULL DEFAULT 0,
		dca_multiplier REAL NOT NULL DEFAULT 0,
		dca_max_adds INTEGER NOT NULL DEFAULT 0,
		tsl_activation_pct REAL NOT NULL DEFAULT 0,
		tsl_distance_pct REAL NOT NULL DEFAULT 0,
		daily_loss_cutoff_pct REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscriber_id INTEGER NOT NULL REFERENCES subscribers(id),
		exchange TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		active INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		UNIQUE(subscriber_id, exchange)
	);

	CREATE TABLE IF NOT EXISTS strategy_subscriptions (
		subscriber_id INTEGER NOT NULL REFERENCES subscribers(id),
		strategy_id INTEGER NOT NULL,
		risk_percent REAL,
		leverage INTEGER,
		tp_percent REAL,
		sl_percent REAL,
		PRIMARY KEY (subscriber_id, strategy_id)
	);

	CREATE TABLE IF NOT EXISTS signals (
		signal_id TEXT PRIMARY KEY,
		strategy_id INTEGER NOT NULL DEFAULT 0,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		risk_percent REAL,
		leverage INTEGER,
		tp_percent REAL,
		sl_percent REAL,
		status TEXT NOT NULL DEFAULT 'RECEIVED',
		received_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_attempts (
		signal_id TEXT NOT NULL REFERENCES signals(signal_id),
		subscriber_id INTEGER NOT NULL REFERENCES subscribers(id),
		outcome TEXT NOT NULL DEFAULT 'PENDING',
		reason TEXT NOT NULL DEFAULT '',
		exchange_order_id TEXT NOT NULL DEFAULT '',
		quantity REAL NOT NULL DEFAULT 0,
		risk_percent REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (signal_id, subscriber_id)
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscriber_id INTEGER NOT NULL REFERENCES subscribers(id),
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL DEFAULT 1,
		tp_order_id TEXT NOT NULL DEFAULT '',
		sl_order_id TEXT NOT NULL DEFAULT '',
		tp_percent REAL NOT NULL DEFAULT 0,
		sl_percent REAL NOT NULL DEFAULT 0,
		best_price REAL NOT NULL DEFAULT 0,
		tsl_active INTEGER NOT NULL DEFAULT 0,
		dca_adds INTEGER NOT NULL DEFAULT 0,
		last_add_price REAL NOT NULL DEFAULT 0,
		last_add_qty REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open
		ON positions(subscriber_id, exchange, symbol, side) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_positions_sub_status ON positions(subscriber_id, status);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		subscriber_id INTEGER NOT NULL REFERENCES subscribers(id),
		exchange TEXT NOT NULL,
		equity REAL NOT NULL,
		available REAL NOT NULL,
		taken_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_sub ON balance_snapshots(subscriber_id, taken_at);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		subscriber_id INTEGER NOT NULL DEFAULT 0,
		signal_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'info',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_sub ON audit_events(subscriber_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'QUEUED',
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(name, key)
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, run_at);

	CREATE INDEX IF NOT EXISTS idx_attempts_signal ON execution_attempts(signal_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}
