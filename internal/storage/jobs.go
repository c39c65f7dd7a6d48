package storage

import "database/sql"

// Job states
const (
	JobQueued  = "QUEUED"
	JobRunning = "RUNNING"
	JobDone    = "DONE"
	JobFailed  = "FAILED"
)

// Job is one durable queue entry. The (name, key) pair makes re-enqueue
// idempotent: enqueueing execute_signal twice for the same signal id is a
// no-op.
type Job struct {
	ID          int64
	Name        string
	Key         string
	Args        string
	Status      string
	Attempts    int
	RunAt       int64
	LockedUntil int64
	LastError   string
	CreatedAt   int64
}

// EnqueueJob inserts a job if no job with the same (name, key) exists yet.
// Reports whether a new job was created.
func (d *DB) EnqueueJob(name, key, args string, runAt int64) (bool, error) {
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO jobs (name, key, args, status, run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, key, args, JobQueued, runAt, Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimNextJob picks one runnable job and locks it until visibilityUntil.
// Runnable means QUEUED with run_at due, or RUNNING past its visibility
// deadline (a crashed worker). Returns nil when nothing is due.
func (d *DB) ClaimNextJob(now, visibilityUntil int64) (*Job, error) {
	var j Job
	err := d.db.QueryRow(`
		SELECT id, name, key, args, status, attempts, run_at, locked_until, last_error, created_at
		FROM jobs
		WHERE (status = 'QUEUED' AND run_at <= ?)
		   OR (status = 'RUNNING' AND locked_until < ?)
		ORDER BY run_at LIMIT 1`, now, now).Scan(
		&j.ID, &j.Name, &j.Key, &j.Args, &j.Status, &j.Attempts,
		&j.RunAt, &j.LockedUntil, &j.LastError, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Claim with a guarded update so concurrent workers cannot both win.
	res, err := d.db.Exec(`
		UPDATE jobs SET status = 'RUNNING', attempts = attempts + 1, locked_until = ?
		WHERE id = ? AND ((status = 'QUEUED' AND run_at <= ?) OR (status = 'RUNNING' AND locked_until < ?))`,
		visibilityUntil, j.ID, now, now)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race; the caller polls again.
		return nil, nil
	}
	j.Status = JobRunning
	j.Attempts++
	j.LockedUntil = visibilityUntil
	return &j, nil
}

// CompleteJob marks a job done
func (d *DB) CompleteJob(id int64) error {
	_, err := d.db.Exec(`UPDATE jobs SET status = 'DONE', locked_until = 0 WHERE id = ?`, id)
	return err
}

// RetryJob re-queues a failed run with a new due time
func (d *DB) RetryJob(id, runAt int64, lastError string) error {
	_, err := d.db.Exec(`
		UPDATE jobs SET status = 'QUEUED', run_at = ?, locked_until = 0, last_error = ?
		WHERE id = ?`, runAt, lastError, id)
	return err
}

// FailJob marks a job terminally failed
func (d *DB) FailJob(id int64, lastError string) error {
	_, err := d.db.Exec(`
		UPDATE jobs SET status = 'FAILED', locked_until = 0, last_error = ? WHERE id = ?`,
		lastError, id)
	return err
}

// DeleteJob removes a finished periodic job row so its (name, key) can be
// enqueued again for the next tick.
func (d *DB) DeleteJob(id int64) error {
	_, err := d.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}
