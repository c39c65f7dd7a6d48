package storage

import "github.com/google/uuid"

// Audit event kinds
const (
	AuditSignalReceived  = "signal_received"
	AuditFanoutStarted   = "fanout_started"
	AuditFanoutCompleted = "fanout_completed"
	AuditAttemptOutcome  = "attempt_outcome"
	AuditSupervisor      = "supervisor_action"
	AuditGuardrail       = "guardrail_trip"
	AuditJobFailed       = "job_failed"
	AuditInvariant       = "invariant_violation"
)

// AuditEvent is one append-only log record
type AuditEvent struct {
	ID           string
	SubscriberID int64
	SignalID     string
	Kind         string
	Detail       string
	Severity     string
	CreatedAt    int64
}

// AppendAudit writes one audit event; the id is assigned here
func (d *DB) AppendAudit(e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Severity == "" {
		e.Severity = "info"
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO audit_events (id, subscriber_id, signal_id, kind, detail, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubscriberID, e.SignalID, e.Kind, e.Detail, e.Severity, e.CreatedAt)
	return err
}

// GetAuditBySubscriber returns the most recent events for one subscriber
func (d *DB) GetAuditBySubscriber(subscriberID int64, limit int) ([]*AuditEvent, error) {
	rows, err := d.db.Query(`
		SELECT id, subscriber_id, signal_id, kind, detail, severity, created_at
		FROM audit_events WHERE subscriber_id = ?
		ORDER BY created_at DESC LIMIT ?`, subscriberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.SignalID, &e.Kind,
			&e.Detail, &e.Severity, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
