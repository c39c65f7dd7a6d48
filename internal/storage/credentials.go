package storage

import "database/sql"

// Credential approval states
const (
	CredentialPending  = "PENDING"
	CredentialApproved = "APPROVED"
	CredentialRejected = "REJECTED"
)

// Credential holds one subscriber's encrypted API keys for one exchange.
// Only the vault ever sees the plaintext; storage carries ciphertext.
type Credential struct {
	ID           int64
	SubscriberID int64
	Exchange     string
	Ciphertext   []byte
	Status       string
	Active       bool
	LastError    string
}

// InsertCredential stores a credential row (replacing any prior one for the
// same subscriber and exchange) and returns its id
func (d *DB) InsertCredential(c *Credential) (int64, error) {
	res, err := d.db.Exec(`
		INSERT OR REPLACE INTO credentials
		(subscriber_id, exchange, ciphertext, status, active, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.SubscriberID, c.Exchange, c.Ciphertext, c.Status, boolInt(c.Active), c.LastError)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetCredential retrieves a credential by id
func (d *DB) GetCredential(id int64) (*Credential, error) {
	return d.scanCredential(d.db.QueryRow(`
		SELECT id, subscriber_id, exchange, ciphertext, status, active, last_error
		FROM credentials WHERE id = ?`, id))
}

// GetApprovedCredentials returns the subscriber's APPROVED+active credentials
func (d *DB) GetApprovedCredentials(subscriberID int64) ([]*Credential, error) {
	rows, err := d.db.Query(`
		SELECT id, subscriber_id, exchange, ciphertext, status, active, last_error
		FROM credentials WHERE subscriber_id = ? AND status = ? AND active = 1`,
		subscriberID, CredentialApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		var c Credential
		var active int
		if err := rows.Scan(&c.ID, &c.SubscriberID, &c.Exchange, &c.Ciphertext,
			&c.Status, &active, &c.LastError); err != nil {
			return nil, err
		}
		c.Active = active != 0
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

// ApproveCredential flips a pending credential to APPROVED and activates it
func (d *DB) ApproveCredential(id int64) error {
	_, err := d.db.Exec(`UPDATE credentials SET status = ?, active = 1 WHERE id = ?`,
		CredentialApproved, id)
	return err
}

// DisableCredential deactivates a credential and records the reason.
// Used when an exchange rejects the key (AuthError).
func (d *DB) DisableCredential(id int64, reason string) error {
	_, err := d.db.Exec(`UPDATE credentials SET active = 0, last_error = ? WHERE id = ?`,
		reason, id)
	return err
}

func (d *DB) scanCredential(row *sql.Row) (*Credential, error) {
	var c Credential
	var active int
	err := row.Scan(&c.ID, &c.SubscriberID, &c.Exchange, &c.Ciphertext,
		&c.Status, &active, &c.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Active = active != 0
	return &c, nil
}
