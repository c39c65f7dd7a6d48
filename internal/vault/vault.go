// Package vault encrypts subscriber API credentials. Plaintext exists only in
// the return value of GetPlaintext; storage sees ciphertext, logs see nothing.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"copytrader/internal/exchange"
	"copytrader/internal/storage"
)

// Vault seals and opens credential secrets with a server-held master key.
// The key is fixed at construction and never re-read.
type Vault struct {
	aeadKey [32]byte
	db      *storage.DB
}

// secret is the JSON shape sealed inside the ciphertext
type secret struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// New derives the AEAD key from the operator-provided master key material
func New(masterKey string, db *storage.DB) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is empty")
	}
	v := &Vault{db: db}
	v.aeadKey = sha256.Sum256([]byte(masterKey))
	return v, nil
}

func (v *Vault) aead() (aeadCipher, error) {
	return chacha20poly1305.NewX(v.aeadKey[:])
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// Put encrypts and stores a credential for (subscriber, exchange).
// New credentials start PENDING and inactive until approved.
func (v *Vault) Put(subscriberID int64, exchangeID, apiKey, apiSecret, passphrase string) (int64, error) {
	plaintext, err := json.Marshal(secret{APIKey: apiKey, APISecret: apiSecret, Passphrase: passphrase})
	if err != nil {
		return 0, err
	}

	aead, err := v.aead()
	if err != nil {
		return 0, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return 0, err
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)

	return v.db.InsertCredential(&storage.Credential{
		SubscriberID: subscriberID,
		Exchange:     exchangeID,
		Ciphertext:   ciphertext,
		Status:       storage.CredentialPending,
	})
}

// GetPlaintext decrypts one credential for immediate adapter use
func (v *Vault) GetPlaintext(credentialID int64) (exchange.Credentials, error) {
	row, err := v.db.GetCredential(credentialID)
	if err != nil {
		return exchange.Credentials{}, err
	}
	if row == nil {
		return exchange.Credentials{}, fmt.Errorf("credential %d not found", credentialID)
	}
	return v.open(row)
}

// Open decrypts a credential row already loaded by the caller
func (v *Vault) Open(row *storage.Credential) (exchange.Credentials, error) {
	return v.open(row)
}

func (v *Vault) open(row *storage.Credential) (exchange.Credentials, error) {
	aead, err := v.aead()
	if err != nil {
		return exchange.Credentials{}, err
	}
	if len(row.Ciphertext) < aead.NonceSize() {
		return exchange.Credentials{}, fmt.Errorf("credential %d: ciphertext too short", row.ID)
	}
	nonce := row.Ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, row.Ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("credential %d: decrypt failed: %w", row.ID, err)
	}

	var s secret
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return exchange.Credentials{}, err
	}
	return exchange.Credentials{
		ID:         row.ID,
		APIKey:     s.APIKey,
		APISecret:  s.APISecret,
		Passphrase: s.Passphrase,
	}, nil
}

// Disable deactivates a credential, recording why
func (v *Vault) Disable(credentialID int64, reason string) error {
	return v.db.DisableCredential(credentialID, reason)
}

// Status returns the approval status of a credential
func (v *Vault) Status(credentialID int64) (string, error) {
	row, err := v.db.GetCredential(credentialID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("credential %d not found", credentialID)
	}
	return row.Status, nil
}
