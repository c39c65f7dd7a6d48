package vault

import (
	"path/filepath"
	"testing"

	"copytrader/internal/storage"
)

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	return db
}

func TestPutGetRoundtrip(t *testing.T) {
	db := testDB(t)
	v, err := New("unit-test-master-key", db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	subID, _ := db.InsertSubscriber(&storage.Subscriber{Name: "alice", Active: true})

	id, err := v.Put(subID, "binance", "key-123", "secret-456", "pass-789")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	creds, err := v.GetPlaintext(id)
	if err != nil {
		t.Fatalf("GetPlaintext: %v", err)
	}
	if creds.APIKey != "key-123" || creds.APISecret != "secret-456" || creds.Passphrase != "pass-789" {
		t.Errorf("roundtrip mismatch: %+v", creds)
	}
	if creds.ID != id {
		t.Errorf("credential id = %d, want %d", creds.ID, id)
	}
}

func TestCiphertextIsNotPlaintext(t *testing.T) {
	db := testDB(t)
	v, _ := New("unit-test-master-key", db)
	subID, _ := db.InsertSubscriber(&storage.Subscriber{Name: "alice", Active: true})

	id, _ := v.Put(subID, "binance", "hunter2-api-key", "hunter2-secret", "")
	row, err := db.GetCredential(id)
	if err != nil || row == nil {
		t.Fatalf("GetCredential: %v %v", row, err)
	}
	if string(row.Ciphertext) == "hunter2-api-key" {
		t.Fatal("ciphertext contains plaintext")
	}
	for i := 0; i+15 < len(row.Ciphertext); i++ {
		if string(row.Ciphertext[i:i+15]) == "hunter2-api-key" {
			t.Fatal("plaintext key embedded in ciphertext")
		}
	}
}

func TestWrongMasterKeyFails(t *testing.T) {
	db := testDB(t)
	v1, _ := New("key-one", db)
	subID, _ := db.InsertSubscriber(&storage.Subscriber{Name: "alice", Active: true})
	id, _ := v1.Put(subID, "binance", "k", "s", "")

	v2, _ := New("key-two", db)
	if _, err := v2.GetPlaintext(id); err == nil {
		t.Fatal("decrypt with wrong master key must fail")
	}
}

func TestNewCredentialStartsPending(t *testing.T) {
	db := testDB(t)
	v, _ := New("unit-test-master-key", db)
	subID, _ := db.InsertSubscriber(&storage.Subscriber{Name: "alice", Active: true})
	id, _ := v.Put(subID, "binance", "k", "s", "")

	status, err := v.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != storage.CredentialPending {
		t.Errorf("status = %q, want PENDING", status)
	}

	// Not visible to execution until approved.
	approved, _ := db.GetApprovedCredentials(subID)
	if len(approved) != 0 {
		t.Fatal("pending credential must not be approved")
	}
	_ = db.ApproveCredential(id)
	approved, _ = db.GetApprovedCredentials(subID)
	if len(approved) != 1 {
		t.Fatal("approved credential missing")
	}
}

func TestEmptyMasterKeyRejected(t *testing.T) {
	if _, err := New("", testDB(t)); err == nil {
		t.Fatal("empty master key must be rejected")
	}
}
