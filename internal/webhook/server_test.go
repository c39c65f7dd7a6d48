package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"copytrader/internal/queue"
	"copytrader/internal/storage"
)

func testServer(t *testing.T, rateLimitMax int) (*Server, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	q := queue.New(db, queue.Options{})
	s := NewServer(db, q, Options{
		Host:            "127.0.0.1",
		Port:            0,
		Passphrase:      func() string { return "s3cret" },
		RateLimitMax:    rateLimitMax,
		RateLimitWindow: time.Minute,
		MaxLeverage:     125,
	})
	return s, db
}

func post(t *testing.T, s *Server, payload map[string]any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestWebhookRejectsBadPassphrase(t *testing.T) {
	s, _ := testServer(t, 100)
	resp := post(t, s, map[string]any{
		"passphrase": "wrong", "symbol": "BTCUSDT", "action": "long",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWebhookValidation(t *testing.T) {
	s, _ := testServer(t, 100)
	cases := []map[string]any{
		{"passphrase": "s3cret", "symbol": "", "action": "long"},
		{"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "buy"},
		{"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "long", "risk_perc": 0.0},
		{"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "long", "risk_perc": 120.0},
		{"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "long", "leverage": 0},
		{"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "long", "leverage": 500},
		{"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "long", "tp_perc": -1.0},
	}
	for i, payload := range cases {
		resp := post(t, s, payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}
}

func TestWebhookQueueThenDuplicate(t *testing.T) {
	s, db := testServer(t, 100)
	payload := map[string]any{
		"passphrase": "s3cret", "symbol": "btc-usdt", "action": "long", "risk_perc": 2.5,
	}

	resp := post(t, s, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var first struct {
		Status   string `json:"status"`
		SignalID string `json:"signal_id"`
		Symbol   string `json:"symbol"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&first)
	if first.Status != "queued" {
		t.Errorf("status = %q, want queued", first.Status)
	}
	if first.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want canonical BTCUSDT", first.Symbol)
	}

	// Same content again: same id, duplicate status, no second signal row.
	resp = post(t, s, payload)
	var second struct {
		Status   string `json:"status"`
		SignalID string `json:"signal_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&second)
	if second.Status != "duplicate" {
		t.Errorf("status = %q, want duplicate", second.Status)
	}
	if second.SignalID != first.SignalID {
		t.Errorf("signal id changed across deliveries: %q vs %q", first.SignalID, second.SignalID)
	}

	sig, err := db.GetSignal(first.SignalID)
	if err != nil || sig == nil {
		t.Fatalf("GetSignal: %v %v", sig, err)
	}
}

func TestWebhookRedeliveryHealsMissedEnqueue(t *testing.T) {
	s, db := testServer(t, 100)

	// The signal row landed but the process died before the job insert.
	sig, err := normalize(&Payload{Symbol: "BTCUSDT", Action: "long"}, 125)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	created, err := db.InsertSignalOnce(sig)
	if err != nil || !created {
		t.Fatalf("seed signal: created=%v err=%v", created, err)
	}

	resp := post(t, s, map[string]any{
		"passphrase": "s3cret", "symbol": "BTCUSDT", "action": "long",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		SignalID string `json:"signal_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Status != "duplicate" || body.SignalID != sig.SignalID {
		t.Fatalf("got %s/%s, want duplicate/%s", body.Status, body.SignalID, sig.SignalID)
	}

	// Re-delivery must have enqueued the missing execute_signal job.
	now := storage.Now()
	job, err := db.ClaimNextJob(now, now+60)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no execute_signal job after re-delivery")
	}
	if job.Name != queue.JobExecuteSignal || job.Args != sig.SignalID {
		t.Errorf("job = %s/%s, want %s/%s", job.Name, job.Args, queue.JobExecuteSignal, sig.SignalID)
	}
}

func TestWebhookPassphraseNotPartOfIdentity(t *testing.T) {
	// Two deliveries differing only in an (accepted) passphrase field order or
	// whitespace collapse onto one signal id via the canonical hash.
	s1 := &storage.Signal{Symbol: "BTCUSDT", Action: "long"}
	s2 := &storage.Signal{Symbol: "BTCUSDT", Action: "long"}
	if signalID(s1) != signalID(s2) {
		t.Fatal("identical content must produce identical ids")
	}
	s2.Action = "short"
	if signalID(s1) == signalID(s2) {
		t.Fatal("different content must produce different ids")
	}
}

func TestWebhookRateLimit(t *testing.T) {
	s, _ := testServer(t, 5)
	limitHit := false
	for i := 0; i < 20; i++ {
		resp := post(t, s, map[string]any{
			"passphrase": "wrong", "symbol": "BTCUSDT", "action": "long",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			limitHit = true
			break
		}
	}
	if !limitHit {
		t.Error("rate limit was not hit after 20 requests")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t, 100)
	req, _ := http.NewRequest("GET", "/health", nil)
	resp, err := s.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}
