// Package notify is the fire-and-forget side-effect emitter. Every event is
// appended to the audit log, then pushed to the configured sinks. A sink
// failure is logged and contained; it never blocks or fails trading.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"copytrader/internal/storage"
)

// Event is one notification
type Event struct {
	SubscriberID int64
	SignalID     string
	Kind         string
	Severity     string
	Message      string
}

// Sink delivers events to an external surface
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Service fans events out to the audit log and all sinks
type Service struct {
	db      *storage.DB
	sinks   []Sink
	timeout time.Duration
}

// NewService creates the fan-out service
func NewService(db *storage.DB, timeout time.Duration, sinks ...Sink) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{db: db, sinks: sinks, timeout: timeout}
}

// Emit records the event and pushes it to every sink. Always returns
// immediately; sink delivery happens in the background.
func (s *Service) Emit(e Event) {
	if err := s.db.AppendAudit(&storage.AuditEvent{
		SubscriberID: e.SubscriberID,
		SignalID:     e.SignalID,
		Kind:         e.Kind,
		Detail:       e.Message,
		Severity:     e.Severity,
	}); err != nil {
		log.Error().Err(err).Str("kind", e.Kind).Msg("failed to append audit event")
	}

	for _, sink := range s.sinks {
		go func(sink Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := sink.Send(ctx, e); err != nil {
				log.Warn().Err(err).Str("sink", sink.Name()).Str("kind", e.Kind).
					Msg("notification sink failed")
			}
		}(sink)
	}
}

// TelegramSink posts event messages to a Telegram chat
type TelegramSink struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSink creates a Telegram sink
func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the sink in logs
func (t *TelegramSink) Name() string { return "telegram" }

// Send posts one message
func (t *TelegramSink) Send(ctx context.Context, e Event) error {
	text := fmt.Sprintf("[%s] %s", strings.ToUpper(e.Kind), e.Message)

	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %d", resp.StatusCode)
	}
	return nil
}

// WebhookSink POSTs event JSON to a configured endpoint
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a generic webhook sink
func NewWebhookSink(sinkURL string) *WebhookSink {
	return &WebhookSink{
		url:    sinkURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the sink in logs
func (w *WebhookSink) Name() string { return "webhook" }

// Send posts one event
func (w *WebhookSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(map[string]any{
		"subscriber_id": e.SubscriberID,
		"signal_id":     e.SignalID,
		"kind":          e.Kind,
		"severity":      e.Severity,
		"message":       e.Message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink failed: %d", resp.StatusCode)
	}
	return nil
}
