// Package webhook is the signal intake surface: one authenticated POST
// endpoint that validates, deduplicates, and durably enqueues signals. The
// HTTP contract ends at enqueue; execution failures never reach the caller.
package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/rs/zerolog/log"

	"copytrader/internal/exchange"
	"copytrader/internal/queue"
	"copytrader/internal/storage"
)

// Payload is the webhook body schema
type Payload struct {
	Passphrase  string   `json:"passphrase"`
	Symbol      string   `json:"symbol"`
	Action      string   `json:"action"`
	RiskPercent *float64 `json:"risk_perc,omitempty"`
	Leverage    *int     `json:"leverage,omitempty"`
	TPPercent   *float64 `json:"tp_perc,omitempty"`
	SLPercent   *float64 `json:"sl_perc,omitempty"`
	StrategyID  *int64   `json:"strategy_id,omitempty"`
}

// HealthFunc reports component statuses for the health endpoint
type HealthFunc func() map[string]any

// Server runs the HTTP server for receiving signals
type Server struct {
	app         *fiber.App
	db          *storage.DB
	queue       *queue.Queue
	passphrase  func() string
	health      HealthFunc
	host        string
	port        int
	maxLeverage int
}

// Options configures the intake server
type Options struct {
	Host            string
	Port            int
	Passphrase      func() string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxLeverage     int
	Health          HealthFunc
}

// NewServer creates the signal intake server
func NewServer(db *storage.DB, q *queue.Queue, opts Options) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 30
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.MaxLeverage <= 0 {
		opts.MaxLeverage = 125
	}

	s := &Server{
		app:         app,
		db:          db,
		queue:       q,
		passphrase:  opts.Passphrase,
		health:      opts.Health,
		host:        opts.Host,
		port:        opts.Port,
		maxLeverage: opts.MaxLeverage,
	}

	// Fixed-window per-IP edge limit
	app.Use("/webhook", limiter.New(limiter.Config{
		Max:        opts.RateLimitMax,
		Expiration: opts.RateLimitWindow,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limited"})
		},
	}))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		body := fiber.Map{
			"status": "ok",
			"time":   time.Now().Unix(),
		}
		if s.health != nil {
			for k, v := range s.health() {
				body[k] = v
			}
		}
		return c.JSON(body)
	})

	s.app.Post("/webhook", s.handleWebhook)
}

func (s *Server) handleWebhook(c *fiber.Ctx) error {
	var payload Payload
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse webhook payload")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	// Constant-time passphrase check before anything else touches the body
	want := s.passphrase()
	if want == "" || subtle.ConstantTimeCompare([]byte(payload.Passphrase), []byte(want)) != 1 {
		log.Warn().Str("ip", c.IP()).Msg("webhook passphrase mismatch")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}

	sig, err := normalize(&payload, s.maxLeverage)
	if err != nil {
		log.Debug().Err(err).Msg("webhook validation failed")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	created, err := s.db.InsertSignalOnce(sig)
	if err != nil {
		log.Error().Err(err).Msg("failed to insert signal")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage failure"})
	}

	// The job key is the signal id, so the enqueue runs on duplicates too: a
	// crash between insert and enqueue is healed by re-delivery, and when the
	// job already exists this is a no-op.
	if _, err := s.queue.Enqueue(queue.JobExecuteSignal, sig.SignalID, sig.SignalID); err != nil {
		log.Error().Err(err).Str("signal", sig.SignalID).Msg("failed to enqueue signal job")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue failure"})
	}

	if !created {
		log.Debug().Str("signal", sig.SignalID).Msg("duplicate signal delivery")
		return c.JSON(fiber.Map{
			"status":    "duplicate",
			"signal_id": sig.SignalID,
			"symbol":    sig.Symbol,
			"action":    sig.Action,
		})
	}

	_ = s.db.AppendAudit(&storage.AuditEvent{
		SignalID: sig.SignalID,
		Kind:     storage.AuditSignalReceived,
		Detail:   fmt.Sprintf("%s %s", sig.Action, sig.Symbol),
	})

	log.Info().
		Str("signal", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("action", sig.Action).
		Msg("signal queued")

	return c.JSON(fiber.Map{
		"status":    "queued",
		"signal_id": sig.SignalID,
		"symbol":    sig.Symbol,
		"action":    sig.Action,
	})
}

// normalize validates the payload and derives the content-hash signal id
func normalize(p *Payload, maxLeverage int) (*storage.Signal, error) {
	symbol := exchange.CanonicalSymbol(p.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	switch p.Action {
	case storage.ActionLong, storage.ActionShort, storage.ActionClose:
	default:
		return nil, fmt.Errorf("action must be long, short, or close")
	}

	if p.RiskPercent != nil && (*p.RiskPercent <= 0 || *p.RiskPercent > 100) {
		return nil, fmt.Errorf("risk_perc must be in (0, 100]")
	}
	if p.Leverage != nil && (*p.Leverage < 1 || *p.Leverage > maxLeverage) {
		return nil, fmt.Errorf("leverage must be in [1, %d]", maxLeverage)
	}
	if p.TPPercent != nil && *p.TPPercent < 0 {
		return nil, fmt.Errorf("tp_perc must be >= 0")
	}
	if p.SLPercent != nil && *p.SLPercent < 0 {
		return nil, fmt.Errorf("sl_perc must be >= 0")
	}

	sig := &storage.Signal{
		Symbol:      symbol,
		Action:      p.Action,
		RiskPercent: p.RiskPercent,
		Leverage:    p.Leverage,
		TPPercent:   p.TPPercent,
		SLPercent:   p.SLPercent,
		ReceivedAt:  storage.Now(),
	}
	if p.StrategyID != nil {
		sig.StrategyID = *p.StrategyID
	}
	sig.SignalID = signalID(sig)
	return sig, nil
}

// signalID hashes the canonical signal content. Identical deliveries collapse
// to one id regardless of field order or whitespace in the original body; the
// passphrase never participates.
func signalID(s *storage.Signal) string {
	canonical := struct {
		StrategyID int64    `json:"strategy_id"`
		Symbol     string   `json:"symbol"`
		Action     string   `json:"action"`
		Risk       *float64 `json:"risk,omitempty"`
		Leverage   *int     `json:"leverage,omitempty"`
		TP         *float64 `json:"tp,omitempty"`
		SL         *float64 `json:"sl,omitempty"`
	}{s.StrategyID, s.Symbol, s.Action, s.RiskPercent, s.Leverage, s.TPPercent, s.SLPercent}

	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting webhook server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
