package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"copytrader/internal/config"
	"copytrader/internal/engine"
	"copytrader/internal/exchange"
	"copytrader/internal/notify"
	"copytrader/internal/queue"
	"copytrader/internal/ratelimit"
	"copytrader/internal/storage"
	"copytrader/internal/supervisor"
	"copytrader/internal/vault"
	"copytrader/internal/webhook"
)

func main() {
	setupLogger()
	log.Info().Msg("copytrader engine starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	db, err := storage.NewDB(cfg.Get().Database.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	// The master key is read exactly once; nothing downstream sees the env.
	masterKey, err := cfg.GetMasterKey()
	if err != nil {
		log.Fatal().Err(err).Msg("vault key unavailable")
	}
	v, err := vault.New(masterKey, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}
	masterKey = ""

	registry, limiter := buildExchanges(cfg)

	notifier := buildNotifier(cfg, db)

	qcfg := cfg.Get().Queue
	q := queue.New(db, queue.Options{
		Workers:     qcfg.Workers,
		Poll:        cfg.GetQueuePoll(),
		Visibility:  time.Duration(qcfg.VisibilitySeconds) * time.Second,
		MaxAttempts: qcfg.MaxAttempts,
	})

	resolver := engine.NewResolver(db, cfg, registry)
	executor := engine.NewExecutor(db, cfg, v, registry, limiter, resolver, notifier)
	sup := supervisor.New(db, cfg, v, registry, limiter, notifier)

	q.Register(queue.JobExecuteSignal, executor.ExecuteSignal)
	q.RegisterPeriodic(queue.JobSupervise, cfg.GetSupervisorTick(), sup.Supervise)
	q.RegisterPeriodic(queue.JobBalanceSnapshots,
		time.Duration(cfg.Get().Supervisor.SnapshotIntervalMin)*time.Minute,
		sup.RecordBalanceSnapshots)

	wcfg := cfg.Get().Webhook
	server := webhook.NewServer(db, q, webhook.Options{
		Host:            cfg.Get().Server.ListenHost,
		Port:            cfg.Get().Server.ListenPort,
		Passphrase:      cfg.GetPassphrase,
		RateLimitMax:    wcfg.RateLimitMax,
		RateLimitWindow: time.Duration(wcfg.RateLimitWindowSec) * time.Second,
		MaxLeverage:     cfg.Get().Trading.MaxLeverage,
		Health:          executor.Metrics().Snapshot,
	})

	ctx, cancel := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(queueDone)
	}()
	go sup.RunFillStreams(ctx)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	log.Info().
		Str("host", cfg.Get().Server.ListenHost).
		Int("port", cfg.Get().Server.ListenPort).
		Msg("webhook server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	if err := server.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	cancel()
	select {
	case <-queueDone:
	case <-time.After(2 * time.Duration(cfg.Get().Queue.VisibilitySeconds) * time.Second):
		log.Warn().Msg("queue drain timed out")
	}
	log.Info().Msg("goodbye")
}

// buildExchanges constructs every configured adapter and the matching
// rate-limit buckets. The paper venue is always available for dry runs.
func buildExchanges(cfg *config.Manager) (*exchange.Registry, *ratelimit.Registry) {
	var adapters []exchange.Adapter
	limits := make(map[string]ratelimit.Limits)

	for id, ec := range cfg.Get().Exchanges {
		switch id {
		case "binance":
			adapters = append(adapters, exchange.NewBinance(
				ec.BaseURL, ec.StreamURL, time.Duration(ec.TimeoutSeconds)*time.Second))
		case "paper":
			adapters = append(adapters, exchange.NewPaper())
		default:
			log.Warn().Str("exchange", id).Msg("unknown exchange in config, skipping")
			continue
		}
		limits[id] = ratelimit.Limits{PerSecond: ec.RatePerSecond, Burst: ec.Burst}
	}
	if len(adapters) == 0 {
		log.Warn().Msg("no exchanges configured, running paper only")
		adapters = append(adapters, exchange.NewPaper())
	}

	return exchange.NewRegistry(adapters...), ratelimit.NewRegistry(limits, ratelimit.Limits{})
}

func buildNotifier(cfg *config.Manager, db *storage.DB) *notify.Service {
	nc := cfg.Get().Notify
	var sinks []notify.Sink
	if token := cfg.GetTelegramToken(); token != "" && nc.TelegramChatID != "" {
		sinks = append(sinks, notify.NewTelegramSink(token, nc.TelegramChatID))
	}
	if nc.WebhookSinkURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(nc.WebhookSinkURL))
	}
	return notify.NewService(db, time.Duration(nc.TimeoutSeconds)*time.Second, sinks...)
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
