package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Notify     NotifyConfig     `mapstructure:"notify"`

	// Per-exchange settings keyed by exchange id ("binance", "paper", ...)
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
}

type ServerConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type WebhookConfig struct {
	PassphraseEnv string `mapstructure:"passphrase_env"`
	// Fixed-window edge limit: max accepted requests per source IP per window
	RateLimitMax       int `mapstructure:"rate_limit_max"`
	RateLimitWindowSec int `mapstructure:"rate_limit_window_sec"`
}

type DatabaseConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type QueueConfig struct {
	Workers           int `mapstructure:"workers"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	VisibilitySeconds int `mapstructure:"visibility_seconds"`
	MaxAttempts       int `mapstructure:"max_attempts"`
}

// TradingConfig carries the global parameter defaults. Subscriber settings,
// strategy overrides and signal overrides are layered on top of these.
type TradingConfig struct {
	RiskPercent       float64 `mapstructure:"risk_percent"`
	Leverage          int     `mapstructure:"leverage"`
	TakeProfitPercent float64 `mapstructure:"take_profit_percent"`
	StopLossPercent   float64 `mapstructure:"stop_loss_percent"`
	MaxOpenPositions  int     `mapstructure:"max_open_positions"`
	MaxLeverage       int     `mapstructure:"max_leverage"`
	FanoutConcurrency int     `mapstructure:"fanout_concurrency"`
}

type SupervisorConfig struct {
	TickSeconds         int `mapstructure:"tick_seconds"`
	BatchSize           int `mapstructure:"batch_size"`
	SnapshotIntervalMin int `mapstructure:"snapshot_interval_min"`
}

type VaultConfig struct {
	MasterKeyEnv string `mapstructure:"master_key_env"`
}

type NotifyConfig struct {
	TelegramBotTokenEnv string `mapstructure:"telegram_bot_token_env"`
	TelegramChatID      string `mapstructure:"telegram_chat_id"`
	WebhookSinkURL      string `mapstructure:"webhook_sink_url"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

type ExchangeConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	StreamURL      string  `mapstructure:"stream_url"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("server.listen_host", "0.0.0.0")
	v.SetDefault("server.listen_port", 8080)
	v.SetDefault("webhook.passphrase_env", "WEBHOOK_PASSPHRASE")
	v.SetDefault("webhook.rate_limit_max", 30)
	v.SetDefault("webhook.rate_limit_window_sec", 60)
	v.SetDefault("database.sqlite_path", "./data/copytrader.db")
	v.SetDefault("queue.workers", 8)
	v.SetDefault("queue.poll_interval_ms", 250)
	v.SetDefault("queue.visibility_seconds", 60)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("trading.risk_percent", 2.0)
	v.SetDefault("trading.leverage", 10)
	v.SetDefault("trading.take_profit_percent", 4.0)
	v.SetDefault("trading.stop_loss_percent", 2.0)
	v.SetDefault("trading.max_open_positions", 10)
	v.SetDefault("trading.max_leverage", 125)
	v.SetDefault("trading.fanout_concurrency", 8)
	v.SetDefault("supervisor.tick_seconds", 5)
	v.SetDefault("supervisor.batch_size", 50)
	v.SetDefault("supervisor.snapshot_interval_min", 15)
	v.SetDefault("vault.master_key_env", "MASTER_ENCRYPTION_KEY")
	v.SetDefault("notify.telegram_bot_token_env", "TELEGRAM_BOT_TOKEN")
	v.SetDefault("notify.timeout_seconds", 5)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetTrading returns the global trading defaults
func (m *Manager) GetTrading() TradingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Trading
}

// GetExchange returns the settings for one exchange id.
// The zero value is returned for unknown exchanges; callers apply their own floor.
func (m *Manager) GetExchange(id string) ExchangeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Exchanges[id]
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetPassphrase loads the webhook shared secret from the environment
func (m *Manager) GetPassphrase() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Webhook.PassphraseEnv)
}

// GetMasterKey loads the vault master key from the environment.
// It is read once at startup; the vault never re-reads it.
func (m *Manager) GetMasterKey() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := os.Getenv(m.config.Vault.MasterKeyEnv)
	if key == "" {
		return "", fmt.Errorf("master key env %s is not set", m.config.Vault.MasterKeyEnv)
	}
	return key, nil
}

// GetTelegramToken loads the notification bot token from the environment
func (m *Manager) GetTelegramToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Notify.TelegramBotTokenEnv)
}

// GetSupervisorTick returns the supervisor tick interval as duration
func (m *Manager) GetSupervisorTick() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Supervisor.TickSeconds) * time.Second
}

// GetQueuePoll returns the queue poll interval as duration
func (m *Manager) GetQueuePoll() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Queue.PollIntervalMs) * time.Millisecond
}
