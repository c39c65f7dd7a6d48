// Package exchange provides a uniform capability set over heterogeneous
// perpetual-futures venues. Each venue implements Adapter; callers never see
// venue-specific request shapes, error payloads, or symbol spellings.
package exchange

import (
	"context"
	"strings"
)

// Credentials is the decrypted API key material handed to an adapter call.
// It lives only for the duration of the call; the vault owns persistence.
type Credentials struct {
	ID         int64 // credential row id, used for rate-limit bucketing
	APIKey     string
	APISecret  string
	Passphrase string
}

// Balance is the account state relevant to sizing
type Balance struct {
	Equity    float64
	Available float64
}

// SymbolRules are the venue's numeric constraints for one symbol
type SymbolRules struct {
	TickSize     float64
	QuantityStep float64
	MinNotional  float64
	MaxLeverage  int
}

// Order sides
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// Reduce-order kinds
const (
	KindTakeProfit = "tp"
	KindStopLoss   = "sl"
)

// OrderResult is the normalized response to a market submission
type OrderResult struct {
	OrderID   string
	FillPrice float64
	FilledQty float64
}

// PositionInfo is the venue-reported position on one symbol
type PositionInfo struct {
	Side       string // LONG or SHORT
	Quantity   float64
	EntryPrice float64
}

// FillEvent is one execution report from the venue's stream
type FillEvent struct {
	Symbol      string
	OrderID     string
	Side        string
	Quantity    float64
	Price       float64
	RealizedPnL float64
	Timestamp   int64
}

// Adapter is the capability set every venue variant provides. All calls are
// suspension points with bounded timeouts; errors come from the closed
// taxonomy in errors.go.
type Adapter interface {
	// ID returns the exchange identifier ("binance", "paper", ...)
	ID() string

	FetchBalance(ctx context.Context, creds Credentials) (*Balance, error)
	FetchSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
	SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error
	SubmitMarket(ctx context.Context, creds Credentials, symbol, side string, quantity float64, reduceOnly bool) (*OrderResult, error)
	SubmitReduceOrder(ctx context.Context, creds Credentials, symbol, side string, quantity, triggerPrice float64, kind string) (*OrderResult, error)
	CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error
	FetchPosition(ctx context.Context, creds Credentials, symbol string) (*PositionInfo, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// FillStreamer is implemented by venues with an execution-report stream.
// The supervisor uses it when available and falls back to polling otherwise.
type FillStreamer interface {
	StreamFills(ctx context.Context, creds Credentials, out chan<- FillEvent) error
}

// Registry maps exchange ids to adapters
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry over the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for an exchange id, or nil when unknown
func (r *Registry) Get(id string) Adapter {
	return r.adapters[id]
}

// CanonicalSymbol normalizes a symbol to the internal form: uppercased
// alphanumerics with separators stripped ("btc-usdt" -> "BTCUSDT").
func CanonicalSymbol(symbol string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(symbol) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
