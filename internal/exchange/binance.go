package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Binance USDⓈ-M futures adapter.
type Binance struct {
	baseURL   string
	streamURL string
	pool      *httpClientPool

	rulesMu sync.RWMutex
	rules   map[string]*SymbolRules // cached exchangeInfo filters
	rulesAt time.Time
}

const binanceRulesTTL = 10 * time.Minute

// NewBinance creates the Binance futures adapter
func NewBinance(baseURL, streamURL string, timeout time.Duration) *Binance {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	if streamURL == "" {
		streamURL = "wss://fstream.binance.com"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Binance{
		baseURL:   strings.TrimRight(baseURL, "/"),
		streamURL: strings.TrimRight(streamURL, "/"),
		pool:      newHTTPClientPool(4, timeout),
		rules:     make(map[string]*SymbolRules),
	}
}

// ID returns the exchange identifier
func (b *Binance) ID() string { return "binance" }

// httpClientPool provides HTTP/2 connection pooling, round-robin
type httpClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

func newHTTPClientPool(size int, timeout time.Duration) *httpClientPool {
	pool := &httpClientPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	return pool
}

func (p *httpClientPool) get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

func (b *Binance) sign(secret string, params url.Values) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one REST call. Signed requests get a timestamp and an HMAC
// signature over the query string, per Binance's auth scheme.
func (b *Binance) request(ctx context.Context, creds *Credentials, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if creds != nil {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", b.sign(creds.APISecret, params))
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return WrapTransport(err)
	}
	req.Header.Set("Accept", "application/json")
	if creds != nil {
		req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	}

	resp, err := b.pool.get().Do(req)
	if err != nil {
		return WrapTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return b.normalizeError(resp, body)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return WrapTransport(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// normalizeError maps Binance HTTP/code responses onto the closed taxonomy
func (b *Binance) normalizeError(resp *http.Response, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		e := &Error{Kind: KindRateLimit, Code: apiErr.Code, Detail: apiErr.Msg}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(sec) * time.Second
			}
		}
		return e
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		apiErr.Code == -2014, apiErr.Code == -2015:
		return &Error{Kind: KindAuth, Code: apiErr.Code, Detail: apiErr.Msg}
	case apiErr.Code == -1121:
		return &Error{Kind: KindSymbol, Code: apiErr.Code, Detail: apiErr.Msg}
	case apiErr.Code == -2019, apiErr.Code == -2018:
		return &Error{Kind: KindInsufficientBalance, Code: apiErr.Code, Detail: apiErr.Msg}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindTransport, Code: apiErr.Code, Detail: apiErr.Msg}
	default:
		detail := apiErr.Msg
		if detail == "" {
			detail = string(body)
		}
		return &Error{Kind: KindReject, Code: apiErr.Code, Detail: detail}
	}
}

// FetchBalance returns USDT-margined account equity and available margin
func (b *Binance) FetchBalance(ctx context.Context, creds Credentials) (*Balance, error) {
	var acct struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if err := b.request(ctx, &creds, http.MethodGet, "/fapi/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	equity, _ := strconv.ParseFloat(acct.TotalMarginBalance, 64)
	avail, _ := strconv.ParseFloat(acct.AvailableBalance, 64)
	return &Balance{Equity: equity, Available: avail}, nil
}

// FetchSymbolRules returns the venue filters for a symbol, cached briefly
func (b *Binance) FetchSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	b.rulesMu.RLock()
	cached, ok := b.rules[symbol]
	fresh := time.Since(b.rulesAt) < binanceRulesTTL
	b.rulesMu.RUnlock()
	if ok && fresh {
		return cached, nil
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.request(ctx, nil, http.MethodGet, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	b.rulesMu.Lock()
	for _, s := range info.Symbols {
		rules := &SymbolRules{MaxLeverage: 125}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				rules.QuantityStep, _ = strconv.ParseFloat(f.StepSize, 64)
			case "MIN_NOTIONAL":
				rules.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
			}
		}
		b.rules[s.Symbol] = rules
	}
	b.rulesAt = time.Now()
	found := b.rules[symbol]
	b.rulesMu.Unlock()

	if found == nil {
		return nil, NewError(KindSymbol, "symbol not listed: "+symbol)
	}
	return found, nil
}

// SetLeverage changes the symbol's leverage setting
func (b *Binance) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return b.request(ctx, &creds, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

// SubmitMarket places a market order and reads back the fill
func (b *Binance) SubmitMarket(ctx context.Context, creds Credentials, symbol, side string, quantity float64, reduceOnly bool) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := b.request(ctx, &creds, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}

	fill, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	log.Debug().Str("symbol", symbol).Str("side", side).
		Float64("qty", qty).Float64("fill", fill).Msg("binance market order")
	return &OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		FillPrice: fill,
		FilledQty: qty,
	}, nil
}

// SubmitReduceOrder places a reduce-only trigger order (TP or SL)
func (b *Binance) SubmitReduceOrder(ctx context.Context, creds Credentials, symbol, side string, quantity, triggerPrice float64, kind string) (*OrderResult, error) {
	orderType := "TAKE_PROFIT_MARKET"
	if kind == KindStopLoss {
		orderType = "STOP_MARKET"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(triggerPrice, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")

	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := b.request(ctx, &creds, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return &OrderResult{OrderID: strconv.FormatInt(resp.OrderID, 10)}, nil
}

// CancelOrder cancels one order by id
func (b *Binance) CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return b.request(ctx, &creds, http.MethodDelete, "/fapi/v1/order", params, nil)
}

// FetchPosition returns the venue-held position on a symbol, nil when flat
func (b *Binance) FetchPosition(ctx context.Context, creds Credentials, symbol string) (*PositionInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp []struct {
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := b.request(ctx, &creds, http.MethodGet, "/fapi/v2/positionRisk", params, &resp); err != nil {
		return nil, err
	}
	for _, p := range resp {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		side := SideLong
		qty := amt
		if amt < 0 {
			side = SideShort
			qty = -amt
		}
		return &PositionInfo{Side: side, Quantity: qty, EntryPrice: entry}, nil
	}
	return nil, nil
}

// MarkPrice returns the current mark price for a symbol
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := b.request(ctx, nil, http.MethodGet, "/fapi/v1/premiumIndex", params, &resp); err != nil {
		return 0, err
	}
	price, _ := strconv.ParseFloat(resp.MarkPrice, 64)
	return price, nil
}
