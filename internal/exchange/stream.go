package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	listenKeyRefresh = 30 * time.Minute
	streamReconnect  = 5 * time.Second
)

// StreamFills connects to the user-data stream and forwards execution reports
// until the context is canceled. Reconnects are handled internally; the caller
// only sees fill events on out.
func (b *Binance) StreamFills(ctx context.Context, creds Credentials, out chan<- FillEvent) error {
	for {
		if err := b.streamOnce(ctx, creds, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("fill stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamReconnect):
		}
	}
}

func (b *Binance) streamOnce(ctx context.Context, creds Credentials, out chan<- FillEvent) error {
	listenKey, err := b.createListenKey(ctx, creds)
	if err != nil {
		return err
	}

	// Per-connection context so the keepalive goroutine dies with this
	// connection instead of piling up across reconnects.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, b.streamURL+"/ws/"+listenKey, nil)
	if err != nil {
		return WrapTransport(err)
	}
	defer conn.Close()

	// Keep the listen key alive; Binance expires it after an hour idle.
	keepalive := time.NewTicker(listenKeyRefresh)
	defer keepalive.Stop()
	go func() {
		for {
			select {
			case <-connCtx.Done():
				conn.Close()
				return
			case <-keepalive.C:
				if err := b.keepListenKey(connCtx, creds); err != nil {
					log.Warn().Err(err).Msg("listen key keepalive failed")
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return WrapTransport(err)
		}
		ev, ok := parseOrderTradeUpdate(raw)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Binance) createListenKey(ctx context.Context, creds Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", WrapTransport(err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	resp, err := b.pool.get().Do(req)
	if err != nil {
		return "", WrapTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", b.normalizeError(resp, nil)
	}
	var body struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", WrapTransport(err)
	}
	return body.ListenKey, nil
}

func (b *Binance) keepListenKey(ctx context.Context, creds Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return WrapTransport(err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	resp, err := b.pool.get().Do(req)
	if err != nil {
		return WrapTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return b.normalizeError(resp, nil)
	}
	return nil
}

// parseOrderTradeUpdate extracts a fill from an ORDER_TRADE_UPDATE frame.
// Frames that are not filled-order updates report ok=false.
func parseOrderTradeUpdate(raw []byte) (FillEvent, bool) {
	var frame struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Order     struct {
			Symbol      string `json:"s"`
			Side        string `json:"S"`
			Status      string `json:"X"`
			OrderID     int64  `json:"i"`
			FilledQty   string `json:"z"`
			AvgPrice    string `json:"ap"`
			RealizedPnL string `json:"rp"`
		} `json:"o"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FillEvent{}, false
	}
	if frame.EventType != "ORDER_TRADE_UPDATE" || frame.Order.Status != "FILLED" {
		return FillEvent{}, false
	}
	qty, _ := strconv.ParseFloat(frame.Order.FilledQty, 64)
	price, _ := strconv.ParseFloat(frame.Order.AvgPrice, 64)
	pnl, _ := strconv.ParseFloat(frame.Order.RealizedPnL, 64)
	return FillEvent{
		Symbol:      frame.Order.Symbol,
		OrderID:     strconv.FormatInt(frame.Order.OrderID, 10),
		Side:        frame.Order.Side,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: pnl,
		Timestamp:   frame.EventTime / 1000,
	}, true
}
