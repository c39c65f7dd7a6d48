// Package supervisor is the periodic caretaker of open positions: trailing
// stops, loss-averaging additions, external-close detection, and the daily
// loss guardrail. It runs as a single-instance periodic job; a transient
// venue failure on one position defers that position to the next tick.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"copytrader/internal/config"
	"copytrader/internal/exchange"
	"copytrader/internal/notify"
	"copytrader/internal/ratelimit"
	"copytrader/internal/storage"
	"copytrader/internal/vault"
)

// Supervisor maintains open positions between signals
type Supervisor struct {
	db       *storage.DB
	cfg      *config.Manager
	vault    *vault.Vault
	registry *exchange.Registry
	limiter  *ratelimit.Registry
	notify   *notify.Service
	fills    *fillBook
}

// New wires the supervisor
func New(db *storage.DB, cfg *config.Manager, v *vault.Vault,
	registry *exchange.Registry, limiter *ratelimit.Registry, n *notify.Service) *Supervisor {
	return &Supervisor{
		db: db, cfg: cfg, vault: v, registry: registry, limiter: limiter,
		notify: n, fills: newFillBook(),
	}
}

// Supervise is the supervise_positions job handler. One run walks every
// non-closed position in id order, then evaluates the daily guardrail per
// subscriber.
func (s *Supervisor) Supervise(ctx context.Context, _ *storage.Job) error {
	batchSize := s.cfg.Get().Supervisor.BatchSize
	if batchSize < 1 {
		batchSize = 50
	}

	subs := make(map[int64]*storage.Subscriber)

	var afterID int64
	for {
		batch, err := s.db.GetOpenPositionsBatch(afterID, batchSize)
		if err != nil {
			return fmt.Errorf("scan positions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, pos := range batch {
			afterID = pos.ID
			sub, err := s.subscriber(subs, pos.SubscriberID)
			if err != nil {
				return err
			}
			if sub == nil {
				continue
			}
			if err := s.supervisePosition(ctx, sub, pos); err != nil {
				log.Warn().Err(err).Int64("position", pos.ID).
					Str("symbol", pos.Symbol).Msg("position supervision deferred")
			}
		}
		if len(batch) < batchSize {
			break
		}
	}

	// The guardrail covers every active subscriber with a cutoff, including
	// those whose day's loss is already fully realized.
	active, err := s.db.GetActiveSubscribers()
	if err != nil {
		return err
	}
	for _, sub := range active {
		if sub.DailyLossCutoffPct <= 0 {
			continue
		}
		if err := s.checkGuardrail(ctx, sub); err != nil {
			log.Warn().Err(err).Int64("subscriber", sub.ID).Msg("guardrail check deferred")
		}
	}
	return nil
}

func (s *Supervisor) subscriber(cache map[int64]*storage.Subscriber, id int64) (*storage.Subscriber, error) {
	if sub, ok := cache[id]; ok {
		return sub, nil
	}
	sub, err := s.db.GetSubscriber(id)
	if err != nil {
		return nil, err
	}
	cache[id] = sub
	return sub, nil
}

// credentialFor finds the subscriber's approved credential on the position's
// exchange and opens it.
func (s *Supervisor) credentialFor(subscriberID int64, exchangeID string) (exchange.Credentials, error) {
	creds, err := s.db.GetApprovedCredentials(subscriberID)
	if err != nil {
		return exchange.Credentials{}, err
	}
	for _, c := range creds {
		if c.Exchange == exchangeID {
			return s.vault.Open(c)
		}
	}
	return exchange.Credentials{}, fmt.Errorf("no approved credential for subscriber %d on %s", subscriberID, exchangeID)
}

func (s *Supervisor) supervisePosition(ctx context.Context, sub *storage.Subscriber, pos *storage.Position) error {
	adapter := s.registry.Get(pos.Exchange)
	if adapter == nil {
		return fmt.Errorf("no adapter for %s", pos.Exchange)
	}
	creds, err := s.credentialFor(sub.ID, pos.Exchange)
	if err != nil {
		return err
	}

	// External-close detection first: a fired bracket or a manual close on the
	// venue must be reflected before any management logic runs.
	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	venue, err := adapter.FetchPosition(ctx, creds, pos.Symbol)
	if err != nil {
		return err
	}
	if venue == nil || venue.Quantity <= 0 {
		return s.recordExternalClose(ctx, adapter, creds, pos)
	}

	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	mark, err := adapter.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if mark <= 0 {
		return fmt.Errorf("no mark price for %s", pos.Symbol)
	}

	if closed, err := s.applyTrailingStop(ctx, adapter, creds, sub, pos, mark); err != nil || closed {
		return err
	}
	if err := s.applyDCA(ctx, adapter, creds, sub, pos, mark); err != nil {
		return err
	}
	return s.db.UpdatePosition(pos)
}

// recordExternalClose reconciles a position the venue no longer holds. The
// fill book settles it at the venue's own execution report when one arrived;
// otherwise the current mark stands in for the unknown exit.
func (s *Supervisor) recordExternalClose(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials, pos *storage.Position) error {
	for _, orderID := range []string{pos.TPOrderID, pos.SLOrderID} {
		if orderID == "" {
			continue
		}
		if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
			return err
		}
		if err := adapter.CancelOrder(ctx, creds, pos.Symbol, orderID); err != nil {
			log.Debug().Err(err).Str("order", orderID).Msg("stale bracket cancel")
		}
	}

	exit := pos.EntryPrice
	var pnl float64
	settled := false
	if ev, ok := s.fills.take(pos.SubscriberID, pos.Symbol); ok && ev.Timestamp >= pos.OpenedAt {
		if ev.Price > 0 {
			exit = ev.Price
		}
		if ev.RealizedPnL != 0 {
			pnl = ev.RealizedPnL
			settled = true
		}
	} else if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err == nil {
		if mark, merr := adapter.MarkPrice(ctx, pos.Symbol); merr == nil && mark > 0 {
			exit = mark
		}
	}
	if !settled {
		pnl = (exit - pos.EntryPrice) * pos.Quantity
		if pos.Side == storage.SideShort {
			pnl = -pnl
		}
	}
	pos.Status = storage.PositionClosed
	pos.TPOrderID = ""
	pos.SLOrderID = ""
	pos.RealizedPnL += pnl
	pos.ClosedAt = storage.Now()
	if err := s.db.UpdatePosition(pos); err != nil {
		return err
	}

	s.notify.Emit(notify.Event{
		SubscriberID: pos.SubscriberID,
		Kind:         storage.AuditSupervisor,
		Severity:     "info",
		Message:      fmt.Sprintf("%s %s closed on venue, pnl %.4f", pos.Side, pos.Symbol, pnl),
	})
	return nil
}

// applyTrailingStop updates the best-price watermark, latches activation, and
// fires the virtual stop. Reports whether the position was closed.
func (s *Supervisor) applyTrailingStop(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials,
	sub *storage.Subscriber, pos *storage.Position, mark float64) (bool, error) {

	if sub.TSLActivationPct <= 0 || sub.TSLDistancePct <= 0 || pos.Status != storage.PositionOpen {
		return false, nil
	}

	if pos.BestPrice == 0 {
		pos.BestPrice = pos.EntryPrice
	}
	long := pos.Side == storage.SideLong
	if long {
		if mark > pos.BestPrice {
			pos.BestPrice = mark
		}
	} else {
		if mark < pos.BestPrice {
			pos.BestPrice = mark
		}
	}

	if !pos.TSLActive {
		// Activation latches off the watermark: a spike that reached the
		// threshold activates even if the mark has since retreated.
		movePct := (pos.BestPrice - pos.EntryPrice) / pos.EntryPrice * 100
		if !long {
			movePct = -movePct
		}
		if movePct >= sub.TSLActivationPct {
			pos.TSLActive = true
			log.Info().Int64("position", pos.ID).Str("symbol", pos.Symbol).
				Float64("mark", mark).Msg("trailing stop activated")
		}
	}
	if !pos.TSLActive {
		return false, nil
	}

	stop := pos.BestPrice * (1 - sub.TSLDistancePct/100)
	crossed := mark <= stop
	if !long {
		stop = pos.BestPrice * (1 + sub.TSLDistancePct/100)
		crossed = mark >= stop
	}
	if !crossed {
		return false, nil
	}

	if err := s.closePosition(ctx, adapter, creds, pos, "trailing stop"); err != nil {
		return false, err
	}
	return true, nil
}

// applyDCA averages down when the mark has moved against the last fill by the
// configured threshold. The bracket is re-anchored on the new average entry;
// trailing-stop activation state is left untouched.
func (s *Supervisor) applyDCA(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials,
	sub *storage.Subscriber, pos *storage.Position, mark float64) error {

	if sub.DCAThresholdPct <= 0 || sub.DCAMultiplier <= 0 || pos.Status != storage.PositionOpen {
		return nil
	}
	if pos.DCAAdds >= sub.DCAMaxAdds {
		return nil
	}

	base := pos.LastAddPrice
	if base == 0 {
		base = pos.EntryPrice
	}
	long := pos.Side == storage.SideLong
	adversePct := (base - mark) / base * 100
	if !long {
		adversePct = -adversePct
	}
	if adversePct < sub.DCAThresholdPct {
		return nil
	}

	lastQty := pos.LastAddQty
	if lastQty == 0 {
		lastQty = pos.Quantity
	}

	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	rules, err := adapter.FetchSymbolRules(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	addQty := exchange.RoundQuantityDown(lastQty*sub.DCAMultiplier, rules.QuantityStep)
	if addQty <= 0 || (rules.MinNotional > 0 && addQty*mark < rules.MinNotional) {
		return nil
	}

	side := exchange.Buy
	if !long {
		side = exchange.Sell
	}
	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	fill, err := adapter.SubmitMarket(ctx, creds, pos.Symbol, side, addQty, false)
	if err != nil {
		return fmt.Errorf("dca add: %w", err)
	}
	fillPrice := fill.FillPrice
	if fillPrice <= 0 {
		fillPrice = mark
	}
	filled := fill.FilledQty
	if filled <= 0 {
		filled = addQty
	}

	newQty := pos.Quantity + filled
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + fillPrice*filled) / newQty
	pos.Quantity = newQty
	pos.DCAAdds++
	pos.LastAddPrice = fillPrice
	pos.LastAddQty = filled

	if err := s.replaceBrackets(ctx, adapter, creds, pos, rules); err != nil {
		log.Error().Err(err).Int64("position", pos.ID).Msg("bracket replace after averaging failed")
	}

	s.notify.Emit(notify.Event{
		SubscriberID: pos.SubscriberID,
		Kind:         storage.AuditSupervisor,
		Severity:     "info",
		Message: fmt.Sprintf("averaged into %s %s: +%.6f @ %.4f (add %d/%d)",
			pos.Side, pos.Symbol, filled, fillPrice, pos.DCAAdds, sub.DCAMaxAdds),
	})
	return nil
}

// replaceBrackets cancels the existing TP/SL and submits fresh ones sized for
// the full position against the current average entry.
func (s *Supervisor) replaceBrackets(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials,
	pos *storage.Position, rules *exchange.SymbolRules) error {

	for _, orderID := range []string{pos.TPOrderID, pos.SLOrderID} {
		if orderID == "" {
			continue
		}
		if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
			return err
		}
		if err := adapter.CancelOrder(ctx, creds, pos.Symbol, orderID); err != nil {
			log.Warn().Err(err).Str("order", orderID).Msg("bracket cancel before replace failed")
		}
	}
	pos.TPOrderID = ""
	pos.SLOrderID = ""

	if pos.TPPercent <= 0 && pos.SLPercent <= 0 {
		return nil
	}
	tpPrice, slPrice := exchange.BracketPrices(pos.Side, pos.EntryPrice, pos.TPPercent, pos.SLPercent, rules.TickSize)

	reduceSide := exchange.Sell
	if pos.Side == storage.SideShort {
		reduceSide = exchange.Buy
	}

	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	tp, err := adapter.SubmitReduceOrder(ctx, creds, pos.Symbol, reduceSide, pos.Quantity, tpPrice, exchange.KindTakeProfit)
	if err != nil {
		return fmt.Errorf("take-profit replace: %w", err)
	}
	pos.TPOrderID = tp.OrderID

	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	sl, err := adapter.SubmitReduceOrder(ctx, creds, pos.Symbol, reduceSide, pos.Quantity, slPrice, exchange.KindStopLoss)
	if err != nil {
		return fmt.Errorf("stop-loss replace: %w", err)
	}
	pos.SLOrderID = sl.OrderID
	return nil
}

// closePosition flattens a position with a reduce-only market order, cancels
// its brackets, and records the close.
func (s *Supervisor) closePosition(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials,
	pos *storage.Position, cause string) error {

	reduceSide := exchange.Sell
	if pos.Side == storage.SideShort {
		reduceSide = exchange.Buy
	}

	pos.Status = storage.PositionClosing
	if err := s.db.UpdatePosition(pos); err != nil {
		return err
	}

	if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
		return err
	}
	fill, err := adapter.SubmitMarket(ctx, creds, pos.Symbol, reduceSide, pos.Quantity, true)
	if err != nil {
		pos.Status = storage.PositionOpen
		_ = s.db.UpdatePosition(pos)
		return fmt.Errorf("close submit: %w", err)
	}

	for _, orderID := range []string{pos.TPOrderID, pos.SLOrderID} {
		if orderID == "" {
			continue
		}
		if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err == nil {
			if cerr := adapter.CancelOrder(ctx, creds, pos.Symbol, orderID); cerr != nil {
				log.Debug().Err(cerr).Str("order", orderID).Msg("bracket cancel after close")
			}
		}
	}

	exit := fill.FillPrice
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	pnl := (exit - pos.EntryPrice) * pos.Quantity
	if pos.Side == storage.SideShort {
		pnl = -pnl
	}
	pos.Status = storage.PositionClosed
	pos.TPOrderID = ""
	pos.SLOrderID = ""
	pos.RealizedPnL += pnl
	pos.ClosedAt = storage.Now()
	if err := s.db.UpdatePosition(pos); err != nil {
		return err
	}

	log.Info().Int64("position", pos.ID).Str("symbol", pos.Symbol).
		Str("cause", cause).Float64("exit", exit).Float64("pnl", pnl).
		Msg("position closed by supervisor")

	s.notify.Emit(notify.Event{
		SubscriberID: pos.SubscriberID,
		Kind:         storage.AuditSupervisor,
		Severity:     "info",
		Message:      fmt.Sprintf("%s closed %s %s @ %.4f, pnl %.4f", cause, pos.Side, pos.Symbol, exit, pnl),
	})
	return nil
}

// checkGuardrail trips the daily loss cutoff: when realized plus unrealized
// PnL since the UTC day start breaches the subscriber's cutoff, all positions
// are flattened and new entries are paused until the next UTC midnight.
func (s *Supervisor) checkGuardrail(ctx context.Context, sub *storage.Subscriber) error {
	if sub == nil || sub.DailyLossCutoffPct <= 0 {
		return nil
	}
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if sub.PausedUntil > now.Unix() {
		return nil
	}

	dayEquity, err := s.db.GetDayStartEquity(sub.ID, dayStart.Unix())
	if err != nil {
		return err
	}
	if dayEquity <= 0 {
		// No anchor snapshot yet today; the snapshot job will provide one.
		return nil
	}

	realized, err := s.db.SumRealizedPnLSince(sub.ID, dayStart.Unix())
	if err != nil {
		return err
	}

	positions, err := s.db.GetOpenPositionsBySubscriber(sub.ID)
	if err != nil {
		return err
	}
	credsByExchange := make(map[string]exchange.Credentials)
	var unrealized float64
	for _, pos := range positions {
		adapter := s.registry.Get(pos.Exchange)
		if adapter == nil {
			continue
		}
		creds, ok := credsByExchange[pos.Exchange]
		if !ok {
			c, cerr := s.credentialFor(sub.ID, pos.Exchange)
			if cerr != nil {
				continue
			}
			credsByExchange[pos.Exchange] = c
			creds = c
		}
		if err := s.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
			return err
		}
		mark, merr := adapter.MarkPrice(ctx, pos.Symbol)
		if merr != nil || mark <= 0 {
			continue
		}
		pnl := (mark - pos.EntryPrice) * pos.Quantity
		if pos.Side == storage.SideShort {
			pnl = -pnl
		}
		unrealized += pnl
	}

	lossPct := -(realized + unrealized) / dayEquity * 100
	if lossPct < sub.DailyLossCutoffPct {
		return nil
	}

	nextMidnight := dayStart.Add(24 * time.Hour)
	if err := s.db.SetPausedUntil(sub.ID, nextMidnight.Unix()); err != nil {
		return err
	}

	for _, pos := range positions {
		adapter := s.registry.Get(pos.Exchange)
		if adapter == nil {
			continue
		}
		creds, cerr := s.credentialFor(sub.ID, pos.Exchange)
		if cerr != nil {
			log.Error().Err(cerr).Int64("position", pos.ID).Msg("guardrail close blocked")
			continue
		}
		if cerr := s.closePosition(ctx, adapter, creds, pos, "daily loss guardrail"); cerr != nil {
			log.Error().Err(cerr).Int64("position", pos.ID).Msg("guardrail close failed")
		}
	}

	_ = s.db.AppendAudit(&storage.AuditEvent{
		SubscriberID: sub.ID,
		Kind:         storage.AuditGuardrail,
		Detail: fmt.Sprintf("daily loss %.2f%% breached cutoff %.2f%%, paused until %s",
			lossPct, sub.DailyLossCutoffPct, nextMidnight.Format(time.RFC3339)),
		Severity: "warn",
	})
	s.notify.Emit(notify.Event{
		SubscriberID: sub.ID,
		Kind:         storage.AuditGuardrail,
		Severity:     "warn",
		Message: fmt.Sprintf("daily loss guardrail tripped at %.2f%%, trading paused until %s",
			lossPct, nextMidnight.Format("15:04 MST")),
	})
	return nil
}

// RecordBalanceSnapshots is the record_balance_snapshots job handler. The
// first snapshot at or after UTC midnight anchors the day's guardrail math.
func (s *Supervisor) RecordBalanceSnapshots(ctx context.Context, _ *storage.Job) error {
	subs, err := s.db.GetActiveSubscribers()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		creds, err := s.db.GetApprovedCredentials(sub.ID)
		if err != nil {
			return err
		}
		for _, row := range creds {
			adapter := s.registry.Get(row.Exchange)
			if adapter == nil {
				continue
			}
			opened, oerr := s.vault.Open(row)
			if oerr != nil {
				log.Warn().Err(oerr).Int64("credential", row.ID).Msg("snapshot skipped")
				continue
			}
			if err := s.limiter.Acquire(ctx, adapter.ID(), opened.ID, 1); err != nil {
				return err
			}
			bal, berr := adapter.FetchBalance(ctx, opened)
			if berr != nil {
				log.Warn().Err(berr).Int64("subscriber", sub.ID).
					Str("exchange", row.Exchange).Msg("balance fetch failed")
				continue
			}
			if err := s.db.InsertSnapshot(&storage.BalanceSnapshot{
				SubscriberID: sub.ID,
				Exchange:     row.Exchange,
				Equity:       bal.Equity,
				Available:    bal.Available,
				TakenAt:      storage.Now(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
