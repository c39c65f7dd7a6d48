// Package engine applies signals to subscribers: eligibility resolution,
// order sizing, placement, bracket attachment, and idempotent recording. Every
// per-subscriber task is isolated; one subscriber's failure never touches
// another's outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"copytrader/internal/config"
	"copytrader/internal/exchange"
	"copytrader/internal/notify"
	"copytrader/internal/ratelimit"
	"copytrader/internal/storage"
	"copytrader/internal/vault"
)

const transportRetries = 3

// errAmbiguous marks a submit whose outcome could not be established: the call
// timed out and the reconcile probe failed too. Never retried automatically.
var errAmbiguous = errors.New("order outcome unresolved")

// Executor fans a signal out to its eligible subscribers
type Executor struct {
	db       *storage.DB
	cfg      *config.Manager
	vault    *vault.Vault
	registry *exchange.Registry
	limiter  *ratelimit.Registry
	resolver *Resolver
	notify   *notify.Service
	metrics  *Metrics
}

// NewExecutor wires the execution engine
func NewExecutor(db *storage.DB, cfg *config.Manager, v *vault.Vault,
	registry *exchange.Registry, limiter *ratelimit.Registry,
	resolver *Resolver, n *notify.Service) *Executor {
	return &Executor{
		db:       db,
		cfg:      cfg,
		vault:    v,
		registry: registry,
		limiter:  limiter,
		resolver: resolver,
		notify:   n,
		metrics:  NewMetrics(),
	}
}

// Metrics exposes the executor's counters for the health endpoint
func (e *Executor) Metrics() *Metrics { return e.metrics }

// ExecuteSignal is the execute_signal job handler. It loads the signal,
// resolves eligibility, and runs every per-subscriber task concurrently under
// the fan-out cap. The job itself only fails on storage errors; subscriber
// failures are recorded on their attempts and absorbed here.
func (e *Executor) ExecuteSignal(ctx context.Context, job *storage.Job) error {
	sig, err := e.db.GetSignal(job.Args)
	if err != nil {
		return fmt.Errorf("load signal: %w", err)
	}
	if sig == nil {
		log.Warn().Str("signal", job.Args).Msg("signal job without signal row")
		return nil
	}
	if sig.Status == storage.SignalTerminal {
		return nil
	}

	eligibles, err := e.resolver.Eligible(sig)
	if err != nil {
		return fmt.Errorf("resolve eligibles: %w", err)
	}

	_ = e.db.AppendAudit(&storage.AuditEvent{
		SignalID: sig.SignalID,
		Kind:     storage.AuditFanoutStarted,
		Detail:   fmt.Sprintf("%d eligible subscribers", len(eligibles)),
	})

	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.GetTrading().FanoutConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, el := range eligibles {
		el := el
		g.Go(func() error {
			e.runSubscriber(gctx, sig, el)
			return nil
		})
	}
	_ = g.Wait()

	// TERMINAL once every recorded attempt has resolved; a pair claimed by a
	// concurrent run that has not finished keeps the signal DISPATCHED, and the
	// next delivery re-checks.
	status := storage.SignalDispatched
	if attempts, aerr := e.db.GetAttemptsBySignal(sig.SignalID); aerr == nil && allResolved(attempts) {
		status = storage.SignalTerminal
	}
	if err := e.db.SetSignalStatus(sig.SignalID, status); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	_ = e.db.AppendAudit(&storage.AuditEvent{
		SignalID: sig.SignalID,
		Kind:     storage.AuditFanoutCompleted,
	})

	log.Info().Str("signal", sig.SignalID).Int("subscribers", len(eligibles)).
		Msg("signal dispatched")
	return nil
}

// runSubscriber executes one (signal, subscriber) task end to end. It never
// propagates errors; every exit path resolves the attempt row.
func (e *Executor) runSubscriber(ctx context.Context, sig *storage.Signal, el Eligible) {
	start := time.Now()

	// Idempotency fence: losing the claim means this pair has been handled
	// (or is being handled), so exit with no side effects.
	claimed, err := e.db.ClaimAttempt(sig.SignalID, el.Subscriber.ID)
	if err != nil {
		log.Error().Err(err).Str("signal", sig.SignalID).
			Int64("subscriber", el.Subscriber.ID).Msg("attempt claim failed")
		return
	}
	if !claimed {
		return
	}

	attempt := &storage.ExecutionAttempt{
		SignalID:     sig.SignalID,
		SubscriberID: el.Subscriber.ID,
		RiskPercent:  el.Params.RiskPercent,
		Leverage:     el.Params.Leverage,
	}

	// The resolver's snapshot may be stale by now; deactivation, expiry, or a
	// guardrail pause landing between resolve and claim must not place orders.
	// A close is still allowed through a pause since it only reduces exposure.
	cur, err := e.db.GetSubscriber(el.Subscriber.ID)
	switch {
	case err != nil:
		e.fail(attempt, storage.ReasonTransport, err.Error())
	case !subscriberLive(cur, sig.Action):
		e.skip(attempt, storage.ReasonInactive)
	case sig.Action == storage.ActionClose:
		e.executeClose(ctx, sig, el, attempt)
	default:
		e.executeOpen(ctx, sig, el, attempt)
	}

	if err := e.db.ResolveAttempt(attempt); err != nil {
		log.Error().Err(err).Str("signal", sig.SignalID).
			Int64("subscriber", el.Subscriber.ID).Msg("failed to resolve attempt")
	}

	e.metrics.Record(attempt.Outcome, time.Since(start))
	e.notifyOutcome(sig, el.Subscriber.ID, attempt)
}

func (e *Executor) executeOpen(ctx context.Context, sig *storage.Signal, el Eligible, attempt *storage.ExecutionAttempt) {
	sub := el.Subscriber
	adapter := e.registry.Get(el.Credential.Exchange)

	side := storage.SideLong
	orderSide := exchange.Buy
	if sig.Action == storage.ActionShort {
		side = storage.SideShort
		orderSide = exchange.Sell
	}

	// Pre-checks against current state; the resolver's view may be stale.
	open, err := e.db.CountOpenPositions(sub.ID)
	if err != nil {
		e.fail(attempt, storage.ReasonTransport, err.Error())
		return
	}
	if el.Params.MaxPositions > 0 && open >= el.Params.MaxPositions {
		e.skip(attempt, storage.ReasonMaxPositions)
		return
	}
	existing, err := e.db.GetOpenPosition(sub.ID, el.Credential.Exchange, sig.Symbol, side)
	if err != nil {
		e.fail(attempt, storage.ReasonTransport, err.Error())
		return
	}
	if existing != nil {
		e.skip(attempt, storage.ReasonPositionExists)
		return
	}

	creds, err := e.vault.Open(el.Credential)
	if err != nil {
		e.fail(attempt, storage.ReasonAuth, err.Error())
		return
	}

	var rules *exchange.SymbolRules
	err = e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
		var cerr error
		rules, cerr = adapter.FetchSymbolRules(ctx, sig.Symbol)
		return cerr
	})
	if err != nil {
		if exchange.IsKind(err, exchange.KindSymbol) {
			e.skip(attempt, storage.ReasonSymbolUnavailable)
			return
		}
		e.failFromExchange(attempt, creds.ID, err)
		return
	}

	var balance *exchange.Balance
	err = e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
		var cerr error
		balance, cerr = adapter.FetchBalance(ctx, creds)
		return cerr
	})
	if err != nil {
		e.failFromExchange(attempt, creds.ID, err)
		return
	}

	var mark float64
	err = e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
		var cerr error
		mark, cerr = adapter.MarkPrice(ctx, sig.Symbol)
		return cerr
	})
	if err != nil {
		e.failFromExchange(attempt, creds.ID, err)
		return
	}
	if mark <= 0 {
		e.fail(attempt, storage.ReasonExchangeRejected, "no mark price")
		return
	}

	qty := SizeQuantity(balance.Available, el.Params.RiskPercent, el.Params.Leverage, mark, rules)
	if qty <= 0 {
		e.skip(attempt, storage.ReasonBelowNotional)
		return
	}
	attempt.Quantity = qty

	err = e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
		return adapter.SetLeverage(ctx, creds, sig.Symbol, el.Params.Leverage)
	})
	if err != nil {
		e.failFromExchange(attempt, creds.ID, err)
		return
	}

	fill, err := e.submitMarketReconciled(ctx, adapter, creds, sig.Symbol, orderSide, qty, false)
	if err != nil {
		e.failFromExchange(attempt, creds.ID, err)
		return
	}
	entry := fill.FillPrice
	if entry <= 0 {
		entry = mark
	}
	filledQty := fill.FilledQty
	if filledQty <= 0 {
		filledQty = qty
	}

	tpID, slID, err := e.attachBracket(ctx, adapter, creds, sig.Symbol, side, entry, filledQty, el.Params, rules)
	if err != nil {
		// attachBracket already unwound the position.
		e.fail(attempt, storage.ReasonBracketAttach, err.Error())
		return
	}

	pos := &storage.Position{
		SubscriberID: sub.ID,
		Exchange:     el.Credential.Exchange,
		Symbol:       sig.Symbol,
		Side:         side,
		Status:       storage.PositionOpen,
		EntryPrice:   entry,
		Quantity:     filledQty,
		Leverage:     el.Params.Leverage,
		TPOrderID:    tpID,
		SLOrderID:    slID,
		TPPercent:    el.Params.TPPercent,
		SLPercent:    el.Params.SLPercent,
		BestPrice:    entry,
		LastAddPrice: entry,
		LastAddQty:   filledQty,
		OpenedAt:     storage.Now(),
	}
	if _, err := e.db.InsertPosition(pos); err != nil {
		// Duplicate open position mid-insert is an invariant violation: abort
		// this task only and flag it loudly.
		_ = e.db.AppendAudit(&storage.AuditEvent{
			SubscriberID: sub.ID,
			SignalID:     sig.SignalID,
			Kind:         storage.AuditInvariant,
			Detail:       fmt.Sprintf("position insert: %v", err),
			Severity:     "error",
		})
		e.fail(attempt, storage.ReasonExchangeRejected, err.Error())
		return
	}

	attempt.Outcome = storage.AttemptSubmitted
	attempt.ExchangeOrderID = fill.OrderID
	attempt.Quantity = filledQty

	log.Info().
		Str("signal", sig.SignalID).
		Int64("subscriber", sub.ID).
		Str("symbol", sig.Symbol).
		Str("side", side).
		Float64("qty", filledQty).
		Float64("entry", entry).
		Msg("position opened")
}

func (e *Executor) executeClose(ctx context.Context, sig *storage.Signal, el Eligible, attempt *storage.ExecutionAttempt) {
	sub := el.Subscriber
	adapter := e.registry.Get(el.Credential.Exchange)

	pos, err := e.db.GetOpenPositionAnySide(sub.ID, el.Credential.Exchange, sig.Symbol)
	if err != nil {
		e.fail(attempt, storage.ReasonTransport, err.Error())
		return
	}
	if pos == nil {
		e.skip(attempt, storage.ReasonNoPosition)
		return
	}

	creds, err := e.vault.Open(el.Credential)
	if err != nil {
		e.fail(attempt, storage.ReasonAuth, err.Error())
		return
	}

	orderSide := exchange.Sell
	if pos.Side == storage.SideShort {
		orderSide = exchange.Buy
	}

	pos.Status = storage.PositionClosing
	_ = e.db.UpdatePosition(pos)

	fill, err := e.submitMarketReconciled(ctx, adapter, creds, sig.Symbol, orderSide, pos.Quantity, true)
	if err != nil {
		pos.Status = storage.PositionOpen
		_ = e.db.UpdatePosition(pos)
		e.failFromExchange(attempt, creds.ID, err)
		return
	}

	// Brackets are dead once the position is flat; cancellation is best effort.
	for _, orderID := range []string{pos.TPOrderID, pos.SLOrderID} {
		if orderID == "" {
			continue
		}
		cerr := e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
			return adapter.CancelOrder(ctx, creds, sig.Symbol, orderID)
		})
		if cerr != nil {
			log.Warn().Err(cerr).Str("order", orderID).Msg("bracket cancel failed on close")
		}
	}

	exit := fill.FillPrice
	pnl := (exit - pos.EntryPrice) * pos.Quantity
	if pos.Side == storage.SideShort {
		pnl = -pnl
	}

	pos.Status = storage.PositionClosed
	pos.TPOrderID = ""
	pos.SLOrderID = ""
	pos.RealizedPnL += pnl
	pos.ClosedAt = storage.Now()
	if err := e.db.UpdatePosition(pos); err != nil {
		log.Error().Err(err).Int64("position", pos.ID).Msg("failed to record close")
	}

	attempt.Outcome = storage.AttemptSubmitted
	attempt.ExchangeOrderID = fill.OrderID
	attempt.Quantity = pos.Quantity

	log.Info().
		Str("signal", sig.SignalID).
		Int64("subscriber", sub.ID).
		Str("symbol", sig.Symbol).
		Float64("pnl", pnl).
		Msg("position closed")
}

// attachBracket submits the TP and SL reduce orders. On partial failure it
// cancels whichever leg landed and market-closes the just-opened position, so
// the venue is never left holding a naked position with half a bracket.
func (e *Executor) attachBracket(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials,
	symbol, side string, entry, qty float64, params Params, rules *exchange.SymbolRules) (tpID, slID string, err error) {

	if params.TPPercent <= 0 && params.SLPercent <= 0 {
		return "", "", nil
	}

	tpPrice, slPrice := exchange.BracketPrices(side, entry, params.TPPercent, params.SLPercent, rules.TickSize)

	reduceSide := exchange.Sell
	if side == storage.SideShort {
		reduceSide = exchange.Buy
	}

	var tpRes, slRes *exchange.OrderResult
	tpErr := e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
		var cerr error
		tpRes, cerr = adapter.SubmitReduceOrder(ctx, creds, symbol, reduceSide, qty, tpPrice, exchange.KindTakeProfit)
		return cerr
	})
	var slErr error
	if tpErr == nil {
		slErr = e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
			var cerr error
			slRes, cerr = adapter.SubmitReduceOrder(ctx, creds, symbol, reduceSide, qty, slPrice, exchange.KindStopLoss)
			return cerr
		})
	}

	if tpErr == nil && slErr == nil {
		return tpRes.OrderID, slRes.OrderID, nil
	}

	// Unwind: cancel the surviving leg, then flatten.
	if tpErr == nil && tpRes != nil {
		if cerr := e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
			return adapter.CancelOrder(ctx, creds, symbol, tpRes.OrderID)
		}); cerr != nil {
			log.Error().Err(cerr).Str("symbol", symbol).Msg("failed to cancel TP during unwind")
		}
	}
	if uerr := e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
		_, cerr := adapter.SubmitMarket(ctx, creds, symbol, reduceSide, qty, true)
		return cerr
	}); uerr != nil {
		log.Error().Err(uerr).Str("symbol", symbol).
			Msg("failed to flatten position during bracket unwind")
	}

	if tpErr != nil {
		return "", "", fmt.Errorf("take-profit submit: %w", tpErr)
	}
	return "", "", fmt.Errorf("stop-loss submit: %w", slErr)
}

// submitMarketReconciled submits a market order with ambiguity handling: a
// transport failure triggers a position reconcile before any re-submit, so a
// timed-out-but-filled order is never doubled.
func (e *Executor) submitMarketReconciled(ctx context.Context, adapter exchange.Adapter, creds exchange.Credentials,
	symbol, side string, qty float64, reduceOnly bool) (*exchange.OrderResult, error) {

	var before *exchange.PositionInfo
	if !reduceOnly {
		_ = e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
			var cerr error
			before, cerr = adapter.FetchPosition(ctx, creds, symbol)
			return cerr
		})
	}

	var res *exchange.OrderResult
	submit := func() error {
		if err := e.limiter.Acquire(ctx, adapter.ID(), creds.ID, 1); err != nil {
			return backoff.Permanent(err)
		}
		var cerr error
		res, cerr = adapter.SubmitMarket(ctx, creds, symbol, side, qty, reduceOnly)
		if cerr == nil {
			return nil
		}
		if !exchange.Retryable(cerr) {
			return backoff.Permanent(cerr)
		}
		if hint := exchange.RetryHint(cerr); hint > 0 {
			select {
			case <-time.After(hint):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		if !reduceOnly {
			// The submit may have landed despite the transport failure.
			var now *exchange.PositionInfo
			rerr := e.call(ctx, adapter.ID(), creds.ID, 1, func() error {
				var cerr2 error
				now, cerr2 = adapter.FetchPosition(ctx, creds, symbol)
				return cerr2
			})
			if rerr != nil {
				return backoff.Permanent(fmt.Errorf("%w: reconcile failed: %s", errAmbiguous, rerr.Error()))
			}
			if grewPosition(before, now) {
				res = &exchange.OrderResult{FillPrice: now.EntryPrice, FilledQty: qty}
				return nil
			}
		}
		return cerr
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transportRetries), ctx)
	if err := backoff.Retry(submit, bo); err != nil {
		return nil, err
	}
	return res, nil
}

// subscriberLive re-checks a subscriber's state at execution time. Opens are
// blocked by a guardrail pause; closes go through while the account is active.
func subscriberLive(sub *storage.Subscriber, action string) bool {
	if sub == nil || !sub.Active {
		return false
	}
	now := storage.Now()
	if sub.ExpiresAt != 0 && sub.ExpiresAt <= now {
		return false
	}
	if action != storage.ActionClose && sub.PausedUntil > now {
		return false
	}
	return true
}

// allResolved reports whether no attempt is still PENDING
func allResolved(attempts []*storage.ExecutionAttempt) bool {
	for _, a := range attempts {
		if a.Outcome == storage.AttemptPending {
			return false
		}
	}
	return true
}

// grewPosition reports whether the venue position grew relative to the
// pre-submit snapshot, meaning an ambiguous submit actually filled.
func grewPosition(before, now *exchange.PositionInfo) bool {
	if now == nil {
		return false
	}
	if before == nil {
		return now.Quantity > 0
	}
	return now.Quantity > before.Quantity
}

// call wraps one adapter operation with rate-limit admission and transient
// retry. Terminal taxonomy errors pass through unchanged.
func (e *Executor) call(ctx context.Context, exchangeID string, credentialID int64, weight int, fn func() error) error {
	op := func() error {
		if err := e.limiter.Acquire(ctx, exchangeID, credentialID, weight); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !exchange.Retryable(err) {
			return backoff.Permanent(err)
		}
		if hint := exchange.RetryHint(err); hint > 0 {
			select {
			case <-time.After(hint):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transportRetries), ctx)
	return backoff.Retry(op, bo)
}

func (e *Executor) skip(attempt *storage.ExecutionAttempt, reason string) {
	attempt.Outcome = storage.AttemptSkipped
	attempt.Reason = reason
}

func (e *Executor) fail(attempt *storage.ExecutionAttempt, reason, detail string) {
	attempt.Outcome = storage.AttemptFailed
	attempt.Reason = reason
	log.Warn().Str("signal", attempt.SignalID).Int64("subscriber", attempt.SubscriberID).
		Str("reason", reason).Str("detail", detail).Msg("attempt failed")
}

// failFromExchange maps a taxonomy error onto the attempt outcome. Auth
// errors additionally disable the credential.
func (e *Executor) failFromExchange(attempt *storage.ExecutionAttempt, credentialID int64, err error) {
	switch {
	case errors.Is(err, errAmbiguous):
		e.fail(attempt, storage.ReasonAmbiguous, err.Error())
	case exchange.IsKind(err, exchange.KindAuth):
		if derr := e.vault.Disable(credentialID, err.Error()); derr != nil {
			log.Error().Err(derr).Int64("credential", credentialID).Msg("failed to disable credential")
		}
		e.fail(attempt, storage.ReasonAuth, err.Error())
	case exchange.IsKind(err, exchange.KindInsufficientBalance):
		e.fail(attempt, storage.ReasonInsufficient, err.Error())
	case exchange.IsKind(err, exchange.KindReject):
		e.fail(attempt, storage.ReasonExchangeRejected, err.Error())
	case exchange.IsKind(err, exchange.KindTransport), exchange.IsKind(err, exchange.KindRateLimit):
		e.fail(attempt, storage.ReasonTransport, err.Error())
	default:
		e.fail(attempt, storage.ReasonTransport, err.Error())
	}
}

func (e *Executor) notifyOutcome(sig *storage.Signal, subscriberID int64, attempt *storage.ExecutionAttempt) {
	severity := "info"
	msg := fmt.Sprintf("%s %s: %s", sig.Action, sig.Symbol, attempt.Outcome)
	if attempt.Reason != "" {
		msg += " (" + attempt.Reason + ")"
	}
	if attempt.Outcome == storage.AttemptFailed {
		severity = "warn"
	}
	e.notify.Emit(notify.Event{
		SubscriberID: subscriberID,
		SignalID:     sig.SignalID,
		Kind:         storage.AuditAttemptOutcome,
		Severity:     severity,
		Message:      msg,
	})
}
