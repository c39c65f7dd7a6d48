package supervisor

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copytrader/internal/config"
	"copytrader/internal/exchange"
	"copytrader/internal/notify"
	"copytrader/internal/ratelimit"
	"copytrader/internal/storage"
	"copytrader/internal/vault"
)

type testRig struct {
	db    *storage.DB
	cfg   *config.Manager
	paper *exchange.Paper
	vault *vault.Vault
	sup   *Supervisor
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
database:
  sqlite_path: "` + filepath.Join(dir, "test.db") + `"
supervisor:
  tick_seconds: 1
  batch_size: 10
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	db, err := storage.NewDB(cfg.Get().Database.SQLitePath)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	v, err := vault.New("test-master-key", db)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	paper := exchange.NewPaper()
	registry := exchange.NewRegistry(paper)
	limiter := ratelimit.NewRegistry(nil, ratelimit.Limits{PerSecond: 10000, Burst: 10000})
	notifier := notify.NewService(db, 0)

	return &testRig{
		db:    db,
		cfg:   cfg,
		paper: paper,
		vault: v,
		sup:   New(db, cfg, v, registry, limiter, notifier),
	}
}

func (r *testRig) addSubscriber(t *testing.T, s *storage.Subscriber) (int64, int64) {
	t.Helper()
	subID, err := r.db.InsertSubscriber(s)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	credID, err := r.vault.Put(subID, "paper", "k", "s", "")
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if err := r.db.ApproveCredential(credID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return subID, credID
}

// openPosition seeds both the venue position and the matching database row
func (r *testRig) openPosition(t *testing.T, subID, credID int64, symbol, side string, entry, qty float64) *storage.Position {
	t.Helper()
	r.paper.SetMark(symbol, entry)
	orderSide := exchange.Buy
	if side == storage.SideShort {
		orderSide = exchange.Sell
	}
	if _, err := r.paper.SubmitMarket(context.Background(), exchange.Credentials{ID: credID}, symbol, orderSide, qty, false); err != nil {
		t.Fatalf("seed venue position: %v", err)
	}

	pos := &storage.Position{
		SubscriberID: subID, Exchange: "paper", Symbol: symbol, Side: side,
		Status: storage.PositionOpen, EntryPrice: entry, Quantity: qty,
		Leverage: 10, TPPercent: 4, SLPercent: 2,
		BestPrice: entry, LastAddPrice: entry, LastAddQty: qty,
		OpenedAt: storage.Now(),
	}
	id, err := r.db.InsertPosition(pos)
	if err != nil {
		t.Fatalf("insert position: %v", err)
	}
	pos.ID = id
	return pos
}

func (r *testRig) tick(t *testing.T) {
	t.Helper()
	if err := r.sup.Supervise(context.Background(), &storage.Job{Name: "supervise_positions"}); err != nil {
		t.Fatalf("Supervise: %v", err)
	}
}

func (r *testRig) reload(t *testing.T, id int64) *storage.Position {
	t.Helper()
	positions, err := r.db.GetOpenPositionsBatch(id-1, 1)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, p := range positions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func TestTrailingStopActivatesThenFires(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true,
		TSLActivationPct: 2, TSLDistancePct: 1,
	})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	// +3% move: activation latches and the watermark advances.
	r.paper.SetMark("BTCUSDT", 51500)
	r.tick(t)

	got := r.reload(t, pos.ID)
	if got == nil {
		t.Fatal("position vanished after activation tick")
	}
	if !got.TSLActive {
		t.Fatal("trailing stop did not activate at +3%")
	}
	if got.BestPrice != 51500 {
		t.Errorf("best price = %v, want 51500", got.BestPrice)
	}

	// Pullback below 51500 * 0.99 = 50985 fires the virtual stop.
	r.paper.SetMark("BTCUSDT", 50900)
	r.tick(t)

	if r.reload(t, pos.ID) != nil {
		t.Fatal("position still open after stop fired")
	}
	venue, _ := r.paper.FetchPosition(context.Background(), exchange.Credentials{ID: credID}, "BTCUSDT")
	if venue != nil {
		t.Errorf("venue position not flattened: %+v", venue)
	}

	closed, _ := r.db.SumRealizedPnLSince(subID, 0)
	want := (50900 - 50000.0) * 0.01
	if math.Abs(closed-want) > 1e-6 {
		t.Errorf("realized pnl = %v, want %v", closed, want)
	}
}

func TestTrailingStopRetreatNeverLowersWatermark(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true,
		TSLActivationPct: 2, TSLDistancePct: 5,
	})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	r.paper.SetMark("BTCUSDT", 52000)
	r.tick(t)
	// Mild pullback, still inside the 5% trail.
	r.paper.SetMark("BTCUSDT", 51000)
	r.tick(t)

	got := r.reload(t, pos.ID)
	if got == nil {
		t.Fatal("position closed inside the trail distance")
	}
	if got.BestPrice != 52000 {
		t.Errorf("best price = %v, the watermark must not retreat from 52000", got.BestPrice)
	}
}

func TestDCAAveragesDownAndReplacesBracket(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true,
		DCAThresholdPct: 2, DCAMultiplier: 1.0, DCAMaxAdds: 2,
	})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	// -2.2% from the last fill triggers one addition of the same size.
	r.paper.SetMark("BTCUSDT", 48900)
	r.tick(t)

	got := r.reload(t, pos.ID)
	if got == nil {
		t.Fatal("position vanished")
	}
	if got.DCAAdds != 1 {
		t.Fatalf("dca adds = %d, want 1", got.DCAAdds)
	}
	if math.Abs(got.Quantity-0.02) > 1e-9 {
		t.Errorf("quantity = %v, want 0.02", got.Quantity)
	}
	wantEntry := (50000*0.01 + 48900*0.01) / 0.02
	if math.Abs(got.EntryPrice-wantEntry) > 1e-6 {
		t.Errorf("entry = %v, want weighted average %v", got.EntryPrice, wantEntry)
	}
	if got.LastAddPrice != 48900 {
		t.Errorf("last add price = %v, want 48900", got.LastAddPrice)
	}
	if got.TPOrderID == "" || got.SLOrderID == "" {
		t.Error("bracket not re-anchored after averaging")
	}
	if n := r.paper.OpenOrderCount(credID, "BTCUSDT"); n != 2 {
		t.Errorf("venue holds %d reduce orders, want 2", n)
	}

	// The same mark does not trigger again: the threshold re-bases on the
	// latest fill.
	r.tick(t)
	got = r.reload(t, pos.ID)
	if got.DCAAdds != 1 {
		t.Errorf("dca adds = %d after idle tick, want still 1", got.DCAAdds)
	}
}

func TestDCAStopsAtMaxAdds(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true,
		DCAThresholdPct: 1, DCAMultiplier: 1.0, DCAMaxAdds: 1,
	})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	r.paper.SetMark("BTCUSDT", 49000)
	r.tick(t)
	r.paper.SetMark("BTCUSDT", 48000)
	r.tick(t)

	got := r.reload(t, pos.ID)
	if got.DCAAdds != 1 {
		t.Errorf("dca adds = %d, want capped at 1", got.DCAAdds)
	}
}

func TestExternalCloseDetection(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{Name: "alice", Active: true})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	// The stop fills on the venue between ticks.
	r.paper.SetMark("BTCUSDT", 49000)
	r.paper.RemovePosition(credID, "BTCUSDT")
	r.tick(t)

	if r.reload(t, pos.ID) != nil {
		t.Fatal("externally closed position still OPEN in database")
	}
	realized, _ := r.db.SumRealizedPnLSince(subID, 0)
	want := (49000 - 50000.0) * 0.01
	if math.Abs(realized-want) > 1e-6 {
		t.Errorf("realized pnl = %v, want %v", realized, want)
	}
}

func TestExternalCloseSettlesAtStreamFill(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{Name: "alice", Active: true})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	// The stop filled on the venue and its execution report arrived on the
	// stream before the next tick; the mark has drifted past the fill.
	r.paper.SetMark("BTCUSDT", 49000)
	r.paper.RemovePosition(credID, "BTCUSDT")
	r.sup.fills.record(subID, exchange.FillEvent{
		Symbol: "BTCUSDT", Price: 49500, RealizedPnL: -5, Timestamp: storage.Now(),
	})
	r.tick(t)

	if r.reload(t, pos.ID) != nil {
		t.Fatal("externally closed position still OPEN in database")
	}
	realized, _ := r.db.SumRealizedPnLSince(subID, 0)
	if math.Abs(realized-(-5)) > 1e-9 {
		t.Errorf("realized pnl = %v, want the stream-reported -5", realized)
	}
}

func TestExternalCloseIgnoresStaleFill(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{Name: "alice", Active: true})
	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.01)

	// A fill left over from an earlier position on the same symbol must not
	// settle this one; the mark fallback applies.
	r.sup.fills.record(subID, exchange.FillEvent{
		Symbol: "BTCUSDT", Price: 47000, RealizedPnL: -30, Timestamp: pos.OpenedAt - 60,
	})
	r.paper.SetMark("BTCUSDT", 49000)
	r.paper.RemovePosition(credID, "BTCUSDT")
	r.tick(t)

	realized, _ := r.db.SumRealizedPnLSince(subID, 0)
	want := (49000 - 50000.0) * 0.01
	if math.Abs(realized-want) > 1e-6 {
		t.Errorf("realized pnl = %v, want mark-settled %v", realized, want)
	}
}

func TestGuardrailMarkPriceDrawsFromRateBudget(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true, DailyLossCutoffPct: 50,
	})
	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	_ = r.db.InsertSnapshot(&storage.BalanceSnapshot{
		SubscriberID: subID, Exchange: "paper", Equity: 1000, TakenAt: dayStart + 1,
	})
	r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.001)

	tight := ratelimit.NewRegistry(
		map[string]ratelimit.Limits{"paper": {PerSecond: 0.001, Burst: 3}},
		ratelimit.Limits{PerSecond: 0.001, Burst: 3})
	sup := New(r.db, r.cfg, r.vault, exchange.NewRegistry(r.paper), tight, notify.NewService(r.db, 0))

	sub, _ := r.db.GetSubscriber(subID)
	if err := sup.checkGuardrail(context.Background(), sub); err != nil {
		t.Fatalf("checkGuardrail: %v", err)
	}

	// One open position means exactly one mark-price call, and it must have
	// drawn a token from the credential's bucket.
	left := 0
	for tight.TryAcquire("paper", credID, 1) {
		left++
	}
	if left != 2 {
		t.Errorf("%d tokens left of 3, want 2 after one mark-price call", left)
	}
}

func TestGuardrailTripsAndPauses(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true, DailyLossCutoffPct: 10,
	})

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	_ = r.db.InsertSnapshot(&storage.BalanceSnapshot{
		SubscriberID: subID, Exchange: "paper", Equity: 1000, TakenAt: dayStart + 1,
	})

	// Realized -105 today: 10.5% of day-start equity, past the 10% cutoff.
	_, err := r.db.InsertPosition(&storage.Position{
		SubscriberID: subID, Exchange: "paper", Symbol: "ETHUSDT",
		Side: storage.SideLong, Status: storage.PositionClosed,
		EntryPrice: 3000, Quantity: 1, RealizedPnL: -105,
		OpenedAt: dayStart + 2, ClosedAt: storage.Now(),
	})
	if err != nil {
		t.Fatalf("closed position: %v", err)
	}

	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.001)
	r.tick(t)

	sub, _ := r.db.GetSubscriber(subID)
	if sub.PausedUntil <= time.Now().Unix() {
		t.Fatal("guardrail did not pause the subscriber")
	}
	nextMidnight := time.Unix(dayStart, 0).UTC().Add(24 * time.Hour).Unix()
	if sub.PausedUntil != nextMidnight {
		t.Errorf("paused until %d, want next UTC midnight %d", sub.PausedUntil, nextMidnight)
	}
	if r.reload(t, pos.ID) != nil {
		t.Fatal("guardrail did not flatten the open position")
	}
}

func TestGuardrailNotTrippedUnderCutoff(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{
		Name: "alice", Active: true, DailyLossCutoffPct: 10,
	})
	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	_ = r.db.InsertSnapshot(&storage.BalanceSnapshot{
		SubscriberID: subID, Exchange: "paper", Equity: 1000, TakenAt: dayStart + 1,
	})

	pos := r.openPosition(t, subID, credID, "BTCUSDT", storage.SideLong, 50000, 0.001)
	// Small unrealized loss, well under the cutoff.
	r.paper.SetMark("BTCUSDT", 49900)
	r.tick(t)

	sub, _ := r.db.GetSubscriber(subID)
	if sub.PausedUntil != 0 {
		t.Fatal("guardrail tripped below the cutoff")
	}
	if r.reload(t, pos.ID) == nil {
		t.Fatal("position closed below the cutoff")
	}
}

func TestRecordBalanceSnapshots(t *testing.T) {
	r := newTestRig(t)
	subID, credID := r.addSubscriber(t, &storage.Subscriber{Name: "alice", Active: true})
	r.paper.SetBalance(credID, 2500, 2400)

	if err := r.sup.RecordBalanceSnapshots(context.Background(), &storage.Job{}); err != nil {
		t.Fatalf("RecordBalanceSnapshots: %v", err)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	eq, err := r.db.GetDayStartEquity(subID, dayStart)
	if err != nil {
		t.Fatalf("equity: %v", err)
	}
	if eq != 2500 {
		t.Errorf("snapshot equity = %v, want 2500", eq)
	}
}
