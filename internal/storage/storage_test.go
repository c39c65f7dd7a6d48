package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	return db
}

func TestInsertSignalOnceDeduplicates(t *testing.T) {
	db := testDB(t)

	sig := &Signal{SignalID: "abc123", Symbol: "BTCUSDT", Action: ActionLong, ReceivedAt: Now()}
	created, err := db.InsertSignalOnce(sig)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Fatal("first insert must create")
	}

	created, err = db.InsertSignalOnce(sig)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if created {
		t.Fatal("duplicate insert must not create")
	}

	got, err := db.GetSignal("abc123")
	if err != nil || got == nil {
		t.Fatalf("GetSignal: %v %v", got, err)
	}
	if got.Status != SignalReceived {
		t.Errorf("status = %q, want RECEIVED", got.Status)
	}
}

func TestClaimAttemptFence(t *testing.T) {
	db := testDB(t)
	_, _ = db.InsertSignalOnce(&Signal{SignalID: "s1", Symbol: "BTCUSDT", Action: ActionLong, ReceivedAt: Now()})
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})

	claimed, err := db.ClaimAttempt("s1", subID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim must win")
	}

	claimed, err = db.ClaimAttempt("s1", subID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim for the same pair must lose")
	}

	// A different subscriber claims independently.
	subID2, _ := db.InsertSubscriber(&Subscriber{Name: "bob", Active: true})
	claimed, _ = db.ClaimAttempt("s1", subID2)
	if !claimed {
		t.Fatal("claim for a different subscriber must win")
	}
}

func TestResolveAttempt(t *testing.T) {
	db := testDB(t)
	_, _ = db.InsertSignalOnce(&Signal{SignalID: "s1", Symbol: "BTCUSDT", Action: ActionLong, ReceivedAt: Now()})
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})
	_, _ = db.ClaimAttempt("s1", subID)

	err := db.ResolveAttempt(&ExecutionAttempt{
		SignalID: "s1", SubscriberID: subID,
		Outcome: AttemptSkipped, Reason: ReasonBelowNotional,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	a, err := db.GetAttempt("s1", subID)
	if err != nil || a == nil {
		t.Fatalf("GetAttempt: %v %v", a, err)
	}
	if a.Outcome != AttemptSkipped || a.Reason != ReasonBelowNotional {
		t.Errorf("got %s/%s, want SKIPPED/below_notional", a.Outcome, a.Reason)
	}
}

func TestEnqueueJobIdempotent(t *testing.T) {
	db := testDB(t)

	created, err := db.EnqueueJob("execute_signal", "sig-1", "sig-1", Now())
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	created, err = db.EnqueueJob("execute_signal", "sig-1", "sig-1", Now())
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatal("same (name, key) must not enqueue twice")
	}
	// A different key is a new job.
	created, _ = db.EnqueueJob("execute_signal", "sig-2", "sig-2", Now())
	if !created {
		t.Fatal("different key must enqueue")
	}
}

func TestClaimNextJobVisibility(t *testing.T) {
	db := testDB(t)
	now := Now()
	_, _ = db.EnqueueJob("execute_signal", "sig-1", "sig-1", now)

	job, err := db.ClaimNextJob(now, now+60)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}

	// Locked: a second claim inside the visibility window gets nothing.
	job2, err := db.ClaimNextJob(now, now+60)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if job2 != nil {
		t.Fatal("locked job must not be claimable")
	}

	// After the lock expires the job is claimable again (crashed worker).
	job3, err := db.ClaimNextJob(now+120, now+180)
	if err != nil || job3 == nil {
		t.Fatalf("post-expiry claim: %v %v", job3, err)
	}
	if job3.Attempts != 2 {
		t.Errorf("attempts after reclaim = %d, want 2", job3.Attempts)
	}
}

func TestJobNotDueYet(t *testing.T) {
	db := testDB(t)
	now := Now()
	_, _ = db.EnqueueJob("execute_signal", "later", "", now+300)

	job, err := db.ClaimNextJob(now, now+60)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatal("future job must not be claimable")
	}
}

func TestOpenPositionUniquePerSide(t *testing.T) {
	db := testDB(t)
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})

	p := &Position{
		SubscriberID: subID, Exchange: "paper", Symbol: "BTCUSDT",
		Side: SideLong, Status: PositionOpen, EntryPrice: 50000, Quantity: 0.01,
		OpenedAt: Now(),
	}
	if _, err := db.InsertPosition(p); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.InsertPosition(p); err == nil {
		t.Fatal("second OPEN position on the same side must be rejected")
	}

	// The opposite side coexists, and a CLOSED row never blocks.
	short := *p
	short.Side = SideShort
	if _, err := db.InsertPosition(&short); err != nil {
		t.Fatalf("short insert: %v", err)
	}
	closed := *p
	closed.Status = PositionClosed
	if _, err := db.InsertPosition(&closed); err != nil {
		t.Fatalf("closed insert: %v", err)
	}
}

func TestSumRealizedPnLSince(t *testing.T) {
	db := testDB(t)
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})
	now := Now()

	mk := func(pnl float64, closedAt int64) {
		id, err := db.InsertPosition(&Position{
			SubscriberID: subID, Exchange: "paper", Symbol: "BTCUSDT",
			Side: SideLong, Status: PositionClosed, EntryPrice: 1, Quantity: 1,
			RealizedPnL: pnl, OpenedAt: closedAt - 10, ClosedAt: closedAt,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		_ = id
	}
	mk(-50, now)
	mk(20, now-10)
	mk(-999, now-100000) // yesterday, excluded

	total, err := db.SumRealizedPnLSince(subID, now-3600)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total != -30 {
		t.Errorf("total = %v, want -30", total)
	}
}

func TestGetDayStartEquity(t *testing.T) {
	db := testDB(t)
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})
	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()

	_ = db.InsertSnapshot(&BalanceSnapshot{SubscriberID: subID, Exchange: "paper", Equity: 1000, TakenAt: dayStart + 10})
	_ = db.InsertSnapshot(&BalanceSnapshot{SubscriberID: subID, Exchange: "paper", Equity: 900, TakenAt: dayStart + 600})

	eq, err := db.GetDayStartEquity(subID, dayStart)
	if err != nil {
		t.Fatalf("equity: %v", err)
	}
	if eq != 1000 {
		t.Errorf("day-start equity = %v, want the earliest snapshot 1000", eq)
	}
}

func TestGetDayStartEquityAnchorsPerExchange(t *testing.T) {
	db := testDB(t)
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})
	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()

	// The snapshot job reaches the two exchanges a few seconds apart; both
	// first readings of the day count, later ones do not.
	_ = db.InsertSnapshot(&BalanceSnapshot{SubscriberID: subID, Exchange: "binance", Equity: 1000, TakenAt: dayStart + 10})
	_ = db.InsertSnapshot(&BalanceSnapshot{SubscriberID: subID, Exchange: "paper", Equity: 500, TakenAt: dayStart + 13})
	_ = db.InsertSnapshot(&BalanceSnapshot{SubscriberID: subID, Exchange: "binance", Equity: 800, TakenAt: dayStart + 600})
	_ = db.InsertSnapshot(&BalanceSnapshot{SubscriberID: subID, Exchange: "paper", Equity: 450, TakenAt: dayStart + 610})

	eq, err := db.GetDayStartEquity(subID, dayStart)
	if err != nil {
		t.Fatalf("equity: %v", err)
	}
	if eq != 1500 {
		t.Errorf("day-start equity = %v, want 1000 + 500 across exchanges", eq)
	}
}

func TestGetOpenPositionsBatchPaging(t *testing.T) {
	db := testDB(t)
	subID, _ := db.InsertSubscriber(&Subscriber{Name: "alice", Active: true})

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	for _, sym := range symbols {
		_, err := db.InsertPosition(&Position{
			SubscriberID: subID, Exchange: "paper", Symbol: sym,
			Side: SideLong, Status: PositionOpen, EntryPrice: 1, Quantity: 1, OpenedAt: Now(),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", sym, err)
		}
	}

	var seen []string
	var afterID int64
	for {
		batch, err := db.GetOpenPositionsBatch(afterID, 2)
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, p := range batch {
			seen = append(seen, p.Symbol)
			afterID = p.ID
		}
	}
	if len(seen) != 3 {
		t.Fatalf("paged %d positions, want 3: %v", len(seen), seen)
	}
}
