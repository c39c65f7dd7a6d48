package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"copytrader/internal/storage"
)

func testQueue(t *testing.T, opts Options) (*Queue, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	return New(db, opts), db
}

func TestQueueRunsHandler(t *testing.T) {
	q, _ := testQueue(t, Options{Workers: 2, Poll: 10 * time.Millisecond})

	done := make(chan string, 1)
	q.Register("test_job", func(ctx context.Context, job *storage.Job) error {
		done <- job.Args
		return nil
	})

	created, err := q.Enqueue("test_job", "k1", "payload")
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(finished)
	}()

	select {
	case args := <-done:
		if args != "payload" {
			t.Errorf("args = %q, want payload", args)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("queue did not drain after cancel")
	}
}

func TestQueueRetriesThenFails(t *testing.T) {
	q, db := testQueue(t, Options{Workers: 1, Poll: 10 * time.Millisecond, MaxAttempts: 2})

	var runs atomic.Int32
	q.Register("flaky", func(ctx context.Context, job *storage.Job) error {
		runs.Add(1)
		return errors.New("boom")
	})
	_, _ = q.Enqueue("flaky", "k1", "")

	// Drive the claim loop by hand so the exponential retry delay does not
	// slow the test down.
	now := storage.Now()
	for i := 0; i < 2; i++ {
		job, err := db.ClaimNextJob(now+int64(i*1000), now+int64(i*1000)+60)
		if err != nil || job == nil {
			t.Fatalf("claim %d: %v %v", i, job, err)
		}
		q.runJob(context.Background(), job)
	}

	if got := runs.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
	// Exhausted: nothing left to claim even far in the future.
	job, _ := db.ClaimNextJob(now+100000, now+100060)
	if job != nil {
		t.Errorf("terminally failed job claimed again: %+v", job)
	}
}

func TestPeriodicJobRowIsFreedForReArm(t *testing.T) {
	q, db := testQueue(t, Options{Workers: 1, Poll: 10 * time.Millisecond})

	q.Register("tick", func(ctx context.Context, job *storage.Job) error { return nil })
	_, _ = q.Enqueue("tick", "periodic", "")

	now := storage.Now()
	job, err := db.ClaimNextJob(now, now+60)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	q.runJob(context.Background(), job)

	// The (name, periodic) slot must be reusable immediately.
	created, err := db.EnqueueJob("tick", "periodic", "", now)
	if err != nil || !created {
		t.Fatalf("re-arm blocked: created=%v err=%v", created, err)
	}
}

func TestUnknownJobNameFails(t *testing.T) {
	q, db := testQueue(t, Options{Workers: 1})
	_, _ = q.Enqueue("never_registered", "k", "")

	now := storage.Now()
	job, _ := db.ClaimNextJob(now, now+60)
	if job == nil {
		t.Fatal("claim returned nothing")
	}
	q.runJob(context.Background(), job)

	// Marked FAILED, not retried.
	again, _ := db.ClaimNextJob(now+100000, now+100060)
	if again != nil {
		t.Errorf("handlerless job claimed again: %+v", again)
	}
}
