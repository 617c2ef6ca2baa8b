package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"cityline/internal/db"
	"cityline/internal/migrate"
)

type qtest struct {
	t   *testing.T
	q   *Queue
	now time.Time
}

func newTestQueue(t *testing.T) *qtest {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	qt := &qtest{t: t, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	qt.q = New(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	qt.q.Now = func() time.Time { return qt.now }
	return qt
}

func (qt *qtest) advance(d time.Duration) {
	qt.now = qt.now.Add(d)
}

func (qt *qtest) drain() int {
	qt.t.Helper()
	n, err := qt.q.DrainPending(context.Background())
	if err != nil {
		qt.t.Fatal(err)
	}
	return n
}

func (qt *qtest) counts() map[string]int {
	qt.t.Helper()
	counts, err := qt.q.CountByStatus(context.Background())
	if err != nil {
		qt.t.Fatal(err)
	}
	return counts
}

func TestEnqueueAndDrainRunsHandler(t *testing.T) {
	qt := newTestQueue(t)
	var got string
	qt.q.Register("greet", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 1, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			var p struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			got = p.Name
			return nil
		},
	})

	if _, err := qt.q.Enqueue(context.Background(), "greet", map[string]string{"name": "ada"}, 0); err != nil {
		t.Fatal(err)
	}
	if n := qt.drain(); n != 1 {
		t.Fatalf("executed %d jobs, want 1", n)
	}
	if got != "ada" {
		t.Fatalf("handler saw payload %q", got)
	}
	if c := qt.counts(); c[StatusDone] != 1 {
		t.Fatalf("counts = %v, want one done", c)
	}
}

func TestEnqueueUnknownKindFails(t *testing.T) {
	qt := newTestQueue(t)
	if _, err := qt.q.Enqueue(context.Background(), "nope", nil, 0); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestDelayedJobWaitsForRunAt(t *testing.T) {
	qt := newTestQueue(t)
	ran := 0
	qt.q.Register("later", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 1, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			ran++
			return nil
		},
	})

	if _, err := qt.q.Enqueue(context.Background(), "later", nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	if n := qt.drain(); n != 0 {
		t.Fatalf("drained %d jobs before run_at", n)
	}
	qt.advance(time.Hour)
	if n := qt.drain(); n != 1 {
		t.Fatalf("drained %d jobs after run_at, want 1", n)
	}
	if ran != 1 {
		t.Fatalf("handler ran %d times", ran)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	qt := newTestQueue(t)
	qt.q.Backoff = func(int) time.Duration { return 0 }
	attempts := 0
	qt.q.Register("flaky", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 3, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	if _, err := qt.q.Enqueue(context.Background(), "flaky", nil, 0); err != nil {
		t.Fatal(err)
	}
	qt.drain()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if c := qt.counts(); c[StatusDone] != 1 {
		t.Fatalf("counts = %v, want one done", c)
	}
}

func TestRetryHonorsBackoffDelay(t *testing.T) {
	qt := newTestQueue(t)
	qt.q.Backoff = func(int) time.Duration { return 10 * time.Minute }
	attempts := 0
	qt.q.Register("flaky", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 2, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			attempts++
			return errors.New("boom")
		},
	})

	if _, err := qt.q.Enqueue(context.Background(), "flaky", nil, 0); err != nil {
		t.Fatal(err)
	}
	qt.drain()
	if attempts != 1 {
		t.Fatalf("attempts = %d after first drain, want 1", attempts)
	}
	// The retry is scheduled 10 minutes out; nothing is due yet.
	qt.advance(time.Minute)
	if n := qt.drain(); n != 0 {
		t.Fatalf("drained %d jobs inside the backoff window", n)
	}
	qt.advance(10 * time.Minute)
	qt.drain()
	if attempts != 2 {
		t.Fatalf("attempts = %d after backoff elapsed, want 2", attempts)
	}
}

func TestPermanentFailureFiresHook(t *testing.T) {
	qt := newTestQueue(t)
	qt.q.Backoff = func(int) time.Duration { return 0 }
	var hookJob Job
	var hookErr error
	qt.q.Register("doomed", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 2, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			return errors.New("always broken")
		},
		OnPermanentFailure: func(ctx context.Context, job Job, jobErr error) {
			hookJob = job
			hookErr = jobErr
		},
	})

	id, err := qt.q.Enqueue(context.Background(), "doomed", map[string]int{"n": 7}, 0)
	if err != nil {
		t.Fatal(err)
	}
	qt.drain()
	if hookErr == nil || hookErr.Error() != "always broken" {
		t.Fatalf("hook error = %v", hookErr)
	}
	if hookJob.ID != id || hookJob.Attempts != 2 {
		t.Fatalf("hook job = %+v", hookJob)
	}
	if c := qt.counts(); c[StatusFailed] != 1 {
		t.Fatalf("counts = %v, want one failed", c)
	}
}

func TestHandlerPanicCountsAsFailedAttempt(t *testing.T) {
	qt := newTestQueue(t)
	var hookErr error
	qt.q.Register("panicky", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 1, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			panic("wat")
		},
		OnPermanentFailure: func(ctx context.Context, job Job, jobErr error) {
			hookErr = jobErr
		},
	})

	if _, err := qt.q.Enqueue(context.Background(), "panicky", nil, 0); err != nil {
		t.Fatal(err)
	}
	qt.drain()
	if hookErr == nil {
		t.Fatal("panic did not reach the failure hook")
	}
	if c := qt.counts(); c[StatusFailed] != 1 {
		t.Fatalf("counts = %v, want one failed", c)
	}
}

func TestAttemptTimeoutCancelsHandler(t *testing.T) {
	qt := newTestQueue(t)
	var sawCancel bool
	qt.q.Register("slow", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 1, Timeout: 20 * time.Millisecond},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			<-ctx.Done()
			sawCancel = true
			return ctx.Err()
		},
	})

	if _, err := qt.q.Enqueue(context.Background(), "slow", nil, 0); err != nil {
		t.Fatal(err)
	}
	qt.drain()
	if !sawCancel {
		t.Fatal("handler context was never canceled")
	}
	if c := qt.counts(); c[StatusFailed] != 1 {
		t.Fatalf("counts = %v, want one failed", c)
	}
}

func TestStaleRunningJobIsReclaimedAndRetried(t *testing.T) {
	qt := newTestQueue(t)
	qt.q.Backoff = func(int) time.Duration { return 0 }
	ran := 0
	qt.q.Register("work", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 2, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			ran++
			return nil
		},
	})
	id, err := qt.q.Enqueue(context.Background(), "work", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	// A worker claimed the job and died before finishing: the row sits in
	// running with the first attempt spent.
	claimed := qt.now.UTC().Format(time.RFC3339)
	if _, err := qt.q.DB.ExecContext(context.Background(), `UPDATE jobs SET status=?,attempts=1,updated_at=? WHERE id=?`, StatusRunning, claimed, id); err != nil {
		t.Fatal(err)
	}

	// Inside timeout plus grace the row is left alone.
	qt.advance(time.Minute)
	if n := qt.drain(); n != 0 {
		t.Fatalf("drained %d jobs before the stale window elapsed", n)
	}
	qt.advance(time.Minute)
	if n := qt.drain(); n != 1 {
		t.Fatalf("drained %d jobs after reclaim, want 1", n)
	}
	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	if c := qt.counts(); c[StatusDone] != 1 {
		t.Fatalf("counts = %v, want one done", c)
	}
	// The lost attempt counted: the row records two.
	var attempts int
	if err := qt.q.DB.QueryRowContext(context.Background(), `SELECT attempts FROM jobs WHERE id=?`, id).Scan(&attempts); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestStaleJobOutOfAttemptsFailsAndFiresHook(t *testing.T) {
	qt := newTestQueue(t)
	ran := 0
	var hookJob Job
	var hookErr error
	qt.q.Register("work", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 2, Timeout: time.Minute},
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			ran++
			return nil
		},
		OnPermanentFailure: func(ctx context.Context, job Job, jobErr error) {
			hookJob = job
			hookErr = jobErr
		},
	})
	id, err := qt.q.Enqueue(context.Background(), "work", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	claimed := qt.now.UTC().Format(time.RFC3339)
	if _, err := qt.q.DB.ExecContext(context.Background(), `UPDATE jobs SET status=?,attempts=2,updated_at=? WHERE id=?`, StatusRunning, claimed, id); err != nil {
		t.Fatal(err)
	}

	qt.advance(2 * time.Minute)
	if n := qt.drain(); n != 0 {
		t.Fatalf("drained %d jobs, want 0", n)
	}
	if ran != 0 {
		t.Fatalf("handler ran %d times on an exhausted job", ran)
	}
	if hookErr == nil {
		t.Fatal("terminal hook never fired")
	}
	if hookJob.ID != id || hookJob.Attempts != 2 {
		t.Fatalf("hook job = %+v", hookJob)
	}
	if c := qt.counts(); c[StatusFailed] != 1 {
		t.Fatalf("counts = %v, want one failed", c)
	}
}

func TestLaneFilterRestrictsClaims(t *testing.T) {
	qt := newTestQueue(t)
	var ran []string
	handler := func(name string) HandlerFunc {
		return func(ctx context.Context, payload json.RawMessage) error {
			ran = append(ran, name)
			return nil
		}
	}
	qt.q.Register("fast.work", Registration{
		Lane:   "fast",
		Policy: Policy{MaxAttempts: 1, Timeout: time.Minute},
		Handle: handler("fast"),
	})
	qt.q.Register("slow.work", Registration{
		Lane:   "slow",
		Policy: Policy{MaxAttempts: 1, Timeout: time.Minute},
		Handle: handler("slow"),
	})
	for _, kind := range []string{"fast.work", "slow.work"} {
		if _, err := qt.q.Enqueue(context.Background(), kind, nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	qt.q.Lanes = []string{"fast"}
	if n := qt.drain(); n != 1 {
		t.Fatalf("lane-restricted drain ran %d jobs, want 1", n)
	}
	if len(ran) != 1 || ran[0] != "fast" {
		t.Fatalf("ran = %v, want only the fast lane", ran)
	}
	if c := qt.counts(); c[StatusQueued] != 1 {
		t.Fatalf("counts = %v, want the slow job still queued", c)
	}

	qt.q.Lanes = nil
	if n := qt.drain(); n != 1 {
		t.Fatalf("unrestricted drain ran %d jobs, want 1", n)
	}
	if len(ran) != 2 || ran[1] != "slow" {
		t.Fatalf("ran = %v, want both lanes", ran)
	}
}

func TestPolicyIsFrozenAtEnqueue(t *testing.T) {
	qt := newTestQueue(t)
	qt.q.Backoff = func(int) time.Duration { return 0 }
	attempts := 0
	handler := func(ctx context.Context, payload json.RawMessage) error {
		attempts++
		return errors.New("nope")
	}
	qt.q.Register("work", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 3, Timeout: time.Minute},
		Handle: handler,
	})
	if _, err := qt.q.Enqueue(context.Background(), "work", nil, 0); err != nil {
		t.Fatal(err)
	}
	// Re-registering with a tighter policy must not affect the queued row.
	qt.q.Register("work", Registration{
		Lane:   "misc",
		Policy: Policy{MaxAttempts: 1, Timeout: time.Minute},
		Handle: handler,
	})
	qt.drain()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want the 3 frozen into the row", attempts)
	}
}
