// Package queue is a durable SQLite-backed job queue with named lanes,
// delayed enqueue, bounded retries with backoff, per-attempt timeouts, and a
// terminal-failure hook per job kind. Delivery is at-least-once; handlers are
// expected to be idempotent.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// staleGrace is added to a job's timeout before a running row is treated as
// abandoned. The attempt context expires at the timeout, so anything still
// marked running this long after its claim belongs to a process that died.
const staleGrace = 30 * time.Second

// Job is one row of durable work.
type Job struct {
	ID          int64           `json:"id"`
	Lane        string          `json:"lane"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     time.Duration   `json:"-"`
	RunAt       string          `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Policy bounds one kind's execution.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// HandlerFunc executes one job attempt. A returned error requeues the job
// until MaxAttempts is exhausted.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// FailureHook runs after the final failed attempt of a job.
type FailureHook func(ctx context.Context, job Job, jobErr error)

// Registration binds a job kind to a lane, policy, and handler.
type Registration struct {
	Lane               string
	Policy             Policy
	Handle             HandlerFunc
	OnPermanentFailure FailureHook
}

// Queue schedules and executes jobs.
type Queue struct {
	DB       *sql.DB
	Log      *slog.Logger
	Now      func() time.Time
	Interval time.Duration
	// Backoff returns the delay before retry attempt n (1-based). Defaults
	// to exponential with a 60s cap.
	Backoff func(attempt int) time.Duration
	// Lanes restricts which lanes this worker claims and reclaims. Empty
	// means every lane.
	Lanes []string

	mu    sync.RWMutex
	kinds map[string]Registration
}

// New returns a queue over db. Register kinds before running workers.
func New(db *sql.DB, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		DB:       db,
		Log:      log,
		Now:      time.Now,
		Interval: 2 * time.Second,
		kinds:    map[string]Registration{},
	}
}

// Register binds kind to its lane, policy, and handler. Registering the same
// kind twice replaces the previous registration.
func (q *Queue) Register(kind string, r Registration) {
	if r.Policy.MaxAttempts <= 0 {
		r.Policy.MaxAttempts = 1
	}
	if r.Policy.Timeout <= 0 {
		r.Policy.Timeout = time.Minute
	}
	q.mu.Lock()
	q.kinds[kind] = r
	q.mu.Unlock()
}

func (q *Queue) registration(kind string) (Registration, error) {
	q.mu.RLock()
	r, ok := q.kinds[kind]
	q.mu.RUnlock()
	if !ok {
		return Registration{}, fmt.Errorf("no handler registered for job kind %s", kind)
	}
	return r, nil
}

// Enqueue schedules a job after delay. The row carries the registered policy
// so a restart cannot change the bounds of in-flight work.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (int64, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := q.EnqueueTx(ctx, tx, kind, payload, delay)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// EnqueueTx schedules a job inside the caller's transaction, so a stage's
// writes and its downstream dispatch commit or roll back together.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, kind string, payload any, delay time.Duration) (int64, error) {
	reg, err := q.registration(kind)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal job payload: %w", err)
	}
	now := q.now()
	runAt := now.Add(delay).UTC().Format(time.RFC3339)
	ts := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(lane,kind,payload_json,status,attempts,max_attempts,timeout_seconds,run_at,created_at,updated_at)
VALUES (?,?,?,?,0,?,?,?,?,?)`,
		reg.Lane, kind, string(data), StatusQueued, reg.Policy.MaxAttempts, int(reg.Policy.Timeout/time.Second), runAt, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return res.LastInsertId()
}

// Run polls for due jobs until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	interval := q.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := q.DrainPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.Log.Error("queue drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainPending executes due jobs one at a time until none remain, returning
// the number of jobs executed. Used by the worker loop each tick and by tests
// and the CLI --drain mode for deterministic processing.
func (q *Queue) DrainPending(ctx context.Context) (int, error) {
	if err := q.reclaimStale(ctx); err != nil {
		return 0, err
	}
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job, ok, err := q.claim(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		q.execute(ctx, job)
		n++
	}
}

// claim picks the oldest due queued job and flips it to running. The
// compare-and-set UPDATE keeps duplicate claims out even with several
// pollers on one database.
func (q *Queue) claim(ctx context.Context) (Job, bool, error) {
	now := q.now().UTC().Format(time.RFC3339)
	query := `SELECT id,lane,kind,payload_json,status,attempts,max_attempts,timeout_seconds,run_at,COALESCE(last_error,''),created_at,updated_at
FROM jobs WHERE status=? AND run_at<=?`
	args := []any{StatusQueued, now}
	clause, laneArgs := q.laneFilter()
	query += clause + ` ORDER BY run_at,id LIMIT 1`
	args = append(args, laneArgs...)
	row := q.DB.QueryRowContext(ctx, query, args...)
	var j Job
	var payload string
	var timeoutSeconds int
	err := row.Scan(&j.ID, &j.Lane, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &timeoutSeconds, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	j.Payload = json.RawMessage(payload)
	j.Timeout = time.Duration(timeoutSeconds) * time.Second
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?,attempts=attempts+1,updated_at=? WHERE id=? AND status=?`,
		StatusRunning, now, j.ID, StatusQueued)
	if err != nil {
		return Job{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, err
	}
	if affected == 0 {
		// Raced with another poller; let the next iteration pick a job.
		return Job{}, false, nil
	}
	j.Attempts++
	j.Status = StatusRunning
	return j, true, nil
}

// reclaimStale recovers running rows left behind by a process that died
// mid-attempt. A row is stale once its timeout plus staleGrace has elapsed
// since it was claimed; the lost attempt counts as spent, so a stale row out
// of attempts goes straight to failed and fires the terminal hook.
func (q *Queue) reclaimStale(ctx context.Context) error {
	now := q.now().UTC().Format(time.RFC3339)
	query := `SELECT id,lane,kind,payload_json,attempts,max_attempts,timeout_seconds,run_at,COALESCE(last_error,''),created_at,updated_at
FROM jobs WHERE status=? AND datetime(updated_at, '+' || (timeout_seconds + ?) || ' seconds') <= datetime(?)`
	args := []any{StatusRunning, int(staleGrace / time.Second), now}
	clause, laneArgs := q.laneFilter()
	query += clause
	args = append(args, laneArgs...)
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scan for stale jobs: %w", err)
	}
	defer rows.Close()
	var stale []Job
	for rows.Next() {
		var j Job
		var payload string
		var timeoutSeconds int
		if err := rows.Scan(&j.ID, &j.Lane, &j.Kind, &payload, &j.Attempts, &j.MaxAttempts, &timeoutSeconds, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return err
		}
		j.Payload = json.RawMessage(payload)
		j.Timeout = time.Duration(timeoutSeconds) * time.Second
		j.Status = StatusRunning
		stale = append(stale, j)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, j := range stale {
		staleErr := fmt.Errorf("attempt %d abandoned: worker exited before finishing", j.Attempts)
		q.Log.Warn("reclaiming stale job",
			"lane", j.Lane, "kind", j.Kind, "job_id", j.ID,
			"attempt", j.Attempts, "max_attempts", j.MaxAttempts)
		if j.Attempts >= j.MaxAttempts {
			q.finalizeStale(ctx, j, staleErr)
			continue
		}
		q.requeue(ctx, j, staleErr)
	}
	return nil
}

func (q *Queue) finalizeStale(ctx context.Context, job Job, jobErr error) {
	reg, err := q.registration(job.Kind)
	if err != nil {
		reg = Registration{}
	}
	q.finalize(ctx, job, reg, jobErr)
}

func (q *Queue) laneFilter() (string, []any) {
	if len(q.Lanes) == 0 {
		return "", nil
	}
	args := make([]any, len(q.Lanes))
	for i, lane := range q.Lanes {
		args[i] = lane
	}
	return ` AND lane IN (?` + strings.Repeat(",?", len(q.Lanes)-1) + `)`, args
}

func (q *Queue) execute(ctx context.Context, job Job) {
	reg, err := q.registration(job.Kind)
	if err != nil {
		q.finalize(ctx, job, Registration{}, err)
		return
	}
	attemptCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	err = q.runHandler(attemptCtx, reg, job)
	cancel()
	if err == nil {
		q.markDone(ctx, job)
		return
	}
	q.Log.Warn("job attempt failed",
		"lane", job.Lane, "kind", job.Kind, "job_id", job.ID,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
	if job.Attempts >= job.MaxAttempts {
		q.finalize(ctx, job, reg, err)
		return
	}
	q.requeue(ctx, job, err)
}

func (q *Queue) runHandler(ctx context.Context, reg Registration, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return reg.Handle(ctx, job.Payload)
}

func (q *Queue) markDone(ctx context.Context, job Job) {
	ts := q.now().UTC().Format(time.RFC3339)
	if _, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?,last_error=NULL,updated_at=? WHERE id=?`, StatusDone, ts, job.ID); err != nil {
		q.Log.Error("mark job done failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) requeue(ctx context.Context, job Job, jobErr error) {
	delay := q.backoff(job.Attempts)
	now := q.now()
	runAt := now.Add(delay).UTC().Format(time.RFC3339)
	ts := now.UTC().Format(time.RFC3339)
	if _, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?,run_at=?,last_error=?,updated_at=? WHERE id=?`,
		StatusQueued, runAt, jobErr.Error(), ts, job.ID); err != nil {
		q.Log.Error("requeue job failed", "job_id", job.ID, "error", err)
	}
}

// finalize marks the job failed and fires the kind's terminal hook.
func (q *Queue) finalize(ctx context.Context, job Job, reg Registration, jobErr error) {
	ts := q.now().UTC().Format(time.RFC3339)
	if _, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?,last_error=?,updated_at=? WHERE id=?`,
		StatusFailed, jobErr.Error(), ts, job.ID); err != nil {
		q.Log.Error("mark job failed errored", "job_id", job.ID, "error", err)
	}
	q.Log.Error("job permanently failed",
		"lane", job.Lane, "kind", job.Kind, "job_id", job.ID,
		"attempts", job.Attempts, "error", jobErr)
	if reg.OnPermanentFailure != nil {
		reg.OnPermanentFailure(ctx, job, jobErr)
	}
}

// CountByStatus reports queue depth per status.
func (q *Queue) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT status,count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) backoff(attempt int) time.Duration {
	if q.Backoff != nil {
		return q.Backoff(attempt)
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
}
