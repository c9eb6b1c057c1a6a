// Package queue implements the durable, priority-ordered job queue the
// worker pool polls: Postgres-backed, pg-boss-style state machine
// (created -> active -> completed|retry|failed|cancelled) with
// FOR UPDATE SKIP LOCKED dequeue and exponential-backoff retry scheduling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobState is the closed set of states a queued job moves through.
type JobState string

const (
	JobCreated   JobState = "created"
	JobRetry     JobState = "retry"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobCancelled JobState = "cancelled"
	JobFailed    JobState = "failed"
)

// DefaultMaxAttempts bounds how many times the queue itself will hand a job
// back out before marking it failed, when no retry limit is supplied via
// EnqueueOptions.
const DefaultMaxAttempts = 3

// BaseBackoff is the starting delay for exponential retry backoff when a
// job doesn't otherwise specify its own retry delay.
const BaseBackoff = 2 * time.Second

// MaxBackoff caps the exponential retry delay.
const MaxBackoff = 5 * time.Minute

// DefaultRetryDelay is spec §4.A's default fixed retry delay.
const DefaultRetryDelay = 30 * time.Second

// DefaultExpireIn is spec §4.A's default job expiry.
const DefaultExpireIn = 3600 * time.Second

// Job is one unit of queued work.
type Job struct {
	ID             string
	Name           string
	Payload        []byte
	Priority       int
	State          JobState
	Attempts       int
	MaxAttempts    int
	RetryDelaySecs int
	RetryBackoff   bool
	ExpireInSecs   int
	SingletonKey   string
	Output         []byte
	LastError      string
	CreatedOn      time.Time
	StartedOn      *time.Time
	CompletedOn    *time.Time
	RetryAfter     *time.Time
	StartAfter     time.Time
}

// RetryDelay is the job's configured fixed retry delay as a Duration.
func (j Job) RetryDelay() time.Duration { return time.Duration(j.RetryDelaySecs) * time.Second }

// ExpireIn is the job's configured expiry as a Duration.
func (j Job) ExpireIn() time.Duration { return time.Duration(j.ExpireInSecs) * time.Second }

// EnqueueOptions configures a single job's priority and retry policy,
// matching spec §3's Job fields and §4.A's enqueue options.
type EnqueueOptions struct {
	// Priority orders dequeue: higher priority jobs are claimed first.
	Priority int
	// RetryLimit caps how many times the job is retried before it is marked
	// permanently failed.
	RetryLimit int
	// RetryDelay is the fixed delay before a failed job becomes eligible for
	// retry again.
	RetryDelay time.Duration
	// RetryBackoff doubles RetryDelay on each successive attempt (capped at
	// MaxBackoff) instead of using a fixed delay.
	RetryBackoff bool
	// ExpireIn bounds how long an active job may run before it is considered
	// stuck. Enforced by operators/introspection, not by Dequeue itself.
	ExpireIn time.Duration
	// SingletonKey, if set, de-duplicates against any other job of the same
	// name with the same key that is still created/retry/active: the new
	// enqueue is dropped and the existing job's id is returned.
	SingletonKey string
	// Delay defers when the job first becomes eligible for dequeue.
	Delay time.Duration
}

// DefaultEnqueueOptions returns spec §4.A's defaults: priority 0, retry
// limit 3, retry delay 30s, multiplicative backoff enabled, 1-hour expiry,
// no singleton key, no start delay.
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		RetryLimit:   DefaultMaxAttempts,
		RetryDelay:   DefaultRetryDelay,
		RetryBackoff: true,
		ExpireIn:     DefaultExpireIn,
	}
}

// Backoff returns the exponential backoff delay for the given attempt count
// (1-indexed) starting from base, capped at MaxBackoff. base falls back to
// BaseBackoff when zero.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = BaseBackoff
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Queue is a pgx-backed job queue.
type Queue struct {
	pool     *pgxpool.Pool
	notifier *Notifier
}

// New creates a Queue backed by pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Ping verifies queue-database connectivity for the health endpoint
// (spec §4.M).
func (q *Queue) Ping(ctx context.Context) error {
	return q.pool.Ping(ctx)
}

// Enqueue inserts a new job in the created state with spec §4.A's default
// options.
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload []byte) (string, error) {
	return q.EnqueueWithOptions(ctx, jobName, payload, DefaultEnqueueOptions())
}

// EnqueueWithOptions inserts a new job under the given retry policy,
// priority, expiry, and optional singleton key (spec §3, §4.A). A second
// enqueue under the same name and a non-empty SingletonKey while an earlier
// job with that key is still created/retry/active is dropped: the existing
// job's id is returned instead of inserting a duplicate.
func (q *Queue) EnqueueWithOptions(ctx context.Context, jobName string, payload []byte, opts EnqueueOptions) (string, error) {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ExpireIn <= 0 {
		opts.ExpireIn = DefaultExpireIn
	}

	if opts.SingletonKey != "" {
		existingID, err := q.findActiveSingleton(ctx, jobName, opts.SingletonKey)
		if err != nil {
			return "", err
		}
		if existingID != "" {
			return existingID, nil
		}
	}

	id := uuid.NewString()
	startAfter := time.Now().Add(opts.Delay)
	var singletonKey *string
	if opts.SingletonKey != "" {
		singletonKey = &opts.SingletonKey
	}

	const sql = `
		INSERT INTO jobs (id, name, payload, priority, state, attempts, max_attempts,
			retry_delay_secs, retry_backoff, expire_in_secs, singleton_key, start_after, created_on)
		VALUES ($1, $2, $3, $4, 'created', 0, $5, $6, $7, $8, $9, $10, now())`
	if _, err := q.pool.Exec(ctx, sql, id, jobName, payload, opts.Priority, opts.RetryLimit,
		int(opts.RetryDelay.Seconds()), opts.RetryBackoff, int(opts.ExpireIn.Seconds()), singletonKey, startAfter); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", jobName, err)
	}
	q.notifier.Notify(jobName)
	return id, nil
}

// findActiveSingleton returns the id of an existing not-yet-terminal job of
// jobName carrying singletonKey, or "" if none exists.
func (q *Queue) findActiveSingleton(ctx context.Context, jobName, singletonKey string) (string, error) {
	const sql = `
		SELECT id FROM jobs
		WHERE name = $1 AND singleton_key = $2 AND state IN ('created', 'retry', 'active')
		LIMIT 1`
	var id string
	err := q.pool.QueryRow(ctx, sql, jobName, singletonKey).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("queue: check singleton %s/%s: %w", jobName, singletonKey, err)
	}
	return id, nil
}

// ErrEmpty is returned by Dequeue when no eligible job is available.
var ErrEmpty = errors.New("queue: no job available")

// Dequeue atomically claims up to batchSize jobs of jobName in
// created/retry state whose retry_after (if any) has elapsed, ordered by
// priority DESC, created_on ASC, using FOR UPDATE SKIP LOCKED so concurrent
// workers never contend on the same row.
func (q *Queue) Dequeue(ctx context.Context, jobName string, batchSize int) ([]Job, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin dequeue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectSQL = `
		SELECT id, name, payload, priority, state, attempts, max_attempts,
		       retry_delay_secs, retry_backoff, expire_in_secs,
		       COALESCE(singleton_key, '') AS singleton_key, start_after, created_on
		FROM jobs
		WHERE name = $1
		  AND state IN ('created', 'retry')
		  AND start_after <= now()
		  AND (retry_after IS NULL OR retry_after <= now())
		ORDER BY priority DESC, created_on ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, selectSQL, jobName, batchSize)
	if err != nil {
		return nil, fmt.Errorf("queue: select for dequeue: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, pgx.RowToStructByName[Job])
	if err != nil {
		return nil, fmt.Errorf("queue: scan dequeued jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrEmpty
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	const markActiveSQL = `UPDATE jobs SET state = 'active', started_on = now(), attempts = attempts + 1 WHERE id = ANY($1)`
	if _, err := tx.Exec(ctx, markActiveSQL, ids); err != nil {
		return nil, fmt.Errorf("queue: mark active: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit dequeue tx: %w", err)
	}

	for i := range jobs {
		jobs[i].State = JobActive
		jobs[i].Attempts++
	}
	return jobs, nil
}

// Complete marks a job completed, persisting its output envelope (spec
// §4.A's complete(job_id, output)).
func (q *Queue) Complete(ctx context.Context, jobID string, output []byte) error {
	const sql = `UPDATE jobs SET state = 'completed', completed_on = now(), output = $2 WHERE id = $1`
	if _, err := q.pool.Exec(ctx, sql, jobID, output); err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	return nil
}

// Fail records a job failure. If job has been retried fewer than its own
// MaxAttempts times, it is moved to retry state with a retry_after
// computed from the job's own retry policy (a fixed RetryDelay, or
// exponential backoff from that delay when RetryBackoff is set); otherwise
// it is marked permanently failed.
func (q *Queue) Fail(ctx context.Context, job Job, cause error) error {
	if job.Attempts > job.MaxAttempts {
		const sql = `UPDATE jobs SET state = 'failed', last_error = $2, completed_on = now() WHERE id = $1`
		if _, err := q.pool.Exec(ctx, sql, job.ID, errString(cause)); err != nil {
			return fmt.Errorf("queue: fail %s: %w", job.ID, err)
		}
		return nil
	}

	delay := job.RetryDelay()
	if job.RetryBackoff {
		delay = Backoff(job.Attempts, delay)
	}
	retryAfter := time.Now().Add(delay)
	const sql = `UPDATE jobs SET state = 'retry', last_error = $2, retry_after = $3 WHERE id = $1`
	if _, err := q.pool.Exec(ctx, sql, job.ID, errString(cause), retryAfter); err != nil {
		return fmt.Errorf("queue: schedule retry %s: %w", job.ID, err)
	}
	return nil
}

// Cancel marks a job cancelled, regardless of its current state, unless it
// has already completed.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	const sql = `UPDATE jobs SET state = 'cancelled', completed_on = now() WHERE id = $1 AND state != 'completed'`
	tag, err := q.pool.Exec(ctx, sql, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue: job %s not found or already completed", jobID)
	}
	return nil
}

// Get returns a single job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (Job, error) {
	const sql = `
		SELECT id, name, payload, priority, state, attempts, max_attempts,
		       retry_delay_secs, retry_backoff, expire_in_secs,
		       COALESCE(singleton_key, '') AS singleton_key, start_after, output, created_on
		FROM jobs WHERE id = $1`
	row := q.pool.QueryRow(ctx, sql, jobID)
	var j Job
	if err := row.Scan(&j.ID, &j.Name, &j.Payload, &j.Priority, &j.State, &j.Attempts, &j.MaxAttempts,
		&j.RetryDelaySecs, &j.RetryBackoff, &j.ExpireInSecs, &j.SingletonKey, &j.StartAfter, &j.Output, &j.CreatedOn); err != nil {
		return Job{}, fmt.Errorf("queue: get %s: %w", jobID, err)
	}
	return j, nil
}

// Counts returns the number of jobs in each state for jobName.
func (q *Queue) Counts(ctx context.Context, jobName string) (map[JobState]int, error) {
	const sql = `SELECT state, count(*) FROM jobs WHERE name = $1 GROUP BY state`
	rows, err := q.pool.Query(ctx, sql, jobName)
	if err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("queue: scan counts: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
