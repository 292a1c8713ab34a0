// Package queue implements the durable job queue backing all asynchronous
// work: typed payload validation on enqueue, transactional claims,
// exponential retry backoff, incremental progress, stalled-job recovery,
// and bounded retention of terminal jobs.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned by Get for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Fixed-width layout so timestamps compare correctly as strings in SQL.
// RFC3339Nano trims trailing zeros, which breaks lexicographic ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Job statuses. A job moves waiting -> active -> completed|failed, with
// delayed -> waiting cycles in between for retries. Terminal states are
// immutable once set.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusDelayed   = "delayed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one durable unit of work.
type Job struct {
	ID            string
	Type          string
	Payload       json.RawMessage
	Status        string
	Priority      int
	Attempts      int
	MaxAttempts   int
	BackoffBase   time.Duration
	Progress      int
	StallCount    int
	RunAfter      time.Time
	ClaimDeadline time.Time
	Result        string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AttemptsRemaining reports how many retries the job has left.
func (j *Job) AttemptsRemaining() int {
	if n := j.MaxAttempts - j.Attempts; n > 0 {
		return n
	}
	return 0
}

// AddOptions tune retry and ordering behavior for a single enqueue.
type AddOptions struct {
	Attempts    int           // max attempts, default 3
	BackoffBase time.Duration // first retry delay, doubled per attempt, default 2s
	Priority    int           // higher claims first
}

// Retention caps how many terminal jobs are kept, and for how long.
// Count and age limits are enforced independently per status.
type Retention struct {
	CompletedKeep int
	CompletedAge  time.Duration
	FailedKeep    int
	FailedAge     time.Duration
}

// Options configure a Queue.
type Options struct {
	ClaimTTL   time.Duration // active jobs past this deadline count as stalled, default 2m
	MaxStalled int           // stalls before permanent failure, default 3
	Retention  Retention
}

// Queue provides durable job storage over a shared SQLite database.
type Queue struct {
	db         *sql.DB
	now        func() time.Time
	claimTTL   time.Duration
	maxStalled int
	retention  Retention
}

// New creates a Queue over db. Zero-valued options fall back to defaults.
func New(db *sql.DB, opts Options) *Queue {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 2 * time.Minute
	}
	if opts.MaxStalled <= 0 {
		opts.MaxStalled = 3
	}
	if opts.Retention.CompletedKeep <= 0 {
		opts.Retention.CompletedKeep = 20
	}
	if opts.Retention.CompletedAge <= 0 {
		opts.Retention.CompletedAge = 24 * time.Hour
	}
	if opts.Retention.FailedKeep <= 0 {
		opts.Retention.FailedKeep = 20
	}
	if opts.Retention.FailedAge <= 0 {
		opts.Retention.FailedAge = 7 * 24 * time.Hour
	}
	return &Queue{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		claimTTL:   opts.ClaimTTL,
		maxStalled: opts.MaxStalled,
		retention:  opts.Retention,
	}
}

// Add validates and enqueues a job, returning its id. Payload may be a
// struct or raw JSON; either way it must pass the job type's schema
// check or the job is rejected with ErrInvalidPayload.
func (q *Queue) Add(ctx context.Context, jobType string, payload any, opts AddOptions) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validatePayload(jobType, raw); err != nil {
		return "", err
	}

	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}

	id := uuid.New().String()
	now := q.now().Format(timeFormat)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, priority, attempts, max_attempts, backoff_ms,
			progress, stall_count, run_after, claim_deadline, result, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, 0, 0, ?, '', '', '', ?, ?)`,
		id, jobType, string(raw), StatusWaiting, opts.Priority, opts.Attempts,
		opts.BackoffBase.Milliseconds(), now, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}
	return id, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

const jobColumns = `id, type, payload_json, status, priority, attempts, max_attempts, backoff_ms,
	progress, stall_count, run_after, claim_deadline, result, last_error, created_at, updated_at`

// Claim atomically takes the oldest runnable job of the given type and
// marks it active with a claim deadline. Returns nil when no job is due.
func (q *Queue) Claim(ctx context.Context, jobType string) (*Job, error) {
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type = ?
		  AND (status = ? OR (status = ? AND run_after <= ?))
		ORDER BY priority DESC, run_after ASC, created_at ASC
		LIMIT 1`,
		jobType, StatusWaiting, StatusDelayed, now.Format(timeFormat),
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	deadline := now.Add(q.claimTTL)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, claim_deadline = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusActive, deadline.Format(timeFormat), now.Format(timeFormat),
		job.ID, StatusWaiting, StatusDelayed,
	)
	if err != nil {
		return nil, fmt.Errorf("activating job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.Status = StatusActive
	job.ClaimDeadline = deadline
	job.UpdatedAt = now
	return job, nil
}

// Complete marks an active job as successfully finished. Terminal states
// are immutable, so completing a non-active job is an error.
func (q *Queue) Complete(ctx context.Context, id, result string) error {
	now := q.now().Format(timeFormat)
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100, result = ?, claim_deadline = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCompleted, result, now, id, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("completing job %s: not active", id)
	}
	return nil
}

// Fail records a handler failure. The job is re-queued with exponential
// backoff until its attempts are exhausted, after which it becomes
// permanently failed and is retained for inspection.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	var backoffMs int64
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts, backoff_ms FROM jobs WHERE id = ? AND status = ?`,
		id, StatusActive,
	).Scan(&attempts, &maxAttempts, &backoffMs)
	if err == sql.ErrNoRows {
		return fmt.Errorf("failing job %s: not active", id)
	}
	if err != nil {
		return err
	}

	now := q.now()
	attempts++
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, claim_deadline = '', updated_at = ?
			WHERE id = ?`,
			StatusFailed, attempts, errMsg, now.Format(timeFormat), id)
	} else {
		backoff := time.Duration(backoffMs) * time.Millisecond << (attempts - 1)
		runAfter := now.Add(backoff)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, claim_deadline = '', updated_at = ?
			WHERE id = ?`,
			StatusDelayed, attempts, errMsg, runAfter.Format(timeFormat),
			now.Format(timeFormat), id)
	}
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return tx.Commit()
}

// SetProgress records sub-step completion (0-100) on an active job.
func (q *Queue) SetProgress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	now := q.now().Format(timeFormat)
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		pct, now, id, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("updating progress for job %s: %w", id, err)
	}
	return nil
}

// Get returns a job by id, for the status API.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

// ReapStalled requeues active jobs whose claim deadline has passed
// (the worker died or was shut down mid-job). A job that stalls more
// than the configured maximum is failed permanently.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	now := q.now()

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, stall_count FROM jobs
		WHERE status = ? AND claim_deadline != '' AND claim_deadline <= ?`,
		StatusActive, now.Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("querying stalled jobs: %w", err)
	}
	type stalled struct {
		id    string
		count int
	}
	var found []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.id, &s.count); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	nowStr := now.Format(timeFormat)
	for _, s := range found {
		s.count++
		if s.count > q.maxStalled {
			_, err = q.db.ExecContext(ctx, `
				UPDATE jobs SET status = ?, stall_count = ?, last_error = 'job stalled too many times', claim_deadline = '', updated_at = ?
				WHERE id = ? AND status = ?`,
				StatusFailed, s.count, nowStr, s.id, StatusActive)
		} else {
			_, err = q.db.ExecContext(ctx, `
				UPDATE jobs SET status = ?, stall_count = ?, run_after = ?, claim_deadline = '', updated_at = ?
				WHERE id = ? AND status = ?`,
				StatusWaiting, s.count, nowStr, nowStr, s.id, StatusActive)
		}
		if err != nil {
			return 0, fmt.Errorf("requeueing stalled job %s: %w", s.id, err)
		}
	}
	return len(found), nil
}

// Sweep deletes terminal jobs beyond the retention caps. Count and age
// limits are applied independently for completed and failed jobs.
func (q *Queue) Sweep(ctx context.Context) error {
	now := q.now()
	if err := q.sweepStatus(ctx, StatusCompleted, q.retention.CompletedKeep, now.Add(-q.retention.CompletedAge)); err != nil {
		return err
	}
	return q.sweepStatus(ctx, StatusFailed, q.retention.FailedKeep, now.Add(-q.retention.FailedAge))
}

func (q *Queue) sweepStatus(ctx context.Context, status string, keep int, cutoff time.Time) error {
	// Rows beyond the newest `keep`.
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE status = ?
			ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, status, keep)
	if err != nil {
		return fmt.Errorf("sweeping %s jobs by count: %w", status, err)
	}
	// Rows older than the age cap.
	_, err = q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND updated_at < ?`,
		status, cutoff.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("sweeping %s jobs by age: %w", status, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var payload, runAfter, claimDeadline, createdAt, updatedAt string
	var backoffMs int64
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&backoffMs, &j.Progress, &j.StallCount, &runAfter, &claimDeadline, &j.Result, &j.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	if j.RunAfter, err = time.Parse(timeFormat, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after: %w", err)
	}
	if claimDeadline != "" {
		if j.ClaimDeadline, err = time.Parse(timeFormat, claimDeadline); err != nil {
			return nil, fmt.Errorf("parsing claim_deadline: %w", err)
		}
	}
	if j.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &j, nil
}
