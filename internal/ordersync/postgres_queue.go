package ordersync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	postgresJobQueueTableName  = "ordersync_jobs"
	postgresOperationTimeout   = 5 * time.Second
	postgresQueuePollInterval  = 25 * time.Millisecond
	postgresDefaultJobLease    = 5 * time.Minute
	postgresJobStatePending    = "pending"
	postgresJobStateRunning    = "running"
	postgresJobStateDone       = "done"
	postgresJobQueueLockPrefix = "ordersync-job-queue"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJobQueue stores jobs in one table keyed by job id. A dequeued job
// holds a lease; a lease that runs out makes the job visible again, which
// covers workers that died without releasing. Setup is retried on every call
// until it succeeds once.
type PostgresJobQueue struct {
	dsn          string
	tableName    string
	capacity     int
	retention    time.Duration
	lease        time.Duration
	pollInterval time.Duration
	openDB       sqlOpenFunc

	mu         sync.Mutex
	db         *sql.DB
	closed     bool
	errHandler QueueErrorHandler
}

func NewPostgresJobQueue(dsn string, capacity int) (*PostgresJobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &PostgresJobQueue{
		dsn:          dsn,
		tableName:    postgresJobQueueTableName,
		capacity:     capacity,
		retention:    DefaultCompletedRetention,
		lease:        postgresDefaultJobLease,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresJobQueue) SetErrorHandler(handler QueueErrorHandler) {
	q.mu.Lock()
	q.errHandler = handler
	q.mu.Unlock()
}

func (q *PostgresJobQueue) reportError(op string, err error) {
	q.mu.Lock()
	handler := q.errHandler
	q.mu.Unlock()
	if handler != nil {
		handler(op, err)
	}
}

func (q *PostgresJobQueue) ensureReady() (*sql.DB, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.db != nil {
		return q.db, nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job_id TEXT PRIMARY KEY,
			topic TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			state TEXT NOT NULL,
			available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, err
	}
	indexName := q.tableName + "_state_available_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (state, available_at)",
		postgresQuoteIdentifier(indexName),
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return nil, err
	}
	q.db = db
	return db, nil
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return false, ErrInvalidInput
	}
	db, err := q.ensureReady()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName)); err != nil {
		return false, err
	}
	pruneQuery := fmt.Sprintf("DELETE FROM %s WHERE state = $1 AND updated_at < NOW() - ($2::float8 * INTERVAL '1 millisecond')", table)
	if _, err := tx.ExecContext(ctx, pruneQuery, postgresJobStateDone, q.retention.Milliseconds()); err != nil {
		return false, err
	}
	var exists bool
	existsQuery := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE job_id = $1)", table)
	if err := tx.QueryRowContext(ctx, existsQuery, job.ID).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE state <> $1", table)
	if err := tx.QueryRowContext(ctx, countQuery, postgresJobStateDone).Scan(&depth); err != nil {
		return false, err
	}
	if depth >= q.capacity {
		return false, ErrQueueFull
	}
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (job_id, topic, payload, state, available_at, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), $5, NOW())`, table)
	if _, err := tx.ExecContext(ctx, insertQuery, job.ID, job.Topic, string(job.Payload), postgresJobStatePending, enqueuedAt); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	failures := 0
	for {
		job, ok, err := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		if errors.Is(err, ErrQueueClosed) {
			return Job{}, false
		}
		wait := q.pollInterval
		if err != nil && ctx.Err() == nil {
			q.reportError("dequeue", err)
			failures++
			wait = queueErrorDelay(q.pollInterval, failures)
		} else if err == nil {
			failures = 0
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(wait):
		}
	}
}

// tryDequeue leases the oldest visible job. An empty table is (false, nil).
func (q *PostgresJobQueue) tryDequeue(ctx context.Context) (Job, bool, error) {
	db, err := q.ensureReady()
	if err != nil {
		return Job{}, false, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		SELECT job_id, topic, payload, enqueued_at
		FROM %s
		WHERE state IN ($1, $2) AND available_at <= NOW()
		ORDER BY enqueued_at ASC, job_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var job Job
	var payload string
	err = tx.QueryRowContext(ctx, query, postgresJobStatePending, postgresJobStateRunning).
		Scan(&job.ID, &job.Topic, &payload, &job.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	leaseQuery := fmt.Sprintf(`
		UPDATE %s SET state = $1, available_at = NOW() + ($2::float8 * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE job_id = $3`, table)
	if _, err := tx.ExecContext(ctx, leaseQuery, postgresJobStateRunning, q.lease.Milliseconds(), job.ID); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	committed = true
	job.Payload = json.RawMessage(payload)
	return job, true, nil
}

func (q *PostgresJobQueue) Ack(ctx context.Context, jobID string) error {
	return q.transition(ctx, jobID, postgresJobStateDone, 0)
}

func (q *PostgresJobQueue) Release(ctx context.Context, jobID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return q.transition(ctx, jobID, postgresJobStatePending, delay)
}

func (q *PostgresJobQueue) JobLease() time.Duration {
	return q.lease
}

// RenewLease pushes a running job's deadline one lease past now.
func (q *PostgresJobQueue) RenewLease(ctx context.Context, jobID string) error {
	return q.transition(ctx, jobID, postgresJobStateRunning, q.lease)
}

func (q *PostgresJobQueue) transition(ctx context.Context, jobID, state string, delay time.Duration) error {
	db, err := q.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, available_at = NOW() + ($2::float8 * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE job_id = $3 AND state = $4`, postgresQuoteIdentifier(q.tableName))
	result, err := db.ExecContext(ctx, query, state, delay.Milliseconds(), jobID, postgresJobStateRunning)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresJobQueue) Depth() int {
	db, err := q.ensureReady()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE state <> $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := db.QueryRowContext(ctx, query, postgresJobStateDone).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresJobQueueLockPrefix))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
