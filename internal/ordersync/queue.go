package ordersync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultQueueSize          = 1024
	DefaultCompletedRetention = 24 * time.Hour
	localQueuePollInterval    = 10 * time.Millisecond
	queueErrorBackoffMax      = 5 * time.Second
)

// JobQueue delivers webhook jobs at least once. A job id is never handed to
// two consumers at the same time, and Enqueue reports false for an id that is
// pending, in flight or completed within the retention window.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
	Dequeue(ctx context.Context) (Job, bool)
	Ack(ctx context.Context, jobID string) error
	// Release returns an in-flight job to the queue, visible again after delay.
	Release(ctx context.Context, jobID string, delay time.Duration) error
	Depth() int
	Capacity() int
	Close() error
}

// LeaseRenewer is implemented by queues whose in-flight jobs hold a lease
// that runs out. The processor renews the lease while it works on a job so a
// slow job is not handed to a second worker.
type LeaseRenewer interface {
	JobLease() time.Duration
	// RenewLease returns ErrNotFound when the job is no longer held.
	RenewLease(ctx context.Context, jobID string) error
}

// QueueErrorHandler receives backend errors a queue hits inside Dequeue,
// which has no error return of its own.
type QueueErrorHandler func(op string, err error)

type queueErrorReporter interface {
	SetErrorHandler(QueueErrorHandler)
}

// queueErrorDelay backs off polling after consecutive backend failures.
func queueErrorDelay(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = localQueuePollInterval
	}
	delay := base
	for i := 0; i < failures && delay < queueErrorBackoffMax; i++ {
		delay *= 2
	}
	if delay > queueErrorBackoffMax {
		delay = queueErrorBackoffMax
	}
	return delay
}

type localJobState string

const (
	localJobPending  localJobState = "pending"
	localJobInFlight localJobState = "inflight"
)

type localJobEntry struct {
	Job         Job           `json:"job"`
	State       localJobState `json:"state"`
	AvailableAt time.Time     `json:"availableAt"`
}

type localJobQueueState struct {
	Jobs      []localJobEntry      `json:"jobs"`
	Completed map[string]time.Time `json:"completed,omitempty"`
}

// localJobQueue backs both the memory and the file queue. With an empty path
// nothing is persisted.
type localJobQueue struct {
	path         string
	capacity     int
	retention    time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu        sync.Mutex
	order     []string
	entries   map[string]*localJobEntry
	completed map[string]time.Time
	closed    bool
}

func NewInMemoryJobQueue(capacity int) JobQueue {
	return newLocalJobQueue("", capacity)
}

// NewFileJobQueue persists the queue as a JSON snapshot at path. Jobs that
// were in flight when the process stopped are pending again after a restart.
func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := newLocalJobQueue(path, capacity)
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func newLocalJobQueue(path string, capacity int) *localJobQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &localJobQueue{
		path:         path,
		capacity:     capacity,
		retention:    DefaultCompletedRetention,
		pollInterval: localQueuePollInterval,
		now:          time.Now,
		entries:      map[string]*localJobEntry{},
		completed:    map[string]time.Time{},
	}
}

func (q *localJobQueue) Enqueue(_ context.Context, job Job) (bool, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return false, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	now := q.now()
	q.pruneCompletedLocked(now)
	if _, exists := q.entries[job.ID]; exists {
		return false, nil
	}
	if _, done := q.completed[job.ID]; done {
		return false, nil
	}
	if len(q.entries) >= q.capacity {
		return false, ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	q.entries[job.ID] = &localJobEntry{Job: job, State: localJobPending, AvailableAt: now}
	q.order = append(q.order, job.ID)
	if err := q.saveLocked(); err != nil {
		delete(q.entries, job.ID)
		q.order = q.order[:len(q.order)-1]
		return false, err
	}
	return true, nil
}

func (q *localJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		job, ok, closed := q.tryDequeue()
		if ok {
			return job, true
		}
		if closed {
			return Job{}, false
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *localJobQueue) tryDequeue() (Job, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, false, true
	}
	now := q.now()
	for _, id := range q.order {
		entry := q.entries[id]
		if entry == nil || entry.State != localJobPending || entry.AvailableAt.After(now) {
			continue
		}
		entry.State = localJobInFlight
		if err := q.saveLocked(); err != nil {
			entry.State = localJobPending
			return Job{}, false, false
		}
		return entry.Job, true, false
	}
	return Job{}, false, false
}

func (q *localJobQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[jobID]
	if !ok || entry.State != localJobInFlight {
		return ErrNotFound
	}
	delete(q.entries, jobID)
	q.removeFromOrderLocked(jobID)
	q.completed[jobID] = q.now().Add(q.retention)
	return q.saveLocked()
}

func (q *localJobQueue) Release(_ context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[jobID]
	if !ok || entry.State != localJobInFlight {
		return ErrNotFound
	}
	if delay < 0 {
		delay = 0
	}
	entry.State = localJobPending
	entry.AvailableAt = q.now().Add(delay)
	// Released jobs move to the back of the queue.
	q.removeFromOrderLocked(jobID)
	q.order = append(q.order, jobID)
	return q.saveLocked()
}

func (q *localJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *localJobQueue) Capacity() int {
	return q.capacity
}

func (q *localJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *localJobQueue) removeFromOrderLocked(jobID string) {
	for i, id := range q.order {
		if id == jobID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *localJobQueue) pruneCompletedLocked(now time.Time) {
	for id, expiresAt := range q.completed {
		if !expiresAt.After(now) {
			delete(q.completed, id)
		}
	}
}

func (q *localJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot localJobQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for i := range snapshot.Jobs {
		entry := snapshot.Jobs[i]
		if strings.TrimSpace(entry.Job.ID) == "" {
			continue
		}
		if _, exists := q.entries[entry.Job.ID]; exists {
			continue
		}
		entry.State = localJobPending
		q.entries[entry.Job.ID] = &entry
		q.order = append(q.order, entry.Job.ID)
	}
	for id, expiresAt := range snapshot.Completed {
		q.completed[id] = expiresAt
	}
	q.pruneCompletedLocked(q.now())
	return nil
}

func (q *localJobQueue) saveLocked() error {
	if q.path == "" {
		return nil
	}
	snapshot := localJobQueueState{
		Jobs:      make([]localJobEntry, 0, len(q.order)),
		Completed: q.completed,
	}
	for _, id := range q.order {
		if entry := q.entries[id]; entry != nil {
			snapshot.Jobs = append(snapshot.Jobs, *entry)
		}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
