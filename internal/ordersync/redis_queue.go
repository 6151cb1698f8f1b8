package ordersync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

const (
	redisQueueKeyPrefix    = "ordersync:jobs:"
	redisQueuePollInterval = 50 * time.Millisecond
	redisDefaultJobLease   = 5 * time.Minute
	redisOperationTimeout  = 5 * time.Second
	redisReclaimBatch      = 100
)

// KEYS: pending, job, done, leases, delayed. ARGV: body, capacity, id.
var redisEnqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
local depth = redis.call('LLEN', KEYS[1]) + redis.call('ZCARD', KEYS[4]) + redis.call('ZCARD', KEYS[5])
if depth >= tonumber(ARGV[2]) then
	return -1
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[3])
return 1
`)

// KEYS: pending, leases. ARGV: lease deadline (unix ms).
var redisClaimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// KEYS: source zset, pending. ARGV: now (unix ms), batch.
var redisReclaimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

// KEYS: leases, job, done. ARGV: id, retention (ms).
var redisAckScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
return 1
`)

// KEYS: leases, pending, delayed. ARGV: id, due (unix ms or 0).
var redisReleaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if tonumber(ARGV[2]) == 0 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
else
	redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
end
return 1
`)

// KEYS: leases. ARGV: id, lease deadline (unix ms).
var redisRenewScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// RedisJobQueue keeps job ids in a pending list. A dequeued id moves into a
// lease sorted set scored by its deadline; ids whose lease ran out go back to
// the front of pending, so a worker that died mid-job never strands it. Job
// bodies live under their own key and delayed releases wait in a sorted set
// scored by their due time. Every move between keys is a single script.
type RedisJobQueue struct {
	client       *redis.Client
	prefix       string
	capacity     int
	retention    time.Duration
	lease        time.Duration
	pollInterval time.Duration
	now          func() time.Time

	errMu      sync.RWMutex
	errHandler QueueErrorHandler
}

func NewRedisJobQueue(dsn string, capacity int) (*RedisJobQueue, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return NewRedisJobQueueWithClient(redis.NewClient(opts), capacity), nil
}

func NewRedisJobQueueWithClient(client *redis.Client, capacity int) *RedisJobQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &RedisJobQueue{
		client:       client,
		prefix:       redisQueueKeyPrefix,
		capacity:     capacity,
		retention:    DefaultCompletedRetention,
		lease:        redisDefaultJobLease,
		pollInterval: redisQueuePollInterval,
		now:          time.Now,
	}
}

func (q *RedisJobQueue) pendingKey() string { return q.prefix + "pending" }
func (q *RedisJobQueue) leasesKey() string  { return q.prefix + "leases" }
func (q *RedisJobQueue) delayedKey() string { return q.prefix + "delayed" }
func (q *RedisJobQueue) jobKey(id string) string {
	return q.prefix + "job:" + id
}
func (q *RedisJobQueue) doneKey(id string) string {
	return q.prefix + "done:" + id
}

func (q *RedisJobQueue) SetErrorHandler(handler QueueErrorHandler) {
	q.errMu.Lock()
	q.errHandler = handler
	q.errMu.Unlock()
}

func (q *RedisJobQueue) reportError(op string, err error) {
	q.errMu.RLock()
	handler := q.errHandler
	q.errMu.RUnlock()
	if handler != nil {
		handler(op, err)
	}
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return false, ErrInvalidInput
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	keys := []string{q.pendingKey(), q.jobKey(job.ID), q.doneKey(job.ID), q.leasesKey(), q.delayedKey()}
	result, err := redisEnqueueScript.Run(ctx, q.client, keys, body, q.capacity, job.ID).Int()
	if err != nil {
		return false, err
	}
	switch result {
	case 1:
		return true, nil
	case -1:
		return false, ErrQueueFull
	default:
		return false, nil
	}
}

func (q *RedisJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return Job{}, false
		}
		job, ok, err := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		if errors.Is(err, redis.ErrClosed) {
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

func (q *RedisJobQueue) tryDequeue(ctx context.Context) (Job, bool, error) {
	nowMillis := q.now().UnixMilli()
	for _, source := range []string{q.leasesKey(), q.delayedKey()} {
		if err := redisReclaimScript.Run(ctx, q.client, []string{source, q.pendingKey()}, nowMillis, redisReclaimBatch).Err(); err != nil {
			return Job{}, false, err
		}
	}
	deadline := q.now().Add(q.lease).UnixMilli()
	id, err := redisClaimScript.Run(ctx, q.client, []string{q.pendingKey(), q.leasesKey()}, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	body, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Body gone: the id was acked elsewhere after its lease ran out.
		_ = q.client.ZRem(ctx, q.leasesKey(), id).Err()
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		_ = q.client.ZRem(ctx, q.leasesKey(), id).Err()
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisJobQueue) Ack(ctx context.Context, jobID string) error {
	retention := q.retention
	if retention <= 0 {
		retention = DefaultCompletedRetention
	}
	keys := []string{q.leasesKey(), q.jobKey(jobID), q.doneKey(jobID)}
	return redisScriptFound(redisAckScript.Run(ctx, q.client, keys, jobID, retention.Milliseconds()))
}

func (q *RedisJobQueue) Release(ctx context.Context, jobID string, delay time.Duration) error {
	var due int64
	if delay > 0 {
		due = q.now().Add(delay).UnixMilli()
	}
	keys := []string{q.leasesKey(), q.pendingKey(), q.delayedKey()}
	return redisScriptFound(redisReleaseScript.Run(ctx, q.client, keys, jobID, due))
}

func (q *RedisJobQueue) JobLease() time.Duration {
	return q.lease
}

func (q *RedisJobQueue) RenewLease(ctx context.Context, jobID string) error {
	deadline := q.now().Add(q.lease).UnixMilli()
	return redisScriptFound(redisRenewScript.Run(ctx, q.client, []string{q.leasesKey()}, jobID, deadline))
}

// redisScriptFound maps a script's 0/1 reply onto ErrNotFound.
func redisScriptFound(cmd *redis.Cmd) error {
	n, err := cmd.Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisJobQueue) depth(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	leased := pipe.ZCard(ctx, q.leasesKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(pending.Val() + leased.Val() + delayed.Val()), nil
}

func (q *RedisJobQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.depth(ctx)
	if err != nil {
		return 0
	}
	return depth
}

func (q *RedisJobQueue) Capacity() int {
	return q.capacity
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}
