package ordersync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/metrics"
)

type EngineOptions struct {
	OrderStore     OrderStore
	DedupStore     DedupStore
	JobQueue       JobQueue
	OrderStoreName string
	DedupStoreName string
	JobQueueName   string
	BackendProfile string

	QueueSize        int
	Workers          int
	MaxLockRetries   int
	RetryDelay       time.Duration
	ReceiptTTL       time.Duration
	EmitterIndexSize int
	DisableWorkers   bool

	KafkaRelay *KafkaRelay
	Logger     *zap.Logger
	Metrics    *metrics.Registry
}

// Engine wires the ingest gate, the processor pool, the broadcaster and the
// read paths over one set of backends.
type Engine struct {
	orders      OrderStore
	dedup       DedupStore
	queue       JobQueue
	gate        *IngestGate
	processor   *Processor
	broadcaster *Broadcaster
	lister      *Lister
	relay       *KafkaRelay
	logger      *zap.Logger
	metrics     *metrics.Registry
	status      BackendStatus

	cancel    context.CancelFunc
	relayDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewEngine runs entirely in memory.
func NewEngine() *Engine {
	engine, err := NewEngineWithOptions(EngineOptions{})
	if err != nil {
		panic(err)
	}
	return engine
}

func NewEngineWithOptions(opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	orders := opts.OrderStore
	if orders == nil {
		orders = NewInMemoryOrderStore()
		opts.OrderStoreName = "memory"
	}
	dedup := opts.DedupStore
	if dedup == nil {
		dedup = NewInMemoryDedupStore()
		opts.DedupStoreName = "memory"
	}
	queue := opts.JobQueue
	if queue == nil {
		queue = NewInMemoryJobQueue(opts.QueueSize)
		opts.JobQueueName = "memory"
	}

	if reporter, ok := queue.(queueErrorReporter); ok {
		queueLog := logger.Named("queue")
		reg := opts.Metrics
		reporter.SetErrorHandler(func(op string, err error) {
			queueLog.Warn("job queue backend error", zap.String("op", op), zap.Error(err))
			reg.ObserveQueueError(op)
		})
	}

	broadcaster := NewBroadcaster(opts.Metrics)
	emitter, err := newOrderedEmitter(broadcaster, opts.EmitterIndexSize, opts.Metrics)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		orders:      orders,
		dedup:       dedup,
		queue:       queue,
		broadcaster: broadcaster,
		lister:      NewLister(orders),
		relay:       opts.KafkaRelay,
		logger:      logger,
		metrics:     opts.Metrics,
		status: BackendStatus{
			BackendProfile: strings.TrimSpace(opts.BackendProfile),
			OrderStore:     backendLabel(opts.OrderStoreName),
			DedupStore:     backendLabel(opts.DedupStoreName),
			JobQueue:       backendLabel(opts.JobQueueName),
		},
	}
	e.gate = NewIngestGate(dedup, queue, IngestGateOptions{
		ReceiptTTL: opts.ReceiptTTL,
		Logger:     logger.Named("ingest"),
		Metrics:    opts.Metrics,
	})
	e.processor = NewProcessor(orders, queue, emitter, ProcessorOptions{
		Workers:        opts.Workers,
		MaxLockRetries: opts.MaxLockRetries,
		RetryDelay:     opts.RetryDelay,
		Logger:         logger.Named("processor"),
		Metrics:        opts.Metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if !opts.DisableWorkers {
		e.processor.Start(ctx)
	}
	if e.relay != nil {
		e.relayDone = make(chan struct{})
		sub := broadcaster.Subscribe(DefaultSubscriberBuffer * 16)
		go func() {
			defer close(e.relayDone)
			e.relay.Run(ctx, sub)
		}()
	}
	logger.Info("engine started",
		zap.String("order_store", e.status.OrderStore),
		zap.String("dedup_store", e.status.DedupStore),
		zap.String("job_queue", e.status.JobQueue),
		zap.Bool("workers", !opts.DisableWorkers),
	)
	return e, nil
}

func backendLabel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "custom"
	}
	return name
}

func (e *Engine) Ingest(ctx context.Context, webhookID, topic string, payload []byte) (IngestResult, error) {
	return e.gate.Ingest(ctx, webhookID, topic, payload)
}

// ProcessNext processes one queued job synchronously. It is meant for
// engines built with DisableWorkers.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	job, ok := e.queue.Dequeue(ctx)
	if !ok {
		return false, ctx.Err()
	}
	stopRenewing := e.processor.renewLease(ctx, e.logger, job.ID)
	err := e.processor.Process(ctx, job)
	stopRenewing()
	if err != nil {
		if releaseErr := e.queue.Release(ctx, job.ID, 0); releaseErr != nil {
			return true, errors.Join(err, releaseErr)
		}
		return true, err
	}
	return true, e.queue.Ack(ctx, job.ID)
}

func (e *Engine) GetOrder(ctx context.Context, id string) (Order, error) {
	if strings.TrimSpace(id) == "" {
		return Order{}, ErrInvalidInput
	}
	return e.orders.Get(ctx, id)
}

func (e *Engine) ListOffset(ctx context.Context, q OffsetQuery) (OffsetPage, error) {
	return e.lister.ListOffset(ctx, q)
}

func (e *Engine) ListCursor(ctx context.Context, cursor string, limit int) (CursorPage, error) {
	return e.lister.ListCursor(ctx, cursor, limit)
}

// ApplyEdit stores a viewer edit. A stale non-forced edit returns the stored
// order together with a *VersionConflictError.
func (e *Engine) ApplyEdit(ctx context.Context, req EditRequest) (Order, error) {
	return e.processor.ApplyEdit(ctx, req)
}

func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.broadcaster.Subscribe(buffer)
}

func (e *Engine) DeadLetters() []DeadLetter {
	return e.processor.DeadLetters()
}

func (e *Engine) Metrics() *metrics.Registry {
	return e.metrics
}

func (e *Engine) BackendStatus() BackendStatus {
	status := e.status
	status.JobQueueDepth = e.queue.Depth()
	status.JobQueueCap = e.queue.Capacity()
	status.Subscribers = e.broadcaster.SubscriberCount()
	status.DeadLetters = e.processor.DeadLetterCount()
	return status
}

// Close stops the workers, ends all subscriptions and closes the backends.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.processor.Wait()
		if e.relayDone != nil {
			<-e.relayDone
		}
		e.broadcaster.Close()
		var errs []error
		if e.relay != nil {
			errs = append(errs, e.relay.Close())
		}
		errs = append(errs, e.queue.Close(), e.dedup.Close(), e.orders.Close())
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine stopped")
	})
	return e.closeErr
}
