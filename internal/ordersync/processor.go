package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/metrics"
)

const (
	DefaultWorkers        = 4
	DefaultMaxLockRetries = 16
	DefaultRetryDelay     = 250 * time.Millisecond
	maxStoredDeadLetters  = 1000
)

type ProcessorOptions struct {
	Workers        int
	MaxLockRetries int
	RetryDelay     time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Registry
}

// DeadLetter is a job whose payload could not be turned into an order
// mutation. It is acknowledged and never retried.
type DeadLetter struct {
	JobID    string          `json:"jobId"`
	Topic    string          `json:"topic,omitempty"`
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failedAt"`
}

// Processor drains the job queue into the order store. Each job is acked only
// after its mutation is stored and its sync event emitted; any other outcome
// releases it for redelivery.
type Processor struct {
	store      OrderStore
	queue      JobQueue
	emitter    *orderedEmitter
	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *metrics.Registry
	newID      func() string
	now        func() time.Time

	deadMu      sync.Mutex
	deadLetters []DeadLetter
	deadTotal   int

	wg sync.WaitGroup
}

func NewProcessor(store OrderStore, queue JobQueue, emitter *orderedEmitter, opts ProcessorOptions) *Processor {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	maxRetries := opts.MaxLockRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxLockRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:      store,
		queue:      queue,
		emitter:    emitter,
		workers:    workers,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger,
		metrics:    opts.Metrics,
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or the
// queue is closed; Wait blocks until they have.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.work(ctx, worker)
		}(i)
	}
}

func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) work(ctx context.Context, worker int) {
	log := p.logger.With(zap.Int("worker", worker))
	for {
		job, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		started := time.Now()
		stopRenewing := p.renewLease(ctx, log, job.ID)
		err := p.Process(ctx, job)
		stopRenewing()
		p.metrics.ObserveJob(err, time.Since(started))

		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		if err != nil {
			log.Warn("job failed, releasing", zap.String("job_id", job.ID), zap.Error(err))
			if releaseErr := p.queue.Release(settleCtx, job.ID, p.retryDelay); releaseErr != nil {
				log.Error("release failed", zap.String("job_id", job.ID), zap.Error(releaseErr))
			}
		} else if ackErr := p.queue.Ack(settleCtx, job.ID); ackErr != nil {
			log.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		cancel()
	}
}

// renewLease keeps a leased job held while it is processed. The returned
// func stops renewal and waits for the renewing goroutine to exit.
func (p *Processor) renewLease(ctx context.Context, log *zap.Logger, jobID string) func() {
	renewer, ok := p.queue.(LeaseRenewer)
	if !ok || renewer.JobLease() <= 0 {
		return func() {}
	}
	interval := renewer.JobLease() / 3
	if interval <= 0 {
		interval = renewer.JobLease()
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renewer.RenewLease(ctx, jobID); err != nil {
					log.Warn("lease renewal failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Process applies one webhook job. A nil error means the job may be acked.
func (p *Processor) Process(ctx context.Context, job Job) error {
	payload, err := ParsePayload(job.Payload)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			p.deadLetter(job, err)
			return nil
		}
		return err
	}
	status := DeriveStatus(payload.FinancialStatus, payload.FulfillmentStatus)
	fee := ShippingFeeForTotal(payload.TotalPrice)

	order, err := p.upsert(ctx, payload.ExternalOrderID, OrderFields{Status: status, ShippingFee: fee})
	if err != nil {
		return err
	}
	p.emitter.emit(SyncEventFromOrder(order))
	p.logger.Debug("order synced",
		zap.String("job_id", job.ID),
		zap.String("order_id", order.ID),
		zap.String("external_order_id", order.ExternalOrderID),
		zap.Int64("version", order.Version),
		zap.String("status", string(order.Status)),
	)
	return nil
}

// upsert creates the order at version 1 or moves it to version+1, retrying
// lost races up to maxRetries times.
func (p *Processor) upsert(ctx context.Context, externalID string, fields OrderFields) (Order, error) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.ObserveLockRetry()
		}
		if err := ctx.Err(); err != nil {
			return Order{}, err
		}
		current, err := p.store.GetByExternalID(ctx, externalID)
		if errors.Is(err, ErrNotFound) {
			now := p.now()
			created, createErr := p.store.Create(ctx, Order{
				ID:              p.newID(),
				ExternalOrderID: externalID,
				Status:          fields.Status,
				ShippingFee:     fields.ShippingFee,
				Version:         1,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
			if errors.Is(createErr, ErrAlreadyExists) {
				continue
			}
			if createErr != nil {
				return Order{}, createErr
			}
			return created, nil
		}
		if err != nil {
			return Order{}, err
		}
		updated, err := p.store.CompareAndSwap(ctx, p.nextVersion(current, fields), current.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Order{}, err
		}
		return updated, nil
	}
	return Order{}, fmt.Errorf("order %s: %w after %d retries", externalID, ErrVersionConflict, p.maxRetries)
}

// ApplyEdit stores a viewer edit. Unless req.Force is set the edit must be
// based on the stored version; forced edits win over whatever is stored.
func (p *Processor) ApplyEdit(ctx context.Context, req EditRequest) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.ObserveLockRetry()
		}
		current, err := p.store.Get(ctx, req.OrderID)
		if err != nil {
			return Order{}, err
		}
		if !req.Force && current.Version != req.BaseVersion {
			return current, &VersionConflictError{
				OrderID:         current.ID,
				ExpectedVersion: req.BaseVersion,
				CurrentVersion:  current.Version,
			}
		}
		updated, err := p.store.CompareAndSwap(ctx, p.nextVersion(current, req.Data), current.Version)
		if errors.Is(err, ErrVersionConflict) {
			if req.Force {
				continue
			}
			latest, getErr := p.store.Get(ctx, req.OrderID)
			if getErr != nil {
				return Order{}, getErr
			}
			return latest, err
		}
		if err != nil {
			return Order{}, err
		}
		p.emitter.emit(SyncEventFromOrder(updated))
		p.logger.Info("order edited",
			zap.String("order_id", updated.ID),
			zap.Int64("version", updated.Version),
			zap.Bool("force", req.Force),
		)
		return updated, nil
	}
	return Order{}, fmt.Errorf("order %s: %w after %d retries", req.OrderID, ErrVersionConflict, p.maxRetries)
}

func (p *Processor) nextVersion(current Order, fields OrderFields) Order {
	next := current
	next.Status = fields.Status
	next.ShippingFee = fields.ShippingFee
	next.Version = current.Version + 1
	next.UpdatedAt = p.now()
	return next
}

func (p *Processor) deadLetter(job Job, cause error) {
	letter := DeadLetter{
		JobID:    job.ID,
		Topic:    job.Topic,
		Reason:   cause.Error(),
		Payload:  append(json.RawMessage(nil), job.Payload...),
		FailedAt: p.now(),
	}
	p.deadMu.Lock()
	p.deadLetters = append(p.deadLetters, letter)
	if len(p.deadLetters) > maxStoredDeadLetters {
		p.deadLetters = p.deadLetters[len(p.deadLetters)-maxStoredDeadLetters:]
	}
	p.deadTotal++
	p.deadMu.Unlock()

	p.metrics.ObserveDeadLetter()
	p.logger.Error("job dead-lettered", zap.String("job_id", job.ID), zap.String("reason", letter.Reason))
}

// DeadLetters returns the most recent dead letters, oldest first.
func (p *Processor) DeadLetters() []DeadLetter {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	return append([]DeadLetter(nil), p.deadLetters...)
}

func (p *Processor) DeadLetterCount() int {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	return p.deadTotal
}
