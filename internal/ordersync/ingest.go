package ordersync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/metrics"
)

type IngestGateOptions struct {
	ReceiptTTL time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Registry
}

// IngestGate validates webhook deliveries, filters duplicates and hands new
// ones to the job queue. A receipt is written only after the queue confirmed
// the job, so a failed enqueue never hides a later redelivery.
type IngestGate struct {
	dedup      DedupStore
	queue      JobQueue
	receiptTTL time.Duration
	logger     *zap.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

func NewIngestGate(dedup DedupStore, queue JobQueue, opts IngestGateOptions) *IngestGate {
	ttl := opts.ReceiptTTL
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestGate{
		dedup:      dedup,
		queue:      queue,
		receiptTTL: ttl,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

func (g *IngestGate) Ingest(ctx context.Context, webhookID, topic string, payload []byte) (IngestResult, error) {
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		g.metrics.ObserveWebhook("rejected")
		return IngestResult{}, &PayloadError{Reason: "missing webhook id"}
	}
	if err := ValidatePayload(payload); err != nil {
		g.metrics.ObserveWebhook("rejected")
		g.logger.Debug("webhook rejected", zap.String("webhook_id", webhookID), zap.Error(err))
		return IngestResult{}, err
	}
	log := g.logger.With(zap.String("webhook_id", webhookID), zap.String("topic", topic))

	seen, err := g.dedup.Seen(ctx, webhookID)
	if err != nil {
		// The queue's job-id dedup still guards against double processing.
		log.Warn("receipt lookup failed, relying on queue dedup", zap.Error(err))
	}
	if seen {
		g.metrics.ObserveWebhook(string(IngestDuplicate))
		log.Debug("duplicate webhook")
		return IngestResult{Status: IngestDuplicate, WebhookID: webhookID}, nil
	}

	enqueued, err := g.queue.Enqueue(ctx, Job{
		ID:         webhookID,
		Topic:      strings.TrimSpace(topic),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: g.now().UTC(),
	})
	if err != nil {
		g.metrics.ObserveWebhook("enqueue_failed")
		log.Error("enqueue failed", zap.Error(err))
		return IngestResult{}, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	if err := g.dedup.Mark(ctx, webhookID, g.receiptTTL); err != nil {
		g.metrics.ObserveReceiptWriteFailure()
		log.Error("receipt write failed after enqueue", zap.Error(err))
	}
	if !enqueued {
		g.metrics.ObserveWebhook(string(IngestDuplicate))
		log.Debug("webhook already queued")
		return IngestResult{Status: IngestDuplicate, WebhookID: webhookID}, nil
	}
	g.metrics.ObserveWebhook(string(IngestAccepted))
	log.Info("webhook accepted")
	return IngestResult{Status: IngestAccepted, WebhookID: webhookID}, nil
}
