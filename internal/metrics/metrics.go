package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private prometheus registry. All helpers are safe on a nil
// *Registry so components can run without metrics.
type Registry struct {
	reg *prometheus.Registry

	WebhookResults      *prometheus.CounterVec
	ReceiptWriteFailed  prometheus.Counter
	JobsProcessed       prometheus.Counter
	JobsFailed          prometheus.Counter
	LockRetries         prometheus.Counter
	DeadLetters         prometheus.Counter
	SyncEventsPublished prometheus.Counter
	SyncEventsDropped   prometheus.Counter
	StaleEventsSkipped  prometheus.Counter
	Subscribers         prometheus.Gauge
	ProcessLatencySec   prometheus.Histogram
	QueueErrors         *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	webhookResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_webhooks_total",
		Help: "Webhook deliveries by ingest result.",
	}, []string{"result"})
	receiptWriteFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_receipt_write_failures_total"})
	processed := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_jobs_processed_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_jobs_failed_total"})
	lockRetries := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_lock_retries_total"})
	deadLetters := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_dead_letters_total"})
	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_sync_events_published_total"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ordersync_sync_events_dropped_total",
		Help: "Sync events not delivered because a subscriber buffer was full.",
	})
	stale := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_sync_events_stale_total"})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordersync_subscribers"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordersync_job_process_seconds",
		Buckets: prometheus.DefBuckets,
	})
	queueErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersync_job_queue_errors_total",
		Help: "Job queue backend errors by operation.",
	}, []string{"op"})

	r.MustRegister(webhookResults, receiptWriteFailed, processed, failed, lockRetries, deadLetters, published, dropped, stale, subscribers, latency, queueErrors)
	return &Registry{
		reg:                 r,
		WebhookResults:      webhookResults,
		ReceiptWriteFailed:  receiptWriteFailed,
		JobsProcessed:       processed,
		JobsFailed:          failed,
		LockRetries:         lockRetries,
		DeadLetters:         deadLetters,
		SyncEventsPublished: published,
		SyncEventsDropped:   dropped,
		StaleEventsSkipped:  stale,
		Subscribers:         subscribers,
		ProcessLatencySec:   latency,
		QueueErrors:         queueErrors,
	}
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) ObserveWebhook(result string) {
	if r == nil {
		return
	}
	r.WebhookResults.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveReceiptWriteFailure() {
	if r == nil {
		return
	}
	r.ReceiptWriteFailed.Inc()
}

func (r *Registry) ObserveJob(err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.ProcessLatencySec.Observe(elapsed.Seconds())
	if err != nil {
		r.JobsFailed.Inc()
		return
	}
	r.JobsProcessed.Inc()
}

func (r *Registry) ObserveLockRetry() {
	if r == nil {
		return
	}
	r.LockRetries.Inc()
}

func (r *Registry) ObserveQueueError(op string) {
	if r == nil {
		return
	}
	r.QueueErrors.WithLabelValues(op).Inc()
}

func (r *Registry) ObserveDeadLetter() {
	if r == nil {
		return
	}
	r.DeadLetters.Inc()
}

func (r *Registry) ObservePublish(dropped int) {
	if r == nil {
		return
	}
	r.SyncEventsPublished.Inc()
	if dropped > 0 {
		r.SyncEventsDropped.Add(float64(dropped))
	}
}

func (r *Registry) ObserveStaleEvent() {
	if r == nil {
		return
	}
	r.StaleEventsSkipped.Inc()
}

func (r *Registry) SetSubscribers(n int) {
	if r == nil {
		return
	}
	r.Subscribers.Set(float64(n))
}
