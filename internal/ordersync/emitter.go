package ordersync

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agentworkforce/ordersync/internal/metrics"
)

const defaultEmitterIndexSize = 65536

// orderedEmitter publishes sync events so that no order ever sees a version
// at or below one already emitted for it. The last emitted version per order
// is kept in a bounded LRU; an order evicted from it starts fresh.
type orderedEmitter struct {
	broadcaster *Broadcaster
	metrics     *metrics.Registry

	mu   sync.Mutex
	last *lru.Cache
}

func newOrderedEmitter(broadcaster *Broadcaster, size int, reg *metrics.Registry) (*orderedEmitter, error) {
	if size <= 0 {
		size = defaultEmitterIndexSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &orderedEmitter{broadcaster: broadcaster, metrics: reg, last: cache}, nil
}

// emit reports whether the event was published.
func (e *orderedEmitter) emit(event SyncEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.last.Get(event.OrderID); ok {
		if event.Version <= v.(int64) {
			e.metrics.ObserveStaleEvent()
			return false
		}
	}
	e.last.Add(event.OrderID, event.Version)
	e.broadcaster.Publish(event)
	return true
}
