package ordersync

import (
	"strings"
	"sync"
)

type OrderStoreFactory func(dsn string) (OrderStore, error)
type DedupStoreFactory func(dsn string) (DedupStore, error)
type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var backendFactoryRegistry = struct {
	mu     sync.RWMutex
	orders map[string]OrderStoreFactory
	dedup  map[string]DedupStoreFactory
	queues map[string]JobQueueFactory
}{
	orders: map[string]OrderStoreFactory{},
	dedup:  map[string]DedupStoreFactory{},
	queues: map[string]JobQueueFactory{},
}

// RegisterOrderStoreFactory makes scheme resolvable by BuildOrderStoreFromDSN.
// Registered factories take precedence over the built-in schemes.
func RegisterOrderStoreFactory(scheme string, factory OrderStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.orders[scheme] = factory
}

func RegisterDedupStoreFactory(scheme string, factory DedupStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.dedup[scheme] = factory
}

func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queues[scheme] = factory
}

func lookupOrderStoreFactory(scheme string) (OrderStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.orders[scheme]
	return factory, ok
}

func lookupDedupStoreFactory(scheme string) (DedupStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.dedup[scheme]
	return factory, ok
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queues[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
