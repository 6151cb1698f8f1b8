package ordersync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildOrderStoreFromDSN resolves memory://, postgres://, sqlite://path and
// any registered scheme. An empty DSN yields the in-memory store.
func BuildOrderStoreFromDSN(dsn string) (OrderStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryOrderStore(), nil
	}
	parsed, scheme, err := parseBackendDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupOrderStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryOrderStore(), nil
	case "postgres", "postgresql":
		return NewPostgresOrderStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteOrderStore(path)
	case "mysql":
		return nil, fmt.Errorf("%w: order store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported order store scheme: %s", scheme)
	}
}

// BuildDedupStoreFromDSN resolves memory://, redis://, rediss://, pebble://dir
// and any registered scheme. An empty DSN yields the in-memory store.
func BuildDedupStoreFromDSN(dsn string) (DedupStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryDedupStore(), nil
	}
	parsed, scheme, err := parseBackendDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupDedupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryDedupStore(), nil
	case "redis", "rediss":
		return NewRedisDedupStore(dsn)
	case "pebble":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewPebbleDedupStore(path)
	case "memcached":
		return nil, fmt.Errorf("%w: dedup store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported dedup store scheme: %s", scheme)
	}
}

// BuildJobQueueFromDSN resolves memory://, file://path (or a bare path),
// postgres://, redis:// and any registered scheme. An empty DSN yields the
// in-memory queue.
func BuildJobQueueFromDSN(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryJobQueue(capacity), nil
	}
	parsed, scheme, err := parseBackendDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupJobQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisJobQueue(dsn, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}

// BackendName is the scheme of dsn as reported by the backend status
// endpoint; credentials are never echoed.
func BackendName(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "memory"
	}
	_, scheme, err := parseBackendDSN(dsn)
	if err != nil {
		return "unknown"
	}
	if scheme == "" {
		return "file"
	}
	return scheme
}

func parseBackendDSN(dsn string) (*url.URL, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	return parsed, strings.ToLower(strings.TrimSpace(parsed.Scheme)), nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	// scheme://relative/dir parses the first segment as a host.
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
