package ordersync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type SortField string

const (
	SortByUpdatedAt SortField = "updatedAt"
	SortByCreatedAt SortField = "createdAt"
	SortByStatus    SortField = "status"
)

type SortOrder string

const (
	SortAscending  SortOrder = "ASC"
	SortDescending SortOrder = "DESC"
)

// ParseSortField accepts the public field names; empty means updatedAt.
func ParseSortField(raw string) (SortField, error) {
	switch SortField(strings.TrimSpace(raw)) {
	case "", SortByUpdatedAt:
		return SortByUpdatedAt, nil
	case SortByCreatedAt:
		return SortByCreatedAt, nil
	case SortByStatus:
		return SortByStatus, nil
	default:
		return "", ErrInvalidInput
	}
}

// ParseSortOrder accepts ASC or DESC in any case; empty means DESC.
func ParseSortOrder(raw string) (SortOrder, error) {
	switch SortOrder(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", SortDescending:
		return SortDescending, nil
	case SortAscending:
		return SortAscending, nil
	default:
		return "", ErrInvalidInput
	}
}

// OrderStore persists canonical orders. CompareAndSwap is the only write that
// touches an existing record and succeeds only while the stored version still
// equals expectedVersion.
type OrderStore interface {
	Get(ctx context.Context, id string) (Order, error)
	GetByExternalID(ctx context.Context, externalOrderID string) (Order, error)
	// Create fails with ErrAlreadyExists when the external order id is taken.
	Create(ctx context.Context, order Order) (Order, error)
	CompareAndSwap(ctx context.Context, next Order, expectedVersion int64) (Order, error)
	Count(ctx context.Context) (int, error)
	ListOffset(ctx context.Context, skip, take int, sortBy SortField, sortOrder SortOrder) ([]Order, error)
	// ListAfter returns up to limit orders in updatedAt DESC, id DESC order
	// that sort strictly after the cursor; a nil cursor starts at the top.
	ListAfter(ctx context.Context, after *PageCursor, limit int) ([]Order, error)
	Close() error
}

type InMemoryOrderStore struct {
	mu         sync.RWMutex
	byID       map[string]Order
	byExternal map[string]string
}

func NewInMemoryOrderStore() *InMemoryOrderStore {
	return &InMemoryOrderStore{
		byID:       map[string]Order{},
		byExternal: map[string]string{},
	}
}

func (s *InMemoryOrderStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.byID[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order, nil
}

func (s *InMemoryOrderStore) GetByExternalID(_ context.Context, externalOrderID string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalOrderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *InMemoryOrderStore) Create(_ context.Context, order Order) (Order, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.ExternalOrderID) == "" {
		return Order{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byExternal[order.ExternalOrderID]; exists {
		return Order{}, ErrAlreadyExists
	}
	if _, exists := s.byID[order.ID]; exists {
		return Order{}, ErrAlreadyExists
	}
	s.byID[order.ID] = order
	s.byExternal[order.ExternalOrderID] = order.ID
	return order, nil
}

func (s *InMemoryOrderStore) CompareAndSwap(_ context.Context, next Order, expectedVersion int64) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[next.ID]
	if !ok {
		return Order{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Order{}, &VersionConflictError{
			OrderID:         next.ID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current.Version,
		}
	}
	next.ExternalOrderID = current.ExternalOrderID
	next.CreatedAt = current.CreatedAt
	s.byID[next.ID] = next
	return next, nil
}

func (s *InMemoryOrderStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

func (s *InMemoryOrderStore) ListOffset(_ context.Context, skip, take int, sortBy SortField, sortOrder SortOrder) ([]Order, error) {
	orders := s.snapshot()
	sort.Slice(orders, func(i, j int) bool {
		return orderLess(orders[i], orders[j], sortBy, sortOrder)
	})
	if skip >= len(orders) {
		return []Order{}, nil
	}
	end := skip + take
	if end > len(orders) {
		end = len(orders)
	}
	return append([]Order(nil), orders[skip:end]...), nil
}

func (s *InMemoryOrderStore) ListAfter(_ context.Context, after *PageCursor, limit int) ([]Order, error) {
	orders := s.snapshot()
	sort.Slice(orders, func(i, j int) bool {
		return orderLess(orders[i], orders[j], SortByUpdatedAt, SortDescending)
	})
	out := make([]Order, 0, limit)
	for _, order := range orders {
		if after != nil && !afterCursor(*after, order) {
			continue
		}
		out = append(out, order)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryOrderStore) Close() error {
	return nil
}

func (s *InMemoryOrderStore) snapshot() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]Order, 0, len(s.byID))
	for _, order := range s.byID {
		orders = append(orders, order)
	}
	return orders
}

// orderLess orders by the sort field, breaking ties by id in the same
// direction.
func orderLess(a, b Order, sortBy SortField, sortOrder SortOrder) bool {
	cmp := 0
	switch sortBy {
	case SortByCreatedAt:
		cmp = a.CreatedAt.Compare(b.CreatedAt)
	case SortByStatus:
		cmp = strings.Compare(string(a.Status), string(b.Status))
	default:
		cmp = a.UpdatedAt.Compare(b.UpdatedAt)
	}
	if cmp == 0 {
		cmp = strings.Compare(a.ID, b.ID)
	}
	if sortOrder == SortAscending {
		return cmp < 0
	}
	return cmp > 0
}
