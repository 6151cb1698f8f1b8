package ordersync

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	receiptKeyPrefix  = "webhook_id:"
	DefaultReceiptTTL = 24 * time.Hour
)

// DedupStore records presence-only webhook receipts with a TTL.
type DedupStore interface {
	Seen(ctx context.Context, webhookID string) (bool, error)
	Mark(ctx context.Context, webhookID string, ttl time.Duration) error
	Close() error
}

func receiptKey(webhookID string) string {
	return receiptKeyPrefix + strings.TrimSpace(webhookID)
}

type memoryDedupStore struct {
	receipts *cache.Cache
}

func NewInMemoryDedupStore() DedupStore {
	return &memoryDedupStore{
		receipts: cache.New(DefaultReceiptTTL, 10*time.Minute),
	}
}

func (s *memoryDedupStore) Seen(_ context.Context, webhookID string) (bool, error) {
	if strings.TrimSpace(webhookID) == "" {
		return false, ErrInvalidInput
	}
	_, found := s.receipts.Get(receiptKey(webhookID))
	return found, nil
}

func (s *memoryDedupStore) Mark(_ context.Context, webhookID string, ttl time.Duration) error {
	if strings.TrimSpace(webhookID) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	s.receipts.Set(receiptKey(webhookID), struct{}{}, ttl)
	return nil
}

func (s *memoryDedupStore) Close() error {
	s.receipts.Flush()
	return nil
}
