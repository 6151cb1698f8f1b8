package ordersync

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const receiptValue = "received"

type RedisDedupStore struct {
	client *redis.Client
}

// NewRedisDedupStore connects using a redis:// or rediss:// URL.
func NewRedisDedupStore(dsn string) (*RedisDedupStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return &RedisDedupStore{client: redis.NewClient(opts)}, nil
}

func NewRedisDedupStoreWithClient(client *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{client: client}
}

func (s *RedisDedupStore) Seen(ctx context.Context, webhookID string) (bool, error) {
	if strings.TrimSpace(webhookID) == "" {
		return false, ErrInvalidInput
	}
	n, err := s.client.Exists(ctx, receiptKey(webhookID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisDedupStore) Mark(ctx context.Context, webhookID string, ttl time.Duration) error {
	if strings.TrimSpace(webhookID) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	return s.client.Set(ctx, receiptKey(webhookID), receiptValue, ttl).Err()
}

func (s *RedisDedupStore) Close() error {
	return s.client.Close()
}
