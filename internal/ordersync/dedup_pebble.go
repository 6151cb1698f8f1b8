package ordersync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleDedupStore keeps receipts in a local pebble database. Each value is
// the receipt's expiry as big-endian unix nanoseconds; expired receipts are
// removed when they are next read.
type PebbleDedupStore struct {
	db  *pebble.DB
	now func() time.Time
}

func NewPebbleDedupStore(dir string) (*PebbleDedupStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleDedupStore{db: db, now: time.Now}, nil
}

func (s *PebbleDedupStore) Seen(ctx context.Context, webhookID string) (bool, error) {
	if strings.TrimSpace(webhookID) == "" {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := []byte(receiptKey(webhookID))
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var expiresAt int64
	if len(value) == 8 {
		expiresAt = int64(binary.BigEndian.Uint64(value))
	}
	_ = closer.Close()
	if expiresAt > s.now().UnixNano() {
		return true, nil
	}
	if err := s.db.Delete(key, pebble.NoSync); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PebbleDedupStore) Mark(ctx context.Context, webhookID string, ttl time.Duration) error {
	if strings.TrimSpace(webhookID) == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(s.now().Add(ttl).UnixNano()))
	return s.db.Set([]byte(receiptKey(webhookID)), value, pebble.Sync)
}

func (s *PebbleDedupStore) Close() error {
	return s.db.Close()
}
