package ordersync

import (
	"context"
	"errors"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxCursorLimit  = 100
)

type OffsetQuery struct {
	Skip      int
	Take      int
	SortBy    SortField
	SortOrder SortOrder
}

type OffsetPage struct {
	Data    []Order `json:"data"`
	Total   int     `json:"total"`
	Skip    int     `json:"skip"`
	Take    int     `json:"take"`
	HasMore bool    `json:"hasMore"`
}

type CursorPage struct {
	Data       []Order `json:"data"`
	NextCursor string  `json:"nextCursor,omitempty"`
	HasMore    bool    `json:"hasMore"`
}

// Lister serves the two read paths over an OrderStore.
type Lister struct {
	store OrderStore
}

func NewLister(store OrderStore) *Lister {
	return &Lister{store: store}
}

func (l *Lister) ListOffset(ctx context.Context, q OffsetQuery) (OffsetPage, error) {
	if q.Skip < 0 || q.Take < 0 {
		return OffsetPage{}, ErrInvalidInput
	}
	if q.Take == 0 {
		q.Take = DefaultPageSize
	}
	if q.SortBy == "" {
		q.SortBy = SortByUpdatedAt
	}
	if q.SortOrder == "" {
		q.SortOrder = SortDescending
	}
	total, err := l.store.Count(ctx)
	if err != nil {
		return OffsetPage{}, err
	}
	orders, err := l.store.ListOffset(ctx, q.Skip, q.Take, q.SortBy, q.SortOrder)
	if err != nil {
		return OffsetPage{}, err
	}
	return OffsetPage{
		Data:    orders,
		Total:   total,
		Skip:    q.Skip,
		Take:    q.Take,
		HasMore: q.Skip+q.Take < total,
	}, nil
}

// ListCursor returns the page after cursor in updatedAt DESC, id DESC order.
// A cursor whose order no longer exists restarts from the top.
func (l *Lister) ListCursor(ctx context.Context, cursor string, limit int) (CursorPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxCursorLimit {
		limit = MaxCursorLimit
	}
	var after *PageCursor
	if strings.TrimSpace(cursor) != "" {
		decoded, err := DecodeCursor(cursor)
		if err != nil {
			return CursorPage{}, err
		}
		_, err = l.store.Get(ctx, decoded.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return CursorPage{}, err
		default:
			after = &decoded
		}
	}
	rows, err := l.store.ListAfter(ctx, after, limit+1)
	if err != nil {
		return CursorPage{}, err
	}
	page := CursorPage{Data: rows, HasMore: len(rows) > limit}
	if page.HasMore {
		page.Data = rows[:limit]
		page.NextCursor = EncodeCursor(cursorFor(page.Data[len(page.Data)-1]))
	}
	return page, nil
}
