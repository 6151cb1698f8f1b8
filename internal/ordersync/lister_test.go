package ordersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedOrders stores n orders; every third one shares its predecessor's
// timestamp so pages must break ties by id.
func seedOrders(t *testing.T, store OrderStore, n int) {
	t.Helper()
	stamp := storeEpoch
	for i := 1; i <= n; i++ {
		if i%3 != 0 {
			stamp = stamp.Add(time.Second)
		}
		_, err := store.Create(context.Background(), newTestOrder(i, stamp))
		require.NoError(t, err)
	}
}

func TestListOffsetPages(t *testing.T) {
	store := NewInMemoryOrderStore()
	seedOrders(t, store, 120)
	lister := NewLister(store)

	page, err := lister.ListOffset(context.Background(), OffsetQuery{})
	require.NoError(t, err)
	assert.Equal(t, 120, page.Total)
	assert.Equal(t, DefaultPageSize, page.Take)
	assert.Len(t, page.Data, DefaultPageSize)
	assert.True(t, page.HasMore)
	assert.Equal(t, "ext-120", page.Data[0].ExternalOrderID)

	page, err = lister.ListOffset(context.Background(), OffsetQuery{Skip: 100, Take: 20})
	require.NoError(t, err)
	assert.Len(t, page.Data, 20)
	assert.False(t, page.HasMore)

	page, err = lister.ListOffset(context.Background(), OffsetQuery{Skip: 0, Take: 10, SortBy: SortByCreatedAt, SortOrder: SortAscending})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", page.Data[0].ExternalOrderID)

	_, err = lister.ListOffset(context.Background(), OffsetQuery{Skip: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = lister.ListOffset(context.Background(), OffsetQuery{Take: -5})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListCursorVisitsEveryOrderOnce(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) OrderStore{
		"memory": func(*testing.T) OrderStore { return NewInMemoryOrderStore() },
		"sqlite": func(t *testing.T) OrderStore {
			store, err := NewSQLiteOrderStore(t.TempDir() + "/orders.db")
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	} {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			seedOrders(t, store, 120)
			lister := NewLister(store)

			seen := map[string]bool{}
			cursor := ""
			pages := 0
			for {
				page, err := lister.ListCursor(context.Background(), cursor, 25)
				require.NoError(t, err)
				pages++
				for _, order := range page.Data {
					assert.False(t, seen[order.ID], "order %s listed twice", order.ID)
					seen[order.ID] = true
				}
				if !page.HasMore {
					assert.Empty(t, page.NextCursor)
					break
				}
				require.NotEmpty(t, page.NextCursor)
				cursor = page.NextCursor
			}
			assert.Len(t, seen, 120)
			assert.Equal(t, 5, pages)
		})
	}
}

func TestListCursorLimits(t *testing.T) {
	store := NewInMemoryOrderStore()
	seedOrders(t, store, 120)
	lister := NewLister(store)

	page, err := lister.ListCursor(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Data, DefaultPageSize)

	page, err = lister.ListCursor(context.Background(), "", 500)
	require.NoError(t, err)
	assert.Len(t, page.Data, MaxCursorLimit)
	assert.True(t, page.HasMore)
}

func TestListCursorRestartsWhenCursorOrderIsGone(t *testing.T) {
	store := NewInMemoryOrderStore()
	seedOrders(t, store, 3)
	lister := NewLister(store)

	gone := EncodeCursor(PageCursor{UpdatedAt: storeEpoch, ID: "deleted-order"})
	page, err := lister.ListCursor(context.Background(), gone, 10)
	require.NoError(t, err)
	assert.Len(t, page.Data, 3)
	assert.Equal(t, "ext-3", page.Data[0].ExternalOrderID)
}

func TestListCursorRejectsInvalidCursor(t *testing.T) {
	lister := NewLister(NewInMemoryOrderStore())
	_, err := lister.ListCursor(context.Background(), "%%%not-base64", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
