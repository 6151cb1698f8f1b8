package viewsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/ordersync/internal/httpapi"
	"github.com/agentworkforce/ordersync/internal/ordersync"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/orders/ord-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ord-1","status":"SHIPPED","shippingFee":"4.50","version":3}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	order, err := client.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, ordersync.StatusShipped, order.Status)
	assert.Equal(t, int64(3), order.Version)
	assert.True(t, decimal.RequireFromString("4.50").Equal(order.ShippingFee))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientMapsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/cursor":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"invalid_cursor","message":"bad cursor"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"order not found"}`))
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	_, err := client.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ordersync.ErrNotFound)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "not_found", httpErr.Code)

	_, err = client.ListOrdersCursor(context.Background(), "garbage", 10)
	assert.ErrorIs(t, err, ordersync.ErrInvalidCursor)
	assert.ErrorIs(t, err, ordersync.ErrInvalidInput)
	assert.NotErrorIs(t, err, ordersync.ErrNotFound)
}

func TestHTTPClientForwardsListQueries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/orders":
			if q.Get("skip") != "10" || q.Get("take") != "5" || q.Get("sortBy") != "status" || q.Get("sortOrder") != "ASC" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"data":[],"total":12,"skip":10,"take":5,"hasMore":false}`))
		case "/orders/cursor":
			if q.Get("cursor") != "MjAyNi0wMS0wMlQwMzowNDowNVp8b3JkLTE+" || q.Get("limit") != "25" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"data":[],"nextCursor":"next","hasMore":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", server.Client())
	page, err := client.ListOrders(context.Background(), ordersync.OffsetQuery{
		Skip:      10,
		Take:      5,
		SortBy:    ordersync.SortByStatus,
		SortOrder: ordersync.SortAscending,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)

	cursorPage, err := client.ListOrdersCursor(context.Background(), "MjAyNi0wMS0wMlQwMzowNDowNVp8b3JkLTE+", 25)
	require.NoError(t, err)
	assert.Equal(t, "next", cursorPage.NextCursor)
	assert.True(t, cursorPage.HasMore)
}

func TestRetryDelayAndSyncURL(t *testing.T) {
	client := NewHTTPClient("https://orders.example.com", nil)
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, client.retryDelay(10, ""))
	assert.Equal(t, time.Second, client.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, client.retryDelay(1, "120"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	assert.Equal(t, "wss://orders.example.com/sync", client.SyncURL())
	assert.Equal(t, "ws://127.0.0.1:9000/sync", NewHTTPClient("", nil).SyncURL())
}

// pump feeds every frame from conn into session until the connection ends.
func pump(ctx context.Context, conn *SyncConn, session *EditSession) <-chan error {
	done := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Receive(ctx)
			if err != nil {
				done <- err
				return
			}
			if err := session.HandleMessage(ctx, msg); err != nil {
				done <- err
				return
			}
		}
	}()
	return done
}

func TestViewersResolveConflictOverWebsocket(t *testing.T) {
	engine, err := ordersync.NewEngineWithOptions(ordersync.EngineOptions{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	httpServer := httptest.NewServer(httpapi.NewServer(engine))
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = engine.Ingest(ctx, "wh-1", "orders/updated", []byte(`{"id":"ord-1001","financial_status":"paid","total_price":"150.00"}`))
	require.NoError(t, err)
	client := NewHTTPClient(httpServer.URL, httpServer.Client())
	var order ordersync.Order
	require.Eventually(t, func() bool {
		page, err := client.ListOrders(ctx, ordersync.OffsetQuery{})
		if err != nil || len(page.Data) != 1 {
			return false
		}
		order = page.Data[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), order.Version)

	connA, err := DialSync(ctx, client.SyncURL())
	require.NoError(t, err)
	defer connA.Close()
	connB, err := DialSync(ctx, client.SyncURL())
	require.NoError(t, err)
	defer connB.Close()
	require.Eventually(t, func() bool { return engine.BackendStatus().Subscribers == 2 }, 2*time.Second, 10*time.Millisecond)

	viewerA := NewEditSession(order, connA, client, nil)
	viewerB := NewEditSession(order, connB, client, nil)
	doneA := pump(ctx, connA, viewerA)
	doneB := pump(ctx, connB, viewerB)

	require.NoError(t, viewerA.Edit(ordersync.OrderFields{Status: ordersync.StatusShipped, ShippingFee: decimal.RequireFromString("5.99")}))
	require.NoError(t, viewerB.Edit(ordersync.OrderFields{Status: ordersync.StatusCancelled, ShippingFee: decimal.Zero}))

	_, err = viewerA.Submit(ctx)
	require.NoError(t, err)

	// B sees version 2 while dirty.
	require.Eventually(t, func() bool { return viewerB.View().State == StateConflict }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), viewerB.View().Server.Version)
	assert.Equal(t, ordersync.StatusCancelled, viewerB.View().Draft.Status)

	require.NoError(t, viewerB.ForceOverwrite())
	req, err := viewerB.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, req.Force)

	// A was clean and fast-forwards to B's write.
	require.Eventually(t, func() bool { return viewerA.View().Baseline == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClean, viewerA.View().State)
	assert.Equal(t, ordersync.StatusCancelled, viewerA.View().Draft.Status)

	stored, err := client.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, ordersync.StatusCancelled, stored.Status)

	// A newer write from elsewhere lands a dirty A in Conflict.
	require.NoError(t, viewerA.Edit(ordersync.OrderFields{Status: ordersync.StatusPending, ShippingFee: decimal.Zero}))
	_, err = engine.ApplyEdit(ctx, ordersync.EditRequest{
		OrderID:     order.ID,
		BaseVersion: 3,
		Data:        ordersync.OrderFields{Status: ordersync.StatusShipped, ShippingFee: decimal.Zero},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return viewerA.View().State == StateConflict }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.Close())
	assert.ErrorIs(t, <-doneA, io.EOF)
	assert.ErrorIs(t, <-doneB, io.EOF)
}
