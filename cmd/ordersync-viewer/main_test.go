package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/ordersync/internal/httpapi"
	"github.com/agentworkforce/ordersync/internal/ordersync"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("ORDERSYNC_TEST_FLOAT", "0.35")
	assert.Equal(t, 0.35, floatEnv("ORDERSYNC_TEST_FLOAT", 0.1))
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("ORDERSYNC_TEST_FLOAT_BAD", "oops")
	assert.Equal(t, 0.25, floatEnv("ORDERSYNC_TEST_FLOAT_BAD", 0.25))
}

func TestClampJitterRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampJitterRatio(-0.1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
	assert.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(time.Second, 30*time.Second, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(time.Second, 30*time.Second, 3))
	assert.Equal(t, 30*time.Second, backoffDelay(time.Second, 30*time.Second, 12))
	assert.Equal(t, time.Second, backoffDelay(0, 0, 5))
}

func TestApplyEditFlags(t *testing.T) {
	order := ordersync.Order{ID: "ord-1", Status: ordersync.StatusConfirmed, ShippingFee: decimal.RequireFromString("5.99"), Version: 2}

	fields, err := applyEditFlags(order, "shipped", "")
	require.NoError(t, err)
	assert.Equal(t, ordersync.StatusShipped, fields.Status)
	assert.True(t, decimal.RequireFromString("5.99").Equal(fields.ShippingFee))

	fields, err = applyEditFlags(order, "", "7.25")
	require.NoError(t, err)
	assert.Equal(t, ordersync.StatusConfirmed, fields.Status)
	assert.True(t, decimal.RequireFromString("7.25").Equal(fields.ShippingFee))

	for _, bad := range [][2]string{{"", ""}, {"lost", ""}, {"", "-1"}, {"", "cheap"}} {
		_, err := applyEditFlags(order, bad[0], bad[1])
		assert.ErrorIs(t, err, ordersync.ErrInvalidInput, "%v", bad)
	}
}

type queuedFrames []ordersync.SyncMessage

func (q *queuedFrames) Receive(context.Context) (ordersync.SyncMessage, error) {
	if len(*q) == 0 {
		return ordersync.SyncMessage{}, io.EOF
	}
	msg := (*q)[0]
	*q = (*q)[1:]
	return msg, nil
}

func TestStreamEventsFiltersByOrder(t *testing.T) {
	frame := func(messageType string, payload any) ordersync.SyncMessage {
		raw, err := ordersync.EncodeSyncMessage(messageType, payload)
		require.NoError(t, err)
		msg, err := ordersync.DecodeSyncMessage(raw)
		require.NoError(t, err)
		return msg
	}
	frames := queuedFrames{
		frame(ordersync.MessageOrderSynced, ordersync.SyncEvent{OrderID: "a", Version: 1}),
		frame(ordersync.MessageUpdateRejected, ordersync.UpdateRejection{OrderID: "a"}),
		frame(ordersync.MessageOrderSynced, ordersync.SyncEvent{OrderID: "b", Version: 1}),
		frame(ordersync.MessageOrderSynced, ordersync.SyncEvent{OrderID: "a", Version: 2}),
	}
	var seen []int64
	err := streamEvents(context.Background(), &frames, "a", func(event ordersync.SyncEvent) error {
		seen = append(seen, event.Version)
		return nil
	})
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int64{1, 2}, seen)
}

func startServer(t *testing.T) (*ordersync.Engine, string) {
	t.Helper()
	engine, err := ordersync.NewEngineWithOptions(ordersync.EngineOptions{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	server := httptest.NewServer(httpapi.NewServer(engine))
	t.Cleanup(server.Close)
	return engine, server.URL
}

func seedOrder(t *testing.T, engine *ordersync.Engine, externalID string) ordersync.Order {
	t.Helper()
	ctx := context.Background()
	body := `{"id":"` + externalID + `","financial_status":"paid","total_price":"10.00"}`
	_, err := engine.Ingest(ctx, "wh-"+externalID, "orders/updated", []byte(body))
	require.NoError(t, err)
	var order ordersync.Order
	require.Eventually(t, func() bool {
		page, err := engine.ListOffset(ctx, ordersync.OffsetQuery{Take: 100})
		if err != nil {
			return false
		}
		for _, candidate := range page.Data {
			if candidate.ExternalOrderID == externalID {
				order = candidate
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return order
}

func runViewer(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestEditCommandAppliesAndForces(t *testing.T) {
	engine, baseURL := startServer(t)
	order := seedOrder(t, engine, "ext-edit")

	out, err := runViewer(t, "edit", order.ID, "--base-url", baseURL, "--log-level", "error", "--status", "shipped", "--shipping-fee", "4.50")
	require.NoError(t, err)
	var event ordersync.SyncEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &event))
	assert.Equal(t, int64(2), event.Version)
	assert.Equal(t, ordersync.StatusShipped, event.Status)

	stored, err := engine.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.True(t, decimal.RequireFromString("4.50").Equal(stored.ShippingFee))
}

func TestListCommandWalksCursorPages(t *testing.T) {
	engine, baseURL := startServer(t)
	for _, id := range []string{"ext-1", "ext-2", "ext-3"} {
		seedOrder(t, engine, id)
	}

	out, err := runViewer(t, "list", "--base-url", baseURL, "--limit", "2", "--all")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	seen := map[string]bool{}
	for _, line := range lines {
		var order ordersync.Order
		require.NoError(t, json.Unmarshal([]byte(line), &order))
		seen[order.ExternalOrderID] = true
	}
	assert.Len(t, seen, 3)
}

func TestFollowCommandStopsAfterMaxEvents(t *testing.T) {
	engine, baseURL := startServer(t)

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		defer close(done)
		out, err = runViewer(t, "follow", "--base-url", baseURL, "--log-level", "error", "--max-events", "1")
	}()
	require.Eventually(t, func() bool { return engine.BackendStatus().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)
	seedOrder(t, engine, "ext-follow")
	<-done

	require.NoError(t, err)
	var event ordersync.SyncEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &event))
	assert.Equal(t, int64(1), event.Version)
}
