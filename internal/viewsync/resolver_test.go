package viewsync

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

func testOrder(version int64) ordersync.Order {
	return ordersync.Order{
		ID:              "ord-1",
		ExternalOrderID: "ext-1",
		Status:          ordersync.StatusConfirmed,
		ShippingFee:     decimal.RequireFromString("5.99"),
		Version:         version,
	}
}

func syncEvent(version int64, status ordersync.Status, fee string) ordersync.SyncEvent {
	return ordersync.SyncEvent{
		OrderID:     "ord-1",
		Version:     version,
		Status:      status,
		ShippingFee: decimal.RequireFromString(fee),
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func shippedDraft(fee string) ordersync.OrderFields {
	return ordersync.OrderFields{Status: ordersync.StatusShipped, ShippingFee: decimal.RequireFromString(fee)}
}

func TestNextTransitionTable(t *testing.T) {
	cases := []struct {
		state State
		input Input
		want  State
	}{
		{StateClean, InputEdit, StateDirty},
		{StateClean, InputNewerEvent, StateClean},
		{StateClean, InputStaleEvent, StateClean},
		{StateClean, InputSubmit, StateClean},
		{StateDirty, InputEdit, StateDirty},
		{StateDirty, InputNewerEvent, StateConflict},
		{StateDirty, InputStaleEvent, StateDirty},
		{StateDirty, InputSubmit, StateClean},
		{StateConflict, InputEdit, StateConflict},
		{StateConflict, InputNewerEvent, StateConflict},
		{StateConflict, InputStaleEvent, StateConflict},
		{StateConflict, InputAcceptServer, StateClean},
		{StateConflict, InputForceOverwrite, StateDirty},
		{StateDirty, InputRejected, StateConflict},
	}
	for _, tc := range cases {
		got, err := Next(tc.state, tc.input)
		require.NoError(t, err, "%s on %s", tc.input, tc.state)
		assert.Equal(t, tc.want, got, "%s on %s", tc.input, tc.state)
	}
}

func TestNextRejectsIllegalInputs(t *testing.T) {
	_, err := Next(StateConflict, InputSubmit)
	assert.ErrorIs(t, err, ErrSubmitBlocked)

	for _, state := range []State{StateClean, StateDirty} {
		for _, input := range []Input{InputAcceptServer, InputForceOverwrite} {
			got, err := Next(state, input)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, state, got)
		}
	}
}

func TestResolverFastForwardsWhenClean(t *testing.T) {
	r := NewResolver(testOrder(3))

	input, handled := r.Observe(syncEvent(4, ordersync.StatusShipped, "7.50"))
	require.True(t, handled)
	assert.Equal(t, InputNewerEvent, input)
	assert.Equal(t, StateClean, r.State())
	assert.Equal(t, int64(4), r.BaselineVersion())
	assert.Equal(t, ordersync.StatusShipped, r.Draft().Status)
	assert.True(t, decimal.RequireFromString("7.50").Equal(r.Draft().ShippingFee))
}

func TestResolverIgnoresStaleAndForeignEvents(t *testing.T) {
	r := NewResolver(testOrder(3))
	require.NoError(t, r.Edit(shippedDraft("1.00")))

	input, handled := r.Observe(syncEvent(3, ordersync.StatusCancelled, "0.00"))
	require.True(t, handled)
	assert.Equal(t, InputStaleEvent, input)
	assert.Equal(t, StateDirty, r.State())
	assert.Equal(t, int64(3), r.Server().Version)

	other := syncEvent(9, ordersync.StatusCancelled, "0.00")
	other.OrderID = "ord-2"
	_, handled = r.Observe(other)
	assert.False(t, handled)
	assert.Equal(t, StateDirty, r.State())
	assert.Equal(t, shippedDraft("1.00"), r.Draft())
}

func TestResolverNewerEventWhileDirtyConflicts(t *testing.T) {
	r := NewResolver(testOrder(3))
	require.NoError(t, r.Edit(shippedDraft("1.00")))

	input, handled := r.Observe(syncEvent(4, ordersync.StatusCancelled, "0.00"))
	require.True(t, handled)
	assert.Equal(t, InputNewerEvent, input)
	assert.Equal(t, StateConflict, r.State())
	assert.True(t, r.IsDirty())
	assert.Equal(t, int64(3), r.BaselineVersion())
	assert.Equal(t, int64(4), r.Server().Version)
	assert.Equal(t, ordersync.StatusCancelled, r.Server().Fields.Status)
	assert.Equal(t, shippedDraft("1.00"), r.Draft())

	// Later events keep updating the server snapshot.
	r.Observe(syncEvent(5, ordersync.StatusPending, "2.00"))
	assert.Equal(t, StateConflict, r.State())
	assert.Equal(t, int64(5), r.Server().Version)

	// Edits in Conflict only touch the draft.
	require.NoError(t, r.Edit(shippedDraft("3.00")))
	assert.Equal(t, StateConflict, r.State())
	assert.Equal(t, int64(5), r.Server().Version)

	_, err := r.Submit()
	assert.ErrorIs(t, err, ErrSubmitBlocked)
	assert.Equal(t, StateConflict, r.State())
}

func TestResolverAcceptServer(t *testing.T) {
	r := NewResolver(testOrder(3))
	require.NoError(t, r.Edit(shippedDraft("1.00")))
	r.Observe(syncEvent(4, ordersync.StatusCancelled, "0.00"))

	require.NoError(t, r.AcceptServer())
	assert.Equal(t, StateClean, r.State())
	assert.Equal(t, int64(4), r.BaselineVersion())
	assert.Equal(t, ordersync.StatusCancelled, r.Draft().Status)
	assert.False(t, r.ForcePending())
}

func TestResolverForceOverwriteSubmitsForced(t *testing.T) {
	r := NewResolver(testOrder(3))
	require.NoError(t, r.Edit(shippedDraft("1.00")))
	r.Observe(syncEvent(4, ordersync.StatusCancelled, "0.00"))

	require.NoError(t, r.ForceOverwrite())
	assert.Equal(t, StateDirty, r.State())
	assert.True(t, r.ForcePending())
	assert.Equal(t, int64(4), r.BaselineVersion())

	req, err := r.Submit()
	require.NoError(t, err)
	assert.Equal(t, "ord-1", req.OrderID)
	assert.Equal(t, int64(4), req.BaseVersion)
	assert.True(t, req.Force)
	assert.Equal(t, shippedDraft("1.00"), req.Data)

	assert.Equal(t, StateClean, r.State())
	assert.False(t, r.ForcePending())
	assert.Equal(t, int64(5), r.BaselineVersion())
}

func TestResolverSubmitEchoIsStale(t *testing.T) {
	r := NewResolver(testOrder(3))
	require.NoError(t, r.Edit(shippedDraft("1.00")))

	req, err := r.Submit()
	require.NoError(t, err)
	assert.Equal(t, int64(3), req.BaseVersion)
	assert.False(t, req.Force)

	input, _ := r.Observe(syncEvent(4, ordersync.StatusShipped, "1.00"))
	assert.Equal(t, InputStaleEvent, input)
	assert.Equal(t, StateClean, r.State())
	assert.Equal(t, shippedDraft("1.00"), r.Draft())
}

func TestResolverRejectedMovesToConflict(t *testing.T) {
	r := NewResolver(testOrder(3))
	require.NoError(t, r.Edit(shippedDraft("1.00")))
	_, err := r.Submit()
	require.NoError(t, err)

	current := testOrder(4)
	current.Status = ordersync.StatusCancelled
	require.NoError(t, r.Rejected(current))
	assert.Equal(t, StateConflict, r.State())
	assert.Equal(t, int64(4), r.Server().Version)
	assert.Equal(t, shippedDraft("1.00"), r.Draft())

	require.NoError(t, r.ForceOverwrite())
	req, err := r.Submit()
	require.NoError(t, err)
	assert.Equal(t, int64(4), req.BaseVersion)
	assert.True(t, req.Force)

	foreign := testOrder(9)
	foreign.ID = "ord-2"
	err = r.Rejected(foreign)
	assert.True(t, errors.Is(err, ordersync.ErrInvalidInput))
}

// A dirty draft is never silently replaced by a newer server version.
func TestResolverNeverDropsDirtyDraft(t *testing.T) {
	events := []ordersync.SyncEvent{
		syncEvent(2, ordersync.StatusPending, "0.00"),
		syncEvent(4, ordersync.StatusShipped, "4.00"),
		syncEvent(5, ordersync.StatusCancelled, "5.00"),
		syncEvent(5, ordersync.StatusCancelled, "5.00"),
	}
	r := NewResolver(testOrder(3))
	draft := shippedDraft("42.00")
	require.NoError(t, r.Edit(draft))
	for _, event := range events {
		r.Observe(event)
		assert.Equal(t, draft, r.Draft())
		assert.NotEqual(t, StateClean, r.State())
	}
	assert.Equal(t, int64(5), r.Server().Version)
}
