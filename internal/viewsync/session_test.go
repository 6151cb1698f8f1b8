package viewsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	sent []ordersync.EditRequest
	err  error
}

func (s *recordingSubmitter) SubmitEdit(_ context.Context, req ordersync.EditRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, req)
	return nil
}

type staticOrders struct {
	order ordersync.Order
	err   error
	calls int
}

func (o *staticOrders) GetOrder(_ context.Context, orderID string) (ordersync.Order, error) {
	o.calls++
	if o.err != nil {
		return ordersync.Order{}, o.err
	}
	if orderID != o.order.ID {
		return ordersync.Order{}, ordersync.ErrNotFound
	}
	return o.order, nil
}

func mustMessage(t *testing.T, messageType string, payload any) ordersync.SyncMessage {
	t.Helper()
	frame, err := ordersync.EncodeSyncMessage(messageType, payload)
	require.NoError(t, err)
	msg, err := ordersync.DecodeSyncMessage(frame)
	require.NoError(t, err)
	return msg
}

func TestEditSessionSubmitSendsDraft(t *testing.T) {
	submitter := &recordingSubmitter{}
	session := NewEditSession(testOrder(3), submitter, &staticOrders{}, zaptest.NewLogger(t).Sugar())

	require.NoError(t, session.Edit(shippedDraft("1.00")))
	req, err := session.Submit(context.Background())
	require.NoError(t, err)
	require.Len(t, submitter.sent, 1)
	assert.Equal(t, req, submitter.sent[0])
	assert.Equal(t, int64(3), req.BaseVersion)

	view := session.View()
	assert.Equal(t, StateClean, view.State)
	assert.Equal(t, int64(4), view.Baseline)
}

func TestEditSessionSubmitFailureRollsBack(t *testing.T) {
	submitter := &recordingSubmitter{err: errors.New("socket closed")}
	session := NewEditSession(testOrder(3), submitter, &staticOrders{}, nil)

	require.NoError(t, session.Edit(shippedDraft("1.00")))
	_, err := session.Submit(context.Background())
	require.Error(t, err)

	view := session.View()
	assert.Equal(t, StateDirty, view.State)
	assert.Equal(t, int64(3), view.Baseline)
	assert.Equal(t, shippedDraft("1.00"), view.Draft)
}

func TestEditSessionHandlesSyncEvents(t *testing.T) {
	session := NewEditSession(testOrder(3), &recordingSubmitter{}, &staticOrders{}, nil)
	require.NoError(t, session.Edit(shippedDraft("1.00")))

	err := session.HandleMessage(context.Background(),
		mustMessage(t, ordersync.MessageOrderSynced, syncEvent(4, ordersync.StatusCancelled, "0.00")))
	require.NoError(t, err)
	assert.Equal(t, StateConflict, session.View().State)

	_, err = session.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSubmitBlocked)

	require.NoError(t, session.AcceptServer())
	view := session.View()
	assert.Equal(t, StateClean, view.State)
	assert.Equal(t, int64(4), view.Baseline)
	assert.Equal(t, ordersync.StatusCancelled, view.Draft.Status)
}

func TestEditSessionRejectionReloadsOrder(t *testing.T) {
	current := testOrder(5)
	current.Status = ordersync.StatusCancelled
	orders := &staticOrders{order: current}
	submitter := &recordingSubmitter{}
	session := NewEditSession(testOrder(3), submitter, orders, nil)

	require.NoError(t, session.Edit(shippedDraft("1.00")))
	_, err := session.Submit(context.Background())
	require.NoError(t, err)

	rejection := ordersync.UpdateRejection{OrderID: "ord-1", CurrentVersion: 5, Reason: ordersync.RejectVersionConflict}
	require.NoError(t, session.HandleMessage(context.Background(), mustMessage(t, ordersync.MessageUpdateRejected, rejection)))
	assert.Equal(t, 1, orders.calls)

	view := session.View()
	assert.Equal(t, StateConflict, view.State)
	assert.Equal(t, int64(5), view.Server.Version)
	assert.Equal(t, shippedDraft("1.00"), view.Draft)

	require.NoError(t, session.ForceOverwrite())
	req, err := session.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, req.Force)
	assert.Equal(t, int64(5), req.BaseVersion)
	assert.Len(t, submitter.sent, 2)
}

func TestEditSessionIgnoresForeignAndUnknownFrames(t *testing.T) {
	orders := &staticOrders{order: testOrder(3)}
	session := NewEditSession(testOrder(3), &recordingSubmitter{}, orders, nil)

	rejection := ordersync.UpdateRejection{OrderID: "ord-2", CurrentVersion: 7, Reason: ordersync.RejectVersionConflict}
	require.NoError(t, session.HandleMessage(context.Background(), mustMessage(t, ordersync.MessageUpdateRejected, rejection)))
	require.NoError(t, session.HandleMessage(context.Background(), ordersync.SyncMessage{Type: "PING"}))
	assert.Equal(t, 0, orders.calls)
	assert.Equal(t, StateClean, session.View().State)

	err := session.HandleMessage(context.Background(), ordersync.SyncMessage{Type: ordersync.MessageOrderSynced, Payload: []byte(`{"version":`)})
	assert.ErrorIs(t, err, ordersync.ErrInvalidInput)
}

func TestEditSessionNotFoundRejection(t *testing.T) {
	orders := &staticOrders{order: testOrder(3)}
	session := NewEditSession(testOrder(3), &recordingSubmitter{}, orders, nil)

	rejection := ordersync.UpdateRejection{OrderID: "ord-1", Reason: ordersync.RejectNotFound}
	err := session.HandleMessage(context.Background(), mustMessage(t, ordersync.MessageUpdateRejected, rejection))
	assert.ErrorIs(t, err, ordersync.ErrNotFound)
	assert.Equal(t, 0, orders.calls)
}

type scriptedFrames struct {
	frames []ordersync.SyncMessage
}

func (f *scriptedFrames) Receive(ctx context.Context) (ordersync.SyncMessage, error) {
	if len(f.frames) == 0 {
		return ordersync.SyncMessage{}, context.DeadlineExceeded
	}
	msg := f.frames[0]
	f.frames = f.frames[1:]
	return msg, nil
}

func TestEditSessionCommitWaitsForEcho(t *testing.T) {
	session := NewEditSession(testOrder(3), &recordingSubmitter{}, &staticOrders{}, nil)
	require.NoError(t, session.Edit(shippedDraft("1.00")))

	other := syncEvent(7, ordersync.StatusShipped, "1.00")
	other.OrderID = "ord-2"
	frames := &scriptedFrames{frames: []ordersync.SyncMessage{
		mustMessage(t, ordersync.MessageOrderSynced, other),
		mustMessage(t, ordersync.MessageUpdateRejected, ordersync.UpdateRejection{OrderID: "ord-2", Reason: ordersync.RejectVersionConflict}),
		mustMessage(t, ordersync.MessageOrderSynced, syncEvent(4, ordersync.StatusShipped, "1.00")),
	}}
	event, err := session.Commit(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, int64(4), event.Version)
	assert.Empty(t, frames.frames)
	assert.Equal(t, StateClean, session.View().State)
}

func TestEditSessionCommitRejected(t *testing.T) {
	current := testOrder(6)
	current.Status = ordersync.StatusCancelled
	session := NewEditSession(testOrder(3), &recordingSubmitter{}, &staticOrders{order: current}, nil)
	require.NoError(t, session.Edit(shippedDraft("1.00")))

	frames := &scriptedFrames{frames: []ordersync.SyncMessage{
		mustMessage(t, ordersync.MessageUpdateRejected, ordersync.UpdateRejection{OrderID: "ord-1", CurrentVersion: 6, Reason: ordersync.RejectVersionConflict}),
	}}
	_, err := session.Commit(context.Background(), frames)
	assert.ErrorIs(t, err, ErrEditRejected)
	assert.Equal(t, StateConflict, session.View().State)
	assert.Equal(t, int64(6), session.View().Server.Version)

	_, err = session.Commit(context.Background(), frames)
	assert.ErrorIs(t, err, ErrSubmitBlocked)
}
