package ordersync

import (
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Message types on the /sync websocket.
const (
	MessageOrderSynced    = "ORDER_SYNCED"
	MessageUpdateOrder    = "UPDATE_ORDER"
	MessageUpdateRejected = "UPDATE_REJECTED"
)

// SyncMessage is the envelope of every websocket frame.
type SyncMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// UpdateRejection answers an UPDATE_ORDER that was not applied.
type UpdateRejection struct {
	OrderID        string `json:"orderId"`
	CurrentVersion int64  `json:"currentVersion"`
	Reason         string `json:"reason"`
}

const (
	RejectVersionConflict = "version_conflict"
	RejectInvalidInput    = "invalid_input"
	RejectNotFound        = "not_found"
	RejectInternal        = "internal_error"
)

func EncodeSyncMessage(messageType string, payload any) ([]byte, error) {
	raw, err := gojson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	return gojson.Marshal(SyncMessage{Type: messageType, Payload: raw})
}

// DecodeSyncMessage splits a frame into its type and raw payload.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := gojson.Unmarshal(data, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if msg.Type == "" {
		return SyncMessage{}, fmt.Errorf("%w: message type is required", ErrInvalidInput)
	}
	return msg, nil
}

// DecodeEditRequest reads an UPDATE_ORDER payload. Status names are accepted
// in any case.
func DecodeEditRequest(payload []byte) (EditRequest, error) {
	var req EditRequest
	if err := gojson.Unmarshal(payload, &req); err != nil {
		return EditRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if status, ok := ParseStatus(string(req.Data.Status)); ok {
		req.Data.Status = status
	}
	return req, req.validate()
}

// RejectionFor classifies an ApplyEdit failure for the submitting viewer.
func RejectionFor(req EditRequest, current Order, err error) UpdateRejection {
	rejection := UpdateRejection{OrderID: req.OrderID, CurrentVersion: current.Version, Reason: RejectInternal}
	var conflict *VersionConflictError
	switch {
	case errors.As(err, &conflict):
		rejection.Reason = RejectVersionConflict
		rejection.CurrentVersion = conflict.CurrentVersion
	case errors.Is(err, ErrInvalidInput):
		rejection.Reason = RejectInvalidInput
	case errors.Is(err, ErrNotFound):
		rejection.Reason = RejectNotFound
	}
	return rejection
}
