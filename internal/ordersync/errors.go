package ordersync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrVersionConflict  = errors.New("version conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrEnqueueFailed    = errors.New("enqueue failed")
	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrQueueFull        = errors.New("queue full")
	ErrQueueClosed      = errors.New("queue closed")
	ErrNotImplemented   = errors.New("not implemented")
)

// VersionConflictError reports a compare-and-swap that lost against a
// concurrent writer.
type VersionConflictError struct {
	OrderID         string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	if e.OrderID == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for order %s: expected %d, current %d", e.OrderID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// PayloadError carries the schema violation behind ErrMalformedPayload.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return "malformed payload: " + e.Reason
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}
