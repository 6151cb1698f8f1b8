package ordersync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusShipped   Status = "SHIPPED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusShipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus accepts the enum name in any case.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// Order is the canonical record. Version is the only concurrency token.
type Order struct {
	ID              string          `json:"id"`
	ExternalOrderID string          `json:"externalOrderId"`
	Status          Status          `json:"status"`
	ShippingFee     decimal.Decimal `json:"shippingFee"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SyncEvent is emitted after every successful mutation and never persisted.
type SyncEvent struct {
	OrderID     string          `json:"orderId"`
	Version     int64           `json:"version"`
	Status      Status          `json:"status"`
	ShippingFee decimal.Decimal `json:"shippingFee"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func SyncEventFromOrder(order Order) SyncEvent {
	return SyncEvent{
		OrderID:     order.ID,
		Version:     order.Version,
		Status:      order.Status,
		ShippingFee: order.ShippingFee,
		UpdatedAt:   order.UpdatedAt,
	}
}

// Job is one queued webhook delivery. ID is the webhook id.
type Job struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
)

type IngestResult struct {
	Status    IngestStatus `json:"status"`
	WebhookID string       `json:"webhookId"`
}

// OrderFields are the viewer-editable fields of an order.
type OrderFields struct {
	Status      Status          `json:"status"`
	ShippingFee decimal.Decimal `json:"shippingFee"`
}

// EditRequest is a viewer write. Unless Force is set it is applied only when
// BaseVersion matches the stored version.
type EditRequest struct {
	OrderID     string      `json:"orderId"`
	BaseVersion int64       `json:"baseVersion"`
	Force       bool        `json:"force,omitempty"`
	Data        OrderFields `json:"data"`
}

func (r EditRequest) validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return ErrInvalidInput
	}
	if !r.Data.Status.Valid() {
		return ErrInvalidInput
	}
	if r.Data.ShippingFee.IsNegative() {
		return ErrInvalidInput
	}
	return nil
}

type BackendStatus struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	OrderStore     string `json:"orderStore"`
	DedupStore     string `json:"dedupStore"`
	JobQueue       string `json:"jobQueue"`
	JobQueueDepth  int    `json:"jobQueueDepth"`
	JobQueueCap    int    `json:"jobQueueCapacity"`
	Subscribers    int    `json:"subscribers"`
	DeadLetters    int    `json:"deadLetters"`
}
