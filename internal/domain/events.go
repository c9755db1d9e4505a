package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for the events this service publishes and consumes.
const (
	RoutingKeyOtpRequested      = "otp.transfer.requested"
	RoutingKeyTransferCompleted = "transfer.completed"
	RoutingKeyTransferProcessed = "transfer.processing"
	RoutingKeyTransferFailed    = "transfer.failed"
	RoutingKeyClearingCompleted = "transfer.clearing.completed"
	RoutingKeyClearingFailed    = "transfer.clearing.failed"
)

// OtpDelivery is handed to the delivery collaborator after an OTP challenge is committed.
type OtpDelivery struct {
	UserID     uuid.UUID `json:"user_id"`
	Purpose    string    `json:"purpose"`
	TransferID uuid.UUID `json:"transfer_id"`
	Reference  string    `json:"reference_number"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TransferLifecycleEvent is published after a transfer reaches processing, completed or failed.
type TransferLifecycleEvent struct {
	TransferID    uuid.UUID      `json:"transfer_id"`
	OwnerID       uuid.UUID      `json:"owner_id"`
	Reference     string         `json:"reference_number"`
	Type          TransferType   `json:"type"`
	Status        TransferStatus `json:"status"`
	Amount        int64          `json:"amount"`
	Fee           int64          `json:"fee"`
	Total         int64          `json:"total"`
	Currency      string         `json:"currency"`
	FailureReason string         `json:"failure_reason,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// RoutingKey returns the lifecycle routing key for the event's status.
func (e TransferLifecycleEvent) RoutingKey() string {
	switch e.Status {
	case TransferStatusCompleted:
		return RoutingKeyTransferCompleted
	case TransferStatusProcessing:
		return RoutingKeyTransferProcessed
	default:
		return RoutingKeyTransferFailed
	}
}

// NewLifecycleEvent builds the lifecycle event for a transfer.
func NewLifecycleEvent(t *Transfer, at time.Time) TransferLifecycleEvent {
	event := TransferLifecycleEvent{
		TransferID: t.ID,
		OwnerID:    t.OwnerID,
		Reference:  t.Reference,
		Type:       t.Type,
		Status:     t.Status,
		Amount:     t.Amount,
		Fee:        t.Fee,
		Total:      t.Total,
		Currency:   t.Currency,
		OccurredAt: at,
	}
	if t.FailureReason != nil {
		event.FailureReason = *t.FailureReason
	}
	return event
}

// ClearingResultEvent is received from the external clearing network for domestic and wire transfers.
type ClearingResultEvent struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Reference  string    `json:"reference_number"`
	Reason     string    `json:"reason,omitempty"`
}
