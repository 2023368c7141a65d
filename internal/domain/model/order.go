package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderProcessing      OrderStatus = "PROCESSING"
	OrderCompleted       OrderStatus = "COMPLETED"
	OrderFailed          OrderStatus = "FAILED"
	OrderWaitingForFunds OrderStatus = "WAITING_FOR_FUNDS"
	OrderRetryScheduled  OrderStatus = "RETRY_SCHEDULED"
)

func (s OrderStatus) String() string {
	return string(s)
}

// Terminal reports whether the status is final. Terminal orders are never
// mutated again.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// MintPayload is the user-supplied content of a mint request.
type MintPayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ImageRef    string          `json:"image"`
	Recipient   string          `json:"mintToAddress"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

type Order struct {
	ID               uuid.UUID   `db:"id"`
	Payload          MintPayload `db:"payload"`
	Status           OrderStatus `db:"status"`
	AssignedWorkerID *uuid.UUID  `db:"assigned_worker_id"`
	TxHash           *string     `db:"tx_hash"`
	TokenID          *string     `db:"token_id"`
	ErrorMessage     *string     `db:"error_message"`
	BatchID          *uuid.UUID  `db:"batch_id"`
	RetryCount       int         `db:"retry_count"`
	NextAttemptAt    *time.Time  `db:"next_attempt_at"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
}
