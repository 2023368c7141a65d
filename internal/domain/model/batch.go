package model

import (
	"time"

	"github.com/google/uuid"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

type Batch struct {
	ID              uuid.UUID   `db:"id"`
	Status          BatchStatus `db:"status"`
	TotalOrders     int         `db:"total_orders"`
	CompletedOrders int         `db:"completed_orders"`
	FailedOrders    int         `db:"failed_orders"`
	CreatedAt       time.Time   `db:"created_at"`
	CompletedAt     *time.Time  `db:"completed_at"`
}

// DeriveStatus recomputes the aggregate status from child counters.
// COMPLETED only when every child completed; FAILED once all children settled
// with at least one failure; PROCESSING while any child is outstanding.
func (b *Batch) DeriveStatus() BatchStatus {
	settled := b.CompletedOrders + b.FailedOrders
	if b.TotalOrders == 0 || settled < b.TotalOrders {
		return BatchProcessing
	}
	if b.FailedOrders > 0 {
		return BatchFailed
	}
	return BatchCompleted
}
