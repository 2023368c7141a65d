package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
)

// WorkerStatUpdate carries the deltas applied to a worker when it is
// released back to the pool after an attempt.
type WorkerStatUpdate struct {
	Nonce        int64
	MintedDelta  int64
	SuccessDelta int64
	FailureDelta int64
	GasUsedDelta string // wei, decimal string; empty means zero
}

// WorkerRepository provides access to mint worker records.
type WorkerRepository interface {
	Create(ctx context.Context, w *model.Worker) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Worker, error)
	List(ctx context.Context) ([]model.Worker, error)
	Count(ctx context.Context) (int, error)

	// CheckoutOldestAvailable atomically flips the least recently used
	// AVAILABLE worker to BUSY and returns it. Returns nil when the pool
	// is exhausted.
	CheckoutOldestAvailable(ctx context.Context) (*model.Worker, error)

	// Release returns a BUSY worker to AVAILABLE and applies stat deltas.
	Release(ctx context.Context, id uuid.UUID, upd WorkerStatUpdate) error

	// Disable takes a worker out of rotation permanently.
	Disable(ctx context.Context, id uuid.UUID) error

	UpdateBalance(ctx context.Context, id uuid.UUID, balanceWei string) error
}

// OrderRepository provides access to mint order records.
type OrderRepository interface {
	Create(ctx context.Context, o *model.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error)

	// ClaimPending flips a PENDING or due RETRY_SCHEDULED order to
	// PROCESSING and assigns the worker. Returns false when the order is
	// no longer claimable.
	ClaimPending(ctx context.Context, id, workerID uuid.UUID) (bool, error)

	MarkCompleted(ctx context.Context, id uuid.UUID, txHash, tokenID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	MarkWaitingForFunds(ctx context.Context, id uuid.UUID, errorMessage string) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorMessage string) error

	// ListDue returns orders ready for processing: PENDING plus
	// RETRY_SCHEDULED whose nextAttemptAt has passed, oldest first.
	ListDue(ctx context.Context, limit int) ([]model.Order, error)

	// ReleaseWaiting flips WAITING_FOR_FUNDS orders for a worker back to
	// PENDING and returns how many were released.
	ReleaseWaiting(ctx context.Context, workerID uuid.UUID) (int, error)

	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Order, error)
}

// BatchRepository provides access to batch records.
type BatchRepository interface {
	Create(ctx context.Context, b *model.Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Batch, error)

	// RecordOutcome bumps the batch counters for one settled order and
	// refreshes the derived status.
	RecordOutcome(ctx context.Context, id uuid.UUID, success bool) error
}
