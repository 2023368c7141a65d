// Package memory holds mutex-guarded in-memory implementations of the store
// repositories. They back unit tests and single-process deployments that run
// without Postgres.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/store"
)

type WorkerRepo struct {
	mu      sync.Mutex
	workers map[uuid.UUID]*model.Worker
}

func NewWorkerRepo() *WorkerRepo {
	return &WorkerRepo{workers: make(map[uuid.UUID]*model.Worker)}
}

func (r *WorkerRepo) Create(ctx context.Context, w *model.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[w.ID]; ok {
		return fmt.Errorf("worker %s already exists", w.ID)
	}
	cp := *w
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Balance == "" {
		cp.Balance = "0"
	}
	if cp.TotalGasUsed == "" {
		cp.TotalGasUsed = "0"
	}
	r.workers[w.ID] = &cp
	return nil
}

func (r *WorkerRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *WorkerRepo) List(ctx context.Context) ([]model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *WorkerRepo) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.Status != model.WorkerDisabled {
			n++
		}
	}
	return n, nil
}

func (r *WorkerRepo) CheckoutOldestAvailable(ctx context.Context) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *model.Worker
	for _, w := range r.workers {
		if w.Status != model.WorkerAvailable {
			continue
		}
		if oldest == nil || w.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = w
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = model.WorkerBusy
	oldest.UpdatedAt = time.Now()
	cp := *oldest
	return &cp, nil
}

func (r *WorkerRepo) Release(ctx context.Context, id uuid.UUID, upd store.WorkerStatUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	if w.Status != model.WorkerBusy {
		return fmt.Errorf("release worker %s: not in BUSY state", id)
	}

	w.Status = model.WorkerAvailable
	w.Nonce = upd.Nonce
	w.TotalMinted += upd.MintedDelta
	w.SuccessfulTransactions += upd.SuccessDelta
	w.FailedTransactions += upd.FailureDelta
	if upd.GasUsedDelta != "" && upd.GasUsedDelta != "0" {
		total, ok := new(big.Int).SetString(w.TotalGasUsed, 10)
		if !ok {
			total = big.NewInt(0)
		}
		delta, ok := new(big.Int).SetString(upd.GasUsedDelta, 10)
		if !ok {
			return fmt.Errorf("bad gas delta %q", upd.GasUsedDelta)
		}
		w.TotalGasUsed = total.Add(total, delta).String()
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WorkerRepo) Disable(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	w.Status = model.WorkerDisabled
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WorkerRepo) UpdateBalance(ctx context.Context, id uuid.UUID, balanceWei string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	w.Balance = balanceWei
	return nil
}

type OrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*model.Order
}

func NewOrderRepo() *OrderRepo {
	return &OrderRepo{orders: make(map[uuid.UUID]*model.Order)}
}

func (r *OrderRepo) Create(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.orders[o.ID] = &cp
	return nil
}

func (r *OrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *OrderRepo) ClaimPending(ctx context.Context, id, workerID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return false, nil
	}
	claimable := o.Status == model.OrderPending ||
		(o.Status == model.OrderRetryScheduled && o.NextAttemptAt != nil && !o.NextAttemptAt.After(time.Now()))
	if !claimable {
		return false, nil
	}
	o.Status = model.OrderProcessing
	wid := workerID
	o.AssignedWorkerID = &wid
	o.UpdatedAt = time.Now()
	return true, nil
}

func (r *OrderRepo) MarkCompleted(ctx context.Context, id uuid.UUID, txHash, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = model.OrderCompleted
	o.TxHash = &txHash
	o.TokenID = &tokenID
	o.AssignedWorkerID = nil
	o.NextAttemptAt = nil
	o.UpdatedAt = time.Now()
	return nil
}

func (r *OrderRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = model.OrderFailed
	o.ErrorMessage = &errorMessage
	o.AssignedWorkerID = nil
	o.NextAttemptAt = nil
	o.UpdatedAt = time.Now()
	return nil
}

// MarkWaitingForFunds keeps the worker assignment so ReleaseWaiting can find
// the orders parked on that worker.
func (r *OrderRepo) MarkWaitingForFunds(ctx context.Context, id uuid.UUID, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = model.OrderWaitingForFunds
	o.ErrorMessage = &errorMessage
	o.UpdatedAt = time.Now()
	return nil
}

func (r *OrderRepo) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = model.OrderRetryScheduled
	o.RetryCount = retryCount
	at := nextAttemptAt
	o.NextAttemptAt = &at
	o.ErrorMessage = &errorMessage
	o.AssignedWorkerID = nil
	o.UpdatedAt = time.Now()
	return nil
}

func (r *OrderRepo) ListDue(ctx context.Context, limit int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var due []model.Order
	for _, o := range r.orders {
		if o.Status == model.OrderPending ||
			(o.Status == model.OrderRetryScheduled && o.NextAttemptAt != nil && !o.NextAttemptAt.After(now)) {
			due = append(due, *o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *OrderRepo) ReleaseWaiting(ctx context.Context, workerID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.orders {
		if o.Status == model.OrderWaitingForFunds &&
			o.AssignedWorkerID != nil && *o.AssignedWorkerID == workerID {
			o.Status = model.OrderPending
			o.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (r *OrderRepo) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if o.BatchID != nil && *o.BatchID == batchID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type BatchRepo struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*model.Batch
}

func NewBatchRepo() *BatchRepo {
	return &BatchRepo{batches: make(map[uuid.UUID]*model.Batch)}
}

func (r *BatchRepo) Create(ctx context.Context, b *model.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	cp := *b
	cp.CreatedAt = time.Now()
	r.batches[b.ID] = &cp
	return nil
}

func (r *BatchRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *BatchRepo) RecordOutcome(ctx context.Context, id uuid.UUID, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("batch %s not found", id)
	}
	if success {
		b.CompletedOrders++
	} else {
		b.FailedOrders++
	}
	b.Status = b.DeriveStatus()
	if b.Status == model.BatchCompleted || b.Status == model.BatchFailed {
		now := time.Now()
		b.CompletedAt = &now
	}
	return nil
}
