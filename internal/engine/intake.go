package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/minterr"
)

// SubmitOrder records a standalone mint order. It is picked up by the next
// intake pass.
func (e *Engine) SubmitOrder(ctx context.Context, payload model.MintPayload) (uuid.UUID, error) {
	order := &model.Order{
		ID:      uuid.New(),
		Payload: payload,
		Status:  model.OrderPending,
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return uuid.Nil, fmt.Errorf("create order: %w", err)
	}
	return order.ID, nil
}

// Run drives the intake loop until ctx is cancelled: every interval it picks
// up due orders (fresh PENDING plus RETRY_SCHEDULED whose backoff elapsed)
// and processes them.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.IntakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.drainOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("intake pass failed", "error", err)
			}
		}
	}
}

// drainOnce processes one slice of due orders. Orders belonging to the same
// batch share a worker and a nonce pipeline; the rest run one by one. A pool
// exhausted error ends the pass; the orders stay queued for the next tick.
func (e *Engine) drainOnce(ctx context.Context) error {
	due, err := e.orders.ListDue(ctx, e.cfg.IntakeBatchSize)
	if err != nil {
		return fmt.Errorf("list due orders: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	batchOrders := make(map[uuid.UUID][]uuid.UUID)
	var batchOrderKeys []uuid.UUID
	var singles []uuid.UUID
	for _, o := range due {
		if o.BatchID != nil {
			if _, seen := batchOrders[*o.BatchID]; !seen {
				batchOrderKeys = append(batchOrderKeys, *o.BatchID)
			}
			batchOrders[*o.BatchID] = append(batchOrders[*o.BatchID], o.ID)
		} else {
			singles = append(singles, o.ID)
		}
	}

	for _, batchID := range batchOrderKeys {
		if err := e.ProcessBatch(ctx, batchID, batchOrders[batchID]); err != nil {
			if errors.Is(err, minterr.ErrNoAvailableWorker) {
				return nil
			}
			e.logger.Error("batch processing failed", "batch_id", batchID, "error", err)
		}
	}

	for _, orderID := range singles {
		if err := e.ProcessOrder(ctx, orderID); err != nil {
			if errors.Is(err, minterr.ErrNoAvailableWorker) {
				return nil
			}
			e.logger.Warn("order processing ended with error", "order_id", orderID, "error", err)
		}
	}
	return nil
}
