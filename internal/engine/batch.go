package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/chain"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/metrics"
	"github.com/ezdrm/mintpool/internal/minterr"
	"github.com/ezdrm/mintpool/internal/store"
	"github.com/ezdrm/mintpool/internal/tracing"
)

// CreateBatch records a batch and its orders in one shot. Orders enter
// PENDING and are processed by ProcessBatch or, after retries, individually.
func (e *Engine) CreateBatch(ctx context.Context, payloads []model.MintPayload) (*model.Batch, []uuid.UUID, error) {
	batch := &model.Batch{
		ID:          uuid.New(),
		Status:      model.BatchProcessing,
		TotalOrders: len(payloads),
	}
	if err := e.batches.Create(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}

	orderIDs := make([]uuid.UUID, 0, len(payloads))
	for _, payload := range payloads {
		order := &model.Order{
			ID:      uuid.New(),
			Payload: payload,
			Status:  model.OrderPending,
			BatchID: &batch.ID,
		}
		if err := e.orders.Create(ctx, order); err != nil {
			return nil, nil, fmt.Errorf("create batch order: %w", err)
		}
		orderIDs = append(orderIDs, order.ID)
	}
	return batch, orderIDs, nil
}

// ProcessBatch mints a set of orders on a single worker with locally
// pipelined nonces. One order failing never aborts the batch; only worker
// checkout failure does. The worker is released exactly once, at the end,
// with the accumulated stat deltas.
func (e *Engine) ProcessBatch(ctx context.Context, batchID uuid.UUID, orderIDs []uuid.UUID) error {
	if len(orderIDs) == 0 {
		return nil
	}

	ctx, span := tracing.Start(ctx, "engine.process_batch", trace.WithAttributes(
		attribute.String("batch_id", batchID.String()),
		attribute.Int("orders", len(orderIDs)),
	))
	defer span.End()

	worker, err := e.registry.Checkout(ctx)
	if err != nil {
		if errors.Is(err, minterr.ErrNoAvailableWorker) {
			e.logger.Warn("no worker available for batch, orders left queued", "batch_id", batchID)
		}
		return err
	}

	nonce, err := chain.ResolveNonce(ctx, e.client, e.logger, worker.Address, worker.Nonce)
	if err != nil {
		if relErr := e.registry.Release(ctx, worker.ID, store.WorkerStatUpdate{Nonce: worker.Nonce}); relErr != nil {
			e.logger.Error("failed to release worker", "worker_id", worker.ID, "error", relErr)
		}
		return fmt.Errorf("resolve batch nonce: %w", err)
	}

	// Paces submissions so the node is never hammered back to back.
	pacer := rate.NewLimiter(rate.Every(e.cfg.BatchPacing), 1)

	upd := store.WorkerStatUpdate{Nonce: int64(nonce)}
	successes, failures := 0, 0

	for _, orderID := range orderIDs {
		if err := pacer.Wait(ctx); err != nil {
			e.logger.Warn("batch cancelled mid-flight", "batch_id", batchID, "error", err)
			break
		}

		order, err := e.orders.GetByID(ctx, orderID)
		if err != nil || order == nil {
			e.logger.Error("batch order not loadable, skipping", "order_id", orderID, "error", err)
			continue
		}

		claimed, err := e.orders.ClaimPending(ctx, order.ID, worker.ID)
		if err != nil {
			e.logger.Error("batch order claim failed, skipping", "order_id", order.ID, "error", err)
			continue
		}
		if !claimed {
			e.logger.Info("batch order no longer claimable, skipping", "order_id", order.ID)
			continue
		}

		result, mintErr := e.mintOnce(ctx, order, worker, nonce)
		if mintErr != nil {
			if minterr.NonceConsumed(mintErr) {
				// An accepted broadcast spends the nonce even when the
				// attempt fails afterwards; only a rejected submission may
				// reuse it.
				nonce++
				upd.Nonce = int64(nonce)
			}
			failures++
			upd.FailureDelta += e.settleFailure(ctx, order, worker, mintErr)
			continue
		}

		nonce = result.nonce + 1
		successes++
		upd.Nonce = int64(nonce)
		upd.MintedDelta++
		upd.SuccessDelta++
		upd.GasUsedDelta = addDecimal(upd.GasUsedDelta, result.gasUsed.String())
		e.settleSuccess(ctx, order, result)
	}

	if err := e.registry.Release(ctx, worker.ID, upd); err != nil {
		e.logger.Error("failed to release batch worker", "worker_id", worker.ID, "error", err)
	}

	outcome := "completed"
	if failures > 0 {
		outcome = "partial"
		e.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeBatchPartial,
			Subject: batchID.String(),
			Message: fmt.Sprintf("batch %s finished with %d successes and %d failures", batchID, successes, failures),
		})
	}
	metrics.BatchesProcessedTotal.WithLabelValues(outcome).Inc()
	e.logger.Info("batch finished",
		"batch_id", batchID,
		"successes", successes,
		"failures", failures,
	)
	return nil
}

func addDecimal(a, b string) string {
	if a == "" {
		a = "0"
	}
	x, ok := new(big.Int).SetString(a, 10)
	if !ok {
		x = big.NewInt(0)
	}
	y, ok := new(big.Int).SetString(b, 10)
	if !ok {
		y = big.NewInt(0)
	}
	return x.Add(x, y).String()
}
