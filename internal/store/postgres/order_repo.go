package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
)

const orderColumns = `id, payload, status, assigned_worker_id, tx_hash, token_id,
	error_message, batch_id, retry_count, next_attempt_at, created_at, updated_at`

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*model.Order, error) {
	var o model.Order
	var payload []byte
	err := row.Scan(
		&o.ID, &payload, &o.Status, &o.AssignedWorkerID, &o.TxHash, &o.TokenID,
		&o.ErrorMessage, &o.BatchID, &o.RetryCount, &o.NextAttemptAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &o.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal order payload: %w", err)
	}
	return &o, nil
}

func (r *OrderRepo) Create(ctx context.Context, o *model.Order) error {
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Errorf("marshal order payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (id, payload, status, batch_id)
		VALUES ($1, $2, $3, $4)
	`, o.ID, payload, o.Status, o.BatchID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ClaimPending flips a claimable order to PROCESSING. An order is claimable
// when PENDING, or RETRY_SCHEDULED once its backoff has elapsed.
func (r *OrderRepo) ClaimPending(ctx context.Context, id, workerID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			assigned_worker_id = $2,
			updated_at = now()
		WHERE id = $3
		  AND (status = $4 OR (status = $5 AND next_attempt_at <= now()))
	`, model.OrderProcessing, workerID, id, model.OrderPending, model.OrderRetryScheduled)
	if err != nil {
		return false, fmt.Errorf("claim order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim order rows: %w", err)
	}
	return n == 1, nil
}

func (r *OrderRepo) MarkCompleted(ctx context.Context, id uuid.UUID, txHash, tokenID string) error {
	return r.settle(ctx, id, model.OrderCompleted, &txHash, &tokenID, nil)
}

func (r *OrderRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	return r.settle(ctx, id, model.OrderFailed, nil, nil, &errorMessage)
}

// settle moves an order to a terminal status. The worker assignment only
// exists while an order is PROCESSING or parked for funding, so it is cleared
// here.
func (r *OrderRepo) settle(ctx context.Context, id uuid.UUID, status model.OrderStatus, txHash, tokenID, errorMessage *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			tx_hash = COALESCE($2, tx_hash),
			token_id = COALESCE($3, token_id),
			error_message = COALESCE($4, error_message),
			assigned_worker_id = NULL,
			next_attempt_at = NULL,
			updated_at = now()
		WHERE id = $5
	`, status, txHash, tokenID, errorMessage, id)
	if err != nil {
		return fmt.Errorf("settle order %s as %s: %w", id, status, err)
	}
	return nil
}

// MarkWaitingForFunds parks an order until its worker is topped up. The
// assignment is kept so ReleaseWaiting can find the orders parked on that
// worker.
func (r *OrderRepo) MarkWaitingForFunds(ctx context.Context, id uuid.UUID, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			error_message = $2,
			updated_at = now()
		WHERE id = $3
	`, model.OrderWaitingForFunds, errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark order waiting for funds: %w", err)
	}
	return nil
}

func (r *OrderRepo) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			retry_count = $2,
			next_attempt_at = $3,
			error_message = $4,
			assigned_worker_id = NULL,
			updated_at = now()
		WHERE id = $5
	`, model.OrderRetryScheduled, retryCount, nextAttemptAt, errorMessage, id)
	if err != nil {
		return fmt.Errorf("schedule order retry: %w", err)
	}
	return nil
}

func (r *OrderRepo) ListDue(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 OR (status = $2 AND next_attempt_at <= now())
		ORDER BY created_at ASC
		LIMIT $3
	`, model.OrderPending, model.OrderRetryScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("list due orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (r *OrderRepo) ReleaseWaiting(ctx context.Context, workerID uuid.UUID) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			updated_at = now()
		WHERE status = $2 AND assigned_worker_id = $3
	`, model.OrderPending, model.OrderWaitingForFunds, workerID)
	if err != nil {
		return 0, fmt.Errorf("release waiting orders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release waiting rows: %w", err)
	}
	return int(n), nil
}

func (r *OrderRepo) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
