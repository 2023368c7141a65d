package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
)

type BatchRepo struct {
	db *DB
}

func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

func (r *BatchRepo) Create(ctx context.Context, b *model.Batch) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batches (id, status, total_orders)
		VALUES ($1, $2, $3)
	`, b.ID, b.Status, b.TotalOrders)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *BatchRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	var b model.Batch
	err := r.db.QueryRowContext(ctx, `
		SELECT id, status, total_orders, completed_orders, failed_orders, created_at, completed_at
		FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.Status, &b.TotalOrders, &b.CompletedOrders, &b.FailedOrders, &b.CreatedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

// RecordOutcome bumps the counters for one settled order and recomputes the
// derived status in a single transaction so concurrent settlements never lose
// an increment.
func (r *BatchRepo) RecordOutcome(ctx context.Context, id uuid.UUID, success bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch outcome: %w", err)
	}
	defer tx.Rollback()

	successDelta, failureDelta := 0, 0
	if success {
		successDelta = 1
	} else {
		failureDelta = 1
	}

	var b model.Batch
	if err := tx.QueryRowContext(ctx, `
		UPDATE batches SET
			completed_orders = completed_orders + $1,
			failed_orders = failed_orders + $2
		WHERE id = $3
		RETURNING total_orders, completed_orders, failed_orders
	`, successDelta, failureDelta, id).Scan(&b.TotalOrders, &b.CompletedOrders, &b.FailedOrders); err != nil {
		return fmt.Errorf("bump batch counters: %w", err)
	}

	status := b.DeriveStatus()
	if _, err := tx.ExecContext(ctx, `
		UPDATE batches SET
			status = $1,
			completed_at = CASE WHEN $1 IN ($2, $3) THEN now() ELSE completed_at END
		WHERE id = $4
	`, status, model.BatchCompleted, model.BatchFailed, id); err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch outcome: %w", err)
	}
	return nil
}
