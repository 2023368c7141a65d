package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/store"
)

const workerColumns = `id, address, key_reference, status, nonce, balance,
	total_minted, successful_transactions, failed_transactions, total_gas_used,
	created_at, updated_at`

type WorkerRepo struct {
	db *DB
}

func NewWorkerRepo(db *DB) *WorkerRepo {
	return &WorkerRepo{db: db}
}

func scanWorker(row interface{ Scan(...interface{}) error }) (*model.Worker, error) {
	var w model.Worker
	err := row.Scan(
		&w.ID, &w.Address, &w.KeyReference, &w.Status, &w.Nonce, &w.Balance,
		&w.TotalMinted, &w.SuccessfulTransactions, &w.FailedTransactions,
		&w.TotalGasUsed, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkerRepo) Create(ctx context.Context, w *model.Worker) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workers (id, address, key_reference, status, nonce, balance, total_gas_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.Address, w.KeyReference, w.Status, w.Nonce, w.Balance, w.TotalGasUsed)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

func (r *WorkerRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	w, err := scanWorker(r.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (r *WorkerRepo) List(ctx context.Context) ([]model.Worker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func (r *WorkerRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE status <> $1`, model.WorkerDisabled,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return n, nil
}

// CheckoutOldestAvailable claims the least recently used available worker.
// The UPDATE races against concurrent checkouts; the WHERE clause on status
// guarantees only one caller wins each worker.
func (r *WorkerRepo) CheckoutOldestAvailable(ctx context.Context) (*model.Worker, error) {
	w, err := scanWorker(r.db.QueryRowContext(ctx, `
		UPDATE workers SET status = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM workers
			WHERE status = $2
			ORDER BY updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+workerColumns,
		model.WorkerBusy, model.WorkerAvailable))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkout worker: %w", err)
	}
	return w, nil
}

func (r *WorkerRepo) Release(ctx context.Context, id uuid.UUID, upd store.WorkerStatUpdate) error {
	gasDelta := upd.GasUsedDelta
	if gasDelta == "" {
		gasDelta = "0"
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE workers SET
			status = $1,
			nonce = $2,
			total_minted = total_minted + $3,
			successful_transactions = successful_transactions + $4,
			failed_transactions = failed_transactions + $5,
			total_gas_used = total_gas_used + $6::numeric,
			updated_at = now()
		WHERE id = $7 AND status = $8
	`, model.WorkerAvailable, upd.Nonce, upd.MintedDelta, upd.SuccessDelta,
		upd.FailureDelta, gasDelta, id, model.WorkerBusy)
	if err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release worker rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release worker %s: not in BUSY state", id)
	}
	return nil
}

func (r *WorkerRepo) Disable(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers SET status = $1, updated_at = now() WHERE id = $2
	`, model.WorkerDisabled, id)
	if err != nil {
		return fmt.Errorf("disable worker: %w", err)
	}
	return nil
}

func (r *WorkerRepo) UpdateBalance(ctx context.Context, id uuid.UUID, balanceWei string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers SET balance = $1::numeric, updated_at = now() WHERE id = $2
	`, balanceWei, id)
	if err != nil {
		return fmt.Errorf("update worker balance: %w", err)
	}
	return nil
}
