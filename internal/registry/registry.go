// Package registry manages the pool of mint workers: exclusive checkout,
// release with stat deltas, and provisioning up to the configured pool size.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/metrics"
	"github.com/ezdrm/mintpool/internal/minterr"
	"github.com/ezdrm/mintpool/internal/store"
	"github.com/ezdrm/mintpool/internal/store/redis"
)

// KeyGenerator mints a new signing identity for a provisioned worker,
// returning its address and an opaque key reference.
type KeyGenerator func() (address, keyRef string, err error)

// LocalKeyGenerator creates an in-process secp256k1 key. The hex private key
// doubles as the key reference for the local signer.
func LocalKeyGenerator() (string, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return address, hexutil.Encode(crypto.FromECDSA(key)), nil
}

// Registry hands out workers under two exclusion layers: a status CAS in the
// store and a short-lived lease. The CAS is authoritative; the lease bounds
// the damage of a process that dies holding a worker.
type Registry struct {
	workers store.WorkerRepository
	lease   redis.LeaseManager
	newKey  KeyGenerator
	logger  *slog.Logger
}

func New(workers store.WorkerRepository, lease redis.LeaseManager, newKey KeyGenerator, logger *slog.Logger) *Registry {
	if lease == nil {
		lease = redis.NoopLease{}
	}
	if newKey == nil {
		newKey = LocalKeyGenerator
	}
	return &Registry{
		workers: workers,
		lease:   lease,
		newKey:  newKey,
		logger:  logger,
	}
}

// Checkout claims the least recently used available worker. Workers whose
// lease is still held elsewhere are put back and the next candidate is tried.
// Returns minterr.ErrNoAvailableWorker when the pool is exhausted.
func (r *Registry) Checkout(ctx context.Context) (*model.Worker, error) {
	count, err := r.workers.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count workers: %w", err)
	}

	for attempt := 0; attempt <= count; attempt++ {
		w, err := r.workers.CheckoutOldestAvailable(ctx)
		if err != nil {
			return nil, fmt.Errorf("checkout worker: %w", err)
		}
		if w == nil {
			break
		}

		ok, err := r.lease.Acquire(ctx, w.ID)
		if err != nil {
			r.putBack(ctx, w)
			return nil, fmt.Errorf("acquire lease for %s: %w", w.ID, err)
		}
		if !ok {
			r.logger.Warn("worker lease held elsewhere, trying next", "worker_id", w.ID)
			r.putBack(ctx, w)
			continue
		}

		metrics.WorkerCheckoutsTotal.WithLabelValues("ok").Inc()
		r.refreshGauges(ctx)
		return w, nil
	}

	metrics.WorkerCheckoutsTotal.WithLabelValues("exhausted").Inc()
	return nil, minterr.ErrNoAvailableWorker
}

// putBack returns a worker claimed by the CAS without touching its stats.
func (r *Registry) putBack(ctx context.Context, w *model.Worker) {
	if err := r.workers.Release(ctx, w.ID, store.WorkerStatUpdate{Nonce: w.Nonce}); err != nil {
		r.logger.Error("failed to return worker after lease miss", "worker_id", w.ID, "error", err)
	}
}

// Release returns a worker to the pool, applies stat deltas and drops the
// lease. Callers must release every checked-out worker exactly once,
// regardless of how the attempt ended.
func (r *Registry) Release(ctx context.Context, id uuid.UUID, upd store.WorkerStatUpdate) error {
	if err := r.workers.Release(ctx, id, upd); err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	if err := r.lease.Release(ctx, id); err != nil {
		r.logger.Error("failed to drop worker lease", "worker_id", id, "error", err)
	}
	r.refreshGauges(ctx)
	return nil
}

// Disable takes a worker out of rotation and drops its lease.
func (r *Registry) Disable(ctx context.Context, id uuid.UUID) error {
	if err := r.workers.Disable(ctx, id); err != nil {
		return fmt.Errorf("disable worker: %w", err)
	}
	if err := r.lease.Release(ctx, id); err != nil {
		r.logger.Error("failed to drop worker lease", "worker_id", id, "error", err)
	}
	r.refreshGauges(ctx)
	return nil
}

// Provision creates workers until the pool holds target non-disabled
// entries. Returns how many were created.
func (r *Registry) Provision(ctx context.Context, target int) (int, error) {
	count, err := r.workers.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}

	created := 0
	for count+created < target {
		address, keyRef, err := r.newKey()
		if err != nil {
			return created, fmt.Errorf("provision worker: %w", err)
		}
		w := &model.Worker{
			ID:           uuid.New(),
			Address:      address,
			KeyReference: keyRef,
			Status:       model.WorkerAvailable,
			Balance:      "0",
			TotalGasUsed: "0",
		}
		if err := r.workers.Create(ctx, w); err != nil {
			return created, fmt.Errorf("create worker: %w", err)
		}
		r.logger.Info("provisioned worker", "worker_id", w.ID, "address", w.Address)
		created++
	}

	r.refreshGauges(ctx)
	return created, nil
}

func (r *Registry) refreshGauges(ctx context.Context) {
	workers, err := r.workers.List(ctx)
	if err != nil {
		return
	}
	available, busy := 0, 0
	for _, w := range workers {
		switch w.Status {
		case model.WorkerAvailable:
			available++
		case model.WorkerBusy:
			busy++
		}
	}
	metrics.WorkersAvailable.Set(float64(available))
	metrics.WorkersBusy.Set(float64(busy))
}
