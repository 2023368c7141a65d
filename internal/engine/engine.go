// Package engine drives mint orders through the full pipeline: worker
// checkout, metadata pinning, transaction build/sign/broadcast, confirmation
// and the retry/funding feedback loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/chain"
	"github.com/ezdrm/mintpool/internal/circuitbreaker"
	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/metadata"
	"github.com/ezdrm/mintpool/internal/metrics"
	"github.com/ezdrm/mintpool/internal/minterr"
	"github.com/ezdrm/mintpool/internal/registry"
	"github.com/ezdrm/mintpool/internal/store"
	"github.com/ezdrm/mintpool/internal/tracing"
	"github.com/ezdrm/mintpool/internal/txn"
)

// FundingRequester asks for a worker top-up when its balance cannot cover a
// mint. Implementations must be safe to call from concurrent order paths.
type FundingRequester interface {
	RequestFunding(ctx context.Context, worker *model.Worker, balanceWei *big.Int) error
}

type Engine struct {
	cfg          config.EngineConfig
	minWorkerWei *big.Int
	registry     *registry.Registry
	orders       store.OrderRepository
	batches      store.BatchRepository
	client       chain.Client
	fees         *chain.FeeEstimator
	publisher    metadata.Publisher
	builder      *txn.Builder
	signer       txn.Signer
	funding      FundingRequester
	alerter      alert.Alerter
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
}

type Params struct {
	Config       config.EngineConfig
	MinWorkerWei *big.Int
	Registry     *registry.Registry
	Orders       store.OrderRepository
	Batches      store.BatchRepository
	Client       chain.Client
	Fees         *chain.FeeEstimator
	Publisher    metadata.Publisher
	Builder      *txn.Builder
	Signer       txn.Signer
	Funding      FundingRequester
	Alerter      alert.Alerter
	Logger       *slog.Logger
}

func New(p Params) *Engine {
	alerter := p.Alerter
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	logger := p.Logger.With("component", "engine")
	breaker := circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			metrics.BroadcastBreakerState.Set(float64(to))
			logger.Warn("broadcast breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return &Engine{
		cfg:          p.Config,
		minWorkerWei: p.MinWorkerWei,
		registry:     p.Registry,
		orders:       p.Orders,
		batches:      p.Batches,
		client:       p.Client,
		fees:         p.Fees,
		publisher:    p.Publisher,
		builder:      p.Builder,
		signer:       p.Signer,
		funding:      p.Funding,
		alerter:      alerter,
		breaker:      breaker,
		logger:       logger,
	}
}

// mintResult is the outcome of one successful on-chain mint.
type mintResult struct {
	txHash  string
	tokenID string
	gasUsed *big.Int
	nonce   uint64
}

// ProcessOrder runs a single order end to end with its own worker checkout.
// The checked-out worker is released exactly once on every path.
func (e *Engine) ProcessOrder(ctx context.Context, orderID uuid.UUID) error {
	ctx, span := tracing.Start(ctx, "engine.process_order",
		trace.WithAttributes(attribute.String("order_id", orderID.String())))
	defer span.End()

	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}

	worker, err := e.registry.Checkout(ctx)
	if err != nil {
		if errors.Is(err, minterr.ErrNoAvailableWorker) {
			e.logger.Warn("no worker available, order left queued", "order_id", orderID)
		}
		return err
	}

	claimed, err := e.orders.ClaimPending(ctx, order.ID, worker.ID)
	if err != nil || !claimed {
		// Someone else took the order (or it settled); hand the worker back
		// untouched.
		if relErr := e.registry.Release(ctx, worker.ID, store.WorkerStatUpdate{Nonce: worker.Nonce}); relErr != nil {
			e.logger.Error("failed to release worker after claim miss", "worker_id", worker.ID, "error", relErr)
		}
		if err != nil {
			return fmt.Errorf("claim order %s: %w", order.ID, err)
		}
		e.logger.Info("order no longer claimable, skipping", "order_id", order.ID, "status", order.Status)
		return nil
	}

	nonce, nonceErr := chain.ResolveNonce(ctx, e.client, e.logger, worker.Address, worker.Nonce)
	var result *mintResult
	var mintErr error
	if nonceErr != nil {
		mintErr = nonceErr
	} else {
		result, mintErr = e.mintOnce(ctx, order, worker, nonce)
	}

	upd := store.WorkerStatUpdate{Nonce: worker.Nonce}
	if nonceErr == nil {
		upd.Nonce = int64(nonce)
	}

	if mintErr == nil {
		upd.Nonce = int64(result.nonce) + 1
		upd.MintedDelta = 1
		upd.SuccessDelta = 1
		upd.GasUsedDelta = result.gasUsed.String()
		e.settleSuccess(ctx, order, result)
	} else {
		if nonceErr == nil && minterr.NonceConsumed(mintErr) {
			// An accepted broadcast spends the nonce even when the attempt
			// fails afterwards.
			upd.Nonce = int64(nonce) + 1
		}
		upd.FailureDelta = e.settleFailure(ctx, order, worker, mintErr)
	}

	if err := e.registry.Release(ctx, worker.ID, upd); err != nil {
		e.logger.Error("failed to release worker", "worker_id", worker.ID, "error", err)
	}
	// A failed attempt has been settled (funding wait, retry or terminal
	// failure); only infrastructure errors propagate.
	return nil
}

// mintOnce performs one attempt: balance gate, pin, fee sampling, build,
// sign, broadcast, confirmation and token id extraction.
func (e *Engine) mintOnce(ctx context.Context, order *model.Order, worker *model.Worker, nonce uint64) (*mintResult, error) {
	ctx, span := tracing.Start(ctx, "engine.mint_attempt", trace.WithAttributes(
		attribute.String("order_id", order.ID.String()),
		attribute.String("worker_address", worker.Address),
		attribute.Int64("nonce", int64(nonce)),
	))
	defer span.End()

	balance, err := e.client.GetBalance(ctx, worker.Address)
	if err != nil {
		return nil, fmt.Errorf("fetch worker balance: %w", err)
	}
	if balance.Cmp(e.minWorkerWei) < 0 {
		return nil, minterr.InsufficientBalance(
			fmt.Errorf("worker %s balance %s wei below minimum %s wei", worker.ID, balance, e.minWorkerWei))
	}

	pin, err := e.publisher.Publish(ctx, order.Payload)
	if err != nil {
		return nil, err
	}
	tokenURI := "ipfs://" + pin.IpfsHash

	fees, err := e.fees.Estimate(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate fees: %w", err)
	}

	tx, err := e.builder.Build(ctx, order.Payload, tokenURI, worker.Address, nonce, fees)
	if err != nil {
		return nil, err
	}

	_, raw, err := txn.SignTx(ctx, e.signer, worker.KeyReference, worker.Address, e.builder.ChainID(), tx)
	if err != nil {
		return nil, err
	}

	hash, err := e.broadcast(ctx, raw)
	if err != nil {
		return nil, err
	}
	e.logger.Info("transaction submitted", "order_id", order.ID, "tx_hash", hash, "nonce", nonce)

	submittedAt := time.Now()
	receipt, err := e.awaitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	metrics.ConfirmationLatency.Observe(time.Since(submittedAt).Seconds())

	tokenID, err := e.extractTokenID(receipt)
	if err != nil {
		return nil, err
	}

	gasUsed := big.NewInt(0)
	if receipt.GasUsed != "" {
		if parsed, perr := parseHexBig(receipt.GasUsed); perr == nil {
			gasUsed = parsed
		}
	}

	return &mintResult{
		txHash:  hash,
		tokenID: tokenID,
		gasUsed: gasUsed,
		nonce:   nonce,
	}, nil
}

// broadcast sends the raw transaction through the endpoint breaker and maps
// node rejections onto the taxonomy. An insufficient-funds rejection routes to
// the funding path, not the retry loop; a breaker rejection is a retryable
// broadcast failure that never reached the node.
func (e *Engine) broadcast(ctx context.Context, raw string) (string, error) {
	var hash string
	err := e.breaker.Execute(func() error {
		var sendErr error
		hash, sendErr = e.client.SendRawTransaction(ctx, raw)
		return sendErr
	})
	if err == nil {
		return hash, nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", minterr.BroadcastRejected(fmt.Errorf("rpc endpoint unhealthy: %w", err))
	}
	if minterr.KindOf(err) == minterr.KindInsufficientBalance {
		return "", minterr.InsufficientBalance(err)
	}
	return "", minterr.BroadcastRejected(err)
}

func (e *Engine) settleSuccess(ctx context.Context, order *model.Order, result *mintResult) {
	if err := e.orders.MarkCompleted(ctx, order.ID, result.txHash, result.tokenID); err != nil {
		e.logger.Error("failed to mark order completed", "order_id", order.ID, "error", err)
		return
	}
	metrics.OrdersProcessedTotal.WithLabelValues("completed").Inc()
	e.recordBatchOutcome(ctx, order, true)
	e.logger.Info("order completed",
		"order_id", order.ID,
		"tx_hash", result.txHash,
		"token_id", result.tokenID,
		"gas_used", result.gasUsed.String(),
	)
}

// settleFailure routes a failed attempt to the funding path, the retry loop
// or terminal failure, and returns the failed-transaction delta to apply to
// the worker. Funding waits do not count against the worker.
func (e *Engine) settleFailure(ctx context.Context, order *model.Order, worker *model.Worker, mintErr error) int64 {
	kind := minterr.KindOf(mintErr)
	metrics.OrderFailuresTotal.WithLabelValues(string(kind)).Inc()

	if kind == minterr.KindSigningFailed {
		e.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeSigningFailure,
			Subject: worker.ID.String(),
			Message: fmt.Sprintf("signing failed for order %s: %v", order.ID, mintErr),
			Fields:  map[string]string{"worker_address": worker.Address},
		})
	}

	switch {
	case kind == minterr.KindInsufficientBalance:
		if err := e.orders.MarkWaitingForFunds(ctx, order.ID, mintErr.Error()); err != nil {
			e.logger.Error("failed to park order for funding", "order_id", order.ID, "error", err)
		}
		e.requestFunding(ctx, worker)
		return 0

	case minterr.Retryable(kind) && order.RetryCount < e.cfg.MaxRetries:
		delay := e.backoffDelay(order.RetryCount)
		next := time.Now().Add(delay)
		if err := e.orders.ScheduleRetry(ctx, order.ID, order.RetryCount+1, next, mintErr.Error()); err != nil {
			e.logger.Error("failed to schedule retry", "order_id", order.ID, "error", err)
		}
		metrics.RetriesScheduledTotal.Inc()
		e.logger.Warn("attempt failed, retry scheduled",
			"order_id", order.ID,
			"kind", string(kind),
			"retry_count", order.RetryCount+1,
			"next_attempt_in", delay.String(),
			"error", mintErr,
		)
		return 1

	default:
		// The stored message is the verbatim last error.
		if err := e.orders.MarkFailed(ctx, order.ID, mintErr.Error()); err != nil {
			e.logger.Error("failed to mark order failed", "order_id", order.ID, "error", err)
		}
		metrics.OrdersProcessedTotal.WithLabelValues("failed").Inc()
		e.recordBatchOutcome(ctx, order, false)
		e.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeMintFailed,
			Subject: order.ID.String(),
			Message: fmt.Sprintf("order failed after %d retries: %v", order.RetryCount, mintErr),
		})
		return 1
	}
}

func (e *Engine) backoffDelay(retryCount int) time.Duration {
	factor := math.Pow(2, float64(retryCount))
	return time.Duration(float64(e.cfg.RetryInitialDelay) * factor)
}

func (e *Engine) requestFunding(ctx context.Context, worker *model.Worker) {
	metrics.FundingRequestsTotal.Inc()
	if e.funding == nil {
		e.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeFundingRequest,
			Subject: worker.ID.String(),
			Message: fmt.Sprintf("worker %s (%s) needs funding", worker.ID, worker.Address),
		})
		return
	}
	balance, ok := new(big.Int).SetString(worker.Balance, 10)
	if !ok {
		balance = big.NewInt(0)
	}
	if err := e.funding.RequestFunding(ctx, worker, balance); err != nil {
		e.logger.Error("funding request failed", "worker_id", worker.ID, "error", err)
	}
}

func (e *Engine) recordBatchOutcome(ctx context.Context, order *model.Order, success bool) {
	if order.BatchID == nil {
		return
	}
	if err := e.batches.RecordOutcome(ctx, *order.BatchID, success); err != nil {
		e.logger.Error("failed to record batch outcome", "batch_id", *order.BatchID, "error", err)
	}
}

func (e *Engine) sendAlert(ctx context.Context, a alert.Alert) {
	if err := e.alerter.Send(ctx, a); err != nil {
		e.logger.Error("alert send failed", "type", string(a.Type), "error", err)
	}
}
