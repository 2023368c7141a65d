package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ezdrm/mintpool/internal/chain/rpc"
	"github.com/ezdrm/mintpool/internal/metrics"
)

// feeCacheMaxAge is how many blocks a cached fee sample stays valid.
const feeCacheMaxAge = 10

// FeeEstimator samples EIP-1559 fees and caches them keyed by block height,
// so a burst of mints within the same few blocks shares one RPC round trip.
type FeeEstimator struct {
	client Client
	logger *slog.Logger

	mu     sync.Mutex
	cached *Fees
}

func NewFeeEstimator(client Client, logger *slog.Logger) *FeeEstimator {
	return &FeeEstimator{
		client: client,
		logger: logger,
	}
}

// Estimate returns buffered fee parameters for the current chain head.
// The cached sample is reused until the head advances feeCacheMaxAge blocks.
func (e *FeeEstimator) Estimate(ctx context.Context) (*Fees, error) {
	height, err := e.client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch block number: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != nil && height-e.cached.BlockNumber < feeCacheMaxAge {
		metrics.FeeCacheHitsTotal.WithLabelValues("hit").Inc()
		return e.cached, nil
	}
	metrics.FeeCacheHitsTotal.WithLabelValues("miss").Inc()

	fees, err := e.sample(ctx, height)
	if err != nil {
		return nil, err
	}

	e.cached = fees
	e.logger.Debug("refreshed fee cache",
		"block", fees.BlockNumber,
		"base_fee", fees.BaseFee.String(),
		"priority_fee", fees.PriorityFee.String(),
		"max_fee_per_gas", fees.MaxFeePerGas.String(),
	)
	return fees, nil
}

func (e *FeeEstimator) sample(ctx context.Context, height int64) (*Fees, error) {
	block, err := e.client.GetLatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch latest block: %w", err)
	}
	baseFee, err := rpc.ParseHexBig(block.BaseFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("parse base fee: %w", err)
	}

	tip, err := e.client.MaxPriorityFeePerGas(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch priority fee: %w", err)
	}

	bufferedTip := Buffer(tip)
	maxFee := new(big.Int).Add(Buffer(baseFee), bufferedTip)

	return &Fees{
		BlockNumber:  height,
		BaseFee:      baseFee,
		PriorityFee:  bufferedTip,
		MaxFeePerGas: maxFee,
	}, nil
}
