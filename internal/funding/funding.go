// Package funding tops up underfunded workers, either by paging an operator
// or by transferring from a master wallet.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/chain"
	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/store"
	"github.com/ezdrm/mintpool/internal/txn"
)

// AlertRequester pages an operator instead of moving funds. Used when no
// master wallet is configured.
type AlertRequester struct {
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewAlertRequester(alerter alert.Alerter, logger *slog.Logger) *AlertRequester {
	return &AlertRequester{alerter: alerter, logger: logger}
}

func (r *AlertRequester) RequestFunding(ctx context.Context, worker *model.Worker, balanceWei *big.Int) error {
	return r.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeFundingRequest,
		Subject: worker.ID.String(),
		Message: fmt.Sprintf("worker %s (%s) needs funding, balance %s wei", worker.ID, worker.Address, balanceWei),
		Fields:  map[string]string{"worker_address": worker.Address},
	})
}

// MasterFunder transfers the configured top-up from the master wallet,
// waits for the transfer to mine and releases the worker's waiting orders.
type MasterFunder struct {
	cfg     config.FundingConfig
	chainID *big.Int
	client  chain.Client
	fees    *chain.FeeEstimator
	signer  txn.Signer
	workers store.WorkerRepository
	orders  store.OrderRepository
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewMasterFunder(
	cfg config.FundingConfig,
	chainID int64,
	client chain.Client,
	fees *chain.FeeEstimator,
	signer txn.Signer,
	workers store.WorkerRepository,
	orders store.OrderRepository,
	alerter alert.Alerter,
	logger *slog.Logger,
) *MasterFunder {
	return &MasterFunder{
		cfg:     cfg,
		chainID: big.NewInt(chainID),
		client:  client,
		fees:    fees,
		signer:  signer,
		workers: workers,
		orders:  orders,
		alerter: alerter,
		logger:  logger.With("component", "funder"),
	}
}

func (f *MasterFunder) RequestFunding(ctx context.Context, worker *model.Worker, balanceWei *big.Int) error {
	masterBalance, err := f.client.GetBalance(ctx, f.cfg.MasterAddress)
	if err != nil {
		return fmt.Errorf("fetch master balance: %w", err)
	}
	needed := new(big.Int).Add(f.cfg.TopUpWei, f.cfg.LowMasterWei)
	if masterBalance.Cmp(needed) < 0 {
		f.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeLowBalance,
			Subject: f.cfg.MasterAddress,
			Message: fmt.Sprintf("master wallet %s cannot fund worker %s: balance %s wei, need %s wei",
				f.cfg.MasterAddress, worker.ID, masterBalance, needed),
		})
		return fmt.Errorf("master wallet balance %s wei below %s wei", masterBalance, needed)
	}

	txHash, err := f.transfer(ctx, worker.Address)
	if err != nil {
		return fmt.Errorf("fund worker %s: %w", worker.ID, err)
	}
	f.logger.Info("worker funded",
		"worker_id", worker.ID,
		"address", worker.Address,
		"amount_wei", f.cfg.TopUpWei.String(),
		"tx_hash", txHash,
	)

	newBalance := new(big.Int).Add(balanceWei, f.cfg.TopUpWei)
	if err := f.workers.UpdateBalance(ctx, worker.ID, newBalance.String()); err != nil {
		f.logger.Error("failed to record worker balance", "worker_id", worker.ID, "error", err)
	}

	released, err := f.orders.ReleaseWaiting(ctx, worker.ID)
	if err != nil {
		return fmt.Errorf("release waiting orders for %s: %w", worker.ID, err)
	}
	if released > 0 {
		f.logger.Info("waiting orders released", "worker_id", worker.ID, "count", released)
	}
	return nil
}

// transfer sends a plain value transfer from the master wallet and waits for
// it to mine.
func (f *MasterFunder) transfer(ctx context.Context, toAddress string) (string, error) {
	nonce, err := f.client.GetTransactionCount(ctx, f.cfg.MasterAddress)
	if err != nil {
		return "", fmt.Errorf("fetch master nonce: %w", err)
	}

	fees, err := f.fees.Estimate(ctx)
	if err != nil {
		return "", fmt.Errorf("estimate fees: %w", err)
	}

	to := common.HexToAddress(toAddress)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: fees.PriorityFee,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       21000,
		To:        &to,
		Value:     f.cfg.TopUpWei,
	})

	_, raw, err := txn.SignTx(ctx, f.signer, f.cfg.MasterKeyReference, f.cfg.MasterAddress, f.chainID, tx)
	if err != nil {
		return "", err
	}

	hash, err := f.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("broadcast funding transfer: %w", err)
	}

	if err := f.awaitMined(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (f *MasterFunder) awaitMined(ctx context.Context, hash string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := f.client.GetTransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == "0x0" {
				return fmt.Errorf("funding transfer %s reverted", hash)
			}
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("funding transfer %s not mined: %w", hash, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (f *MasterFunder) sendAlert(ctx context.Context, a alert.Alert) {
	if err := f.alerter.Send(ctx, a); err != nil {
		f.logger.Error("alert send failed", "type", string(a.Type), "error", err)
	}
}
