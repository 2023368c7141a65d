// Package monitor periodically samples worker and master wallet balances and
// raises alerts before the pool runs dry.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/chain"
	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/store"
)

var weiPerEth = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// severity buckets, in wei. A balance below a threshold gets that label.
var thresholds = []struct {
	wei   *big.Int
	label string
}{
	{mustWei("10000000000000000"), "critical"},  // 0.01 ETH
	{mustWei("100000000000000000"), "warning"},  // 0.1 ETH
	{mustWei("500000000000000000"), "low"},      // 0.5 ETH
	{mustWei("1000000000000000000"), "healthy"}, // 1 ETH
}

func mustWei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad wei literal " + s)
	}
	return v
}

// Severity buckets a balance. Anything at or above 1 ETH is "ok".
func Severity(balance *big.Int) string {
	for _, t := range thresholds {
		if balance.Cmp(t.wei) < 0 {
			return t.label
		}
	}
	return "ok"
}

func formatEth(wei *big.Int) string {
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEth)
	return eth.Text('f', 4)
}

type BalanceMonitor struct {
	cfg     config.FundingConfig
	client  chain.Client
	workers store.WorkerRepository
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewBalanceMonitor(cfg config.FundingConfig, client chain.Client, workers store.WorkerRepository, alerter alert.Alerter, logger *slog.Logger) *BalanceMonitor {
	return &BalanceMonitor{
		cfg:     cfg,
		client:  client,
		workers: workers,
		alerter: alerter,
		logger:  logger.With("component", "balance_monitor"),
	}
}

// Run samples balances on the configured interval until ctx is cancelled.
func (m *BalanceMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("balance check failed", "error", err)
			}
		}
	}
}

// CheckOnce refreshes every worker's stored balance and alerts on workers in
// the critical or warning buckets, plus the master wallet when configured.
func (m *BalanceMonitor) CheckOnce(ctx context.Context) error {
	workers, err := m.workers.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	for _, w := range workers {
		if w.Status == model.WorkerDisabled {
			continue
		}
		balance, err := m.client.GetBalance(ctx, w.Address)
		if err != nil {
			m.logger.Warn("balance fetch failed", "worker_id", w.ID, "error", err)
			continue
		}
		if err := m.workers.UpdateBalance(ctx, w.ID, balance.String()); err != nil {
			m.logger.Warn("balance update failed", "worker_id", w.ID, "error", err)
		}

		severity := Severity(balance)
		if severity == "critical" || severity == "warning" {
			m.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeLowBalance,
				Subject: w.ID.String(),
				Message: fmt.Sprintf("worker %s (%s) balance %s ETH is %s", w.ID, w.Address, formatEth(balance), severity),
				Fields: map[string]string{
					"worker_address": w.Address,
					"balance_wei":    balance.String(),
					"severity":       severity,
				},
			})
		}
	}

	if m.cfg.MasterAddress != "" {
		balance, err := m.client.GetBalance(ctx, m.cfg.MasterAddress)
		if err != nil {
			return fmt.Errorf("fetch master balance: %w", err)
		}
		if balance.Cmp(m.cfg.LowMasterWei) < 0 {
			m.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeLowBalance,
				Subject: m.cfg.MasterAddress,
				Message: fmt.Sprintf("master wallet %s balance %s ETH below reserve", m.cfg.MasterAddress, formatEth(balance)),
				Fields:  map[string]string{"balance_wei": balance.String()},
			})
		}
	}
	return nil
}

func (m *BalanceMonitor) sendAlert(ctx context.Context, a alert.Alert) {
	if err := m.alerter.Send(ctx, a); err != nil {
		m.logger.Error("alert send failed", "type", string(a.Type), "error", err)
	}
}
