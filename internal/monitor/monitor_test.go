package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/chain/rpc"
	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/store/memory"
)

type balanceChain struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	err      error
}

func (c *balanceChain) GetBalance(_ context.Context, address string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if b, ok := c.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *balanceChain) GetBlockNumber(context.Context) (int64, error)          { return 0, nil }
func (c *balanceChain) GetTransactionCount(context.Context, string) (uint64, error) {
	return 0, nil
}
func (c *balanceChain) GetLatestBlock(context.Context) (*rpc.Block, error) { return nil, nil }
func (c *balanceChain) MaxPriorityFeePerGas(context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *balanceChain) EstimateGas(context.Context, rpc.CallMsg) (uint64, error) { return 0, nil }
func (c *balanceChain) SendRawTransaction(context.Context, string) (string, error) {
	return "", nil
}
func (c *balanceChain) GetTransactionReceipt(context.Context, string) (*rpc.TransactionReceipt, error) {
	return nil, nil
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *captureAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *captureAlerter) byType(t alert.AlertType) []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.Alert
	for _, al := range a.alerts {
		if al.Type == t {
			out = append(out, al)
		}
	}
	return out
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func milliEth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fundingConfig() config.FundingConfig {
	return config.FundingConfig{
		MonitorInterval: 10 * time.Millisecond,
		LowMasterWei:    milliEth(500),
	}
}

func seedWorker(t *testing.T, repo *memory.WorkerRepo, address string) model.Worker {
	t.Helper()
	w := model.Worker{
		ID:           uuid.New(),
		Address:      address,
		KeyReference: "key-" + address,
		Status:       model.WorkerAvailable,
	}
	require.NoError(t, repo.Create(context.Background(), &w))
	return w
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		name    string
		balance *big.Int
		want    string
	}{
		{"zero", big.NewInt(0), "critical"},
		{"just under a centi-eth", milliEth(9), "critical"},
		{"five centi-eth", milliEth(50), "warning"},
		{"quarter eth", milliEth(250), "low"},
		{"three quarters", milliEth(750), "healthy"},
		{"one eth", eth(1), "ok"},
		{"plenty", eth(10), "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Severity(tt.balance))
		})
	}
}

func TestCheckOnce_UpdatesBalancesAndAlerts(t *testing.T) {
	workers := memory.NewWorkerRepo()
	rich := seedWorker(t, workers, "0x1111111111111111111111111111111111111111")
	poor := seedWorker(t, workers, "0x2222222222222222222222222222222222222222")

	chainClient := &balanceChain{balances: map[string]*big.Int{
		rich.Address: eth(2),
		poor.Address: milliEth(5),
	}}
	alerter := &captureAlerter{}

	m := NewBalanceMonitor(fundingConfig(), chainClient, workers, alerter, testLogger())
	require.NoError(t, m.CheckOnce(context.Background()))

	got, err := workers.GetByID(context.Background(), poor.ID)
	require.NoError(t, err)
	assert.Equal(t, milliEth(5).String(), got.Balance)

	got, err = workers.GetByID(context.Background(), rich.ID)
	require.NoError(t, err)
	assert.Equal(t, eth(2).String(), got.Balance)

	low := alerter.byType(alert.AlertTypeLowBalance)
	require.Len(t, low, 1)
	assert.Equal(t, poor.ID.String(), low[0].Subject)
	assert.Equal(t, "critical", low[0].Fields["severity"])
	assert.Contains(t, low[0].Message, poor.Address)
}

func TestCheckOnce_SkipsDisabledWorkers(t *testing.T) {
	workers := memory.NewWorkerRepo()
	w := seedWorker(t, workers, "0x3333333333333333333333333333333333333333")
	require.NoError(t, workers.Disable(context.Background(), w.ID))

	chainClient := &balanceChain{balances: map[string]*big.Int{w.Address: big.NewInt(0)}}
	alerter := &captureAlerter{}

	m := NewBalanceMonitor(fundingConfig(), chainClient, workers, alerter, testLogger())
	require.NoError(t, m.CheckOnce(context.Background()))

	assert.Empty(t, alerter.byType(alert.AlertTypeLowBalance))
}

func TestCheckOnce_FetchFailureDoesNotAbortSweep(t *testing.T) {
	workers := memory.NewWorkerRepo()
	seedWorker(t, workers, "0x4444444444444444444444444444444444444444")

	chainClient := &balanceChain{err: errors.New("rpc unavailable")}
	alerter := &captureAlerter{}

	m := NewBalanceMonitor(fundingConfig(), chainClient, workers, alerter, testLogger())
	assert.NoError(t, m.CheckOnce(context.Background()))
	assert.Empty(t, alerter.alerts)
}

func TestCheckOnce_MasterBelowReserve(t *testing.T) {
	workers := memory.NewWorkerRepo()

	cfg := fundingConfig()
	cfg.MasterAddress = "0x5555555555555555555555555555555555555555"
	chainClient := &balanceChain{balances: map[string]*big.Int{
		cfg.MasterAddress: milliEth(100),
	}}
	alerter := &captureAlerter{}

	m := NewBalanceMonitor(cfg, chainClient, workers, alerter, testLogger())
	require.NoError(t, m.CheckOnce(context.Background()))

	low := alerter.byType(alert.AlertTypeLowBalance)
	require.Len(t, low, 1)
	assert.Equal(t, cfg.MasterAddress, low[0].Subject)
	assert.Contains(t, low[0].Message, "below reserve")
}

func TestCheckOnce_MasterHealthy(t *testing.T) {
	workers := memory.NewWorkerRepo()

	cfg := fundingConfig()
	cfg.MasterAddress = "0x6666666666666666666666666666666666666666"
	chainClient := &balanceChain{balances: map[string]*big.Int{
		cfg.MasterAddress: eth(5),
	}}
	alerter := &captureAlerter{}

	m := NewBalanceMonitor(cfg, chainClient, workers, alerter, testLogger())
	require.NoError(t, m.CheckOnce(context.Background()))
	assert.Empty(t, alerter.alerts)
}

func TestRun_StopsOnCancel(t *testing.T) {
	workers := memory.NewWorkerRepo()
	chainClient := &balanceChain{balances: map[string]*big.Int{}}

	m := NewBalanceMonitor(fundingConfig(), chainClient, workers, &captureAlerter{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
