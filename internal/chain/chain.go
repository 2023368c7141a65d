package chain

import (
	"context"
	"math/big"

	"github.com/ezdrm/mintpool/internal/chain/rpc"
)

// Client is the JSON-RPC surface the mint pipeline depends on.
type Client interface {
	GetBlockNumber(ctx context.Context) (int64, error)
	GetTransactionCount(ctx context.Context, address string) (uint64, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetLatestBlock(ctx context.Context) (*rpc.Block, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*rpc.TransactionReceipt, error)
}

// Fees holds the EIP-1559 fee components sampled at a block height.
type Fees struct {
	BlockNumber  int64
	BaseFee      *big.Int
	PriorityFee  *big.Int
	MaxFeePerGas *big.Int
}

// Buffer adds a 20% headroom to a value, rounding down.
func Buffer(v *big.Int) *big.Int {
	buffered := new(big.Int).Mul(v, big.NewInt(12))
	return buffered.Div(buffered, big.NewInt(10))
}

// BufferGas adds a 20% headroom to a gas amount.
func BufferGas(gas uint64) uint64 {
	return gas * 12 / 10
}
