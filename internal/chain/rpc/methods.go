package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

func (c *Client) GetBlockNumber(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}

	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}

	blockNumber, err := ParseHexInt64(hexNum)
	if err != nil {
		return 0, fmt.Errorf("parse block number: %w", err)
	}
	return blockNumber, nil
}

// GetTransactionCount returns the pending-inclusive transaction count for an
// address, which is the next usable nonce.
func (c *Client) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", address, err)
	}

	var hexCount string
	if err := json.Unmarshal(result, &hexCount); err != nil {
		return 0, fmt.Errorf("unmarshal transaction count: %w", err)
	}

	count, err := ParseHexUint64(hexCount)
	if err != nil {
		return 0, fmt.Errorf("parse transaction count: %w", err)
	}
	return count, nil
}

func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance(%s): %w", address, err)
	}

	var hexBalance string
	if err := json.Unmarshal(result, &hexBalance); err != nil {
		return nil, fmt.Errorf("unmarshal balance: %w", err)
	}

	balance, err := ParseHexBig(hexBalance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return balance, nil
}

// GetLatestBlock fetches the latest block header, including baseFeePerGas.
func (c *Client) GetLatestBlock(ctx context.Context) (*Block, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(latest): %w", err)
	}
	if string(result) == "null" {
		return nil, fmt.Errorf("latest block not available")
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &block, nil
}

func (c *Client) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_maxPriorityFeePerGas", []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("eth_maxPriorityFeePerGas: %w", err)
	}

	var hexTip string
	if err := json.Unmarshal(result, &hexTip); err != nil {
		return nil, fmt.Errorf("unmarshal priority fee: %w", err)
	}

	tip, err := ParseHexBig(hexTip)
	if err != nil {
		return nil, fmt.Errorf("parse priority fee: %w", err)
	}
	return tip, nil
}

func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.call(ctx, "eth_estimateGas", []interface{}{msg})
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}

	var hexGas string
	if err := json.Unmarshal(result, &hexGas); err != nil {
		return 0, fmt.Errorf("unmarshal gas estimate: %w", err)
	}

	gas, err := ParseHexUint64(hexGas)
	if err != nil {
		return 0, fmt.Errorf("parse gas estimate: %w", err)
	}
	return gas, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	result, err := c.call(ctx, "eth_sendRawTransaction", []interface{}{rawTx})
	if err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal transaction hash: %w", err)
	}
	return hash, nil
}

// GetTransactionReceipt returns nil without error while the transaction is
// still pending.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

func ParseHexInt64(value string) (int64, error) {
	parsed, err := ParseHexUint64(value)
	if err != nil {
		return 0, err
	}
	return int64(parsed), nil
}

func ParseHexUint64(value string) (uint64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return parsed, nil
}

func ParseHexBig(value string) (*big.Int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, fmt.Errorf("parse hex %q", value)
	}
	return parsed, nil
}

func FormatHexUint64(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
