package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ezdrm/mintpool/internal/chain/rpc"
	"github.com/ezdrm/mintpool/internal/minterr"
)

// awaitReceipt polls for the transaction receipt until it appears or the
// confirmation window closes. A reverted receipt is terminal for the attempt.
func (e *Engine) awaitReceipt(ctx context.Context, hash string) (*rpc.TransactionReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.GetTransactionReceipt(waitCtx, hash)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, minterr.NotMined(
					fmt.Errorf("transaction %s not mined within %s: %w", hash, e.cfg.ConfirmTimeout, waitCtx.Err()))
			}
			// Transient poll failure; keep trying inside the window.
			e.logger.Warn("receipt poll failed", "tx_hash", hash, "error", err)
		} else if receipt != nil {
			if receipt.Status == "0x0" {
				return nil, minterr.Reverted(fmt.Errorf("transaction %s reverted in block %s", hash, receipt.BlockNumber))
			}
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, minterr.NotMined(
				fmt.Errorf("transaction %s not mined within %s: %w", hash, e.cfg.ConfirmTimeout, waitCtx.Err()))
		case <-ticker.C:
		}
	}
}

// extractTokenID finds the mint contract's Transfer event in the receipt and
// returns the minted token id (third indexed topic) as a decimal string.
// Transfer events emitted by other contracts in the same receipt are ignored.
// A success receipt without the log settles the order FAILED, never COMPLETED.
func (e *Engine) extractTokenID(receipt *rpc.TransactionReceipt) (string, error) {
	transferTopic := e.builder.TransferTopic().Hex()
	contract := e.builder.Contract().Hex()

	for _, log := range receipt.Logs {
		if log.Removed || len(log.Topics) != 4 {
			continue
		}
		if !strings.EqualFold(log.Address, contract) {
			continue
		}
		if !strings.EqualFold(log.Topics[0], transferTopic) {
			continue
		}
		tokenID := new(big.Int).SetBytes(common.HexToHash(log.Topics[3]).Bytes())
		return tokenID.String(), nil
	}
	return "", minterr.TokenIDNotFound(
		fmt.Errorf("no Transfer event in receipt for transaction %s", receipt.TransactionHash))
}

func parseHexBig(value string) (*big.Int, error) {
	return rpc.ParseHexBig(value)
}
