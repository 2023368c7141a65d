package chain

import (
	"context"
	"fmt"
	"log/slog"
)

// ResolveNonce reconciles a worker's stored nonce against the pending
// transaction count on chain. The larger of the two wins so a nonce is never
// reused after out-of-band transactions or missed local updates.
func ResolveNonce(ctx context.Context, client Client, logger *slog.Logger, address string, stored int64) (uint64, error) {
	onchain, err := client.GetTransactionCount(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("fetch transaction count for %s: %w", address, err)
	}

	local := uint64(0)
	if stored > 0 {
		local = uint64(stored)
	}

	if local != onchain {
		logger.Warn("nonce discrepancy, using the higher value",
			"address", address,
			"stored", local,
			"onchain", onchain,
		)
	}

	if local > onchain {
		return local, nil
	}
	return onchain, nil
}
