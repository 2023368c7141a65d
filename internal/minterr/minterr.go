// Package minterr carries the tagged error taxonomy for the mint pipeline.
// Chain and network failures are translated into these kinds at the per-order
// boundary so callers match on kind instead of sniffing message strings.
package minterr

import (
	"context"
	"errors"
	"net"
	"strings"
)

type Kind string

const (
	KindNoAvailableWorker   Kind = "no_available_worker"
	KindPublishFailed       Kind = "publish_failed"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindSigningFailed       Kind = "signing_failed"
	KindBroadcastRejected   Kind = "broadcast_rejected"
	KindNotMined            Kind = "not_mined"
	KindReverted            Kind = "reverted"
	KindTokenIDNotFound     Kind = "token_id_not_found"
	KindUnknown             Kind = "unknown"
)

// ErrNoAvailableWorker is returned by the registry when every worker is busy
// or disabled. Retryable by the caller after backoff.
var ErrNoAvailableWorker = &Error{kind: KindNoAvailableWorker, err: errors.New("no available worker")}

// Error tags an underlying error with a taxonomy kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

func PublishFailed(err error) error       { return wrap(KindPublishFailed, err) }
func InsufficientBalance(err error) error { return wrap(KindInsufficientBalance, err) }
func SigningFailed(err error) error       { return wrap(KindSigningFailed, err) }
func BroadcastRejected(err error) error   { return wrap(KindBroadcastRejected, err) }
func NotMined(err error) error            { return wrap(KindNotMined, err) }
func Reverted(err error) error            { return wrap(KindReverted, err) }
func TokenIDNotFound(err error) error     { return wrap(KindTokenIDNotFound, err) }

// KindOf resolves the taxonomy kind of err. Explicitly tagged errors win;
// untagged errors fall back to message-token classification of the raw
// transport/node error text.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.kind
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, insufficientBalanceTokens) {
		return KindInsufficientBalance
	}
	if containsAny(lower, broadcastRejectedTokens) {
		return KindBroadcastRejected
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNotMined
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNotMined
	}

	return KindUnknown
}

// Retryable reports whether an order attempt that failed with this kind should
// go through the backoff loop. Funding waits are routed separately and token-id
// mismatches need human attention.
func Retryable(kind Kind) bool {
	switch kind {
	case KindPublishFailed, KindSigningFailed, KindBroadcastRejected, KindNotMined, KindReverted, KindUnknown, KindNoAvailableWorker:
		return true
	default:
		return false
	}
}

// NeedsNonceRefresh reports whether the retry must re-resolve the worker nonce
// against chain state before the next attempt. Broadcast rejections and
// ambiguous confirmation timeouts may mean the original transaction landed,
// and a reverted transaction has already advanced the chain count.
func NeedsNonceRefresh(kind Kind) bool {
	switch kind {
	case KindBroadcastRejected, KindNotMined, KindReverted:
		return true
	default:
		return false
	}
}

// NonceConsumed reports whether the node accepted the attempt's transaction,
// spending the worker's nonce on chain even though the attempt failed
// afterwards. Only explicitly tagged post-broadcast kinds qualify; the
// message-token fallback never does, since an untagged timeout may have
// happened before the broadcast.
func NonceConsumed(err error) bool {
	var tagged *Error
	if !errors.As(err, &tagged) {
		return false
	}
	switch tagged.kind {
	case KindNotMined, KindReverted, KindTokenIDNotFound:
		return true
	default:
		return false
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var insufficientBalanceTokens = []string{
	"insufficient funds",
	"insufficient balance",
	"gas * price + value",
}

var broadcastRejectedTokens = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"known transaction",
}
