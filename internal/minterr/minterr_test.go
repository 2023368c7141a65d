package minterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ExplicitTags(t *testing.T) {
	assert.Equal(t, KindPublishFailed, KindOf(PublishFailed(errors.New("pinata 500"))))
	assert.Equal(t, KindSigningFailed, KindOf(SigningFailed(errors.New("kms denied"))))
	assert.Equal(t, KindTokenIDNotFound, KindOf(TokenIDNotFound(errors.New("no transfer log"))))
	assert.Equal(t, KindNoAvailableWorker, KindOf(ErrNoAvailableWorker))
}

func TestKindOf_TagSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("process order abc: %w", InsufficientBalance(errors.New("worker short 0.02 eth")))
	assert.Equal(t, KindInsufficientBalance, KindOf(err))
}

func TestKindOf_MessageTokens(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "node insufficient funds",
			err:      errors.New("insufficient funds for gas * price + value"),
			expected: KindInsufficientBalance,
		},
		{
			name:     "nonce too low",
			err:      errors.New("nonce too low"),
			expected: KindBroadcastRejected,
		},
		{
			name:     "underpriced",
			err:      errors.New("replacement transaction underpriced"),
			expected: KindBroadcastRejected,
		},
		{
			name:     "deadline waiting for receipt",
			err:      fmt.Errorf("await receipt: %w", context.DeadlineExceeded),
			expected: KindNotMined,
		},
		{
			name:     "unrecognized",
			err:      errors.New("something odd"),
			expected: KindUnknown,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, KindOf(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindPublishFailed))
	assert.True(t, Retryable(KindBroadcastRejected))
	assert.True(t, Retryable(KindNotMined))
	assert.True(t, Retryable(KindReverted))
	assert.False(t, Retryable(KindTokenIDNotFound))
	assert.False(t, Retryable(KindInsufficientBalance))
}

func TestNeedsNonceRefresh(t *testing.T) {
	assert.True(t, NeedsNonceRefresh(KindBroadcastRejected))
	assert.True(t, NeedsNonceRefresh(KindNotMined))
	assert.True(t, NeedsNonceRefresh(KindReverted))
	assert.False(t, NeedsNonceRefresh(KindPublishFailed))
}

func TestNonceConsumed(t *testing.T) {
	assert.True(t, NonceConsumed(Reverted(errors.New("reverted in block 0x65"))))
	assert.True(t, NonceConsumed(NotMined(errors.New("not mined within 2m0s"))))
	assert.True(t, NonceConsumed(TokenIDNotFound(errors.New("no transfer log"))))
	assert.False(t, NonceConsumed(BroadcastRejected(errors.New("transaction underpriced"))))
	assert.False(t, NonceConsumed(PublishFailed(errors.New("pinata 500"))))

	// An untagged deadline classifies as not-mined but may predate the
	// broadcast, so it never counts as a spent nonce.
	untagged := fmt.Errorf("estimate fees: %w", context.DeadlineExceeded)
	assert.Equal(t, KindNotMined, KindOf(untagged))
	assert.False(t, NonceConsumed(untagged))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, PublishFailed(nil))
	require.NoError(t, SigningFailed(nil))
}
