package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatch_DeriveStatus(t *testing.T) {
	testCases := []struct {
		name     string
		batch    Batch
		expected BatchStatus
	}{
		{
			name:     "all completed",
			batch:    Batch{TotalOrders: 5, CompletedOrders: 5},
			expected: BatchCompleted,
		},
		{
			name:     "settled with failures",
			batch:    Batch{TotalOrders: 5, CompletedOrders: 3, FailedOrders: 2},
			expected: BatchFailed,
		},
		{
			name:     "children outstanding",
			batch:    Batch{TotalOrders: 5, CompletedOrders: 2, FailedOrders: 1},
			expected: BatchProcessing,
		},
		{
			name:     "empty batch",
			batch:    Batch{},
			expected: BatchProcessing,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.batch.DeriveStatus())
		})
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.True(t, OrderCompleted.Terminal())
	assert.True(t, OrderFailed.Terminal())
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderRetryScheduled.Terminal())
	assert.False(t, OrderWaitingForFunds.Terminal())
}
