package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyEndpointInstallsNoOpProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), "test-svc", "", true)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
}

func TestStart_ReturnsUsableSpan(t *testing.T) {
	shutdown, err := Init(context.Background(), "test-svc", "", true)
	require.NoError(t, err)
	defer shutdown(context.Background())

	ctx, span := Start(context.Background(), "unit")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestInit_ShutdownIdempotent(t *testing.T) {
	shutdown, err := Init(context.Background(), "test-svc", "", true)
	require.NoError(t, err)

	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
}
