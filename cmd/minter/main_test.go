package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/store/redis"
	"github.com/ezdrm/mintpool/internal/txn"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), "level %q", tt.in)
	}
}

func TestBuildAlerter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("no channels configured", func(t *testing.T) {
		a := buildAlerter(config.AlertConfig{}, logger)
		assert.IsType(t, &alert.NoopAlerter{}, a)
	})

	t.Run("slack configured", func(t *testing.T) {
		a := buildAlerter(config.AlertConfig{
			SlackWebhookURL: "https://hooks.slack.com/services/x",
			Cooldown:        time.Minute,
		}, logger)
		assert.IsType(t, &alert.MultiAlerter{}, a)
	})
}

func TestBuildSigner(t *testing.T) {
	assert.IsType(t, &txn.LocalSigner{}, buildSigner(config.SignerConfig{Mode: "local"}))
	assert.IsType(t, &txn.RemoteSigner{}, buildSigner(config.SignerConfig{
		Mode:      "remote",
		RemoteURL: "https://signer.internal/sign",
	}))
}

func TestBuildLease_NoRedisConfigured(t *testing.T) {
	lease, closeFn, err := buildLease(config.RedisConfig{}, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, redis.NoopLease{}, lease)
	assert.NoError(t, closeFn())
}
