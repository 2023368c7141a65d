package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:    AlertTypeLowBalance,
		Subject: "Worker low balance",
		Message: "Worker 0xabc has 0.004 ETH left",
		Fields: map[string]string{
			"worker":  "0xabc",
			"balance": "4000000000000000",
		},
	}
}

// TestMultiAlerter_Send_AllChannels verifies that MultiAlerter fans out to
// every registered alerter (Slack + webhook) on a single Send call.
func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	var slackReceived atomic.Int32
	var webhookReceived atomic.Int32

	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer slackSrv.Close()

	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(),
		NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(webhookSrv.URL))

	err := multi.Send(context.Background(), testAlert())
	require.NoError(t, err)

	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), webhookReceived.Load())
}

// TestMultiAlerter_CooldownDedup verifies that sending the same alert twice
// within the cooldown window only dispatches one actual request.
func TestMultiAlerter_CooldownDedup(t *testing.T) {
	var received atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	multi := NewMultiAlerter(time.Second, testLogger(), NewWebhookAlerter(srv.URL))

	a := testAlert()
	require.NoError(t, multi.Send(context.Background(), a))
	require.NoError(t, multi.Send(context.Background(), a))

	assert.Equal(t, int32(1), received.Load(), "second send should be deduped by cooldown")
}

// TestMultiAlerter_CooldownExpiry verifies that after the cooldown window
// expires, a duplicate alert is dispatched again.
func TestMultiAlerter_CooldownExpiry(t *testing.T) {
	var received atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	multi := NewMultiAlerter(time.Millisecond, testLogger(), NewWebhookAlerter(srv.URL))

	a := testAlert()
	require.NoError(t, multi.Send(context.Background(), a))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, multi.Send(context.Background(), a))

	assert.Equal(t, int32(2), received.Load())
}

// TestMultiAlerter_PartialFailure verifies that when one alerter fails,
// the MultiAlerter returns an error but the working alerter still receives
// the alert.
func TestMultiAlerter_PartialFailure(t *testing.T) {
	var goodReceived atomic.Int32

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer goodSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(),
		NewWebhookAlerter(failSrv.URL), NewWebhookAlerter(goodSrv.URL))

	err := multi.Send(context.Background(), testAlert())
	assert.Error(t, err)
	assert.Equal(t, int32(1), goodReceived.Load(), "good alerter should still receive the alert")
}

func TestSlackAlerter_PayloadFormat(t *testing.T) {
	var capturedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	slack := NewSlackAlerter(srv.URL)

	err := slack.Send(context.Background(), Alert{
		Type:    AlertTypeSigningFailure,
		Subject: "Repeated signing failures",
		Message: "Worker 0xdef failed to sign 3 times",
		Fields:  map[string]string{"worker": "0xdef"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, capturedBody)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(capturedBody, &payload))

	text, ok := payload["text"]
	require.True(t, ok, "payload must have a 'text' field")
	assert.Contains(t, text, ":rotating_light:")
	assert.Contains(t, text, string(AlertTypeSigningFailure))
	assert.Contains(t, text, "Repeated signing failures")
	assert.Contains(t, text, "0xdef")
}

func TestWebhookAlerter_PayloadFormat(t *testing.T) {
	var capturedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhook := NewWebhookAlerter(srv.URL)

	err := webhook.Send(context.Background(), Alert{
		Type:    AlertTypeFundingRequest,
		Subject: "Worker needs funding",
		Message: "Required: 0.05 ETH",
		Fields:  map[string]string{"worker": "0xabc", "required_wei": "50000000000000000"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, capturedBody)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(capturedBody, &payload))

	assert.Equal(t, string(AlertTypeFundingRequest), payload["type"])
	assert.Equal(t, "Worker needs funding", payload["subject"])

	fields, ok := payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0xabc", fields["worker"])

	timeStr, ok := payload["time"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, timeStr)
	require.NoError(t, err)
}
