package metadata

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/minterr"
)

func testPayload() model.MintPayload {
	return model.MintPayload{
		Name:        "Genesis #1",
		Description: "first of the drop",
		ImageRef:    "https://cdn.example.com/1.png",
		Recipient:   "0x000000000000000000000000000000000000dead",
		Attributes:  json.RawMessage(`[{"trait_type":"tier","value":"gold"}]`),
	}
}

func newPublisher(t *testing.T, serverURL string) *PinataPublisher {
	t.Helper()
	return NewPinataPublisher(config.PinataConfig{
		UploadURL:    serverURL,
		JWT:          "jwt-token",
		APIKey:       "key",
		SecretAPIKey: "secret",
		GatewayURL:   "https://gateway.pinata.cloud/ipfs/",
		Timeout:      5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPinataPublisher_Publish(t *testing.T) {
	var gotAuth, gotKey, gotSecret string
	var gotFile []byte
	var gotOptions string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("pinata_api_key")
		gotSecret = r.Header.Get("pinata_secret_api_key")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotFile, err = io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "metadata.json", header.Filename)
		gotOptions = r.FormValue("pinataOptions")

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"IpfsHash":"QmTestHash","PinSize":128,"Timestamp":"2025-01-01T00:00:00Z"}`)
	}))
	defer server.Close()

	result, err := newPublisher(t, server.URL).Publish(context.Background(), testPayload())
	require.NoError(t, err)

	assert.Equal(t, "QmTestHash", result.IpfsHash)
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/QmTestHash", result.GatewayURL)

	assert.Equal(t, "Bearer jwt-token", gotAuth)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "secret", gotSecret)
	assert.JSONEq(t, `{"cidVersion":1}`, gotOptions)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(gotFile, &doc))
	assert.Equal(t, "Genesis #1", doc["name"])
	assert.Equal(t, "https://cdn.example.com/1.png", doc["image"])
	assert.NotContains(t, doc, "mintToAddress", "recipient is not part of the pinned document")
}

func TestPinataPublisher_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newPublisher(t, server.URL).Publish(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, minterr.KindPublishFailed, minterr.KindOf(err))
	assert.Contains(t, err.Error(), "401")
}

func TestPinataPublisher_MissingHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"PinSize":128}`)
	}))
	defer server.Close()

	_, err := newPublisher(t, server.URL).Publish(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, minterr.KindPublishFailed, minterr.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "IpfsHash"))
}

func TestPinataPublisher_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		io.WriteString(w, `{"IpfsHash":"QmLate"}`)
	}))
	defer server.Close()

	p := newPublisher(t, server.URL)
	p.httpClient.Timeout = 50 * time.Millisecond

	_, err := p.Publish(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, minterr.KindPublishFailed, minterr.KindOf(err))
}
