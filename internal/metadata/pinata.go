// Package metadata publishes NFT token metadata to IPFS through Pinata.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/minterr"
)

// Publisher pins token metadata and returns a URI usable on chain.
type Publisher interface {
	Publish(ctx context.Context, payload model.MintPayload) (*PinResult, error)
}

// PinResult holds the content hash and the gateway URL it resolves to.
type PinResult struct {
	IpfsHash   string
	GatewayURL string
}

type pinataResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// tokenMetadata is the JSON document pinned for each mint.
type tokenMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Image       string          `json:"image"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

type PinataPublisher struct {
	httpClient *http.Client
	cfg        config.PinataConfig
	logger     *slog.Logger
}

func NewPinataPublisher(cfg config.PinataConfig, logger *slog.Logger) *PinataPublisher {
	return &PinataPublisher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// Publish uploads the metadata document as a multipart file, with cidVersion 1
// pin options. A single attempt, no retry: publishing must succeed before any
// chain call is made.
func (p *PinataPublisher) Publish(ctx context.Context, payload model.MintPayload) (*PinResult, error) {
	doc := tokenMetadata{
		Name:        payload.Name,
		Description: payload.Description,
		Image:       payload.ImageRef,
		Attributes:  payload.Attributes,
	}
	body, contentType, err := encodeForm(doc)
	if err != nil {
		return nil, minterr.PublishFailed(fmt.Errorf("encode metadata form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UploadURL, body)
	if err != nil {
		return nil, minterr.PublishFailed(fmt.Errorf("create pin request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+p.cfg.JWT)
	req.Header.Set("pinata_api_key", p.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", p.cfg.SecretAPIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, minterr.PublishFailed(fmt.Errorf("pin request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, minterr.PublishFailed(fmt.Errorf("read pin response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, minterr.PublishFailed(fmt.Errorf("pin status %d: %s", resp.StatusCode, string(respBody)))
	}

	var pinResp pinataResponse
	if err := json.Unmarshal(respBody, &pinResp); err != nil {
		return nil, minterr.PublishFailed(fmt.Errorf("unmarshal pin response: %w", err))
	}
	if pinResp.IpfsHash == "" {
		return nil, minterr.PublishFailed(fmt.Errorf("pin response missing IpfsHash"))
	}

	p.logger.Debug("pinned metadata", "ipfs_hash", pinResp.IpfsHash, "pin_size", pinResp.PinSize)

	return &PinResult{
		IpfsHash:   pinResp.IpfsHash,
		GatewayURL: p.cfg.GatewayURL + pinResp.IpfsHash,
	}, nil
}

func encodeForm(doc tokenMetadata) (*bytes.Buffer, string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	part, err := writer.CreateFormFile("file", "metadata.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(raw); err != nil {
		return nil, "", err
	}

	if err := writer.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}
