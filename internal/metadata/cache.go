package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ezdrm/mintpool/internal/cache"
	"github.com/ezdrm/mintpool/internal/domain/model"
	"github.com/ezdrm/mintpool/internal/metrics"
)

const (
	pinCacheCapacity = 4096
	pinCacheTTL      = time.Hour
)

// CachedPublisher deduplicates pins. Content-addressed storage makes this
// safe: the same document always pins to the same hash, so a retried or
// repeated payload can skip the upload.
type CachedPublisher struct {
	next Publisher
	pins *cache.TTL[string, PinResult]
}

func NewCachedPublisher(next Publisher) *CachedPublisher {
	return &CachedPublisher{
		next: next,
		pins: cache.NewTTL[string, PinResult](pinCacheCapacity, pinCacheTTL),
	}
}

func (p *CachedPublisher) Publish(ctx context.Context, payload model.MintPayload) (*PinResult, error) {
	key := payloadDigest(payload)
	if hit, ok := p.pins.Get(key); ok {
		metrics.PinCacheTotal.WithLabelValues("hit").Inc()
		result := hit
		return &result, nil
	}
	metrics.PinCacheTotal.WithLabelValues("miss").Inc()

	result, err := p.next.Publish(ctx, payload)
	if err != nil {
		return nil, err
	}
	p.pins.Put(key, *result)
	return result, nil
}

// payloadDigest keys the cache on the pinned document fields only. The
// recipient is part of the mint, not the metadata, so two mints of the same
// content to different addresses share a pin.
func payloadDigest(payload model.MintPayload) string {
	doc, _ := json.Marshal(tokenMetadata{
		Name:        payload.Name,
		Description: payload.Description,
		Image:       payload.ImageRef,
		Attributes:  payload.Attributes,
	})
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
