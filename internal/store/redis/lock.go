// Package redis provides the short-lived worker lease that guards checkout
// across processes.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseManager guards each worker with a SET NX EX lease so two processes
// never operate the same worker at once. The TTL bounds how long a crashed
// holder can keep a worker locked.
type LeaseManager interface {
	// Acquire takes the lease for a worker. Returns false when another
	// holder already has it.
	Acquire(ctx context.Context, workerID uuid.UUID) (bool, error)
	Release(ctx context.Context, workerID uuid.UUID) error
}

type Lease struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLease(url string, ttl time.Duration) (*Lease, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Lease{client: client, ttl: ttl}, nil
}

func leaseKey(workerID uuid.UUID) string {
	return "mintpool:worker:lease:" + workerID.String()
}

func (l *Lease) Acquire(ctx context.Context, workerID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(workerID), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire worker lease: %w", err)
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context, workerID uuid.UUID) error {
	if err := l.client.Del(ctx, leaseKey(workerID)).Err(); err != nil {
		return fmt.Errorf("release worker lease: %w", err)
	}
	return nil
}

func (l *Lease) Close() error {
	return l.client.Close()
}

// NoopLease satisfies LeaseManager when Redis is not configured; the
// database CAS on worker status remains the single exclusion layer.
type NoopLease struct{}

func (NoopLease) Acquire(ctx context.Context, workerID uuid.UUID) (bool, error) { return true, nil }
func (NoopLease) Release(ctx context.Context, workerID uuid.UUID) error         { return nil }
