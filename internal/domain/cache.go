package domain

import (
	"context"
	"time"
)

// SnapshotCache keeps recently read ledger snapshots for a bounded TTL.
type SnapshotCache interface {
	SetVault(ctx context.Context, v Vault) error
	GetVault(ctx context.Context, id string) (Vault, error)
	SetLoanBroker(ctx context.Context, b LoanBroker) error
	GetLoanBroker(ctx context.Context, id string) (LoanBroker, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels and streams.
const (
	ChannelClaims  = "ward:claims"
	ChannelEscrows = "ward:escrows"
	ChannelPools   = "ward:pools"
	StreamClaims   = "ward:stream:claims"
	StreamDefaults = "ward:stream:defaults"
)
