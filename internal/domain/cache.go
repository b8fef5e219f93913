package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerCache keeps the latest committed ledger of each asset for reads.
type LedgerCache interface {
	Set(ctx context.Context, l VaultLedger) error
	Get(ctx context.Context, asset common.Address) (VaultLedger, error)
	Invalidate(ctx context.Context, asset common.Address) error
}

// LockManager provides distributed locks across service replicas.
type LockManager interface {
	// Acquire returns an unlock func, or ErrLockHeld when another holder has
	// the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// NonceStore remembers request nonces so a signed request cannot be replayed.
type NonceStore interface {
	// Claim records the nonce for signer and fails with ErrNonceReused when
	// it was already claimed within ttl.
	Claim(ctx context.Context, signer common.Address, nonce string, ttl time.Duration) error
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub and durable streams for ledger events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Channel and stream names used for ledger events.
const (
	EventsChannel = "vault:events"
	EventsStream  = "vault:events:stream"
)
