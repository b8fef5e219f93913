package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// NonceStore implements domain.NonceStore with SET NX keys that expire after
// the request freshness window.
type NonceStore struct {
	rdb *redis.Client
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.Underlying()}
}

func nonceKey(signer common.Address, nonce string) string {
	return "auth:nonce:" + signer.Hex() + ":" + nonce
}

// Claim marks nonce as used by signer for ttl.
func (ns *NonceStore) Claim(ctx context.Context, signer common.Address, nonce string, ttl time.Duration) error {
	ok, err := ns.rdb.SetNX(ctx, nonceKey(signer, nonce), time.Now().Unix(), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: claim nonce: %w", err)
	}
	if !ok {
		return domain.ErrNonceReused
	}
	return nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
