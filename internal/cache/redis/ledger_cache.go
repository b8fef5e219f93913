package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// DefaultLedgerTTL bounds how long a cached ledger may be served after the
// last write for its asset.
const DefaultLedgerTTL = 5 * time.Minute

// setIfNewerLua stores the ledger only when its version is at least the
// cached one, so out-of-order post-commit writes never roll the cache back.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// LedgerCache implements domain.LedgerCache with one hash per asset.
//
// Key schema:
//
//	vault:ledger:{asset} - hash {version: ledger version, data: JSON}
type LedgerCache struct {
	rdb        *redis.Client
	ttl        time.Duration
	setIfNewer *redis.Script
}

// NewLedgerCache creates a LedgerCache. A zero ttl uses DefaultLedgerTTL.
func NewLedgerCache(c *Client, ttl time.Duration) *LedgerCache {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &LedgerCache{
		rdb:        c.Underlying(),
		ttl:        ttl,
		setIfNewer: redis.NewScript(setIfNewerLua),
	}
}

func ledgerKey(asset common.Address) string { return "vault:ledger:" + asset.Hex() }

// Set caches l unless a newer version of the same ledger is already cached.
func (lc *LedgerCache) Set(ctx context.Context, l domain.VaultLedger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("redis: marshal ledger %s: %w", l.Asset.Hex(), err)
	}
	err = lc.setIfNewer.Run(ctx, lc.rdb,
		[]string{ledgerKey(l.Asset)},
		l.Version, data, lc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set ledger %s: %w", l.Asset.Hex(), err)
	}
	return nil
}

// Get returns the cached ledger or domain.ErrNotFound.
func (lc *LedgerCache) Get(ctx context.Context, asset common.Address) (domain.VaultLedger, error) {
	data, err := lc.rdb.HGet(ctx, ledgerKey(asset), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.VaultLedger{}, domain.ErrNotFound
		}
		return domain.VaultLedger{}, fmt.Errorf("redis: get ledger %s: %w", asset.Hex(), err)
	}
	var l domain.VaultLedger
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.VaultLedger{}, fmt.Errorf("redis: unmarshal ledger %s: %w", asset.Hex(), err)
	}
	return l, nil
}

// Invalidate drops the cached ledger of asset.
func (lc *LedgerCache) Invalidate(ctx context.Context, asset common.Address) error {
	if err := lc.rdb.Del(ctx, ledgerKey(asset)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate ledger %s: %w", asset.Hex(), err)
	}
	return nil
}

var _ domain.LedgerCache = (*LedgerCache)(nil)
