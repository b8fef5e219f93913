package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// NonceStore is an in-process domain.NonceStore.
type NonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewNonceStore creates an empty NonceStore.
func NewNonceStore() *NonceStore {
	return &NonceStore{seen: make(map[string]time.Time), now: time.Now}
}

func (n *NonceStore) Claim(_ context.Context, signer common.Address, nonce string, ttl time.Duration) error {
	now := n.now()
	key := signer.Hex() + ":" + nonce

	n.mu.Lock()
	defer n.mu.Unlock()
	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return domain.ErrNonceReused
	}
	n.seen[key] = now.Add(ttl)
	if len(n.seen)%1024 == 0 {
		for k, exp := range n.seen {
			if !now.Before(exp) {
				delete(n.seen, k)
			}
		}
	}
	return nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
