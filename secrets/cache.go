package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// CachedSource keeps the treasury key in memory for ttl after a successful
// read. Failed reads are not cached.
type CachedSource struct {
	source interfaces.TreasurySource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	key       solana.PrivateKey
	expiresAt time.Time
}

func NewCachedSource(source interfaces.TreasurySource, ttl time.Duration) *CachedSource {
	return &CachedSource{source: source, ttl: ttl, now: time.Now}
}

func (c *CachedSource) TreasuryKey(ctx context.Context) (solana.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil && c.now().Before(c.expiresAt) {
		return c.key, nil
	}

	key, err := c.source.TreasuryKey(ctx)
	if err != nil {
		return nil, err
	}
	c.key = key
	c.expiresAt = c.now().Add(c.ttl)
	return key, nil
}

// Clear drops the cached key.
func (c *CachedSource) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
}
