package memory

import (
	"context"
	"sync"
	"time"

	"github.com/avdeyev/refreshd/internal/models"
)

// PairCache is an in-memory stand-in for the Redis grace cache.
type PairCache struct {
	mu    sync.RWMutex
	pairs map[string]cachedPair
}

type cachedPair struct {
	pair      models.IssuedPair
	expiresAt time.Time
}

func NewPairCache() *PairCache {
	return &PairCache{pairs: make(map[string]cachedPair)}
}

func (c *PairCache) PutPair(_ context.Context, selector string, pair models.IssuedPair, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.pairs[selector]; ok && time.Now().Before(entry.expiresAt) {
		return false, nil
	}
	c.pairs[selector] = cachedPair{pair: pair, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *PairCache) GetPair(_ context.Context, selector string) (*models.IssuedPair, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.pairs[selector]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	pair := entry.pair
	return &pair, nil
}
