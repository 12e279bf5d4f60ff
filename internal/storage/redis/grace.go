package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avdeyev/refreshd/internal/models"
)

const gracePrefix = "grace:"

// PairCache remembers, for the length of the grace window, the exact pair
// issued when a refresh token was rotated, keyed by the old token's
// selector. A concurrent caller that lost the rotation race reads the
// winner's pair from here instead of getting a second, different pair.
type PairCache struct {
	client *redis.Client
}

func NewPairCache(client *redis.Client) *PairCache {
	return &PairCache{client: client}
}

// PutPair caches the pair under the selector unless one is already there.
// The returned bool reports whether this write won; a loser must read the
// cache back and hand out that pair instead of its own.
func (c *PairCache) PutPair(ctx context.Context, selector string, pair models.IssuedPair, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(pair)
	if err != nil {
		return false, fmt.Errorf("marshal issued pair: %w", err)
	}
	won, err := c.client.SetNX(ctx, gracePrefix+selector, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache issued pair: %w", err)
	}
	return won, nil
}

func (c *PairCache) GetPair(ctx context.Context, selector string) (*models.IssuedPair, error) {
	payload, err := c.client.Get(ctx, gracePrefix+selector).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get cached pair: %w", err)
	}

	var pair models.IssuedPair
	if err := json.Unmarshal(payload, &pair); err != nil {
		return nil, fmt.Errorf("unmarshal cached pair: %w", err)
	}
	return &pair, nil
}
