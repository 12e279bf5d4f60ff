package service

import (
	"context"
	"time"

	"github.com/avdeyev/refreshd/internal/models"
)

// PairCache holds, for the grace window, the pair issued when a token was
// rotated, keyed by the spent token's selector. PutPair is first-write-wins:
// it reports whether this write became the cached pair, so callers can
// converge on whatever landed first.
type PairCache interface {
	PutPair(ctx context.Context, selector string, pair models.IssuedPair, ttl time.Duration) (bool, error)
	GetPair(ctx context.Context, selector string) (*models.IssuedPair, error)
}

// AccessDenylist blocks logged-out access tokens until they expire.
type AccessDenylist interface {
	InvalidateToken(ctx context.Context, token string, expiration time.Duration) error
	IsTokenInvalidated(ctx context.Context, token string) (bool, error)
}
