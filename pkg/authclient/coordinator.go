package authclient

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// Outcome classifies how a refresh attempt resolved for a caller.
type Outcome int

const (
	// OutcomeSuccess means a fresh pair is stored and ready to use.
	OutcomeSuccess Outcome = iota
	// OutcomeDefinitiveFailure means the server rejected the session for
	// good: local state is discarded and the user must log in again.
	OutcomeDefinitiveFailure
	// OutcomeTransientFailure means the attempt failed without deciding
	// anything about the session; retry later, keep the tokens.
	OutcomeTransientFailure
)

var (
	ErrNoSession      = errors.New("no session: login required")
	ErrRefreshTimeout = errors.New("timed out waiting for refresh")
)

const refreshKey = "refresh"

// Coordinator collapses concurrent refresh demand from one process into a
// single in-flight rotation request. The decision to start a new rotation
// versus join the running one happens inside singleflight's own lock, so
// there is no check-then-set window for two starters to slip through.
type Coordinator struct {
	group       singleflight.Group
	refreshFn   func(ctx context.Context) error
	waitTimeout time.Duration
	opTimeout   time.Duration
}

func NewCoordinator(refreshFn func(ctx context.Context) error, waitTimeout, opTimeout time.Duration) *Coordinator {
	return &Coordinator{
		refreshFn:   refreshFn,
		waitTimeout: waitTimeout,
		opTimeout:   opTimeout,
	}
}

// EnsureValidToken resolves once the shared rotation completes, every
// concurrent caller observing the same outcome. A caller that gives up
// waiting (context or waitTimeout) gets OutcomeTransientFailure, but the
// underlying rotation keeps running for everyone still attached, and to
// completion even if all callers leave, since an abandoned rotation that
// the server already committed would otherwise strand the new token.
func (c *Coordinator) EnsureValidToken(ctx context.Context) (Outcome, error) {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
		defer cancel()
		return nil, c.refreshFn(opCtx)
	})

	var timeout <-chan time.Time
	if c.waitTimeout > 0 {
		timer := time.NewTimer(c.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		return classify(res.Err)
	case <-ctx.Done():
		return OutcomeTransientFailure, ctx.Err()
	case <-timeout:
		return OutcomeTransientFailure, ErrRefreshTimeout
	}
}

func classify(err error) (Outcome, error) {
	if err == nil {
		return OutcomeSuccess, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Definitive() {
		return OutcomeDefinitiveFailure, err
	}
	if errors.Is(err, ErrNoSession) {
		return OutcomeDefinitiveFailure, err
	}

	return OutcomeTransientFailure, err
}
