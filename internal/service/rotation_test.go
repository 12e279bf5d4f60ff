package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/models"
	"github.com/avdeyev/refreshd/internal/storage/memory"
	"github.com/avdeyev/refreshd/internal/util"
)

type fakeDenylist struct {
	mu     sync.Mutex
	tokens map[string]bool
}

func newFakeDenylist() *fakeDenylist {
	return &fakeDenylist{tokens: make(map[string]bool)}
}

func (f *fakeDenylist) InvalidateToken(_ context.Context, token string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
	return nil
}

func (f *fakeDenylist) IsTokenInvalidated(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[token], nil
}

func testRotationConfig() *util.RotationConfig {
	return &util.RotationConfig{
		GracePeriod:      30 * time.Second,
		GraceMargin:      30 * time.Second,
		RevokedRetention: 24 * time.Hour,
		GCInterval:       time.Minute,
	}
}

func newTestEngine(t *testing.T) (*RotationEngine, *memory.TokenStore, *TokenService) {
	t.Helper()

	store := memory.NewTokenStore()
	tokens := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("rotation-test-secret"),
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   24 * time.Hour,
	}, newFakeDenylist())

	engine := NewRotationEngine(store, tokens, memory.NewPairCache(), nil, testRotationConfig(), zap.NewNop().Sugar())
	return engine, store, tokens
}

// seedToken stores a refresh record in the given state and returns its
// plaintext token and record.
func seedToken(t *testing.T, store *memory.TokenStore, tokens *TokenService, status models.TokenStatus, usedAt *time.Time, expiresAt time.Time) (string, models.RefreshRecord) {
	t.Helper()

	plaintext, selector, verifierHash, err := tokens.CreateRefreshToken()
	if err != nil {
		t.Fatalf("create refresh token: %v", err)
	}

	record := models.RefreshRecord{
		ID:           uuid.NewString(),
		UserID:       1,
		FamilyID:     uuid.NewString(),
		Selector:     selector,
		VerifierHash: verifierHash,
		Status:       status,
		IssuedAt:     time.Now().Add(-time.Minute),
		ExpiresAt:    expiresAt,
		UsedAt:       usedAt,
	}
	if err := store.CreateToken(context.Background(), record); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	return plaintext, record
}

func findRecord(t *testing.T, store *memory.TokenStore, id string) models.RefreshRecord {
	t.Helper()
	for _, r := range store.Snapshot() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("record %s not found in store", id)
	return models.RefreshRecord{}
}

func TestRotateActiveToken(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, origin := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	pair, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("rotation returned an incomplete pair")
	}
	if pair.RefreshToken == plaintext {
		t.Fatal("rotation returned the spent token instead of a new one")
	}

	spent := findRecord(t, store, origin.ID)
	if spent.Status != models.StatusUsed {
		t.Fatalf("origin status = %s, want used", spent.Status)
	}
	if spent.UsedAt == nil || spent.ReplacedBy == nil {
		t.Fatal("origin record missing used_at or replaced_by")
	}

	replacement := findRecord(t, store, *spent.ReplacedBy)
	if replacement.Status != models.StatusActive {
		t.Fatalf("replacement status = %s, want active", replacement.Status)
	}
	if replacement.FamilyID != origin.FamilyID {
		t.Fatal("replacement left the token family")
	}
}

func TestRotateReplayWithinGraceReturnsSamePair(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, _ := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	first, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("first rotate failed: %v", err)
	}

	// The same token again, just after losing the race.
	second, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("replay within grace failed: %v", err)
	}
	if second.AccessToken != first.AccessToken || second.RefreshToken != first.RefreshToken {
		t.Fatal("replay within grace returned a different pair than the winner got")
	}
}

func TestRotateGraceWithoutCachedPairReissues(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	usedAt := time.Now().Add(-5 * time.Second)
	plaintext, origin := seedToken(t, store, tokens, models.StatusUsed, &usedAt, time.Now().Add(time.Hour))

	pair, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("grace reissue failed: %v", err)
	}
	if pair.RefreshToken == plaintext {
		t.Fatal("reissue returned the spent token")
	}

	var active int
	for _, r := range store.Snapshot() {
		if r.FamilyID == origin.FamilyID && r.Status == models.StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("family has %d active records after reissue, want 1", active)
	}
}

func TestRotateReuseOutsideGraceRevokesFamily(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, origin := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	winner, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("initial rotate failed: %v", err)
	}

	// Push the origin's used_at beyond the grace window.
	spent := findRecord(t, store, origin.ID)
	stale := time.Now().Add(-2 * time.Minute)
	spent.UsedAt = &stale
	if err := store.CreateToken(context.Background(), spent); err != nil {
		t.Fatalf("update record: %v", err)
	}

	if _, err := engine.Rotate(context.Background(), plaintext); err != ErrTokenReuseBlocked {
		t.Fatalf("reuse outside grace: got %v, want ErrTokenReuseBlocked", err)
	}

	for _, r := range store.Snapshot() {
		if r.FamilyID == origin.FamilyID && r.Status != models.StatusRevoked {
			t.Fatalf("record %s survived family revocation with status %s", r.ID, r.Status)
		}
	}

	// The winner's still-unexpired replacement is dead too.
	if _, err := engine.Rotate(context.Background(), winner.RefreshToken); err != ErrTokenRevoked {
		t.Fatalf("rotating revoked replacement: got %v, want ErrTokenRevoked", err)
	}
}

func TestRotateRevokedTokenIsIdempotent(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, origin := seedToken(t, store, tokens, models.StatusRevoked, nil, time.Now().Add(time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := engine.Rotate(context.Background(), plaintext); err != ErrTokenRevoked {
			t.Fatalf("attempt %d: got %v, want ErrTokenRevoked", i, err)
		}
	}
	if got := findRecord(t, store, origin.ID).Status; got != models.StatusRevoked {
		t.Fatalf("status moved to %s after repeated rejections", got)
	}
}

func TestRotateExpiredToken(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, _ := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(-time.Minute))

	if _, err := engine.Rotate(context.Background(), plaintext); err != ErrTokenExpired {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestRotateRejectsUnknownAndMalformedTokens(t *testing.T) {
	engine, _, tokens := newTestEngine(t)

	unknown, _, _, err := tokens.CreateRefreshToken()
	if err != nil {
		t.Fatalf("create refresh token: %v", err)
	}

	for _, token := range []string{unknown, "not-a-token", "", "missing.verifier.", ".onlyverifier"} {
		if _, err := engine.Rotate(context.Background(), token); err != ErrTokenNotFound {
			t.Fatalf("token %q: got %v, want ErrTokenNotFound", token, err)
		}
	}
}

func TestRotateRejectsWrongVerifier(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, _ := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	selector, _, err := tokens.SplitRefreshToken(plaintext)
	if err != nil {
		t.Fatalf("split token: %v", err)
	}

	forged := selector + ".AAAAAAAAAAAAAAAAAAAAAA"
	if _, err := engine.Rotate(context.Background(), forged); err != ErrTokenNotFound {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}
}

func TestRotateConcurrentCallersConverge(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, origin := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	// Establish the winner first so the grace cache is populated; the
	// concurrent callers below all replay the spent token.
	winner, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("initial rotate failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	pairs := make(chan *models.IssuedPair, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			pair, err := engine.Rotate(context.Background(), plaintext)
			if err != nil {
				t.Errorf("replay within grace failed: %v", err)
				return
			}
			pairs <- pair
		}()
	}
	wg.Wait()
	close(pairs)

	for pair := range pairs {
		if pair.AccessToken != winner.AccessToken || pair.RefreshToken != winner.RefreshToken {
			t.Fatal("a grace-window caller received a pair different from the winner's")
		}
	}

	spent := findRecord(t, store, origin.ID)
	if spent.Status != models.StatusUsed {
		t.Fatalf("origin status = %s after concurrent replays, want used", spent.Status)
	}
}

// stallingPairCache blocks the first PutPair until released, exposing the
// window between a committed rotation and its cache publication.
type stallingPairCache struct {
	inner   *memory.PairCache
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newStallingPairCache() *stallingPairCache {
	return &stallingPairCache{
		inner:   memory.NewPairCache(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *stallingPairCache) PutPair(ctx context.Context, selector string, pair models.IssuedPair, ttl time.Duration) (bool, error) {
	if c.calls.Add(1) == 1 {
		close(c.entered)
		<-c.release
	}
	return c.inner.PutPair(ctx, selector, pair, ttl)
}

func (c *stallingPairCache) GetPair(ctx context.Context, selector string) (*models.IssuedPair, error) {
	return c.inner.GetPair(ctx, selector)
}

func TestRotateDelayedCacheWriteStillConverges(t *testing.T) {
	store := memory.NewTokenStore()
	tokens := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("rotation-test-secret"),
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   24 * time.Hour,
	}, newFakeDenylist())
	cache := newStallingPairCache()
	engine := NewRotationEngine(store, tokens, cache, nil, testRotationConfig(), zap.NewNop().Sugar())

	plaintext, _ := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	type result struct {
		pair *models.IssuedPair
		err  error
	}
	winnerCh := make(chan result, 1)
	go func() {
		pair, err := engine.Rotate(context.Background(), plaintext)
		winnerCh <- result{pair, err}
	}()

	// The winner has committed its rotation but not yet published the pair.
	<-cache.entered

	followerPair, err := engine.Rotate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("follower rotate failed: %v", err)
	}

	close(cache.release)
	winner := <-winnerCh
	if winner.err != nil {
		t.Fatalf("winner rotate failed: %v", winner.err)
	}

	if winner.pair.RefreshToken != followerPair.RefreshToken || winner.pair.AccessToken != followerPair.AccessToken {
		t.Fatalf("same origin token yielded two different successful pairs: %q vs %q",
			winner.pair.RefreshToken, followerPair.RefreshToken)
	}
}

func TestRotateGraceBoundary(t *testing.T) {
	cases := []struct {
		name      string
		grace     time.Duration
		sinceUsed time.Duration
		blocked   bool
	}{
		{"short grace, just inside", time.Second, 900 * time.Millisecond, false},
		{"short grace, just outside", time.Second, 1100 * time.Millisecond, true},
		{"long grace, just inside", time.Minute, time.Minute - 100*time.Millisecond, false},
		{"long grace, just outside", time.Minute, time.Minute + 100*time.Millisecond, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewTokenStore()
			tokens := NewTokenService(&util.TokenConfig{
				JwtSecretKey: []byte("rotation-test-secret"),
				AccessTTL:    15 * time.Minute,
				RefreshTTL:   24 * time.Hour,
			}, newFakeDenylist())
			cfg := &util.RotationConfig{
				GracePeriod:      tc.grace,
				GraceMargin:      30 * time.Second,
				RevokedRetention: 24 * time.Hour,
				GCInterval:       time.Minute,
			}
			engine := NewRotationEngine(store, tokens, memory.NewPairCache(), nil, cfg, zap.NewNop().Sugar())

			usedAt := time.Now().Add(-tc.sinceUsed)
			plaintext, origin := seedToken(t, store, tokens, models.StatusUsed, &usedAt, time.Now().Add(time.Hour))

			_, err := engine.Rotate(context.Background(), plaintext)
			if tc.blocked {
				if err != ErrTokenReuseBlocked {
					t.Fatalf("got %v, want ErrTokenReuseBlocked", err)
				}
				if got := findRecord(t, store, origin.ID).Status; got != models.StatusRevoked {
					t.Fatalf("origin status = %s after blocked reuse, want revoked", got)
				}
			} else if err != nil {
				t.Fatalf("rotate inside grace failed: %v", err)
			}
		})
	}
}

func TestRotateConcurrentFreshTokenSingleWinner(t *testing.T) {
	engine, store, tokens := newTestEngine(t)
	plaintext, origin := seedToken(t, store, tokens, models.StatusActive, nil, time.Now().Add(time.Hour))

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := engine.Rotate(context.Background(), plaintext)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent rotate failed: %v", err)
		}
	}

	// Exactly one transition won; the losers resolved through the grace
	// path without moving the origin record again.
	spent := findRecord(t, store, origin.ID)
	if spent.Status != models.StatusUsed {
		t.Fatalf("origin status = %s, want used", spent.Status)
	}
	if spent.ReplacedBy == nil {
		t.Fatal("origin record has no replacement after rotation")
	}
}
