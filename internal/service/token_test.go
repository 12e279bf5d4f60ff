package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/avdeyev/refreshd/internal/util"
)

func newTestTokenService(accessTTL time.Duration) *TokenService {
	return NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("token-test-secret"),
		AccessTTL:    accessTTL,
		RefreshTTL:   24 * time.Hour,
	}, newFakeDenylist())
}

func TestRefreshTokenFormat(t *testing.T) {
	ts := newTestTokenService(15 * time.Minute)

	token, selector, verifierHash, err := ts.CreateRefreshToken()
	if err != nil {
		t.Fatalf("create refresh token: %v", err)
	}

	gotSelector, verifier, err := ts.SplitRefreshToken(token)
	if err != nil {
		t.Fatalf("split refresh token: %v", err)
	}
	if gotSelector != selector {
		t.Fatalf("selector mismatch: %q vs %q", gotSelector, selector)
	}
	if strings.Contains(selector, ".") || strings.Contains(verifier, ".") {
		t.Fatal("token halves must not contain the separator")
	}

	if err := ts.VerifyRefreshSecret(verifier, verifierHash); err != nil {
		t.Fatalf("verifier rejected its own hash: %v", err)
	}
	if err := ts.VerifyRefreshSecret(verifier+"x", verifierHash); err != ErrTokenInvalid {
		t.Fatalf("tampered verifier: got %v, want ErrTokenInvalid", err)
	}
}

func TestSplitRefreshTokenRejectsMalformed(t *testing.T) {
	ts := newTestTokenService(15 * time.Minute)

	for _, token := range []string{"", "nodot", ".", "a.", ".b", "a.b.c"} {
		if _, _, err := ts.SplitRefreshToken(token); err != ErrTokenMalformed {
			t.Fatalf("token %q: got %v, want ErrTokenMalformed", token, err)
		}
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	ts := newTestTokenService(15 * time.Minute)

	signed, err := ts.CreateAccessToken(42, time.Now())
	if err != nil {
		t.Fatalf("create access token: %v", err)
	}

	userID, err := ts.ValidateAccessTokenAndGetUserID(context.Background(), signed)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if userID != 42 {
		t.Fatalf("userID = %d, want 42", userID)
	}
}

func TestAccessTokenRejectsForeignSignature(t *testing.T) {
	ts := newTestTokenService(15 * time.Minute)
	other := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("a-different-secret"),
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   24 * time.Hour,
	}, newFakeDenylist())

	signed, err := other.CreateAccessToken(42, time.Now())
	if err != nil {
		t.Fatalf("create access token: %v", err)
	}

	if _, err := ts.ValidateAccessTokenAndGetUserID(context.Background(), signed); err == nil {
		t.Fatal("accepted a token signed with a foreign secret")
	}
}

func TestAccessTokenRejectsExpired(t *testing.T) {
	ts := newTestTokenService(time.Minute)

	signed, err := ts.CreateAccessToken(42, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("create access token: %v", err)
	}

	if _, err := ts.ValidateAccessTokenAndGetUserID(context.Background(), signed); err == nil {
		t.Fatal("accepted an expired access token")
	}
}

func TestInvalidatedAccessTokenRejected(t *testing.T) {
	ts := newTestTokenService(15 * time.Minute)

	signed, err := ts.CreateAccessToken(42, time.Now())
	if err != nil {
		t.Fatalf("create access token: %v", err)
	}

	if err := ts.InvalidateAccessToken(context.Background(), signed); err != nil {
		t.Fatalf("invalidate access token: %v", err)
	}

	if _, err := ts.ValidateAccessTokenAndGetUserID(context.Background(), signed); err != ErrTokenRevoked {
		t.Fatalf("got %v, want ErrTokenRevoked for denylisted token", err)
	}
}

func TestInvalidateSkipsAlreadyExpired(t *testing.T) {
	denylist := newFakeDenylist()
	ts := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("token-test-secret"),
		AccessTTL:    time.Minute,
		RefreshTTL:   24 * time.Hour,
	}, denylist)

	signed, err := ts.CreateAccessToken(42, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("create access token: %v", err)
	}

	if err := ts.InvalidateAccessToken(context.Background(), signed); err != nil {
		t.Fatalf("invalidate expired token: %v", err)
	}
	if invalidated, _ := denylist.IsTokenInvalidated(context.Background(), signed); invalidated {
		t.Fatal("expired token was denylisted instead of skipped")
	}
}
