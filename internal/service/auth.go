package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/models"
	"github.com/avdeyev/refreshd/internal/storage"
)

// AuthService ties the login, rotation and revocation paths together.
type AuthService struct {
	storage  storage.Storage
	tokens   *TokenService
	engine   *RotationEngine
	verifier IdentityVerifier
	log      *zap.SugaredLogger
}

func NewAuthService(
	s storage.Storage,
	tokens *TokenService,
	engine *RotationEngine,
	verifier IdentityVerifier,
	log *zap.SugaredLogger,
) *AuthService {
	return &AuthService{
		storage:  s,
		tokens:   tokens,
		engine:   engine,
		verifier: verifier,
		log:      log,
	}
}

// Login exchanges a third-party identity assertion for the first token
// pair of a brand-new family. The user row is found or created by the
// attested subject ID, in the same transaction that stores the record.
func (s *AuthService) Login(ctx context.Context, assertion string) (*models.IssuedPair, error) {
	identity, err := s.verifier.Verify(assertion)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	plaintext, selector, verifierHash, err := s.tokens.CreateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}

	record := models.RefreshRecord{
		ID:           uuid.NewString(),
		FamilyID:     uuid.NewString(),
		Selector:     selector,
		VerifierHash: verifierHash,
		Status:       models.StatusActive,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.tokens.RefreshTTL()),
	}

	user, err := s.storage.IssueTokensTx(ctx, identity.SubjectID, record)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	signed, err := s.tokens.CreateAccessToken(user.ID, now)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	s.log.Infow("login issued new token family",
		"userID", user.ID, "familyID", record.FamilyID)

	return &models.IssuedPair{
		AccessToken:  signed,
		RefreshToken: plaintext,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Refresh rotates the presented refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.IssuedPair, error) {
	return s.engine.Rotate(ctx, refreshToken)
}

// Logout revokes the refresh token's family and denylists the presented
// access token for its remaining lifetime.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	selector, verifier, err := s.tokens.SplitRefreshToken(refreshToken)
	if err != nil {
		return ErrTokenNotFound
	}

	record, err := s.storage.FindBySelector(ctx, selector)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("find refresh token: %w", err)
	}

	// The selector alone is public knowledge; proof of the verifier half is
	// required before a whole family can be revoked.
	if err := s.tokens.VerifyRefreshSecret(verifier, record.VerifierHash); err != nil {
		s.log.Warnw("logout verifier mismatch", "tokenID", record.ID, "userID", record.UserID)
		return ErrTokenNotFound
	}

	if err := s.storage.RevokeFamily(ctx, record.FamilyID); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}

	if accessToken != "" {
		if err := s.tokens.InvalidateAccessToken(ctx, accessToken); err != nil {
			// Family is already dead; a denylist failure only shortens the
			// logout guarantee to the access TTL.
			s.log.Warnw("access token denylist failed on logout", "error", err)
		}
	}

	s.log.Infow("logout revoked token family",
		"userID", record.UserID, "familyID", record.FamilyID)
	return nil
}

// RevokeUser revokes every token family belonging to a user. Admin-only.
func (s *AuthService) RevokeUser(ctx context.Context, guid string) error {
	user, err := s.storage.GetUserByGUID(ctx, guid)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return storage.ErrUserNotFound
		}
		return fmt.Errorf("get user by guid: %w", err)
	}

	if err := s.storage.RevokeAllForUser(ctx, user.ID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}

	s.log.Infow("revoked all token families for user", "userID", user.ID)
	return nil
}
