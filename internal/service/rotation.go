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
	"github.com/avdeyev/refreshd/internal/util"
)

// RotationEngine is the server-side state machine over a refresh record's
// lifecycle: active -> used -> (grace | reuse-blocked), any -> revoked,
// expired derived from expires_at. The engine itself is stateless; all
// correctness under concurrency comes from the store's conditional
// RotateTx, which lets exactly one of any competing rotations win.
type RotationEngine struct {
	storage  storage.Storage
	tokens   *TokenService
	pairs    PairCache
	webhooks *WebhookService
	cfg      *util.RotationConfig
	log      *zap.SugaredLogger
}

func NewRotationEngine(
	s storage.Storage,
	tokens *TokenService,
	pairs PairCache,
	webhooks *WebhookService,
	cfg *util.RotationConfig,
	log *zap.SugaredLogger,
) *RotationEngine {
	return &RotationEngine{
		storage:  s,
		tokens:   tokens,
		pairs:    pairs,
		webhooks: webhooks,
		cfg:      cfg,
		log:      log,
	}
}

// Rotate exchanges a refresh token for a fresh access/refresh pair.
//
// Rejections map 1:1 onto the wire error codes: ErrTokenNotFound,
// ErrTokenExpired, ErrTokenRevoked, ErrTokenReuseBlocked. A re-presented
// token inside the grace window is a race, not an attack, and resolves to
// the same pair the rotation winner received.
func (e *RotationEngine) Rotate(ctx context.Context, refreshToken string) (*models.IssuedPair, error) {
	selector, verifier, err := e.tokens.SplitRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	record, err := e.storage.FindBySelector(ctx, selector)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	if err := e.tokens.VerifyRefreshSecret(verifier, record.VerifierHash); err != nil {
		// A known selector with a wrong secret never matches a client bug.
		e.log.Warnw("refresh verifier mismatch", "tokenID", record.ID, "userID", record.UserID)
		return nil, ErrTokenNotFound
	}

	now := time.Now()
	if record.IsExpired(now) {
		return nil, ErrTokenExpired
	}

	switch record.Status {
	case models.StatusRevoked:
		e.log.Errorw("revoked refresh token presented",
			"tokenID", record.ID, "userID", record.UserID, "familyID", record.FamilyID)
		e.notify(ctx, "revoked_token_presented", record)
		return nil, ErrTokenRevoked

	case models.StatusUsed:
		return e.resolveUsed(ctx, record, now)

	case models.StatusActive:
		pair, newRecord, err := e.mint(record.UserID, record.FamilyID, now)
		if err != nil {
			return nil, err
		}

		err = e.storage.RotateTx(ctx, record.ID, newRecord, now)
		if errors.Is(err, storage.ErrRotationConflict) {
			// Lost the race: someone else rotated this record first.
			// Re-read and fall into the used/revoked evaluation instead of
			// retrying the same doomed transition.
			fresh, readErr := e.storage.FindByID(ctx, record.ID)
			if readErr != nil {
				return nil, fmt.Errorf("re-read after rotation conflict: %w", readErr)
			}
			switch fresh.Status {
			case models.StatusRevoked:
				return nil, ErrTokenRevoked
			case models.StatusUsed:
				return e.resolveUsed(ctx, fresh, now)
			default:
				return nil, fmt.Errorf("rotation conflict left token %s in status %s", fresh.ID, fresh.Status)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("rotate refresh token: %w", err)
		}

		// Publish the issued pair under the spent token's selector so
		// grace-window followers converge on it. The cache write is the
		// convergence point: if a follower got its reissue in first, this
		// caller hands out the follower's pair, never a competing one.
		won, cacheErr := e.pairs.PutPair(ctx, record.Selector, *pair, e.cfg.UsedRetention())
		if cacheErr != nil {
			e.log.Warnw("grace cache write failed", "tokenID", record.ID, "error", cacheErr)
			return pair, nil
		}
		if !won {
			if cached, getErr := e.pairs.GetPair(ctx, record.Selector); getErr == nil && cached != nil {
				return cached, nil
			}
		}

		return pair, nil
	}

	return nil, fmt.Errorf("token %s has unknown status %q", record.ID, record.Status)
}

// resolveUsed handles a token that was already spent. Inside the grace
// window that is the losing side of a legitimate race; outside it the
// token is stale or stolen and its whole family dies.
func (e *RotationEngine) resolveUsed(ctx context.Context, record *models.RefreshRecord, now time.Time) (*models.IssuedPair, error) {
	if record.UsedAt != nil && now.Sub(*record.UsedAt) <= e.cfg.GracePeriod {
		pair, err := e.pairs.GetPair(ctx, record.Selector)
		if err != nil {
			e.log.Warnw("grace cache read failed", "tokenID", record.ID, "error", err)
		}
		if pair != nil {
			e.log.Warnw("refresh race absorbed within grace window",
				"tokenID", record.ID, "userID", record.UserID, "familyID", record.FamilyID)
			return pair, nil
		}

		// Cache miss inside grace: synthesize an equivalent reissue in the
		// same family rather than punish a caller that held a valid token.
		// The cache decides which pair wins; only the winning write gets
		// its record persisted, so late racers converge instead of forking.
		reissued, newRecord, err := e.mint(record.UserID, record.FamilyID, now)
		if err != nil {
			return nil, err
		}
		won, cacheErr := e.pairs.PutPair(ctx, record.Selector, *reissued, e.cfg.UsedRetention())
		if cacheErr != nil {
			e.log.Warnw("grace cache write failed", "tokenID", record.ID, "error", cacheErr)
		} else if !won {
			if cached, getErr := e.pairs.GetPair(ctx, record.Selector); getErr == nil && cached != nil {
				e.log.Warnw("refresh race absorbed within grace window",
					"tokenID", record.ID, "userID", record.UserID, "familyID", record.FamilyID)
				return cached, nil
			}
		}
		if err := e.storage.CreateToken(ctx, newRecord); err != nil {
			return nil, fmt.Errorf("reissue within grace: %w", err)
		}
		e.log.Warnw("grace reissue without cached pair",
			"tokenID", record.ID, "userID", record.UserID, "familyID", record.FamilyID)
		return reissued, nil
	}

	// Reuse outside grace means the token resurfaced after its replacement
	// was already accepted: assume compromise, kill the lineage.
	if err := e.storage.RevokeFamily(ctx, record.FamilyID); err != nil {
		return nil, fmt.Errorf("revoke family %s: %w", record.FamilyID, err)
	}
	e.log.Errorw("refresh token reuse outside grace window, family revoked",
		"tokenID", record.ID, "userID", record.UserID, "familyID", record.FamilyID)
	e.notify(ctx, "token_reuse_blocked", record)

	return nil, ErrTokenReuseBlocked
}

// mint builds the replacement record and the pair returned to the client.
func (e *RotationEngine) mint(userID int64, familyID string, now time.Time) (*models.IssuedPair, models.RefreshRecord, error) {
	accessToken, err := e.tokens.CreateAccessToken(userID, now)
	if err != nil {
		return nil, models.RefreshRecord{}, fmt.Errorf("create access token: %w", err)
	}

	plaintext, selector, verifierHash, err := e.tokens.CreateRefreshToken()
	if err != nil {
		return nil, models.RefreshRecord{}, fmt.Errorf("create refresh token: %w", err)
	}

	record := models.RefreshRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		FamilyID:     familyID,
		Selector:     selector,
		VerifierHash: verifierHash,
		Status:       models.StatusActive,
		IssuedAt:     now,
		ExpiresAt:    now.Add(e.tokens.RefreshTTL()),
	}

	pair := &models.IssuedPair{
		AccessToken:  accessToken,
		RefreshToken: plaintext,
		ExpiresIn:    int64(e.tokens.AccessTTL().Seconds()),
	}

	return pair, record, nil
}

func (e *RotationEngine) notify(ctx context.Context, event string, record *models.RefreshRecord) {
	if e.webhooks == nil {
		return
	}
	e.webhooks.NotifySecurityEvent(ctx, event, map[string]interface{}{
		"token_id":  record.ID,
		"user_id":   record.UserID,
		"family_id": record.FamilyID,
	})
}
