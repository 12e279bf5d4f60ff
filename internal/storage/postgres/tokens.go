package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avdeyev/refreshd/internal/models"
	"github.com/avdeyev/refreshd/internal/storage"
)

type TokenRepository struct {
	db storage.DBTX
}

func NewTokenRepository(db storage.DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, user_id, family_id, selector, verifier_hash, status, issued_at, expires_at, used_at, revoked_at, replaced_by`

func (r *TokenRepository) CreateToken(ctx context.Context, record models.RefreshRecord) error {
	query := `INSERT INTO refresh_tokens (` + tokenColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		record.ID,
		record.UserID,
		record.FamilyID,
		record.Selector,
		record.VerifierHash,
		record.Status,
		record.IssuedAt,
		record.ExpiresAt,
		record.UsedAt,
		record.RevokedAt,
		record.ReplacedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func (r *TokenRepository) FindBySelector(ctx context.Context, selector string) (*models.RefreshRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE selector = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, selector))
}

func (r *TokenRepository) FindByID(ctx context.Context, id string) (*models.RefreshRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// markUsed is the conditional half of rotation: it only succeeds while the
// record is still active, so two concurrent rotations cannot both win.
func (r *TokenRepository) markUsed(ctx context.Context, id, replacedBy string, now time.Time) error {
	query := `UPDATE refresh_tokens SET status = 'used', used_at = $2, replaced_by = $3 WHERE id = $1 AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, id, now, replacedBy)
	if err != nil {
		return fmt.Errorf("failed to mark token as used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrRotationConflict
	}
	return nil
}

func (r *TokenRepository) RevokeFamily(ctx context.Context, familyID string) error {
	query := `UPDATE refresh_tokens SET status = 'revoked', revoked_at = NOW() WHERE family_id = $1 AND status <> 'revoked'`
	if _, err := r.db.ExecContext(ctx, query, familyID); err != nil {
		return fmt.Errorf("failed to revoke token family: %w", err)
	}
	return nil
}

func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID int64) error {
	query := `UPDATE refresh_tokens SET status = 'revoked', revoked_at = NOW() WHERE user_id = $1 AND status <> 'revoked'`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// PurgeExpired enforces the per-status retention horizon: active records
// live until expires_at, used ones until used_at plus the grace retention,
// revoked ones until the audit window from revoked_at elapses.
func (r *TokenRepository) PurgeExpired(ctx context.Context, now time.Time, usedRetention, revokedRetention time.Duration) (int64, error) {
	query := `DELETE FROM refresh_tokens
		WHERE (status = 'active' AND expires_at < $1)
		   OR (status = 'used' AND (used_at < $2 OR expires_at < $1))
		   OR (status = 'revoked' AND COALESCE(revoked_at, expires_at) < $3)`
	res, err := r.db.ExecContext(ctx, query, now, now.Add(-usedRetention), now.Add(-revokedRetention))
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (r *TokenRepository) scanOne(row *sql.Row) (*models.RefreshRecord, error) {
	var record models.RefreshRecord
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.FamilyID,
		&record.Selector,
		&record.VerifierHash,
		&record.Status,
		&record.IssuedAt,
		&record.ExpiresAt,
		&record.UsedAt,
		&record.RevokedAt,
		&record.ReplacedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to scan refresh token: %w", err)
	}
	return &record, nil
}
