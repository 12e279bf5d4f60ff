package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/avdeyev/refreshd/internal/models"
)

var (
	ErrTokenNotFound = errors.New("refresh token not found")
	ErrUserNotFound  = errors.New("user not found")

	// ErrRotationConflict means another request already moved the record
	// out of 'active'; the caller must re-read and re-evaluate.
	ErrRotationConflict = errors.New("rotation conflict")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Storage interface {
	TokenRepository
	UserRepository

	// IssueTokensTx gets or creates the user by GUID and inserts the first
	// refresh record of a new family, in one transaction.
	IssueTokensTx(ctx context.Context, guid string, record models.RefreshRecord) (*models.User, error)

	// RotateTx marks the old record used (conditioned on it still being
	// active) and inserts the replacement record as one atomic unit.
	// Returns ErrRotationConflict when the conditional update loses a race.
	RotateTx(ctx context.Context, oldID string, newRecord models.RefreshRecord, now time.Time) error
}

type TokenRepository interface {
	CreateToken(ctx context.Context, record models.RefreshRecord) error
	FindBySelector(ctx context.Context, selector string) (*models.RefreshRecord, error)
	FindByID(ctx context.Context, id string) (*models.RefreshRecord, error)
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
	// PurgeExpired deletes records past their per-status retention horizon.
	PurgeExpired(ctx context.Context, now time.Time, usedRetention, revokedRetention time.Duration) (int64, error)
}

type UserRepository interface {
	GetUserByGUID(ctx context.Context, guid string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}
