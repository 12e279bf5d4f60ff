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

type Storage struct {
	db *sql.DB
	*UserRepository
	*TokenRepository
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{
		db:              db,
		UserRepository:  NewUserRepository(db),
		TokenRepository: NewTokenRepository(db),
	}
}

// IssueTokensTx gets or creates the user by GUID and inserts the first
// record of a new token family in one transaction. A new user gets its
// own GUID row; an existing one just gains a family.
func (s *Storage) IssueTokensTx(ctx context.Context, guid string, record models.RefreshRecord) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	userRepoTx := NewUserRepository(tx)
	tokenRepoTx := NewTokenRepository(tx)

	user, err := userRepoTx.GetUserByGUID(ctx, guid)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			user, err = userRepoTx.CreateUser(ctx, guid)
			if err != nil {
				return nil, fmt.Errorf("failed to create user in tx: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to get user by guid in tx: %w", err)
		}
	}

	record.UserID = user.ID
	if err = tokenRepoTx.CreateToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create refresh token in tx: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return user, nil
}

// RotateTx is the atomic rotation step: the conditional 'active -> used'
// transition of the old record and the insert of its replacement either
// both commit or both roll back. The conditional update losing the race
// surfaces as storage.ErrRotationConflict and nothing is written.
func (s *Storage) RotateTx(ctx context.Context, oldID string, newRecord models.RefreshRecord, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	tokenRepoTx := NewTokenRepository(tx)

	if err := tokenRepoTx.markUsed(ctx, oldID, newRecord.ID, now); err != nil {
		if errors.Is(err, storage.ErrRotationConflict) {
			return storage.ErrRotationConflict
		}
		return fmt.Errorf("failed to mark token as used in tx: %w", err)
	}

	if err := tokenRepoTx.CreateToken(ctx, newRecord); err != nil {
		return fmt.Errorf("failed to create replacement token in tx: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
