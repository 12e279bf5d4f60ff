package memory

import (
	"context"
	"sync"
	"time"

	"github.com/avdeyev/refreshd/internal/models"
	"github.com/avdeyev/refreshd/internal/storage"
)

// TokenStore is a mutex-guarded in-memory implementation of
// storage.Storage. It mirrors the transactional semantics of the postgres
// implementation closely enough for the rotation engine tests: RotateTx is
// a single critical section, so exactly one concurrent rotation can win.
type TokenStore struct {
	mu       sync.RWMutex
	byID     map[string]models.RefreshRecord
	selector map[string]string // selector -> id
	users    map[string]models.User
	nextUser int64
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		byID:     make(map[string]models.RefreshRecord),
		selector: make(map[string]string),
		users:    make(map[string]models.User),
	}
}

func (m *TokenStore) CreateToken(_ context.Context, record models.RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[record.ID] = record
	m.selector[record.Selector] = record.ID
	return nil
}

func (m *TokenStore) FindBySelector(_ context.Context, selector string) (*models.RefreshRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.selector[selector]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	record := m.byID[id]
	return &record, nil
}

func (m *TokenStore) FindByID(_ context.Context, id string) (*models.RefreshRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.byID[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return &record, nil
}

func (m *TokenStore) RevokeFamily(_ context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, record := range m.byID {
		if record.FamilyID == familyID && record.Status != models.StatusRevoked {
			record.Status = models.StatusRevoked
			record.RevokedAt = &now
			m.byID[id] = record
		}
	}
	return nil
}

func (m *TokenStore) RevokeAllForUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, record := range m.byID {
		if record.UserID == userID && record.Status != models.StatusRevoked {
			record.Status = models.StatusRevoked
			record.RevokedAt = &now
			m.byID[id] = record
		}
	}
	return nil
}

func (m *TokenStore) PurgeExpired(_ context.Context, now time.Time, usedRetention, revokedRetention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, record := range m.byID {
		var gone bool
		switch record.Status {
		case models.StatusActive:
			gone = record.ExpiresAt.Before(now)
		case models.StatusUsed:
			gone = record.ExpiresAt.Before(now) ||
				(record.UsedAt != nil && record.UsedAt.Add(usedRetention).Before(now))
		case models.StatusRevoked:
			anchor := record.ExpiresAt
			if record.RevokedAt != nil {
				anchor = *record.RevokedAt
			}
			gone = anchor.Add(revokedRetention).Before(now)
		}
		if gone {
			delete(m.selector, record.Selector)
			delete(m.byID, id)
			purged++
		}
	}
	return purged, nil
}

func (m *TokenStore) GetUserByGUID(_ context.Context, guid string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[guid]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &user, nil
}

func (m *TokenStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.ID == id {
			u := user
			return &u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (m *TokenStore) IssueTokensTx(_ context.Context, guid string, record models.RefreshRecord) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[guid]
	if !ok {
		m.nextUser++
		user = models.User{ID: m.nextUser, GUID: guid}
		m.users[guid] = user
	}

	record.UserID = user.ID
	m.byID[record.ID] = record
	m.selector[record.Selector] = record.ID
	return &user, nil
}

func (m *TokenStore) RotateTx(_ context.Context, oldID string, newRecord models.RefreshRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.byID[oldID]
	if !ok || old.Status != models.StatusActive {
		return storage.ErrRotationConflict
	}

	usedAt := now
	old.Status = models.StatusUsed
	old.UsedAt = &usedAt
	replacedBy := newRecord.ID
	old.ReplacedBy = &replacedBy
	m.byID[oldID] = old

	m.byID[newRecord.ID] = newRecord
	m.selector[newRecord.Selector] = newRecord.ID
	return nil
}

// Snapshot returns a copy of every stored record, for test assertions.
func (m *TokenStore) Snapshot() []models.RefreshRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]models.RefreshRecord, 0, len(m.byID))
	for _, record := range m.byID {
		records = append(records, record)
	}
	return records
}
