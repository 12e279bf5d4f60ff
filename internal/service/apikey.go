package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	CurrentAdminKeyRedisKey      = "adminkey:current"
	OldAdminKeyRedisKey          = "adminkey:old"
	AdminKeyRotationTimeRedisKey = "adminkey:rotation_time"

	adminKeyOverlap = 24 * time.Hour
)

// APIKeyService guards the admin endpoints (family/user revocation) with a
// shared key. Only the sha256 hash ever reaches Redis, and a rotated-out
// key stays valid for a 24h overlap so operators can roll without downtime.
type APIKeyService struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewAPIKeyService(rdb *redis.Client, log *zap.SugaredLogger) *APIKeyService {
	return &APIKeyService{rdb: rdb, log: log}
}

// SyncAPIKey publishes the key from the environment at startup, demoting
// the previous key into the overlap slot when it changed.
func (s *APIKeyService) SyncAPIKey(ctx context.Context) error {
	newKey := os.Getenv("ADMIN_API_KEY")
	if newKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is empty during sync attempt")
	}

	hashedNewKey := s.hashAPIKey(newKey)

	currentHashedKey, err := s.rdb.Get(ctx, CurrentAdminKeyRedisKey).Result()
	if err != nil {
		if err == redis.Nil {
			pipe := s.rdb.Pipeline()
			pipe.Set(ctx, CurrentAdminKeyRedisKey, hashedNewKey, 0)
			pipe.Set(ctx, AdminKeyRotationTimeRedisKey, time.Now().UTC().Format(time.RFC3339), 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("init admin API key: %w", err)
			}
			s.log.Info("Admin API key initialized in Redis.")
			return nil
		}
		return fmt.Errorf("failed to get current admin API key from Redis: %w", err)
	}

	if constantTimeEqual(hashedNewKey, currentHashedKey) {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, OldAdminKeyRedisKey, currentHashedKey, adminKeyOverlap)
	pipe.Set(ctx, CurrentAdminKeyRedisKey, hashedNewKey, 0)
	pipe.Set(ctx, AdminKeyRotationTimeRedisKey, time.Now().UTC().Format(time.RFC3339), 0)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to sync admin API key in Redis: %w", err)
	}

	s.log.Info("Admin API key rotated.")
	return nil
}

func (s *APIKeyService) IsValidAPIKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	hashedKey := s.hashAPIKey(key)

	currentHashedKey, err := s.rdb.Get(ctx, CurrentAdminKeyRedisKey).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to get current admin API key from Redis: %w", err)
	}

	if constantTimeEqual(hashedKey, currentHashedKey) {
		return true, nil
	}

	oldHashedKey, err := s.rdb.Get(ctx, OldAdminKeyRedisKey).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to get old admin API key from Redis: %w", err)
	}

	if oldHashedKey != "" && constantTimeEqual(hashedKey, oldHashedKey) {
		rotationTimeStr, err := s.rdb.Get(ctx, AdminKeyRotationTimeRedisKey).Result()
		if err != nil {
			return false, fmt.Errorf("failed to get key rotation time from Redis: %w", err)
		}
		rotationTime, err := time.Parse(time.RFC3339, rotationTimeStr)
		if err != nil {
			return false, fmt.Errorf("failed to parse key rotation time: %w", err)
		}

		if time.Since(rotationTime) <= adminKeyOverlap {
			return true, nil
		}
	}

	return false, nil
}

func (s *APIKeyService) hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func constantTimeEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
