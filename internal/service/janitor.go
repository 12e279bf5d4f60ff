package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/storage"
	"github.com/avdeyev/refreshd/internal/util"
)

// Janitor purges dead refresh records on a timer. Retention is
// status-dependent: active records live to expires_at, used ones to
// used_at plus the grace horizon, revoked ones through the audit window.
type Janitor struct {
	tokens storage.TokenRepository
	cfg    *util.RotationConfig
	log    *zap.SugaredLogger
}

func NewJanitor(tokens storage.TokenRepository, cfg *util.RotationConfig, log *zap.SugaredLogger) *Janitor {
	return &Janitor{tokens: tokens, cfg: cfg, log: log}
}

// Run blocks until ctx is canceled, purging every GCInterval.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.purgeOnce(ctx)
		}
	}
}

func (j *Janitor) purgeOnce(ctx context.Context) {
	purged, err := j.tokens.PurgeExpired(ctx, time.Now(), j.cfg.UsedRetention(), j.cfg.RevokedRetention)
	if err != nil {
		j.log.Errorw("token purge failed", "error", err)
		return
	}
	if purged > 0 {
		j.log.Infow("purged dead refresh records", "count", purged)
	}
}
