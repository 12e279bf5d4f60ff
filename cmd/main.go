package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/api"
	"github.com/avdeyev/refreshd/internal/controller"
	"github.com/avdeyev/refreshd/internal/migrations"
	"github.com/avdeyev/refreshd/internal/service"
	"github.com/avdeyev/refreshd/internal/storage/postgres"
	"github.com/avdeyev/refreshd/internal/storage/redis"
	"github.com/avdeyev/refreshd/internal/util"

	_ "github.com/lib/pq"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := util.NewZapLogger()

	db, dbCleanup, err := util.NewDBConnection(logger)
	if err != nil {
		logger.Fatal(zap.Error(err))
	}
	if err := migrations.RunMigrations(db, logger, "./internal/migrations"); err != nil {
		logger.Fatal(zap.Error(err))
	}

	redisClient, redisCleanup, err := util.NewRedisClient(ctx, logger, util.NewRedisConfig())
	if err != nil {
		logger.Fatal(zap.Error(err))
	}

	apiKeyService := service.NewAPIKeyService(redisClient, logger)
	if err := apiKeyService.SyncAPIKey(ctx); err != nil {
		logger.Fatal(zap.Error(err))
	}

	store := postgres.NewStorage(db)
	cleanupFuncs := []func(){dbCleanup, redisCleanup}

	rotationCfg := util.NewRotationConfig()

	denylist := redis.NewTokenStorage(redisClient)
	pairCache := redis.NewPairCache(redisClient)
	tokenService := service.NewTokenService(util.NewTokenConfig(), denylist)
	webhookService := service.NewWebhookService(logger, util.GetWebhookURL())
	rotationEngine := service.NewRotationEngine(store, tokenService, pairCache, webhookService, rotationCfg, logger)
	identityVerifier := service.NewHMACIdentityVerifier(util.NewIdentityConfig())
	authService := service.NewAuthService(store, tokenService, rotationEngine, identityVerifier, logger)

	janitor := service.NewJanitor(store, rotationCfg, logger)
	go janitor.Run(ctx)

	ctrl := controller.NewController(logger, authService)

	apiServer := api.NewAPI(ctrl, apiKeyService, util.NewServerConfig(), util.NewRateLimiterConfig(), logger, cleanupFuncs)
	apiServer.Run(ctx)
}
