package api

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	middleware "github.com/oapi-codegen/echo-middleware"
	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/controller"
	"github.com/avdeyev/refreshd/internal/service"
	"github.com/avdeyev/refreshd/internal/util"
)

const (
	shutdownTimeout = 5 * time.Second
)

//go:embed openapi.yaml
var openapiSpec []byte

type API struct {
	server          *echo.Echo
	controller      *controller.Controller
	apiKeyService   *service.APIKeyService
	log             *zap.SugaredLogger
	gracefulTimeout time.Duration
	rateLimiterCfg  *util.RateLimiterConfig
	cleanupFuncs    []func()
}

func NewAPI(
	c *controller.Controller,
	apiKeyService *service.APIKeyService,
	sc *util.ServerConfig,
	rlc *util.RateLimiterConfig,
	l *zap.SugaredLogger,
	cleanupFuncs []func(),
) *API {
	e := echo.New()

	e.Server.Addr = sc.ServerAddr
	e.Server.WriteTimeout = sc.WriteTimeout
	e.Server.ReadTimeout = sc.ReadTimeout
	e.Server.IdleTimeout = sc.IdleTimeout
	e.HTTPErrorHandler = ErrorHandler(l)

	return &API{
		server:          e,
		controller:      c,
		apiKeyService:   apiKeyService,
		log:             l,
		gracefulTimeout: sc.GracefulTimeout,
		rateLimiterCfg:  rlc,
		cleanupFuncs:    cleanupFuncs,
	}
}

func (a *API) Run(ctxBackground context.Context) {
	ctx, stop := signal.NotifyContext(ctxBackground, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	swagger, err := loadSpec()
	if err != nil {
		a.log.Fatalf("Failed to load OpenAPI specification: %v", err)
	}

	a.server.Use(echomiddleware.RequestLoggerWithConfig(GetLoggerMiddlewareConfig(a)))

	g := a.server.Group("/api")
	g.Use(RefreshRateLimiter(a.rateLimiterCfg))
	g.Use(middleware.OapiRequestValidator(swagger))
	controller.RegisterHandlers(g, a.controller)

	admin := g.Group("/admin")
	admin.Use(APIKeyAuthMiddleware(a.apiKeyService))
	controller.RegisterAdminHandlers(admin, a.controller)

	a.ListenGracefulShutdown(ctx)
}

// loadSpec parses the embedded OpenAPI document used for request
// validation.
func loadSpec() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, err
	}
	if err := swagger.Validate(loader.Context); err != nil {
		return nil, err
	}
	swagger.Servers = nil
	return swagger, nil
}

func (a *API) ListenGracefulShutdown(ctx context.Context) {
	go func() {
		err := a.server.Start(a.server.Server.Addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()
	a.log.Infof("Listening on: %s", a.server.Server.Addr)

	<-ctx.Done()
	a.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Errorf("shutdown: %v", err)
	}

	for _, cleanup := range a.cleanupFuncs {
		cleanup()
	}

	longShutdown := make(chan struct{}, 1)

	go func() {
		time.Sleep(a.gracefulTimeout)
		longShutdown <- struct{}{}
	}()

	select {
	case <-shutdownCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			a.log.Info("server shutdown completed")
		} else {
			a.log.Errorf("server shutdown: %v", ctx.Err())
		}
	case <-longShutdown:
		a.log.Infof("finished")
	}
}
