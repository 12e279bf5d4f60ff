package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/models"
	"github.com/avdeyev/refreshd/internal/service"
	"github.com/avdeyev/refreshd/internal/storage"
)

type Controller struct {
	zapLogger   *zap.SugaredLogger
	authService *service.AuthService
}

func NewController(logger *zap.SugaredLogger, authService *service.AuthService) *Controller {
	return &Controller{
		zapLogger:   logger,
		authService: authService,
	}
}

// RegisterHandlers wires the public auth routes onto the given group.
func RegisterHandlers(g *echo.Group, c *Controller) {
	g.GET("/ping", c.CheckServer)
	g.POST("/auth/login", c.Login)
	g.POST("/auth/refresh", c.Refresh)
	g.POST("/auth/logout", c.Logout)
}

// RegisterAdminHandlers wires the API-key-guarded admin routes.
func RegisterAdminHandlers(g *echo.Group, c *Controller) {
	g.POST("/revoke", c.AdminRevokeUser)
}

// (GET /api/ping).
func (c *Controller) CheckServer(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, "ok")
}

// (POST /api/auth/login).
func (c *Controller) Login(ctx echo.Context) error {
	var req models.LoginRequest
	if err := ctx.Bind(&req); err != nil || req.Assertion == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "assertion is required")
	}

	pair, err := c.authService.Login(ctx.Request().Context(), req.Assertion)
	if err != nil {
		if errors.Is(err, service.ErrAssertionInvalid) {
			return echo.NewHTTPError(http.StatusUnauthorized, "identity assertion rejected")
		}
		return err
	}

	return ctx.JSON(http.StatusOK, toPairResponse(pair))
}

// (POST /api/auth/refresh).
func (c *Controller) Refresh(ctx echo.Context) error {
	var req models.RefreshRequest
	if err := ctx.Bind(&req); err != nil || req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh_token is required")
	}

	pair, err := c.authService.Refresh(ctx.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, toPairResponse(pair))
}

// (POST /api/auth/logout).
func (c *Controller) Logout(ctx echo.Context) error {
	var req models.LogoutRequest
	if err := ctx.Bind(&req); err != nil || req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh_token is required")
	}

	if err := c.authService.Logout(ctx.Request().Context(), req.AccessToken, req.RefreshToken); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}

// (POST /api/admin/revoke).
func (c *Controller) AdminRevokeUser(ctx echo.Context) error {
	var req models.AdminRevokeRequest
	if err := ctx.Bind(&req); err != nil || req.GUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "guid is required")
	}

	if err := c.authService.RevokeUser(ctx.Request().Context(), req.GUID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return err
	}

	c.zapLogger.Infow("admin revoked user sessions", "guid", req.GUID, "ip", ctx.RealIP())
	return ctx.NoContent(http.StatusNoContent)
}

func toPairResponse(pair *models.IssuedPair) models.TokenPairResponse {
	return models.TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}
}
