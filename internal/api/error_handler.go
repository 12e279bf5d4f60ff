package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/avdeyev/refreshd/internal/service"
	"github.com/avdeyev/refreshd/internal/util"
)

// ErrorCode is the machine-readable rejection reason a client maps onto
// its definitive-failure handling.
type ErrorCode string

const (
	CodeTokenNotFound     ErrorCode = "token_not_found"
	CodeTokenExpired      ErrorCode = "token_expired"
	CodeTokenRevoked      ErrorCode = "token_revoked"
	CodeTokenReuseBlocked ErrorCode = "token_reuse_blocked"
)

type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
}

func ErrorHandler(log *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		if code, ok := rotationErrorCode(err); ok {
			c.JSON(http.StatusUnauthorized, ErrorResponse{ErrorCode: string(code)})
			return
		}

		var customErr util.ResponseError
		if errors.As(err, &customErr) {
			c.JSON(customErr.Status, map[string]string{"reason": customErr.Msg})
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			if he.Code == http.StatusInternalServerError {
				log.Errorw("HTTP error", "error", err, "uri", c.Request().RequestURI)
			}
			msg, isString := he.Message.(string)
			if !isString {
				msg = http.StatusText(he.Code)
			}
			if err := c.JSON(he.Code, map[string]string{"reason": msg}); err != nil {
				log.Errorw("failed to write json response", "error", err)
			}
			return
		}

		log.Errorw("unhandled error", "error", err, "uri", c.Request().RequestURI)
		c.JSON(http.StatusInternalServerError, map[string]string{"reason": "internal server error"})
	}
}

// rotationErrorCode maps rotation rejections onto the four wire codes.
// Malformed and wrong-secret tokens deliberately collapse into
// token_not_found: the response must not reveal which half was wrong.
func rotationErrorCode(err error) (ErrorCode, bool) {
	switch {
	case errors.Is(err, service.ErrTokenNotFound),
		errors.Is(err, service.ErrTokenMalformed),
		errors.Is(err, service.ErrTokenInvalid):
		return CodeTokenNotFound, true
	case errors.Is(err, service.ErrTokenExpired):
		return CodeTokenExpired, true
	case errors.Is(err, service.ErrTokenRevoked):
		return CodeTokenRevoked, true
	case errors.Is(err, service.ErrTokenReuseBlocked):
		return CodeTokenReuseBlocked, true
	}
	return "", false
}
