package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"coderider-gateway/internal/translator"
	"coderider-gateway/internal/upstream"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeUpstream       = "upstream_error"
	errTypeServer         = "server_error"

	authExpiredCode = "coderider_auth_expired"
	authExpiredHint = "refresh GITLAB_OAUTH_ACCESS_TOKEN at https://jihulab.com/-/user_settings/applications and restart the gateway"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

type claudeErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(c echo.Context, reqErr requestError) error {
	if c.Path() == routeMessages {
		var payload claudeErrorBody
		payload.Type = "error"
		payload.Error.Type = claudeErrorType(reqErr)
		payload.Error.Message = reqErr.Message
		payload.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
		return c.JSON(reqErr.Status, payload)
	}

	var payload errorBody
	payload.Error.Message = reqErr.Message
	payload.Error.Type = reqErr.Type
	payload.Error.Code = reqErr.Code
	return c.JSON(reqErr.Status, payload)
}

// claudeErrorType maps a gateway error onto the Anthropic error vocabulary.
func claudeErrorType(reqErr requestError) string {
	switch reqErr.Status {
	case http.StatusBadRequest:
		return errTypeInvalidRequest
	case http.StatusUnauthorized:
		return errTypeAuthentication
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &reqErr):
	case errors.As(err, &httpErr):
		reqErr = requestError{
			Status:  httpErr.Code,
			Message: fmt.Sprint(httpErr.Message),
			Type:    errTypeInvalidRequest,
		}
		if httpErr.Code >= http.StatusInternalServerError {
			reqErr.Type = errTypeServer
		}
	default:
		s.logger.Error("unhandled error", "err", err, "uri", c.Request().RequestURI)
		reqErr = requestError{
			Status:  http.StatusInternalServerError,
			Message: "internal server error",
			Type:    errTypeServer,
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(reqErr.Status)
		return
	}
	if werr := writeError(c, reqErr); werr != nil {
		s.logger.Error("failed to write error response", "err", werr)
	}
}

func (s *Server) toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, translator.ErrInvalidRequest):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    errTypeInvalidRequest,
		}
	case errors.Is(err, upstream.ErrAuthExpired):
		s.logger.Warn("upstream authorization expired", "err", err)
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: "CodeRider authorization expired: " + authExpiredHint,
			Type:    errTypeAuthentication,
			Code:    authExpiredCode,
		}
	case errors.Is(err, upstream.ErrTimeout):
		s.logger.Warn("upstream timed out", "err", err)
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "upstream provider timed out",
			Type:    errTypeUpstream,
			Code:    "timeout",
		}
	case errors.As(err, &statusErr):
		s.logger.Warn("upstream returned an error", "status", statusErr.StatusCode, "err", err)
		return requestError{
			Status:  http.StatusBadGateway,
			Message: statusErr.Error(),
			Type:    errTypeUpstream,
		}
	default:
		s.logger.Error("upstream request failed", "err", err)
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider error",
			Type:    errTypeUpstream,
		}
	}
}

func logLevelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
