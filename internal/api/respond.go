package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/gymbro/internal/fault"
)

// APIResponse is the structured result every endpoint returns: callers
// branch on success instead of parsing status codes out of prose.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	code := fault.CodeOf(err)
	message := "operation failed"
	var fe *fault.Error
	if errors.As(err, &fe) {
		message = fe.Message
	}
	c.JSON(statusFor(code), APIResponse{
		Success: false,
		Error:   &APIError{Code: string(code), Message: message},
	})
}

func statusFor(code fault.Code) int {
	switch code {
	case fault.CodeUnauthenticated:
		return http.StatusUnauthorized
	case fault.CodeInvalidArgument:
		return http.StatusBadRequest
	case fault.CodePermissionDenied:
		return http.StatusForbidden
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
