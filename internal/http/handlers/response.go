// Package handlers – responses.
//
// Every failure is answered with the same ErrorResponse envelope:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_pending",
//	  "message": "friend request is no longer pending"
//	}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

// retryAfterUnavailable is advertised when the store is temporarily down.
const retryAfterUnavailable = "2"

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// echoes X-Request-ID
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with the envelope. 5xx answers are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterUnavailable)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr answers with the status and code of a service error. Causes of
// 5xx errors are logged and replaced by the status text.
func failErr(c *gin.Context, err error, fallback string) {
	status, code := statusOf(err)
	if code == "" {
		code = fallback
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().Err(err).Msg("service error")
		msg = http.StatusText(status)
	}
	fail(c, status, code, msg)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
