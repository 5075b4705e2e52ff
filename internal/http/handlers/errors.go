package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/go-chat-sync/internal/services"
)

// Error codes carried in ErrorResponse.Code. Clients branch on these, not
// on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeTimeout          = "timeout"
	ErrCodeUnavailable      = "unavailable"

	// friend request already accepted or rejected
	ErrCodeNotPending = "not_pending"
	// write failed for a reason the client cannot fix
	ErrCodeCreateFailed = "create_failed"
)

// serviceErrors maps service error kinds onto responses. First match wins.
var serviceErrors = []struct {
	kind   error
	status int
	code   string
}{
	{services.ErrAuthRequired, http.StatusUnauthorized, ErrCodeUnauthorized},
	{services.ErrPermission, http.StatusForbidden, ErrCodeForbidden},
	{services.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrNotPending, http.StatusConflict, ErrCodeNotPending},
	{services.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
	{services.ErrInvalidInput, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
	{services.ErrTransientStore, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// statusOf classifies err. Unknown errors are 500 with an empty code.
func statusOf(err error) (int, string) {
	for _, e := range serviceErrors {
		if errors.Is(err, e.kind) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, ""
}
