package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Context keys set by Middleware. "userID" is also read by the rate limiter
// and the idempotency middleware.
const (
	CtxUserID   = "userID"
	CtxIdentity = "identity"
)

// Middleware authenticates every request. Anonymous requests pass through
// without an identity; requests with rejected credentials get 401.
func Middleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Authenticate(c.Request)
		switch {
		case err == nil:
			c.Set(CtxUserID, id.UID)
			c.Set(CtxIdentity, id)
		case errors.Is(err, ErrNoCredentials):
		default:
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected credentials")
			abortUnauthorized(c, "invalid credentials")
			return
		}
		c.Next()
	}
}

// Require rejects anonymous requests with 401.
func Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			abortUnauthorized(c, "sign-in required")
			return
		}
		c.Next()
	}
}

// FromContext returns the identity stored by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(CtxIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok && id.UID != ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    msg,
	})
}
