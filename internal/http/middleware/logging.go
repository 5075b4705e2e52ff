// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the correlation id, panic recovery and the
// request-scoped logger shared by the access log and the handlers:
//
//   - RequestID() reuses X-Request-ID or generates one.
//   - Recovery() turns panics into JSON 500 responses. A panic inside a
//     stream after bytes went out only aborts the connection.
//   - LoggerFrom() returns the request-scoped zerolog.Logger attached by
//     RedactingLogger, enriched with the room or peer the route addresses.
//
// Order: RequestID, RedactingLogger, Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
	// maxQueryLogLength caps the logged raw query.
	maxQueryLogLength = 2048
)

// RequestID attaches (or propagates) a correlation id. The id is echoed in
// the X-Request-ID response header and stored under "requestID".
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// attachLogger stores a logger carrying the request id and the route's
// subject (room id or DM peer) on the context and returns it.
func attachLogger(c *gin.Context) *zerolog.Logger {
	lc := log.With()
	if rid := requestIDOf(c); rid != "" {
		lc = lc.Str("request_id", rid)
	}
	if id := c.Param("id"); id != "" {
		lc = lc.Str("resource_id", id)
	}
	if peer := c.Param("uid"); peer != "" {
		lc = lc.Str("peer_uid", peer)
	}
	l := lc.Logger()
	c.Set(loggerKey, &l)
	return &l
}

// RequestIDFrom returns the correlation id of the request, or "".
func RequestIDFrom(c *gin.Context) string { return requestIDOf(c) }

// requestIDOf prefers the id set by RequestID, then the response header,
// then the request header.
func requestIDOf(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok && asString(v) != "" {
		return asString(v)
	}
	if rid := c.Writer.Header().Get(requestIDHeader); rid != "" {
		return rid
	}
	return c.GetHeader(requestIDHeader)
}

// Recovery intercepts panics, logs the stack and answers with the standard
// internal_error body when nothing was written yet.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := requestIDOf(c)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Bool("stream", IsStreamRequest(c)).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// none was attached. The caller's uid is added once authentication ran.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	var base *zerolog.Logger
	if v, ok := c.Get(loggerKey); ok {
		base, _ = v.(*zerolog.Logger)
	}
	if base == nil {
		l := log.With().Logger()
		base = &l
	}
	if uid, ok := c.Get("userID"); ok && asString(uid) != "" {
		l := base.With().Str("uid", asString(uid)).Logger()
		return &l
	}
	return base
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to max bytes plus an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
