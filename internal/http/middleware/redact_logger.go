// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access log. It scrubs PII and
// credentials from request metadata before emitting:
//
//   - bodies are never logged
//   - e-mails, phone numbers and UUIDs in the query and headers are replaced
//   - Authorization, Cookie, Set-Cookie and configured headers are masked
//   - ?token= (websocket and SSE clients authenticate that way) is masked
//
// Long-lived streams log one line when they close, with their lifetime as
// latency and stream=true.
//
// Usage:
//
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{auth.HeaderUserEmail},
//	}))
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// RedactOptions configures extra scrubbing. MaskHeaders are matched
// case-insensitively and fully replaced with "[REDACTED]".
type RedactOptions struct {
	MaskHeaders []string
}

var (
	// UUIDs go before phones so the phone pattern never eats UUID segments.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// digits only, so hex ids are left alone
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
	tokenRE = regexp.MustCompile(`(?i)(^|&)((?:access_)?token)=[^&]*`)
)

func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// redactQuery masks credentials first so their values never reach the
// pattern pass.
func redactQuery(q string) string {
	q = tokenRE.ReplaceAllString(q, "${1}${2}=[REDACTED]")
	return truncate(redact(q), maxQueryLogLength)
}

// RedactingLogger attaches the request-scoped logger and writes one access
// line per request: info below 400, warn for 4xx, error for 5xx or when
// handlers recorded gin errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		lg := attachLogger(c)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redactQuery(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}
		stream := IsStreamRequest(c)

		c.Next()

		status := c.Writer.Status()
		uid, _ := c.Get("userID")

		ev := lg.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = lg.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", c.Errors.String())
			}
		case status >= 400:
			ev = lg.Warn()
		}
		msg := "http_request"
		if stream {
			msg = "stream_closed"
		}
		ev.
			Str("user_id", asString(uid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Bool("stream", stream).
			Interface("headers", safeHeaders).
			Msg(msg)
	}
}
