// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// authentication, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Long-lived streams are never buffered or compressed
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/http/handlers"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// Deps are the infrastructure pieces the API is built on.
type Deps struct {
	// DB holds idempotency records. When the document store is SQL it is
	// also the documents database and drives ETags.
	DB    *gorm.DB
	Store store.Store
	KV    cache.KV
	Auth  auth.Authenticator
	// Seeds replace the built-in default rooms when non-empty.
	Seeds []services.RoomSeed
}

// idemRepoShim adapts the repository free functions to the
// handlers.IdempotencyStore interface.
type idemRepoShim struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup proxies repo.GetIdempotency.
func (s idemRepoShim) Lookup(ctx context.Context, userID, scope, key string, now time.Time) (string, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.ResourceID, true, nil
}

// Record proxies repo.CreateIdempotency. A concurrent duplicate is not an
// error; the first record wins.
func (s idemRepoShim) Record(ctx context.Context, userID, scope, key, resourceID string, status int) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scope, key, resourceID, status, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// collectionETag versions a collection by its document count and latest
// write, both read from the documents table.
func collectionETag(db *gorm.DB) handlers.ETagSource {
	return func(ctx context.Context, collection string) (string, bool) {
		v, err := repo.CollectionStats(ctx, db, collection)
		if err != nil {
			return "", false
		}
		return v.ETag(collection), true
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), authentication,
// idempotency and rate limiting, CORS and security headers, health and
// metrics endpoints, and then mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Gzip (streams excluded)
//  6. Body size limiter
//  7. Metrics
//  8. Authentication (anonymous requests pass without identity)
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user/IP, bypass on replay)
//  11. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{auth.HeaderUserEmail},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Compression; SSE and websocket responses must stream unbuffered
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/stream$`, `/ws$`})))

	// 6) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Identity
	r.Use(auth.Middleware(deps.Auth))

	// 9) Idempotency validation (before rate limiting)
	var idem handlers.IdempotencyStore
	var lookup middleware.IdempotencyLookup
	if deps.DB != nil {
		shim := idemRepoShim{db: deps.DB, ttl: cfg.IdempotencyTTL}
		idem = shim
		lookup = func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			_, found, err := shim.Lookup(ctx, userID, scope, key, now)
			return found, err
		}
	}
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
			Scope: func(c *gin.Context) string {
				if uid := c.Param("uid"); uid != "" {
					return handlers.DMScope(uid)
				}
				return c.Param("id")
			},
		},
		lookup,
	))

	// 10) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 11) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
		auth.HeaderUserID, auth.HeaderUserName, auth.HeaderUserEmail, auth.HeaderUserPhoto,
		middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", middleware.HeaderIdempotencyReplayed}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← store/cache
	profiles := services.NewProfileCache(deps.Store, deps.KV, cfg.Cache.ProfileTTL, cfg.Cache.ProfileFetchTimeout)
	friends := services.NewFriendService(deps.Store, profiles)
	access := services.NewAccessControl(deps.Store, cfg.Auth.AccessGate == "enforce", cfg.Auth.AssumeApproved)
	presence := services.NewPresence(friends, access)
	notes := services.NewNotifications(friends, profiles, cfg.NotificationsPoll)

	rooms := services.NewRoomDirectory(deps.Store, deps.KV)
	rooms.CacheTTL = cfg.Cache.RoomsTTL
	rooms.OwnershipBypass = cfg.Rooms.OwnershipBypass
	if len(deps.Seeds) > 0 {
		rooms.Seeds = deps.Seeds
	}

	h := handlers.New(presence, friends, notes, rooms,
		services.NewRoomChannel(deps.Store), services.NewDirectMessages(deps.Store))
	h.Idem = idem
	h.AllowedOrigins = cfg.CORS.AllowedOrigins
	if deps.DB != nil && cfg.Store.Backend == "sql" {
		h.RoomsETag = collectionETag(deps.DB)
	}

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Room directory (readable anonymously)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/stream", h.StreamRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/messages/stream", h.StreamRoomMessages)
		api.GET("/rooms/:id/participants/stream", h.StreamRoomParticipants)
		api.GET("/rooms/:id/online/stream", h.StreamRoomOnline)
	}

	signed := api.Group("", auth.Require())
	{
		// Profiles and presence
		signed.POST("/me", h.SignIn)
		signed.DELETE("/me/session", h.SignOut)
		signed.GET("/me", h.Me)
		signed.PATCH("/me", h.UpdateMe)
		signed.GET("/users", h.SearchUsers)
		signed.GET("/users/:uid", h.GetUser)

		// Friends
		signed.GET("/friends", h.ListFriends)
		signed.DELETE("/friends/:uid", h.RemoveFriend)
		signed.POST("/friend-requests", h.SendFriendRequest)
		signed.POST("/friend-requests/:id/accept", h.AcceptFriendRequest)
		signed.POST("/friend-requests/:id/reject", h.RejectFriendRequest)

		// Notifications
		signed.GET("/notifications", h.ListNotifications)
		signed.GET("/notifications/stream", h.StreamNotifications)

		// Rooms
		signed.POST("/rooms", h.CreateRoom)
		signed.POST("/rooms/:id/pin", h.TogglePin)
		signed.DELETE("/rooms/:id", h.DeleteRoom)
		signed.POST("/rooms/:id/claim", h.ClaimRoom)
		signed.POST("/rooms/:id/join", h.JoinRoom)
		signed.POST("/rooms/:id/leave", h.LeaveRoom)
		signed.POST("/rooms/:id/messages", h.PostRoomMessage)
		signed.GET("/rooms/:id/ws", h.RoomSocket)

		// Direct messages
		signed.GET("/dm/sessions", h.ListSessions)
		signed.GET("/dm/sessions/stream", h.StreamSessions)
		signed.POST("/dm/:uid/messages", h.SendDirectMessage)
		signed.GET("/dm/:uid/messages/stream", h.StreamDirectMessages)
		signed.POST("/dm/:uid/read", h.MarkRead)
		signed.POST("/dm/:uid/delivered", h.MarkDelivered)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
