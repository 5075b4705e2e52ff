// Package handlers contains the Gin HTTP handlers for the public API.
//
// Handlers depend on narrow service interfaces declared here rather than on
// concrete services, so tests can substitute fakes and the router stays the
// single place where dependencies are wired. Every handler resolves the
// caller from the identity stored by the auth middleware; routes that
// mutate state sit behind auth.Require.
//
// Streaming endpoints (SSE and the room websocket) hold a store
// subscription for the lifetime of the connection and release it when the
// client goes away.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// PresenceService admits identities and tracks their online status.
type PresenceService interface {
	SignIn(ctx context.Context, id auth.Identity) (domain.UserProfile, error)
	SignOut(ctx context.Context, uid string) error
	Bind(ctx context.Context, s *auth.Session) func()
}

// FriendService exposes profiles and the friend workflow.
type FriendService interface {
	Profile(ctx context.Context, uid string) (domain.UserProfile, error)
	UpdateProfile(ctx context.Context, uid string, upd services.ProfileUpdate) (domain.UserProfile, error)
	SearchUsers(ctx context.Context, term string) ([]domain.UserProfile, error)
	SendRequest(ctx context.Context, sender auth.Identity, receiverUID string) (domain.FriendRequest, error)
	Friends(ctx context.Context, uid string) ([]domain.UserProfile, error)
	RemoveFriend(ctx context.Context, uid, friendUID string) error
}

// NotificationService exposes the notification feed. Accept and Reject act
// on the underlying friend request.
type NotificationService interface {
	Refresh(ctx context.Context, uid string) ([]domain.Notification, error)
	Accept(ctx context.Context, caller, requestID string) error
	Reject(ctx context.Context, caller, requestID string) error
	Poll(ctx context.Context, uid string, fn func([]domain.Notification)) (func(), error)
	Forget(uid string)
}

// RoomDirectoryService exposes the topic room list.
type RoomDirectoryService interface {
	Snapshot(ctx context.Context) []domain.ChatRoom
	Subscribe(ctx context.Context, fn func([]domain.ChatRoom)) store.Unsubscribe
	Get(ctx context.Context, id string) (domain.ChatRoom, error)
	Create(ctx context.Context, caller string, in services.NewRoom) (domain.ChatRoom, error)
	TogglePin(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, caller, id string) error
	ClaimOwnership(ctx context.Context, caller, id string) (domain.ChatRoom, error)
}

// RoomChannelService exposes presence and messages inside one room.
type RoomChannelService interface {
	Join(ctx context.Context, roomID string, who auth.Identity) error
	Leave(ctx context.Context, roomID string, who auth.Identity) error
	Send(ctx context.Context, roomID string, who auth.Identity, text string) (string, error)
	SubscribeMessages(ctx context.Context, roomID string, fn func([]domain.RoomMessage)) (store.Unsubscribe, error)
	SubscribeRoster(ctx context.Context, roomID string, fn func([]domain.RoomParticipant)) (store.Unsubscribe, error)
	SubscribeOnlineCount(ctx context.Context, roomID string, fn func(int)) (store.Unsubscribe, error)
}

// DirectMessageService exposes one-to-one sessions.
type DirectMessageService interface {
	Sessions(ctx context.Context, me string) ([]domain.ChatSession, error)
	SubscribeSessions(ctx context.Context, me string, fn func([]domain.ChatSession)) (store.Unsubscribe, error)
	Send(ctx context.Context, from auth.Identity, toUID, text string) (string, error)
	Subscribe(ctx context.Context, me, otherUID string, fn func([]domain.DirectMessage)) (store.Unsubscribe, error)
	MarkAsRead(ctx context.Context, me, otherUID string) (int, error)
	MarkDelivered(ctx context.Context, me, otherUID string) (int, error)
}

// IdempotencyStore remembers the resource produced for (user, scope, key).
type IdempotencyStore interface {
	Lookup(ctx context.Context, userID, scope, key string, now time.Time) (resourceID string, found bool, err error)
	Record(ctx context.Context, userID, scope, key, resourceID string, status int) error
}

// ETagSource reports a version of a collection for conditional GETs.
// Implementations may return ok=false when no cheap version exists.
type ETagSource func(ctx context.Context, collection string) (etag string, ok bool)

// Handlers groups all HTTP handlers and their dependencies.
type Handlers struct {
	presence PresenceService
	friends  FriendService
	notes    NotificationService
	rooms    RoomDirectoryService
	channel  RoomChannelService
	dms      DirectMessageService

	// Idem deduplicates DM sends; nil disables replay.
	Idem IdempotencyStore
	// RoomsETag versions GET /rooms; nil disables ETags.
	RoomsETag ETagSource
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// AllowedOrigins restricts websocket upgrades; empty allows all.
	AllowedOrigins []string
}

// New constructs and returns a Handlers instance bound to the given services.
func New(presence PresenceService, friends FriendService, notes NotificationService,
	rooms RoomDirectoryService, channel RoomChannelService, dms DirectMessageService) *Handlers {
	return &Handlers{
		presence:  presence,
		friends:   friends,
		notes:     notes,
		rooms:     rooms,
		channel:   channel,
		dms:       dms,
		Heartbeat: 25 * time.Second,
	}
}

// caller returns the authenticated identity. Routes reaching a handler
// without one are rejected with 401 and ok is false.
func caller(c *gin.Context) (auth.Identity, bool) {
	id, ok := auth.FromContext(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "sign-in required")
	}
	return id, ok
}
