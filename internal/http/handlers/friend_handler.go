// Friend and notification HTTP handlers.
//
// This file exposes the friend workflow and the notification feed:
//   - GET /friends, DELETE /friends/{uid}
//   - POST /friend-requests, /friend-requests/{id}/accept, /friend-requests/{id}/reject
//   - GET /notifications, /notifications/stream

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// SendFriendRequestRequest is the JSON payload for POST /friend-requests.
type SendFriendRequestRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
}

// ListFriends godoc
// @ID          listFriends
// @Summary     List friends
// @Description ListFriends returns the caller's friends with their current profiles.
// @Description Friends without a profile document appear as placeholders.
// @Tags        Friends
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {object}  map[string][]domain.UserProfile  "friends"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /friends [get]
func (h *Handlers) ListFriends(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	friends, err := h.friends.Friends(c.Request.Context(), me.UID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	if friends == nil {
		friends = []domain.UserProfile{}
	}
	ok(c, http.StatusOK, gin.H{"friends": friends})
}

// RemoveFriend godoc
// @ID          removeFriend
// @Summary     Remove a friend
// @Description RemoveFriend drops the friendship on both sides.
// @Tags        Friends
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       uid              path    string  true  "Friend user ID"
//
// @Success     204  "Removed"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /friends/{uid} [delete]
func (h *Handlers) RemoveFriend(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	if err := h.friends.RemoveFriend(c.Request.Context(), me.UID, c.Param("uid")); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// SendFriendRequest godoc
// @ID          sendFriendRequest
// @Summary     Send a friend request
// @Description SendFriendRequest creates a pending request from the caller. Requests to
// @Description oneself are rejected with 400; an existing friendship or a pending request
// @Description between the pair gets 409.
// @Tags        Friends
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       body             body    handlers.SendFriendRequestRequest  true  "Receiver"
//
// @Success     201  {object}  domain.FriendRequest
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Conflict"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /friend-requests [post]
func (h *Handlers) SendFriendRequest(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	var req SendFriendRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ReceiverID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "receiverId required")
		return
	}
	fr, err := h.friends.SendRequest(c.Request.Context(), me, strings.TrimSpace(req.ReceiverID))
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, fr)
}

// AcceptFriendRequest godoc
// @ID          acceptFriendRequest
// @Summary     Accept a friend request
// @Description AcceptFriendRequest accepts a pending request. Only the receiver may
// @Description answer; a request that is no longer pending gets 409 not_pending.
// @Tags        Friends
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Request ID"
//
// @Success     204  "Accepted"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     403  {object}  handlers.ErrorResponse  "Not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Conflict"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /friend-requests/{id}/accept [post]
func (h *Handlers) AcceptFriendRequest(c *gin.Context) {
	h.answer(c, h.notes.Accept)
}

// RejectFriendRequest godoc
// @ID          rejectFriendRequest
// @Summary     Reject a friend request
// @Description RejectFriendRequest rejects a pending request, with the same rules as
// @Description AcceptFriendRequest.
// @Tags        Friends
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Request ID"
//
// @Success     204  "Rejected"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     403  {object}  handlers.ErrorResponse  "Not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Conflict"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /friend-requests/{id}/reject [post]
func (h *Handlers) RejectFriendRequest(c *gin.Context) {
	h.answer(c, h.notes.Reject)
}

func (h *Handlers) answer(c *gin.Context, act func(ctx context.Context, caller, requestID string) error) {
	me, found := caller(c)
	if !found {
		return
	}
	if err := act(c.Request.Context(), me.UID, c.Param("id")); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     List notifications
// @Description ListNotifications rebuilds and returns the caller's feed. An empty feed
// @Description holds a single read welcome notification.
// @Tags        Notifications
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {object}  map[string][]domain.Notification  "notifications"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	list, err := h.notes.Refresh(c.Request.Context(), me.UID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, gin.H{"notifications": list})
}

// StreamNotifications godoc
// @ID          streamNotifications
// @Summary     Stream notifications
// @Description StreamNotifications pushes the caller's feed as a "notifications" SSE event
// @Description each time the poll schedule fires.
// @Tags        Notifications
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {array}  domain.Notification  "notifications events"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /notifications/stream [get]
func (h *Handlers) StreamNotifications(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	stream(h, c, "notifications", func(ctx context.Context, fn func([]domain.Notification)) (func(), error) {
		return h.notes.Poll(ctx, me.UID, fn)
	})
}
