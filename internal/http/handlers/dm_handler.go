// Package handlers – direct messages.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous send
// exists for (user, "dm:"+peer, key), the handler returns the recorded
// message id with 200 and sets `Idempotency-Replayed: true` instead of
// writing a second message.

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

// MarkResult reports how many messages advanced.
type MarkResult struct {
	Updated int `json:"updated"`
}

// DMScope is the idempotency scope of messages sent to peer.
func DMScope(peer string) string { return "dm:" + peer }

// ListSessions godoc
// @ID          listSessions
// @Summary     List DM sessions
// @Description ListSessions returns the caller's DM sessions, most recent first.
// @Tags        Direct messages
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {object}  map[string][]domain.ChatSession  "sessions"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dm/sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	list, err := h.dms.Sessions(c.Request.Context(), me.UID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	if list == nil {
		list = []domain.ChatSession{}
	}
	ok(c, http.StatusOK, gin.H{"sessions": list})
}

// StreamSessions godoc
// @ID          streamSessions
// @Summary     Stream DM sessions
// @Description StreamSessions pushes the caller's session list as a "sessions" SSE event
// @Description on every change.
// @Tags        Direct messages
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {array}  domain.ChatSession  "sessions events"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /dm/sessions/stream [get]
func (h *Handlers) StreamSessions(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	stream(h, c, "sessions", func(ctx context.Context, fn func([]domain.ChatSession)) (func(), error) {
		return subscribeFunc(h.dms.SubscribeSessions(ctx, me.UID, fn))
	})
}

// SendDirectMessage godoc
// @ID          sendDirectMessage
// @Summary     Send a direct message
// @Description SendDirectMessage sends a message from the caller to a peer, creating the
// @Description session on first use. A replayed Idempotency-Key returns the recorded id
// @Description with 200 and Idempotency-Replayed: true.
// @Tags        Direct messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       uid              path    string  true  "Peer user ID"
// @Param       Idempotency-Key  header  string  false "Key for safe retries"
// @Param       body             body    handlers.PostMessageRequest  true  "Message"
//
// @Success     201  {object}  handlers.MessageCreated  "Sent"
// @Success     200  {object}  handlers.MessageCreated  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dm/{uid}/messages [post]
func (h *Handlers) SendDirectMessage(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	peer := c.Param("uid")
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text required")
		return
	}
	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c)

	key, keyed := middleware.GetIdempotencyKey(c)
	keyed = keyed && h.Idem != nil
	if keyed {
		id, seen, err := h.Idem.Lookup(ctx, me.UID, DMScope(peer), key, time.Now().UTC())
		if err != nil {
			lg.Warn().Err(err).Msg("idempotency lookup failed")
		}
		if seen {
			middleware.MarkReplayed(c)
			ok(c, http.StatusOK, MessageCreated{ID: id})
			return
		}
	}

	id, err := h.dms.Send(ctx, me, peer, req.Text)
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	if keyed {
		if err := h.Idem.Record(ctx, me.UID, DMScope(peer), key, id, http.StatusCreated); err != nil {
			lg.Warn().Err(err).Str("message_id", id).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusCreated, MessageCreated{ID: id})
}

// StreamDirectMessages godoc
// @ID          streamDirectMessages
// @Summary     Stream a conversation
// @Description StreamDirectMessages pushes the conversation with a peer, oldest first, as
// @Description a "messages" SSE event. Before the first message exists the stream
// @Description carries an empty list.
// @Tags        Direct messages
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       uid              path    string  true  "Peer user ID"
//
// @Success     200  {array}  domain.DirectMessage  "messages events"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /dm/{uid}/messages/stream [get]
func (h *Handlers) StreamDirectMessages(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	peer := c.Param("uid")
	stream(h, c, "messages", func(ctx context.Context, fn func([]domain.DirectMessage)) (func(), error) {
		return subscribeFunc(h.dms.Subscribe(ctx, me.UID, peer, fn))
	})
}

// MarkRead godoc
// @ID          markRead
// @Summary     Mark a conversation read
// @Description MarkRead advances every message from the peer to read and reports how
// @Description many changed. Status never moves backwards.
// @Tags        Direct messages
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       uid              path    string  true  "Peer user ID"
//
// @Success     200  {object}  handlers.MarkResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dm/{uid}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	h.mark(c, h.dms.MarkAsRead)
}

// MarkDelivered godoc
// @ID          markDelivered
// @Summary     Mark a conversation delivered
// @Description MarkDelivered advances every sent message from the peer to delivered.
// @Tags        Direct messages
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       uid              path    string  true  "Peer user ID"
//
// @Success     200  {object}  handlers.MarkResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dm/{uid}/delivered [post]
func (h *Handlers) MarkDelivered(c *gin.Context) {
	h.mark(c, h.dms.MarkDelivered)
}

func (h *Handlers) mark(c *gin.Context, fn func(ctx context.Context, me, other string) (int, error)) {
	me, found := caller(c)
	if !found {
		return
	}
	n, err := fn(c.Request.Context(), me.UID, c.Param("uid"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MarkResult{Updated: n})
}
