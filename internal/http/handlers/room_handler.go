// Room HTTP handlers.
//
// This file exposes the room directory and the room channel over REST and SSE:
//   - GET    /rooms, /rooms/stream, /rooms/{id}
//   - POST   /rooms, /rooms/{id}/pin, /rooms/{id}/claim
//   - DELETE /rooms/{id}
//   - POST   /rooms/{id}/join, /rooms/{id}/leave, /rooms/{id}/messages
//   - GET    /rooms/{id}/messages/stream, /rooms/{id}/participants/stream,
//     /rooms/{id}/online/stream
//
// Directory reads and streams are anonymous; every mutation needs a caller.

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// CreateRoomRequest is the JSON payload for POST /rooms.
type CreateRoomRequest struct {
	Title       string `json:"title" binding:"required,min=1,max=120"`
	Description string `json:"description" binding:"max=1000"`
	Category    string `json:"category" binding:"max=60"`
}

// PostMessageRequest is the JSON payload for room and DM messages.
type PostMessageRequest struct {
	Text string `json:"text" binding:"required,min=1,max=4000"`
}

// MessageCreated is returned after a message is stored.
type MessageCreated struct {
	ID string `json:"id"`
}

// ListRooms godoc
// @ID          listRooms
// @Summary     List rooms
// @Description ListRooms returns the room directory: live rooms only, pinned first, then
// @Description newest first. Reads are anonymous.
// @Description When a version of the rooms collection is available it is sent as a weak
// @Description ETag and a matching If-None-Match is answered with 304 and no body. When
// @Description the store cannot be read the last local snapshot is served instead.
// @Tags        Rooms
// @Produce     json
//
// @Param       If-None-Match    header  string  false "ETag from a previous response"
//
// @Success     200  {object}  map[string][]domain.ChatRoom  "rooms"
// @Success     304  "Not modified"
// @Router      /rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	ctx := c.Request.Context()
	if h.RoomsETag != nil {
		if etag, found := h.RoomsETag(ctx, domain.CollChatRooms); found {
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}
	ok(c, http.StatusOK, gin.H{"rooms": h.rooms.Snapshot(ctx)})
}

// StreamRooms godoc
// @ID          streamRooms
// @Summary     Stream the room list
// @Description StreamRooms pushes the room list as a "rooms" SSE event on every change,
// @Description starting with the best local snapshot. A "ping" event keeps idle
// @Description connections open.
// @Tags        Rooms
// @Produce     text/event-stream
//
// @Success     200  {array}  domain.ChatRoom  "rooms events"
// @Router      /rooms/stream [get]
func (h *Handlers) StreamRooms(c *gin.Context) {
	stream(h, c, "rooms", func(ctx context.Context, fn func([]domain.ChatRoom)) (func(), error) {
		return h.rooms.Subscribe(ctx, fn), nil
	})
}

// CreateRoom godoc
// @ID          createRoom
// @Summary     Create a room
// @Description CreateRoom adds a pinned, non-default room owned by the caller. The
// @Description category is title-cased; the Location header points at the new room.
// @Tags        Rooms
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       body             body    handlers.CreateRoomRequest  true  "Room"
//
// @Success     201  {object}  domain.ChatRoom  "Created"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms [post]
func (h *Handlers) CreateRoom(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1-120 chars)")
		return
	}
	room, err := h.rooms.Create(c.Request.Context(), me.UID, services.NewRoom{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	c.Header("Location", c.FullPath()+"/"+room.ID)
	ok(c, http.StatusCreated, room)
}

// GetRoom godoc
// @ID          getRoom
// @Summary     Get a room
// @Description GetRoom returns one live room. Tombstoned rooms are not found.
// @Tags        Rooms
// @Produce     json
//
// @Param       id               path    string  true  "Room ID"
//
// @Success     200  {object}  domain.ChatRoom
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id} [get]
func (h *Handlers) GetRoom(c *gin.Context) {
	room, err := h.rooms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, room)
}

// TogglePin godoc
// @ID          togglePin
// @Summary     Toggle a room pin
// @Description TogglePin flips the pinned flag of a room and returns the new value.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
//
// @Success     200  {object}  map[string]any  "id and isPinned"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id}/pin [post]
func (h *Handlers) TogglePin(c *gin.Context) {
	if _, found := caller(c); !found {
		return
	}
	pinned, err := h.rooms.TogglePin(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": c.Param("id"), "isPinned": pinned})
}

// DeleteRoom godoc
// @ID          deleteRoom
// @Summary     Delete a room
// @Description DeleteRoom tombstones a room. Default rooms can never be deleted; other
// @Description rooms only by their creator or when listed in the ownership bypass.
// @Description Deleting a room twice reports 404.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
//
// @Success     204  "Deleted"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     403  {object}  handlers.ErrorResponse  "Not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id} [delete]
func (h *Handlers) DeleteRoom(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	if err := h.rooms.Delete(c.Request.Context(), me.UID, c.Param("id")); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// ClaimRoom godoc
// @ID          claimRoom
// @Summary     Claim an unowned room
// @Description ClaimRoom makes the caller the owner of a non-default room that has no
// @Description creator. The first claim wins; later claims get 403.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
//
// @Success     200  {object}  domain.ChatRoom
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     403  {object}  handlers.ErrorResponse  "Not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id}/claim [post]
func (h *Handlers) ClaimRoom(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	room, err := h.rooms.ClaimOwnership(c.Request.Context(), me.UID, c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, room)
}

// JoinRoom godoc
// @ID          joinRoom
// @Summary     Join a room
// @Description JoinRoom marks the caller online in a room. Only a transition from
// @Description offline counts toward activeUsers and posts a join message, so repeated
// @Description joins are harmless.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
//
// @Success     204  "Joined"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id}/join [post]
func (h *Handlers) JoinRoom(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	if err := h.channel.Join(c.Request.Context(), c.Param("id"), me); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// LeaveRoom godoc
// @ID          leaveRoom
// @Summary     Leave a room
// @Description LeaveRoom marks the caller offline in a room, mirroring JoinRoom.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
//
// @Success     204  "Left"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id}/leave [post]
func (h *Handlers) LeaveRoom(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	if err := h.channel.Leave(c.Request.Context(), c.Param("id"), me); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// PostRoomMessage godoc
// @ID          postRoomMessage
// @Summary     Post a room message
// @Description PostRoomMessage appends a message from the caller to the room log.
// @Tags        Rooms
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
// @Param       body             body    handlers.PostMessageRequest  true  "Message"
//
// @Success     201  {object}  handlers.MessageCreated
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id}/messages [post]
func (h *Handlers) PostRoomMessage(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text required")
		return
	}
	id, err := h.channel.Send(c.Request.Context(), c.Param("id"), me, req.Text)
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, MessageCreated{ID: id})
}

// StreamRoomMessages godoc
// @ID          streamRoomMessages
// @Summary     Stream room messages
// @Description StreamRoomMessages pushes the room log, oldest first, as a "messages" SSE
// @Description event on every change.
// @Tags        Rooms
// @Produce     text/event-stream
//
// @Param       id               path    string  true  "Room ID"
//
// @Success     200  {array}  domain.RoomMessage  "messages events"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /rooms/{id}/messages/stream [get]
func (h *Handlers) StreamRoomMessages(c *gin.Context) {
	roomID := c.Param("id")
	stream(h, c, "messages", func(ctx context.Context, fn func([]domain.RoomMessage)) (func(), error) {
		return subscribeFunc(h.channel.SubscribeMessages(ctx, roomID, fn))
	})
}

// StreamRoomParticipants godoc
// @ID          streamRoomParticipants
// @Summary     Stream room participants
// @Description StreamRoomParticipants pushes every participant record of the room, online
// @Description or not, as a "participants" SSE event.
// @Tags        Rooms
// @Produce     text/event-stream
//
// @Param       id               path    string  true  "Room ID"
//
// @Success     200  {array}  domain.RoomParticipant  "participants events"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /rooms/{id}/participants/stream [get]
func (h *Handlers) StreamRoomParticipants(c *gin.Context) {
	roomID := c.Param("id")
	stream(h, c, "participants", func(ctx context.Context, fn func([]domain.RoomParticipant)) (func(), error) {
		return subscribeFunc(h.channel.SubscribeRoster(ctx, roomID, fn))
	})
}

// StreamRoomOnline godoc
// @ID          streamRoomOnline
// @Summary     Stream the online count of a room
// @Description StreamRoomOnline pushes the number of online participants as an "online"
// @Description SSE event whenever the roster changes.
// @Tags        Rooms
// @Produce     text/event-stream
//
// @Param       id               path    string  true  "Room ID"
//
// @Success     200  {integer}  int  "online events"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /rooms/{id}/online/stream [get]
func (h *Handlers) StreamRoomOnline(c *gin.Context) {
	roomID := c.Param("id")
	stream(h, c, "online", func(ctx context.Context, fn func(int)) (func(), error) {
		return subscribeFunc(h.channel.SubscribeOnlineCount(ctx, roomID, fn))
	})
}

func subscribeFunc(u store.Unsubscribe, err error) (func(), error) {
	if err != nil {
		return nil, err
	}
	return u, nil
}
