// Package handlers – room websocket.
//
// A websocket connection is one member's live view of a room. Connecting
// signs the member in through a per-connection auth.Session bound to
// presence and joins the room; disconnecting leaves it and signs the
// session out. The member's profile goes offline only once their last
// socket closes.
// Inbound text frames are posted as messages. Outbound frames carry the
// latest message log or roster snapshot, whichever changed.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 8
	leaveTimeout   = 10 * time.Second
)

// Frame types sent to websocket clients.
const (
	FrameMessages     = "messages"
	FrameParticipants = "participants"
	FrameError        = "error"
)

// WSFrame is one outbound websocket frame.
type WSFrame struct {
	Type         string                   `json:"type"`
	Messages     []domain.RoomMessage     `json:"messages,omitempty"`
	Participants []domain.RoomParticipant `json:"participants,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// wsInbound is the JSON form of an inbound frame. Plain text frames are
// accepted too.
type wsInbound struct {
	Text string `json:"text"`
}

func inboundText(data []byte) string {
	var in wsInbound
	if json.Unmarshal(data, &in) == nil && in.Text != "" {
		return in.Text
	}
	return string(data)
}

func (h *Handlers) upgrader() *websocket.Upgrader {
	allowed := h.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			for _, o := range allowed {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// RoomSocket godoc
// @ID          roomSocket
// @Summary     Open a room websocket
// @Description RoomSocket upgrades to a websocket bound to a room. See the file comment
// @Description for the frame protocol.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       id               path    string  true  "Room ID"
// @Param       token            query   string  false "Bearer token for clients that cannot set headers"
//
// @Success     101  "Switching protocols"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{id}/ws [get]
func (h *Handlers) RoomSocket(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	roomID := c.Param("id")
	if _, err := h.rooms.Get(c.Request.Context(), roomID); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}

	lg := middleware.LoggerFrom(c)
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied.
		lg.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	base := context.WithoutCancel(c.Request.Context())
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	sess := auth.NewSession()
	unbind := h.presence.Bind(ctx, sess)
	defer unbind()
	sess.SignIn(me)
	defer sess.SignOut()

	if err := h.channel.Join(ctx, roomID, me); err != nil {
		lg.Warn().Err(err).Msg("join failed")
		closeWith(conn, websocket.CloseInternalServerErr, "join failed")
		return
	}
	defer func() {
		lctx, lcancel := context.WithTimeout(base, leaveTimeout)
		defer lcancel()
		if err := h.channel.Leave(lctx, roomID, me); err != nil {
			lg.Warn().Err(err).Msg("leave failed")
		}
	}()

	msgs := newLatest[[]domain.RoomMessage]()
	roster := newLatest[[]domain.RoomParticipant]()
	errs := make(chan string, 4)

	unsubMsgs, err := h.channel.SubscribeMessages(ctx, roomID, msgs.put)
	if err != nil {
		lg.Warn().Err(err).Msg("message subscription failed")
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer unsubMsgs()
	unsubRoster, err := h.channel.SubscribeRoster(ctx, roomID, roster.put)
	if err != nil {
		lg.Warn().Err(err).Msg("roster subscription failed")
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer unsubRoster()

	written := make(chan struct{})
	go func() {
		defer close(written)
		defer cancel()
		defer conn.Close()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			var frame WSFrame
			select {
			case <-ctx.Done():
				closeWith(conn, websocket.CloseNormalClosure, "")
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			case <-msgs.ready:
				v, has := msgs.take()
				if !has {
					continue
				}
				frame = WSFrame{Type: FrameMessages, Messages: v}
			case <-roster.ready:
				v, has := roster.take()
				if !has {
					continue
				}
				frame = WSFrame{Type: FrameParticipants, Participants: v}
			case e := <-errs:
				frame = WSFrame{Type: FrameError, Error: e}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				lg.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				lg.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		if _, err := h.channel.Send(ctx, roomID, me, inboundText(data)); err != nil {
			status, _ := statusOf(err)
			msg := err.Error()
			if status >= http.StatusInternalServerError {
				lg.Warn().Err(err).Msg("websocket send failed")
				msg = http.StatusText(status)
			}
			select {
			case errs <- msg:
			default:
			}
		}
	}
	cancel()
	<-written
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
