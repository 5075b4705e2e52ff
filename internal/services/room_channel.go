// Package services – RoomChannel
//
// RoomChannel is the live side of a topic room: participant presence, the
// message log and the roster. Join and leave flip the participant record
// between online and offline; only an actual flip moves the room's
// activeUsers counter and posts a system message, so a client that joins
// twice is counted once. Rejoining keeps the original joinedAt.

package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/store"
)

const systemSenderName = "System"

// RoomChannel is safe for concurrent use.
type RoomChannel struct {
	store store.Store
}

func NewRoomChannel(st store.Store) *RoomChannel {
	return &RoomChannel{store: st}
}

func (c *RoomChannel) tracer() trace.Tracer {
	return observability.Tracer("services/RoomChannel")
}

func displayName(who auth.Identity) string {
	if n := who.Name(); n != "" {
		return n
	}
	return anonymousSender
}

// requireRoom returns ErrNotFound for absent or tombstoned rooms.
func (c *RoomChannel) requireRoom(ctx context.Context, roomID string) error {
	doc, err := c.store.Get(ctx, domain.CollChatRooms, roomID)
	if err != nil {
		return classify("get room", err)
	}
	if deleted, _ := doc.Data["deleted"].(bool); deleted {
		return classify("get room", ErrNotFound)
	}
	return nil
}

// Join marks who online in roomID.
func (c *RoomChannel) Join(ctx context.Context, roomID string, who auth.Identity) error {
	ctx, span := c.tracer().Start(ctx, "Join",
		trace.WithAttributes(
			attribute.String("user.id", who.UID),
			attribute.String("room.id", roomID),
		),
	)
	defer span.End()

	if who.UID == "" {
		return ErrAuthRequired
	}
	if err := c.requireRoom(ctx, roomID); err != nil {
		return err
	}

	name := displayName(who)
	coll := domain.RoomParticipants(roomID)
	err := c.store.Create(ctx, coll, who.UID, map[string]any{
		"userId":        who.UID,
		"username":      name,
		"photoURL":      who.PhotoURL,
		"status":        domain.StatusOnline,
		"joinedAt":      store.ServerTimestamp,
		"lastActive":    store.ServerTimestamp,
		"schemaVersion": domain.SchemaVersion,
	})
	flipped := err == nil
	if errors.Is(err, store.ErrAlreadyExists) {
		flipped, err = c.setStatus(ctx, coll, who.UID, domain.StatusOnline, map[string]any{
			"username": name,
			"photoURL": who.PhotoURL,
		})
	}
	if err != nil {
		return classify("join room", err)
	}
	span.SetAttributes(attribute.Bool("transition", flipped))
	if !flipped {
		return nil
	}
	if err := c.adjustActive(ctx, roomID, 1); err != nil {
		return err
	}
	return c.systemMessage(ctx, roomID, name+" has joined the room")
}

// Leave marks who offline in roomID. Leaving a room never joined is a
// no-op.
func (c *RoomChannel) Leave(ctx context.Context, roomID string, who auth.Identity) error {
	ctx, span := c.tracer().Start(ctx, "Leave",
		trace.WithAttributes(
			attribute.String("user.id", who.UID),
			attribute.String("room.id", roomID),
		),
	)
	defer span.End()

	if who.UID == "" {
		return ErrAuthRequired
	}
	flipped, err := c.setStatus(ctx, domain.RoomParticipants(roomID), who.UID, domain.StatusOffline, nil)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return classify("leave room", err)
	}
	span.SetAttributes(attribute.Bool("transition", flipped))
	if !flipped {
		return nil
	}
	if err := c.adjustActive(ctx, roomID, -1); err != nil {
		return err
	}
	return c.systemMessage(ctx, roomID, displayName(who)+" has left the room")
}

// setStatus sets the participant status and reports whether it changed.
// lastActive is refreshed either way.
func (c *RoomChannel) setStatus(ctx context.Context, coll, uid, status string, extra map[string]any) (bool, error) {
	flipped := false
	_, err := c.store.Update(ctx, coll, uid, func(cur store.Document) (map[string]any, error) {
		prev, _ := cur.Data["status"].(string)
		flipped = prev != status
		fields := map[string]any{"lastActive": store.ServerTimestamp}
		for k, v := range extra {
			fields[k] = v
		}
		if flipped {
			fields["status"] = status
		}
		return fields, nil
	})
	return flipped, err
}

// adjustActive moves the room counter by delta, never below zero.
func (c *RoomChannel) adjustActive(ctx context.Context, roomID string, delta int) error {
	_, err := c.store.Update(ctx, domain.CollChatRooms, roomID, func(cur store.Document) (map[string]any, error) {
		r, err := domain.Decode[domain.ChatRoom](cur.ID, cur.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"activeUsers": max(r.ActiveUsers+delta, 0)}, nil
	})
	return classify("update active users", err)
}

func (c *RoomChannel) systemMessage(ctx context.Context, roomID, text string) error {
	_, err := c.store.Put(ctx, domain.RoomMessages(roomID), "", map[string]any{
		"text":          text,
		"senderId":      domain.SystemSenderID,
		"senderName":    systemSenderName,
		"type":          domain.MessageKindSystem,
		"timestamp":     store.ServerTimestamp,
		"schemaVersion": domain.SchemaVersion,
	}, false)
	return classify("post system message", err)
}

// Send appends a message from who to roomID and returns its id.
func (c *RoomChannel) Send(ctx context.Context, roomID string, who auth.Identity, text string) (_ string, err error) {
	ctx, span := c.tracer().Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("user.id", who.UID),
			attribute.String("room.id", roomID),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	if who.UID == "" {
		return "", ErrAuthRequired
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrInvalidInput
	}
	if err := c.requireRoom(ctx, roomID); err != nil {
		return "", err
	}
	id, err := c.store.Put(ctx, domain.RoomMessages(roomID), "", map[string]any{
		"text":           text,
		"senderId":       who.UID,
		"senderName":     displayName(who),
		"senderPhotoURL": who.PhotoURL,
		"type":           domain.MessageKindText,
		"timestamp":      store.ServerTimestamp,
		"schemaVersion":  domain.SchemaVersion,
	}, false)
	if err != nil {
		return "", classify("send room message", err)
	}

	_, err = c.store.Update(ctx, domain.RoomParticipants(roomID), who.UID, func(store.Document) (map[string]any, error) {
		return map[string]any{"lastActive": store.ServerTimestamp}, nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("room_id", roomID).Str("uid", who.UID).Msg("lastActive not refreshed")
	}
	return id, nil
}

// SubscribeMessages streams the room log in timestamp order.
func (c *RoomChannel) SubscribeMessages(ctx context.Context, roomID string, fn func([]domain.RoomMessage)) (store.Unsubscribe, error) {
	unsub, err := c.store.Subscribe(ctx, domain.RoomMessages(roomID), store.Query{
		OrderBy: []store.Order{{Field: "timestamp"}},
	}, func(docs []store.Document) {
		out := make([]domain.RoomMessage, 0, len(docs))
		for _, d := range docs {
			m, err := domain.Decode[domain.RoomMessage](d.ID, d.Data)
			if err != nil {
				log.Warn().Err(err).Str("message_id", d.ID).Msg("skipping undecodable message")
				continue
			}
			out = append(out, m)
		}
		fn(out)
	})
	if err != nil {
		return nil, classify("subscribe room messages", err)
	}
	return unsub, nil
}

// SubscribeRoster streams every participant record of the room, online or
// not.
func (c *RoomChannel) SubscribeRoster(ctx context.Context, roomID string, fn func([]domain.RoomParticipant)) (store.Unsubscribe, error) {
	return c.subscribeParticipants(ctx, roomID, store.Query{}, fn)
}

// SubscribeOnlineCount streams the number of online participants.
func (c *RoomChannel) SubscribeOnlineCount(ctx context.Context, roomID string, fn func(int)) (store.Unsubscribe, error) {
	q := store.Query{Filters: []store.Filter{store.Where("status", store.OpEqual, domain.StatusOnline)}}
	return c.subscribeParticipants(ctx, roomID, q, func(ps []domain.RoomParticipant) {
		fn(len(ps))
	})
}

func (c *RoomChannel) subscribeParticipants(ctx context.Context, roomID string, q store.Query, fn func([]domain.RoomParticipant)) (store.Unsubscribe, error) {
	unsub, err := c.store.Subscribe(ctx, domain.RoomParticipants(roomID), q, func(docs []store.Document) {
		out := make([]domain.RoomParticipant, 0, len(docs))
		for _, d := range docs {
			p, err := domain.Decode[domain.RoomParticipant](d.ID, d.Data)
			if err != nil {
				log.Warn().Err(err).Str("uid", d.ID).Msg("skipping undecodable participant")
				continue
			}
			out = append(out, p)
		}
		fn(out)
	})
	if err != nil {
		return nil, classify("subscribe participants", err)
	}
	return unsub, nil
}
