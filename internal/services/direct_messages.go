// Package services – DirectMessages
//
// DirectMessages resolves the single chat session shared by two users and
// streams its messages. New sessions get a deterministic id derived from
// the sorted uid pair and are written with create-if-absent semantics, so
// two first-contact sends racing from both sides converge on one document.
//
// Sessions created under generated ids are still found through the
// participants scan (array-contains on the caller, then a client-side check
// for the other uid). Resolved ids are cached for the life of the process.

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/store"
)

const anonymousSender = "Anonymous"

// SessionID returns the deterministic session id of the unordered pair
// {a, b}.
func SessionID(a, b string) string {
	lo, hi := sortedPair(a, b)
	sum := sha256.Sum256([]byte(lo + "\x00" + hi))
	return "dm_" + hex.EncodeToString(sum[:])
}

func sortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// DirectMessages is safe for concurrent use.
type DirectMessages struct {
	store store.Store

	mu       sync.RWMutex
	sessions map[string]string // sorted pair -> session id
}

func NewDirectMessages(st store.Store) *DirectMessages {
	return &DirectMessages{store: st, sessions: make(map[string]string)}
}

func (m *DirectMessages) tracer() trace.Tracer {
	return observability.Tracer("services/DirectMessages")
}

func pairKey(a, b string) string {
	lo, hi := sortedPair(a, b)
	return lo + "\x00" + hi
}

func (m *DirectMessages) cached(a, b string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessions[pairKey(a, b)]
	return id, ok
}

func (m *DirectMessages) remember(a, b, id string) {
	m.mu.Lock()
	m.sessions[pairKey(a, b)] = id
	m.mu.Unlock()
}

// lookup finds an existing session between me and other.
func (m *DirectMessages) lookup(ctx context.Context, me, other string) (string, error) {
	if id, ok := m.cached(me, other); ok {
		return id, nil
	}

	id := SessionID(me, other)
	_, err := m.store.Get(ctx, domain.CollChatSessions, id)
	if err == nil {
		m.remember(me, other, id)
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", classify("get session", err)
	}

	docs, err := m.store.Query(ctx, domain.CollChatSessions, store.Query{
		Filters: []store.Filter{store.Where("participants", store.OpArrayContains, me)},
	})
	if err != nil {
		return "", classify("scan sessions", err)
	}
	if id, ok := pickSession(docs, me, other); ok {
		m.remember(me, other, id)
		return id, nil
	}
	return "", ErrNotFound
}

// pickSession returns the oldest session in docs that pairs me with other.
func pickSession(docs []store.Document, me, other string) (string, bool) {
	var found []domain.ChatSession
	for _, d := range docs {
		s, err := domain.Decode[domain.ChatSession](d.ID, d.Data)
		if err != nil {
			continue
		}
		if s.Pairs(me, other) {
			found = append(found, s)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found[0].ID, true
}

// resolve returns the session between from and to, creating it if absent.
func (m *DirectMessages) resolve(ctx context.Context, from, to string) (string, error) {
	id, err := m.lookup(ctx, from, to)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return id, err
	}
	id = SessionID(from, to)
	err = m.store.Create(ctx, domain.CollChatSessions, id, map[string]any{
		"participants":         []any{from, to},
		"lastMessage":          "",
		"lastMessageTimestamp": store.ServerTimestamp,
		"createdAt":            store.ServerTimestamp,
		"schemaVersion":        domain.SchemaVersion,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return "", classify("create session", err)
	}
	m.remember(from, to, id)
	return id, nil
}

// Send appends text to the session between from and toUID and returns the
// new message id. The session is created on first contact.
func (m *DirectMessages) Send(ctx context.Context, from auth.Identity, toUID, text string) (_ string, err error) {
	ctx, span := m.tracer().Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("user.id", from.UID),
			attribute.String("peer.id", toUID),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	if from.UID == "" {
		return "", ErrAuthRequired
	}
	text = strings.TrimSpace(text)
	if text == "" || toUID == "" || toUID == from.UID {
		return "", ErrInvalidInput
	}

	sid, err := m.resolve(ctx, from.UID, toUID)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("session.id", sid))

	name := from.Name()
	if name == "" {
		name = anonymousSender
	}
	msgID, err := m.store.Put(ctx, domain.SessionMessages(sid), "", map[string]any{
		"text":           text,
		"senderId":       from.UID,
		"senderName":     name,
		"senderPhotoURL": from.PhotoURL,
		"status":         domain.MessageSent,
		"timestamp":      store.ServerTimestamp,
		"schemaVersion":  domain.SchemaVersion,
	}, false)
	if err != nil {
		return "", classify("append message", err)
	}
	if _, err := m.store.Put(ctx, domain.CollChatSessions, sid, map[string]any{
		"lastMessage":          text,
		"lastMessageTimestamp": store.ServerTimestamp,
	}, true); err != nil {
		return "", classify("update session", err)
	}
	return msgID, nil
}

// Subscribe streams the messages between me and otherUID in timestamp
// order. Until a session exists fn receives an empty list; the stream
// attaches to the session as soon as one appears.
func (m *DirectMessages) Subscribe(ctx context.Context, me, otherUID string, fn func([]domain.DirectMessage)) (store.Unsubscribe, error) {
	if me == "" {
		return nil, ErrAuthRequired
	}
	if otherUID == "" || otherUID == me {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithCancel(ctx)

	sid, err := m.lookup(ctx, me, otherUID)
	switch {
	case err == nil:
		inner, err := m.subscribeMessages(ctx, sid, fn)
		if err != nil {
			cancel()
			return nil, err
		}
		return func() { cancel(); inner() }, nil
	case !errors.Is(err, ErrNotFound):
		log.Warn().Err(err).Str("uid", me).Msg("session lookup failed, watching for session")
	}

	fn([]domain.DirectMessage{})
	w := &sessionWatch{}
	watchCtx, stopWatch := context.WithCancel(ctx)
	outer, err := m.store.Subscribe(watchCtx, domain.CollChatSessions, store.Query{
		Filters: []store.Filter{store.Where("participants", store.OpArrayContains, me)},
	}, func(docs []store.Document) {
		id, ok := pickSession(docs, me, otherUID)
		if !ok || !w.claim() {
			return
		}
		m.remember(me, otherUID, id)
		inner, err := m.subscribeMessages(ctx, id, fn)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("message subscription not established")
			w.release()
			return
		}
		w.attach(inner)
		stopWatch()
	})
	if err != nil {
		cancel()
		return nil, classify("watch sessions", err)
	}
	return func() {
		cancel()
		outer()
		w.stop()
	}, nil
}

// sessionWatch attaches the message stream at most once.
type sessionWatch struct {
	mu       sync.Mutex
	attached bool
	inner    store.Unsubscribe
}

func (w *sessionWatch) claim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.attached {
		return false
	}
	w.attached = true
	return true
}

func (w *sessionWatch) release() {
	w.mu.Lock()
	w.attached = false
	w.mu.Unlock()
}

func (w *sessionWatch) attach(u store.Unsubscribe) {
	w.mu.Lock()
	w.inner = u
	w.mu.Unlock()
}

func (w *sessionWatch) stop() {
	w.mu.Lock()
	u := w.inner
	w.mu.Unlock()
	if u != nil {
		u()
	}
}

func (m *DirectMessages) subscribeMessages(ctx context.Context, sid string, fn func([]domain.DirectMessage)) (store.Unsubscribe, error) {
	unsub, err := m.store.Subscribe(ctx, domain.SessionMessages(sid), store.Query{
		OrderBy: []store.Order{{Field: "timestamp"}},
	}, func(docs []store.Document) {
		out := make([]domain.DirectMessage, 0, len(docs))
		for _, d := range docs {
			msg, err := domain.Decode[domain.DirectMessage](d.ID, d.Data)
			if err != nil {
				log.Warn().Err(err).Str("message_id", d.ID).Msg("skipping undecodable message")
				continue
			}
			out = append(out, msg)
		}
		fn(out)
	})
	if err != nil {
		return nil, classify("subscribe messages", err)
	}
	return unsub, nil
}

func sessionsQuery(me string) store.Query {
	return store.Query{
		Filters: []store.Filter{store.Where("participants", store.OpArrayContains, me)},
		OrderBy: []store.Order{{Field: "lastMessageTimestamp", Desc: true}},
	}
}

func decodeSessions(docs []store.Document) []domain.ChatSession {
	out := make([]domain.ChatSession, 0, len(docs))
	for _, d := range docs {
		s, err := domain.Decode[domain.ChatSession](d.ID, d.Data)
		if err != nil {
			log.Warn().Err(err).Str("session_id", d.ID).Msg("skipping undecodable session")
			continue
		}
		out = append(out, s)
	}
	return out
}

// Sessions lists the sessions of me, most recent activity first.
func (m *DirectMessages) Sessions(ctx context.Context, me string) ([]domain.ChatSession, error) {
	if me == "" {
		return nil, ErrAuthRequired
	}
	docs, err := m.store.Query(ctx, domain.CollChatSessions, sessionsQuery(me))
	if err != nil {
		return nil, classify("list sessions", err)
	}
	return decodeSessions(docs), nil
}

// SubscribeSessions streams Sessions(me).
func (m *DirectMessages) SubscribeSessions(ctx context.Context, me string, fn func([]domain.ChatSession)) (store.Unsubscribe, error) {
	if me == "" {
		return nil, ErrAuthRequired
	}
	unsub, err := m.store.Subscribe(ctx, domain.CollChatSessions, sessionsQuery(me), func(docs []store.Document) {
		fn(decodeSessions(docs))
	})
	if err != nil {
		return nil, classify("subscribe sessions", err)
	}
	return unsub, nil
}

// MarkAsRead marks every message otherUID sent to me as read and returns
// how many changed.
func (m *DirectMessages) MarkAsRead(ctx context.Context, me, otherUID string) (int, error) {
	return m.advance(ctx, me, otherUID, domain.MessageRead)
}

// MarkDelivered marks every message otherUID sent to me that is still only
// sent as delivered.
func (m *DirectMessages) MarkDelivered(ctx context.Context, me, otherUID string) (int, error) {
	return m.advance(ctx, me, otherUID, domain.MessageDelivered)
}

// advance moves message status forward to target. A message already at or
// past target is left alone, so repeating the call changes nothing.
func (m *DirectMessages) advance(ctx context.Context, me, otherUID, target string) (int, error) {
	ctx, span := m.tracer().Start(ctx, "Advance",
		trace.WithAttributes(
			attribute.String("user.id", me),
			attribute.String("peer.id", otherUID),
			attribute.String("status", target),
		),
	)
	defer span.End()

	if me == "" {
		return 0, ErrAuthRequired
	}
	if otherUID == "" || otherUID == me {
		return 0, ErrInvalidInput
	}
	sid, err := m.lookup(ctx, me, otherUID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	coll := domain.SessionMessages(sid)
	docs, err := m.store.Query(ctx, coll, store.Query{
		Filters: []store.Filter{store.Where("senderId", store.OpEqual, otherUID)},
	})
	if err != nil {
		return 0, classify("list messages", err)
	}

	rank := domain.StatusRank(target)
	changed := 0
	for _, d := range docs {
		status, _ := d.Data["status"].(string)
		if domain.StatusRank(status) >= rank {
			continue
		}
		wrote := false
		_, err := m.store.Update(ctx, coll, d.ID, func(cur store.Document) (map[string]any, error) {
			wrote = false
			s, _ := cur.Data["status"].(string)
			if domain.StatusRank(s) >= rank {
				return nil, nil
			}
			wrote = true
			return map[string]any{"status": target}, nil
		})
		if err != nil {
			return changed, classify("advance status", err)
		}
		if wrote {
			changed++
		}
	}
	span.SetAttributes(attribute.Int("changed", changed))
	return changed, nil
}
