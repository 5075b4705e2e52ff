// Package services – RoomDirectory
//
// RoomDirectory serves the list of topic rooms. Subscribers first receive
// the best snapshot available locally (the persisted list when fresh, the
// built-in default set otherwise) and then every live update of the rooms
// collection, with tombstoned rooms removed and pinned rooms first.
//
// An empty collection on first delivery triggers seeding of the default
// rooms in the background. Seeds are written with fixed ids and
// create-if-absent semantics, so concurrent or repeated seeding is harmless.
//
// Pin, delete and claim run as single-document transactions through
// store.Update; of two concurrent claims only the first is stored.

package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/store"
)

const (
	defaultCategory     = "General"
	deletedTitlePrefix  = "[DELETED] "
	deletedDescription  = "This topic has been deleted"
	defaultRoomCacheTTL = 5 * time.Minute
)

// NewRoom is the caller-supplied part of a room.
type NewRoom struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// RoomDirectory lists topic rooms and applies the ownership rules for
// mutating them.
type RoomDirectory struct {
	store store.Store
	kv    cache.KV

	// Seeds are created when the rooms collection is observed empty.
	Seeds []RoomSeed
	// OwnershipBypass lists room ids any signed-in user may delete.
	OwnershipBypass []string
	// CacheTTL bounds how old a persisted room list may be and still be
	// served before the live list arrives.
	CacheTTL time.Duration
	// CategoryLocale drives title-casing of categories.
	CategoryLocale language.Tag

	now func() time.Time

	seeding atomic.Bool

	// latest is the last list read from the store, kept only as a
	// fallback for local snapshots.
	mu     sync.RWMutex
	latest []domain.ChatRoom
}

// NewRoomDirectory constructs a directory with the built-in seeds and no
// ownership bypass.
func NewRoomDirectory(st store.Store, kv cache.KV) *RoomDirectory {
	return &RoomDirectory{
		store:          st,
		kv:             kv,
		Seeds:          DefaultRooms(),
		CacheTTL:       defaultRoomCacheTTL,
		CategoryLocale: language.English,
		now:            time.Now,
	}
}

func (d *RoomDirectory) tracer() trace.Tracer {
	return observability.Tracer("services/RoomDirectory")
}

// Subscribe delivers a local snapshot immediately and then every live
// update until ctx is done or the returned function is called. It never
// fails; a live subscription that cannot be established is logged and the
// local snapshot stands.
func (d *RoomDirectory) Subscribe(ctx context.Context, fn func([]domain.ChatRoom)) store.Unsubscribe {
	fn(d.localSnapshot(ctx))

	var first atomic.Bool
	first.Store(true)
	unsub, err := d.store.Subscribe(ctx, domain.CollChatRooms, store.Query{}, func(docs []store.Document) {
		rooms := d.accept(ctx, docs)
		fn(rooms)
		if first.Swap(false) && len(docs) == 0 {
			go d.seed(context.WithoutCancel(ctx))
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("room subscription not established")
		return func() {}
	}
	return unsub
}

// Snapshot reads the room list from the store without subscribing. An
// empty collection yields the default set and starts seeding. Read failures
// degrade to the local snapshot.
func (d *RoomDirectory) Snapshot(ctx context.Context) []domain.ChatRoom {
	docs, err := d.store.Query(ctx, domain.CollChatRooms, store.Query{})
	if err != nil {
		log.Warn().Err(err).Msg("room list read failed, serving local snapshot")
		return d.localSnapshot(ctx)
	}
	if len(docs) == 0 {
		go d.seed(context.WithoutCancel(ctx))
		return d.defaults()
	}
	return d.accept(ctx, docs)
}

// localSnapshot picks the persisted list when fresh, then the last list
// read by this process, then the default set. Freshness follows the rooms
// timestamp key, or the entry's own stamp when that key is unreadable.
func (d *RoomDirectory) localSnapshot(ctx context.Context) []domain.ChatRoom {
	e, err := cache.Load[[]domain.ChatRoom](ctx, d.kv, cache.KeyRooms)
	switch {
	case err == nil && len(e.Data) > 0:
		at := e.CachedAt
		if ts, serr := cache.Stamp(ctx, d.kv, cache.KeyRoomsTimestamp); serr == nil {
			at = ts
		}
		if d.now().Sub(at) < d.CacheTTL {
			return e.Data
		}
	case err != nil && !errors.Is(err, cache.ErrMiss):
		log.Warn().Err(err).Msg("room cache read failed")
	}

	d.mu.RLock()
	last := append([]domain.ChatRoom(nil), d.latest...)
	d.mu.RUnlock()
	if len(last) > 0 {
		return last
	}
	return d.defaults()
}

func (d *RoomDirectory) defaults() []domain.ChatRoom {
	out := make([]domain.ChatRoom, 0, len(d.Seeds))
	for _, s := range d.Seeds {
		out = append(out, s.room())
	}
	return sortRooms(out)
}

// accept turns a live batch into the delivered list and records it.
func (d *RoomDirectory) accept(ctx context.Context, docs []store.Document) []domain.ChatRoom {
	rooms := make([]domain.ChatRoom, 0, len(docs))
	for _, doc := range docs {
		r, err := domain.Decode[domain.ChatRoom](doc.ID, doc.Data)
		if err != nil {
			log.Warn().Err(err).Str("room_id", doc.ID).Msg("skipping undecodable room")
			continue
		}
		if r.Deleted {
			continue
		}
		rooms = append(rooms, r)
	}
	rooms = sortRooms(rooms)

	d.mu.Lock()
	d.latest = rooms
	d.mu.Unlock()

	if len(rooms) > 0 {
		now := d.now()
		if err := cache.Save(ctx, d.kv, cache.KeyRooms, rooms, now); err != nil {
			log.Warn().Err(err).Msg("room list not cached")
		} else if err := cache.Touch(ctx, d.kv, cache.KeyRoomsTimestamp, now); err != nil {
			log.Warn().Err(err).Msg("room cache timestamp not updated")
		}
	}
	return append([]domain.ChatRoom(nil), rooms...)
}

// sortRooms orders pinned rooms first, then newest first. Ties keep their
// arrival order.
func sortRooms(rooms []domain.ChatRoom) []domain.ChatRoom {
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].IsPinned != rooms[j].IsPinned {
			return rooms[i].IsPinned
		}
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms
}

// seed creates the default rooms. At most one seeding runs at a time; a
// failed run may be retried by a later subscriber.
func (d *RoomDirectory) seed(ctx context.Context) {
	if !d.seeding.CompareAndSwap(false, true) {
		return
	}
	ctx, span := d.tracer().Start(ctx, "Seed")
	defer span.End()

	for _, s := range d.Seeds {
		err := d.store.Create(ctx, domain.CollChatRooms, s.ID, s.fields())
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			log.Warn().Err(err).Str("room_id", s.ID).Msg("default room seeding failed")
			observability.RoomSeedRuns.WithLabelValues("error").Inc()
			d.seeding.Store(false)
			return
		}
	}
	observability.RoomSeedRuns.WithLabelValues("ok").Inc()
	log.Info().Int("rooms", len(d.Seeds)).Msg("default rooms seeded")
}

// Get returns one live room.
func (d *RoomDirectory) Get(ctx context.Context, id string) (domain.ChatRoom, error) {
	doc, err := d.store.Get(ctx, domain.CollChatRooms, id)
	if err != nil {
		return domain.ChatRoom{}, classify("get room", err)
	}
	r, err := domain.Decode[domain.ChatRoom](doc.ID, doc.Data)
	if err != nil {
		return domain.ChatRoom{}, classify("decode room", err)
	}
	if r.Deleted {
		return domain.ChatRoom{}, classify("get room", ErrNotFound)
	}
	return r, nil
}

// Create adds a room owned and pinned by caller.
func (d *RoomDirectory) Create(ctx context.Context, caller string, in NewRoom) (domain.ChatRoom, error) {
	ctx, span := d.tracer().Start(ctx, "Create",
		trace.WithAttributes(attribute.String("user.id", caller)),
	)
	defer span.End()

	if caller == "" {
		return domain.ChatRoom{}, ErrAuthRequired
	}
	title := strings.Join(strings.Fields(in.Title), " ")
	if title == "" {
		return domain.ChatRoom{}, ErrInvalidInput
	}
	id, err := d.store.Put(ctx, domain.CollChatRooms, "", map[string]any{
		"title":         title,
		"description":   strings.TrimSpace(in.Description),
		"category":      d.category(in.Category),
		"creatorId":     caller,
		"isDefault":     false,
		"isPinned":      true,
		"activeUsers":   0,
		"createdAt":     store.ServerTimestamp,
		"schemaVersion": domain.SchemaVersion,
	}, false)
	if err != nil {
		return domain.ChatRoom{}, classify("create room", err)
	}
	span.SetAttributes(attribute.String("room.id", id))
	return d.Get(ctx, id)
}

func (d *RoomDirectory) category(c string) string {
	c = strings.Join(strings.Fields(c), " ")
	if c == "" {
		return defaultCategory
	}
	return cases.Title(d.CategoryLocale).String(strings.ToLower(c))
}

// TogglePin flips the pinned flag of a room and returns the new value.
// There is no ownership check.
func (d *RoomDirectory) TogglePin(ctx context.Context, id string) (bool, error) {
	ctx, span := d.tracer().Start(ctx, "TogglePin",
		trace.WithAttributes(attribute.String("room.id", id)),
	)
	defer span.End()

	var pinned bool
	_, err := d.store.Update(ctx, domain.CollChatRooms, id, func(cur store.Document) (map[string]any, error) {
		r, err := domain.Decode[domain.ChatRoom](cur.ID, cur.Data)
		if err != nil {
			return nil, err
		}
		if r.Deleted {
			return nil, ErrNotFound
		}
		pinned = !r.IsPinned
		return map[string]any{"isPinned": pinned}, nil
	})
	if err != nil {
		return false, classify("toggle pin", err)
	}
	return pinned, nil
}

// Delete tombstones a room. Default rooms can never be deleted; other rooms
// only by their creator, unless the room is on the bypass list.
func (d *RoomDirectory) Delete(ctx context.Context, caller, id string) error {
	ctx, span := d.tracer().Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("user.id", caller),
			attribute.String("room.id", id),
		),
	)
	defer span.End()

	if caller == "" {
		return ErrAuthRequired
	}
	_, err := d.store.Update(ctx, domain.CollChatRooms, id, func(cur store.Document) (map[string]any, error) {
		r, err := domain.Decode[domain.ChatRoom](cur.ID, cur.Data)
		if err != nil {
			return nil, err
		}
		if r.Deleted {
			return nil, ErrNotFound
		}
		if r.IsDefault {
			return nil, ErrPermission
		}
		if r.CreatorID != caller && !d.bypassed(id) {
			return nil, ErrPermission
		}
		title := r.Title
		if title == "" {
			title = id
		}
		return map[string]any{
			"deleted":     true,
			"deletedAt":   store.ServerTimestamp,
			"title":       deletedTitlePrefix + title,
			"description": deletedDescription,
		}, nil
	})
	return classify("delete room", err)
}

func (d *RoomDirectory) bypassed(id string) bool {
	for _, b := range d.OwnershipBypass {
		if b == id {
			return true
		}
	}
	return false
}

// ClaimOwnership makes caller the creator of a room that has none. A repeat
// claim by the current owner is a no-op.
func (d *RoomDirectory) ClaimOwnership(ctx context.Context, caller, id string) (domain.ChatRoom, error) {
	ctx, span := d.tracer().Start(ctx, "ClaimOwnership",
		trace.WithAttributes(
			attribute.String("user.id", caller),
			attribute.String("room.id", id),
		),
	)
	defer span.End()

	if caller == "" {
		return domain.ChatRoom{}, ErrAuthRequired
	}
	doc, err := d.store.Update(ctx, domain.CollChatRooms, id, func(cur store.Document) (map[string]any, error) {
		r, err := domain.Decode[domain.ChatRoom](cur.ID, cur.Data)
		if err != nil {
			return nil, err
		}
		switch {
		case r.Deleted:
			return nil, ErrNotFound
		case r.IsDefault:
			return nil, ErrPermission
		case r.CreatorID == caller:
			return nil, nil
		case r.CreatorID != "":
			return nil, ErrPermission
		}
		return map[string]any{"creatorId": caller, "isPinned": true}, nil
	})
	if err != nil {
		return domain.ChatRoom{}, classify("claim room", err)
	}
	return domain.Decode[domain.ChatRoom](doc.ID, doc.Data)
}
