// Package cache implements the persistent local cache tier: a small
// key/value store holding JSON entries, with in-memory and Redis backends.
//
// Entries are wrapped in a versioned envelope carrying the time they were
// cached. Entries written under another schema version read as misses, so a
// format change invalidates old data instead of mis-decoding it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-sync/internal/config"
)

// ErrMiss is returned by KV.Get for absent keys.
var ErrMiss = errors.New("cache: miss")

// SchemaVersion is stamped on every envelope written by this package.
const SchemaVersion = 1

// Well-known keys.
const (
	KeyRooms             = "cachedChatRooms"
	KeyRoomsTimestamp    = "chatRoomsCacheTimestamp"
	KeyProfilesTimestamp = "userProfilesCacheTimestamp"
)

// ProfileKey is the key of one cached user profile.
func ProfileKey(uid string) string { return "userProfile_" + uid }

// KV is a string-keyed byte store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Open returns the backend selected by cfg. rdb is only used for "redis".
func Open(cfg config.CacheConfig, rdb *redis.Client) (KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("cache: redis client required")
		}
		return NewRedis(rdb, cfg.Prefix), nil
	}
	return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
}

// Entry is a cached value with its insertion time.
type Entry[T any] struct {
	Version  int       `json:"v"`
	CachedAt time.Time `json:"cachedAt"`
	Data     T         `json:"data"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) < ttl
}

// Load reads and decodes key. A missing key, an undecodable value and an
// envelope of another version all report ErrMiss.
func Load[T any](ctx context.Context, kv KV, key string) (Entry[T], error) {
	var e Entry[T]
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.Version != SchemaVersion {
		return Entry[T]{}, ErrMiss
	}
	return e, nil
}

// Save writes data under key stamped with now.
func Save[T any](ctx context.Context, kv KV, key string, data T, now time.Time) error {
	raw, err := json.Marshal(Entry[T]{Version: SchemaVersion, CachedAt: now.UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, raw)
}

// Touch records now (Unix milliseconds) under a timestamp key.
func Touch(ctx context.Context, kv KV, key string, now time.Time) error {
	return kv.Set(ctx, key, []byte(strconv.FormatInt(now.UnixMilli(), 10)))
}

// Stamp reads a timestamp key written by Touch.
func Stamp(ctx context.Context, kv KV, key string) (time.Time, error) {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, ErrMiss
	}
	return time.UnixMilli(ms).UTC(), nil
}
