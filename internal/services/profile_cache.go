// Package services – ProfileCache
//
// ProfileCache answers "who is uid?" for every render of a message or a
// roster. Lookups cascade through three tiers: an in-memory map, the
// persistent cache (cache.KV) and the remote store. Remote reads are raced
// against a deadline and concurrent misses for one uid share a single read.
// When the remote tier fails, any cached copy is served regardless of age,
// and when nothing exists at all a placeholder profile is synthesized, so Get
// never fails.

package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// Resolution tiers reported to metrics.
const (
	tierMemory      = "memory"
	tierPersistent  = "persistent"
	tierRemote      = "remote"
	tierStale       = "stale"
	tierPlaceholder = "placeholder"
)

type memEntry struct {
	profile  domain.UserProfile
	cachedAt time.Time
}

// ProfileCache is safe for concurrent use.
type ProfileCache struct {
	store   store.Store
	kv      cache.KV
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	mem   map[string]memEntry
	group singleflight.Group
}

// NewProfileCache returns a cache over st with entries fresh for ttl and
// remote reads bounded by fetchTimeout.
func NewProfileCache(st store.Store, kv cache.KV, ttl, fetchTimeout time.Duration) *ProfileCache {
	return &ProfileCache{
		store:   st,
		kv:      kv,
		ttl:     ttl,
		timeout: fetchTimeout,
		now:     time.Now,
		mem:     make(map[string]memEntry),
	}
}

// Get resolves the profile of uid.
func (c *ProfileCache) Get(ctx context.Context, uid string) domain.UserProfile {
	ctx, span := observability.Tracer("services/ProfileCache").Start(ctx, "Get",
		trace.WithAttributes(attribute.String("user.id", uid)),
	)
	defer span.End()

	p, tier := c.resolve(ctx, uid)
	span.SetAttributes(attribute.String("cache.tier", tier))
	observability.ProfileResolutions.WithLabelValues(tier).Inc()
	return p
}

func (c *ProfileCache) resolve(ctx context.Context, uid string) (domain.UserProfile, string) {
	now := c.now()

	c.mu.RLock()
	m, inMem := c.mem[uid]
	c.mu.RUnlock()
	if inMem && now.Sub(m.cachedAt) < c.ttl {
		return m.profile, tierMemory
	}

	persisted, perr := cache.Load[domain.UserProfile](ctx, c.kv, cache.ProfileKey(uid))
	if perr == nil && persisted.Fresh(now, c.ttl) {
		c.remember(uid, persisted.Data, persisted.CachedAt)
		return persisted.Data, tierPersistent
	}

	v, err, _ := c.group.Do(uid, func() (any, error) {
		return c.fetch(ctx, uid)
	})
	if err == nil {
		return v.(domain.UserProfile), tierRemote
	}
	log.Warn().Err(err).Str("uid", uid).Msg("profile fetch failed, using fallback")

	switch {
	case inMem:
		return m.profile, tierStale
	case perr == nil:
		return persisted.Data, tierStale
	}
	return domain.PlaceholderProfile(uid), tierPlaceholder
}

type fetchResult struct {
	doc store.Document
	err error
}

// fetch reads uid from the store, giving up after c.timeout even if the
// store ignores cancellation. The read is detached from the caller's
// cancellation because its result is shared with other callers.
func (c *ProfileCache) fetch(ctx context.Context, uid string) (domain.UserProfile, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		doc, err := c.store.Get(fctx, domain.CollUsers, uid)
		done <- fetchResult{doc, err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-fctx.Done():
		return domain.UserProfile{}, classify("fetch profile", context.DeadlineExceeded)
	}
	if res.err != nil {
		return domain.UserProfile{}, classify("fetch profile", res.err)
	}
	p, err := domain.Decode[domain.UserProfile](uid, res.doc.Data)
	if err != nil {
		return domain.UserProfile{}, err
	}
	c.Set(ctx, uid, p)
	return p, nil
}

// Set stamps p with the current time and writes it to both tiers.
func (c *ProfileCache) Set(ctx context.Context, uid string, p domain.UserProfile) {
	now := c.now()
	c.remember(uid, p, now)
	if err := cache.Save(ctx, c.kv, cache.ProfileKey(uid), p, now); err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("profile not persisted to cache")
		return
	}
	if err := cache.Touch(ctx, c.kv, cache.KeyProfilesTimestamp, now); err != nil {
		log.Warn().Err(err).Msg("profile cache timestamp not updated")
	}
}

// Invalidate drops uid from both tiers.
func (c *ProfileCache) Invalidate(ctx context.Context, uid string) {
	c.mu.Lock()
	delete(c.mem, uid)
	c.mu.Unlock()
	if err := c.kv.Delete(ctx, cache.ProfileKey(uid)); err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("profile cache entry not deleted")
	}
}

// Clear empties both tiers.
func (c *ProfileCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.mem = make(map[string]memEntry)
	c.mu.Unlock()
	return c.kv.Clear(ctx)
}

func (c *ProfileCache) remember(uid string, p domain.UserProfile, at time.Time) {
	c.mu.Lock()
	c.mem[uid] = memEntry{profile: p, cachedAt: at}
	c.mu.Unlock()
}
