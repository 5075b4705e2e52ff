package services

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// ----- Test environment -----

type env struct {
	store    *store.SQLStore
	kv       *cache.Memory
	profiles *ProfileCache
	friends  *FriendService
	rooms    *RoomDirectory
	dms      *DirectMessages
	channel  *RoomChannel
	notes    *Notifications
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	st := store.NewSQLStore(db, nil)
	kv := cache.NewMemory()
	profiles := NewProfileCache(st, kv, time.Minute, 2*time.Second)
	friends := NewFriendService(st, profiles)
	return &env{
		store:    st,
		kv:       kv,
		profiles: profiles,
		friends:  friends,
		rooms:    NewRoomDirectory(st, kv),
		dms:      NewDirectMessages(st),
		channel:  NewRoomChannel(st),
		notes:    NewNotifications(friends, profiles, "@every 1h"),
	}
}

func identity(uid, name string) auth.Identity {
	return auth.Identity{UID: uid, DisplayName: name, Email: uid + "@example.com"}
}

// signUp creates profiles for the given uids, named after them.
func (e *env) signUp(t *testing.T, uids ...string) {
	t.Helper()
	for _, uid := range uids {
		_, err := e.friends.EnsureProfile(context.Background(), identity(uid, uid))
		require.NoError(t, err)
	}
}

func (e *env) profile(t *testing.T, uid string) domain.UserProfile {
	t.Helper()
	p, err := e.friends.Profile(context.Background(), uid)
	require.NoError(t, err)
	return p
}

// ----- Fakes -----

// flakyStore wraps a Store and lets tests fail or stall Get.
type flakyStore struct {
	store.Store

	mu     sync.Mutex
	getErr error
	gate   chan struct{}
	gets   atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, collection, id string) (store.Document, error) {
	f.gets.Add(1)
	f.mu.Lock()
	err, gate := f.getErr, f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return store.Document{}, err
	}
	return f.Store.Get(ctx, collection, id)
}

func (f *flakyStore) failGets(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

func (f *flakyStore) stallGets() chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
	return ch
}

// ----- Helpers -----

// latest collects subscription deliveries.
type latest[T any] struct {
	mu  sync.Mutex
	got [][]T
}

func (l *latest[T]) add(v []T) {
	l.mu.Lock()
	l.got = append(l.got, v)
	l.mu.Unlock()
}

func (l *latest[T]) last() ([]T, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.got) == 0 {
		return nil, 0
	}
	return l.got[len(l.got)-1], len(l.got)
}

func (l *latest[T]) first() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.got) == 0 {
		return nil
	}
	return l.got[0]
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}
