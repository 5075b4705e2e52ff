package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-sync/internal/repo"
)

func newSQLStore(t *testing.T, feed Notifier) *SQLStore {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewSQLStore(db, feed)
}

func TestSQLStore_PutGetMerge(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx := context.Background()

	id, err := s.Put(ctx, "users", "", map[string]any{"username": "ann", "createdAt": ServerTimestamp}, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Put(ctx, "users", id, map[string]any{"bio": "hi", "friends": ArrayUnion("u2")}, true)
	require.NoError(t, err)

	doc, err := s.Get(ctx, "users", id)
	require.NoError(t, err)
	assert.Equal(t, "ann", doc.Data["username"])
	assert.Equal(t, "hi", doc.Data["bio"])
	assert.Equal(t, []any{"u2"}, doc.Data["friends"])
	_, isString := doc.Data["createdAt"].(string)
	assert.True(t, isString, "timestamps are stored as RFC3339 strings")

	// replace drops fields not written
	_, err = s.Put(ctx, "users", id, map[string]any{"username": "bob"}, false)
	require.NoError(t, err)
	doc, err = s.Get(ctx, "users", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"username": "bob"}, doc.Data)
}

func TestSQLStore_CreateIsCreateIfAbsent(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "chatSessions", "dm_1", map[string]any{"n": 1}))
	err := s.Create(ctx, "chatSessions", "dm_1", map[string]any{"n": 2})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	doc, err := s.Get(ctx, "chatSessions", "dm_1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Data["n"])
}

func TestSQLStore_GetMissing(t *testing.T) {
	s := newSQLStore(t, nil)
	_, err := s.Get(context.Background(), "users", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(context.Background(), "users", "nope", func(Document) (map[string]any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_QueryFiltersAndOrder(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, r := range []struct {
		id, receiver, status string
	}{
		{"r1", "u2", "pending"},
		{"r2", "u2", "accepted"},
		{"r3", "u2", "pending"},
		{"r4", "u3", "pending"},
	} {
		_, err := s.Put(ctx, "friendRequests", r.id, map[string]any{
			"receiverId": r.receiver,
			"status":     r.status,
			"createdAt":  t0.Add(time.Duration(i) * time.Minute),
		}, false)
		require.NoError(t, err)
	}

	docs, err := s.Query(ctx, "friendRequests", Query{
		Filters: []Filter{Where("receiverId", OpEqual, "u2"), Where("status", OpEqual, "pending")},
		OrderBy: []Order{{Field: "createdAt", Desc: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r1"}, docIDs(docs))
}

func TestSQLStore_UpdateIsAtomic(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx := context.Background()
	_, err := s.Put(ctx, "chatRooms", "r1", map[string]any{"activeUsers": 0}, false)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "chatRooms", "r1", func(cur Document) (map[string]any, error) {
				v, _ := toFloat(cur.Data["activeUsers"])
				return map[string]any{"activeUsers": v + 1}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.Get(ctx, "chatRooms", "r1")
	require.NoError(t, err)
	assert.Equal(t, float64(n), doc.Data["activeUsers"])
}

func TestSQLStore_UpdateAbortAndNoop(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx := context.Background()
	_, err := s.Put(ctx, "chatRooms", "r1", map[string]any{"creatorId": "u1"}, false)
	require.NoError(t, err)

	boom := errors.New("not yours")
	_, err = s.Update(ctx, "chatRooms", "r1", func(Document) (map[string]any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	doc, err := s.Update(ctx, "chatRooms", "r1", func(Document) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.Data["creatorId"])
}

func TestSQLStore_SubscribeDeliversInitialAndChanges(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx := context.Background()

	snaps := make(chan []Document, 16)
	unsub, err := s.Subscribe(ctx, "chatRooms/r1/messages", Query{
		OrderBy: []Order{{Field: "timestamp"}},
	}, func(docs []Document) { snaps <- docs })
	require.NoError(t, err)
	defer unsub()

	first := recv(t, snaps)
	assert.Empty(t, first)

	_, err = s.Put(ctx, "chatRooms/r1/messages", "m1", map[string]any{"text": "hi", "timestamp": ServerTimestamp}, false)
	require.NoError(t, err)
	// writes to another collection do not wake the subscription
	_, err = s.Put(ctx, "chatRooms/r2/messages", "m9", map[string]any{"text": "elsewhere"}, false)
	require.NoError(t, err)

	got := waitFor(t, snaps, func(docs []Document) bool { return len(docs) == 1 })
	assert.Equal(t, "hi", got[0].Data["text"])

	unsub()
	unsub() // idempotent
	require.Eventually(t, func() bool { return s.hub.active("chatRooms/r1/messages") == 0 }, time.Second, 10*time.Millisecond)
}

func TestSQLStore_SubscribeStopsOnContextCancel(t *testing.T) {
	s := newSQLStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Subscribe(ctx, "users", Query{}, func([]Document) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.hub.active("users") == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return s.hub.active("users") == 0 }, time.Second, 10*time.Millisecond)
}

type fakeFeed struct {
	mu        sync.Mutex
	published []string
	listener  func(string)
}

func (f *fakeFeed) Publish(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, collection)
	return nil
}

func (f *fakeFeed) Listen(_ context.Context, fn func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
	return nil
}

func TestSQLStore_ChangeFeed(t *testing.T) {
	feed := &fakeFeed{}
	s := newSQLStore(t, feed)
	ctx := context.Background()
	require.NoError(t, s.Listen(ctx))

	snaps := make(chan []Document, 16)
	unsub, err := s.Subscribe(ctx, "users", Query{}, func(docs []Document) { snaps <- docs })
	require.NoError(t, err)
	defer unsub()
	recv(t, snaps)

	require.NoError(t, s.Create(ctx, "users", "u1", map[string]any{"username": "a"}))
	feed.mu.Lock()
	assert.Equal(t, []string{"users"}, feed.published)
	listener := feed.listener
	feed.mu.Unlock()
	waitFor(t, snaps, func(docs []Document) bool { return len(docs) == 1 })

	// a peer wrote directly to the database, then announced it
	require.NoError(t, repo.SaveDocument(ctx, s.db, "users", "u2", []byte(`{"username":"b"}`)))
	listener("users")
	waitFor(t, snaps, func(docs []Document) bool { return len(docs) == 2 })
}

func recv(t *testing.T, ch <-chan []Document) []Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func waitFor(t *testing.T, ch <-chan []Document, ok func([]Document) bool) []Document {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case docs := <-ch:
			if ok(docs) {
				return docs
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching snapshot")
			return nil
		}
	}
}
