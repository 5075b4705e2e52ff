package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/store"
)

func TestSortRooms_PinnedThenNewestStable(t *testing.T) {
	at := func(s int64) time.Time { return time.Unix(s, 0) }
	rooms := []domain.ChatRoom{
		{ID: "a", IsPinned: false, CreatedAt: at(1)},
		{ID: "b", IsPinned: true, CreatedAt: at(0)},
		{ID: "c", IsPinned: true, CreatedAt: at(2)},
		{ID: "d", IsPinned: true, CreatedAt: at(2)},
	}
	got := sortRooms(rooms)
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"c", "d", "b", "a"}, ids)
}

func createRoom(t *testing.T, e *env, id string, fields map[string]any) {
	t.Helper()
	base := map[string]any{
		"title": id, "description": "", "category": "General",
		"isDefault": false, "isPinned": false, "activeUsers": 0,
		"createdAt": time.Now().UTC(),
	}
	for k, v := range fields {
		base[k] = v
	}
	require.NoError(t, e.store.Create(context.Background(), domain.CollChatRooms, id, base))
}

func TestRoomDirectory_DeleteRules(t *testing.T) {
	e := newEnv(t)
	e.rooms.OwnershipBypass = []string{"legacy"}
	ctx := context.Background()
	createRoom(t, e, "default-x", map[string]any{"isDefault": true})
	createRoom(t, e, "mine", map[string]any{"creatorId": "u1", "title": "Go"})
	createRoom(t, e, "orphan", nil)
	createRoom(t, e, "legacy", map[string]any{"creatorId": "someone"})

	for _, caller := range []string{"u1", "u2", "someone"} {
		assert.ErrorIs(t, e.rooms.Delete(ctx, caller, "default-x"), ErrPermission)
	}
	assert.ErrorIs(t, e.rooms.Delete(ctx, "u2", "mine"), ErrPermission)
	assert.ErrorIs(t, e.rooms.Delete(ctx, "u2", "orphan"), ErrPermission)
	assert.ErrorIs(t, e.rooms.Delete(ctx, "", "mine"), ErrAuthRequired)
	assert.ErrorIs(t, e.rooms.Delete(ctx, "u1", "missing"), ErrNotFound)

	require.NoError(t, e.rooms.Delete(ctx, "u1", "mine"))
	doc, err := e.store.Get(ctx, domain.CollChatRooms, "mine")
	require.NoError(t, err)
	r, err := domain.Decode[domain.ChatRoom](doc.ID, doc.Data)
	require.NoError(t, err)
	assert.True(t, r.Deleted)
	assert.NotNil(t, r.DeletedAt)
	assert.Equal(t, "[DELETED] Go", r.Title)
	assert.Equal(t, "This topic has been deleted", r.Description)

	assert.ErrorIs(t, e.rooms.Delete(ctx, "u1", "mine"), ErrNotFound)
	_, err = e.rooms.Get(ctx, "mine")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.rooms.Delete(ctx, "u2", "legacy"), "bypass list")
}

func TestRoomDirectory_ClaimOwnership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	createRoom(t, e, "default-x", map[string]any{"isDefault": true})
	createRoom(t, e, "orphan", nil)

	_, err := e.rooms.ClaimOwnership(ctx, "u1", "default-x")
	assert.ErrorIs(t, err, ErrPermission)

	r, err := e.rooms.ClaimOwnership(ctx, "u1", "orphan")
	require.NoError(t, err)
	assert.Equal(t, "u1", r.CreatorID)
	assert.True(t, r.IsPinned)

	r, err = e.rooms.ClaimOwnership(ctx, "u1", "orphan")
	require.NoError(t, err, "repeat claim by the owner")
	assert.Equal(t, "u1", r.CreatorID)

	_, err = e.rooms.ClaimOwnership(ctx, "u2", "orphan")
	assert.ErrorIs(t, err, ErrPermission)
}

func TestRoomDirectory_ConcurrentClaimsStoreOneOwner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	createRoom(t, e, "orphan", nil)

	callers := []string{"u1", "u2"}
	errs := make([]error, len(callers))
	var wg sync.WaitGroup
	for i, c := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.rooms.ClaimOwnership(ctx, c, "orphan")
		}()
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "only one claim may succeed")
			winner = callers[i]
		} else {
			assert.ErrorIs(t, err, ErrPermission)
		}
	}
	require.NotEmpty(t, winner)
	r, err := e.rooms.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, winner, r.CreatorID)
}

func TestRoomDirectory_CreateAndPin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.rooms.Create(ctx, "u1", NewRoom{Title: "  Sci   Fi ", Category: "science FICTION"})
	require.NoError(t, err)
	assert.Equal(t, "Sci Fi", r.Title)
	assert.Equal(t, "Science Fiction", r.Category)
	assert.Equal(t, "u1", r.CreatorID)
	assert.True(t, r.IsPinned)
	assert.False(t, r.IsDefault)
	assert.Zero(t, r.ActiveUsers)

	r2, err := e.rooms.Create(ctx, "u1", NewRoom{Title: "Misc"})
	require.NoError(t, err)
	assert.Equal(t, "General", r2.Category)

	_, err = e.rooms.Create(ctx, "u1", NewRoom{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.rooms.Create(ctx, "", NewRoom{Title: "x"})
	assert.ErrorIs(t, err, ErrAuthRequired)

	pinned, err := e.rooms.TogglePin(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, pinned)
	pinned, err = e.rooms.TogglePin(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, pinned)

	_, err = e.rooms.TogglePin(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoomDirectory_SubscribeSeedsEmptyCollection(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got latest[domain.ChatRoom]
	unsub := e.rooms.Subscribe(ctx, got.add)
	defer unsub()

	first := got.first()
	require.Len(t, first, 3, "defaults are delivered before the live list")
	assert.Equal(t, "default-coding", first[2].ID)

	eventually(t, func() bool {
		rooms, _ := got.last()
		return len(rooms) == 3 && rooms[0].CreatedAt.After(time.Time{})
	}, "seeded rooms arrive live")

	rooms, _ := got.last()
	assert.Equal(t, "default-coding", rooms[2].ID, "unpinned last")
	for _, r := range rooms {
		assert.True(t, r.IsDefault)
	}

	e2, err := cache.Load[[]domain.ChatRoom](ctx, e.kv, cache.KeyRooms)
	require.NoError(t, err)
	assert.Len(t, e2.Data, 3)
	_, err = cache.Stamp(ctx, e.kv, cache.KeyRoomsTimestamp)
	require.NoError(t, err)
}

func TestRoomDirectory_SubscribeServesFreshCacheFirst(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	createRoom(t, e, "live", map[string]any{"title": "Live"})
	require.NoError(t, cache.Save(ctx, e.kv, cache.KeyRooms,
		[]domain.ChatRoom{{ID: "cached", Title: "Cached"}}, time.Now()))

	var got latest[domain.ChatRoom]
	unsub := e.rooms.Subscribe(ctx, got.add)
	defer unsub()

	first := got.first()
	require.Len(t, first, 1)
	assert.Equal(t, "cached", first[0].ID)

	eventually(t, func() bool {
		rooms, n := got.last()
		return n >= 2 && len(rooms) == 1 && rooms[0].ID == "live"
	}, "live list replaces the cached one")

	// tombstoned rooms disappear from the live list
	createRoom(t, e, "mine", map[string]any{"creatorId": "u1"})
	eventually(t, func() bool { rooms, _ := got.last(); return len(rooms) == 2 }, "new room")
	require.NoError(t, e.rooms.Delete(ctx, "u1", "mine"))
	eventually(t, func() bool { rooms, _ := got.last(); return len(rooms) == 1 }, "deleted room filtered")

	snap := e.rooms.Snapshot(ctx)
	require.Len(t, snap, 1)
	assert.Equal(t, "live", snap[0].ID)
}

func TestRoomDirectory_StaleCacheFallsBackToDefaults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, cache.Save(ctx, e.kv, cache.KeyRooms,
		[]domain.ChatRoom{{ID: "cached"}}, time.Now().Add(-time.Hour)))

	got := e.rooms.localSnapshot(ctx)
	require.Len(t, got, 3)
	assert.Equal(t, "default-anime", got[0].ID)
}

func roomIDs(rooms []domain.ChatRoom) []string {
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}
	return ids
}

func TestRoomDirectory_SnapshotFollowsWrites(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	createRoom(t, e, "existing", map[string]any{"creatorId": "u1", "isPinned": true})

	require.Equal(t, []string{"existing"}, roomIDs(e.rooms.Snapshot(ctx)))

	fresh, err := e.rooms.Create(ctx, "u1", NewRoom{Title: "Fresh room"})
	require.NoError(t, err)
	assert.Contains(t, roomIDs(e.rooms.Snapshot(ctx)), fresh.ID, "rooms created after a read show up")

	require.NoError(t, e.rooms.Delete(ctx, "u1", "existing"))
	assert.Equal(t, []string{fresh.ID}, roomIDs(e.rooms.Snapshot(ctx)), "tombstones drop out")
}

func TestRoomDirectory_SnapshotAfterUnsubscribe(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	createRoom(t, e, "existing", nil)

	var got latest[domain.ChatRoom]
	unsub := e.rooms.Subscribe(ctx, got.add)
	eventually(t, func() bool { _, n := got.last(); return n >= 2 }, "live list delivered")
	unsub()

	fresh, err := e.rooms.Create(ctx, "u1", NewRoom{Title: "After unsubscribe"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"existing", fresh.ID}, roomIDs(e.rooms.Snapshot(ctx)))
}

func TestRoomDirectory_SnapshotOfEmptyCollectionSeeds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	got := e.rooms.Snapshot(ctx)
	require.Len(t, got, 3, "defaults while the collection is empty")
	assert.Equal(t, "default-anime", got[0].ID)

	eventually(t, func() bool {
		docs, err := e.store.Query(ctx, domain.CollChatRooms, store.Query{})
		return err == nil && len(docs) == 3
	}, "default rooms seeded")
	assert.ElementsMatch(t, roomIDs(got), roomIDs(e.rooms.Snapshot(ctx)))
}

func TestRoomDirectory_CacheFreshnessFollowsTimestampKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, cache.Save(ctx, e.kv, cache.KeyRooms, []domain.ChatRoom{{ID: "cached"}}, now))

	assert.Equal(t, []string{"cached"}, roomIDs(e.rooms.localSnapshot(ctx)), "entry stamp is enough")

	require.NoError(t, cache.Touch(ctx, e.kv, cache.KeyRoomsTimestamp, now.Add(-time.Hour)))
	assert.NotContains(t, roomIDs(e.rooms.localSnapshot(ctx)), "cached", "an old rooms timestamp marks the list stale")

	require.NoError(t, cache.Touch(ctx, e.kv, cache.KeyRoomsTimestamp, now))
	assert.Equal(t, []string{"cached"}, roomIDs(e.rooms.localSnapshot(ctx)))
}

func TestLoadRoomSeeds(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	seeds, err := LoadRoomSeeds(write("ok.yaml", `
- id: lobby
  title: Lobby
  description: Say hi
  pinned: true
- id: music
  title: Music
  category: Entertainment
`))
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.True(t, seeds[0].Pinned)
	assert.Equal(t, "General", seeds[0].room().Category)
	assert.Equal(t, "Entertainment", seeds[1].room().Category)

	tests := map[string]string{
		"empty.yaml":   "[]",
		"notitle.yaml": "- id: x\n",
		"dup.yaml":     "- {id: x, title: X}\n- {id: x, title: Y}\n",
		"bad.yaml":     "{not a list",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRoomSeeds(write(name, body))
			assert.Error(t, err)
		})
	}

	_, err = LoadRoomSeeds(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
