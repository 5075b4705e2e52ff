package repo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

func TestCollectionStats_NoTable(t *testing.T) {
	db := newTestDB(t)
	if _, err := CollectionStats(context.Background(), db, "chatRooms"); err == nil {
		t.Fatalf("expected error without the documents table")
	}
}

func TestCollectionStats_Empty(t *testing.T) {
	db := newTestDB(t, &domain.Record{})
	v, err := CollectionStats(context.Background(), db, "chatRooms")
	if err != nil {
		t.Fatalf("CollectionStats: %v", err)
	}
	if v != (CollectionVersion{}) {
		t.Fatalf("expected zero version, got %+v", v)
	}
	if got := v.ETag("chatRooms"); got != `W/"chatRooms:0:0"` {
		t.Fatalf("empty etag = %s", got)
	}
}

func TestCollectionStats_IgnoresOtherCollections(t *testing.T) {
	db := newTestDB(t, &domain.Record{})
	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	t3 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	seedDocs(t, db,
		domain.Record{Collection: "chatRooms", ID: "r1", CreatedAt: t1},
		domain.Record{Collection: "chatRooms", ID: "r2", CreatedAt: t2},
		domain.Record{Collection: "chatRooms/r1/messages", ID: "m1", CreatedAt: t3},
		domain.Record{Collection: "users", ID: "u1", CreatedAt: t3},
	)

	v, err := CollectionStats(context.Background(), db, "chatRooms")
	if err != nil {
		t.Fatalf("CollectionStats: %v", err)
	}
	if v.Count != 2 || !v.LastUpdated.Equal(t2) {
		t.Fatalf("got %+v; want count 2 at %v", v, t2)
	}
}

func TestCollectionVersion_ETagTracksWrites(t *testing.T) {
	db := newTestDB(t, &domain.Record{})
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedDocs(t, db, domain.Record{Collection: "chatRooms", ID: "r1", CreatedAt: base})

	etagOf := func() string {
		t.Helper()
		v, err := CollectionStats(ctx, db, "chatRooms")
		if err != nil {
			t.Fatalf("CollectionStats: %v", err)
		}
		return v.ETag("chatRooms")
	}

	first := etagOf()
	if !strings.HasPrefix(first, `W/"chatRooms:1:`) {
		t.Fatalf("unexpected etag %s", first)
	}
	if again := etagOf(); again != first {
		t.Fatalf("etag changed without writes: %s vs %s", first, again)
	}

	seedDocs(t, db, domain.Record{Collection: "chatRooms", ID: "r2", CreatedAt: base})
	if added := etagOf(); added == first {
		t.Fatalf("insert did not change the etag")
	}
}

func TestCollectionStats_LatestSelectFails(t *testing.T) {
	db := newTestDB(t, &domain.Record{})
	seedDocs(t, db, domain.Record{Collection: "c", ID: "x"})
	if err := db.Exec(`ALTER TABLE documents RENAME COLUMN updated_at TO updated_at_old`).Error; err != nil {
		t.Fatalf("rename column: %v", err)
	}
	v, err := CollectionStats(context.Background(), db, "c")
	if err == nil || v != (CollectionVersion{}) {
		t.Fatalf("expected error and zero version, got %+v %v", v, err)
	}
}
