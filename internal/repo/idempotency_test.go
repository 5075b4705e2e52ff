package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

func TestGetIdempotency_Misses(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &domain.Idempotency{
		ID: "expired", UserID: "u1", Scope: "dm:u2", Key: "k1", ResourceID: "m0",
		Status: 201, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if err := db.Create(expired).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	for name, args := range map[string][3]string{
		"blank scope": {"u1", "   ", "k1"},
		"expired":     {"u1", "dm:u2", "k1"},
		"missing key": {"u1", "dm:u2", "nope"},
		"other user":  {"u3", "dm:u2", "k1"},
	} {
		rec, err := GetIdempotency(ctx, db, args[0], args[1], args[2], now)
		if rec != nil || !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: got (%v, %v), want ErrNotFound", name, rec, err)
		}
	}
}

func TestCreateIdempotency_RoundTripAndDuplicate(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	start := time.Now().UTC()

	rec, err := CreateIdempotency(ctx, db, "u9", "dm:u8", "k9", "m9", 201, 90*time.Minute)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ID == "" || rec.ResourceID != "m9" || rec.Status != 201 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ExpiresAt.Before(start.Add(89*time.Minute)) || rec.ExpiresAt.After(start.Add(91*time.Minute)) {
		t.Fatalf("ExpiresAt = %v", rec.ExpiresAt)
	}

	got, err := GetIdempotency(ctx, db, "u9", "dm:u8", "k9", time.Now().UTC())
	if err != nil || got.ResourceID != "m9" {
		t.Fatalf("GetIdempotency: %+v, %v", got, err)
	}

	if _, err := CreateIdempotency(ctx, db, "u9", "dm:u8", "k9", "mX", 201, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// the same key in another conversation is independent
	if _, err := CreateIdempotency(ctx, db, "u9", "dm:u7", "k9", "m7", 201, time.Hour); err != nil {
		t.Fatalf("other scope: %v", err)
	}
}

func TestCreateIdempotency_ReplacesExpired(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &domain.Idempotency{
		ID: "stale", UserID: "u1", Scope: "r1", Key: "k", ResourceID: "old",
		Status: 201, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Minute),
	}
	if err := db.Create(stale).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := CreateIdempotency(ctx, db, "u1", "r1", "k", "new", 201, time.Hour); err != nil {
		t.Fatalf("expired key should be reusable: %v", err)
	}
	got, err := GetIdempotency(ctx, db, "u1", "r1", "k", time.Now().UTC())
	if err != nil || got.ResourceID != "new" {
		t.Fatalf("GetIdempotency after reuse: %+v, %v", got, err)
	}
}

func TestPurgeIdempotency(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()
	for _, rec := range []domain.Idempotency{
		{ID: "a", UserID: "u", Scope: "s", Key: "a", ResourceID: "r", Status: 201, ExpiresAt: now.Add(-time.Minute)},
		{ID: "b", UserID: "u", Scope: "s", Key: "b", ResourceID: "r", Status: 201, ExpiresAt: now},
		{ID: "c", UserID: "u", Scope: "s", Key: "c", ResourceID: "r", Status: 201, ExpiresAt: now.Add(time.Hour)},
	} {
		if err := db.Create(&rec).Error; err != nil {
			t.Fatalf("seed %s: %v", rec.ID, err)
		}
	}

	n, err := PurgeIdempotency(ctx, db, now)
	if err != nil || n != 2 {
		t.Fatalf("PurgeIdempotency = %d, %v; want 2, nil", n, err)
	}
	var left int64
	db.Model(&domain.Idempotency{}).Count(&left)
	if left != 1 {
		t.Fatalf("%d records left; want 1", left)
	}
}

func TestCreateIdempotency_NoTable(t *testing.T) {
	db := newTestDB(t)
	_, err := CreateIdempotency(context.Background(), db, "u", "s", "k", "m", 201, time.Minute)
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected a non-duplicate error, got %v", err)
	}
}
