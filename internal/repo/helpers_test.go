package repo

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// newTestDB opens a throwaway SQLite file through OpenSQLite, so tests run
// with the production pragmas, and migrates only the given models.
func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// seedDocs writes raw records with fixed timestamps, bypassing GORM's
// autoUpdateTime.
func seedDocs(t *testing.T, db *gorm.DB, recs ...domain.Record) {
	t.Helper()
	for i := range recs {
		if recs[i].Data == nil {
			recs[i].Data = []byte(`{}`)
		}
		if recs[i].CreatedAt.IsZero() {
			recs[i].CreatedAt = time.Now().UTC()
		}
		if recs[i].UpdatedAt.IsZero() {
			recs[i].UpdatedAt = recs[i].CreatedAt
		}
		if err := db.Create(&recs[i]).Error; err != nil {
			t.Fatalf("seed %s/%s: %v", recs[i].Collection, recs[i].ID, err)
		}
	}
}
