package repo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// CollectionVersion summarises one collection for conditional reads.
type CollectionVersion struct {
	Count int64
	// LastUpdated is zero for an empty collection.
	LastUpdated time.Time
}

// ETag renders v as a weak validator. Any insert, update or delete in the
// collection changes it.
func (v CollectionVersion) ETag(collection string) string {
	var ts int64
	if !v.LastUpdated.IsZero() {
		ts = v.LastUpdated.UnixNano()
	}
	return fmt.Sprintf(`W/"%s:%d:%d"`, collection, v.Count, ts)
}

// CollectionStats reads the document count and latest write of collection.
// Subcollections ("chatRooms/r1/messages") are separate collections and do
// not count towards their parent.
func CollectionStats(ctx context.Context, db *gorm.DB, collection string) (CollectionVersion, error) {
	var v CollectionVersion
	q := db.WithContext(ctx).Model(&domain.Record{}).Where("collection = ?", collection)
	if err := q.Count(&v.Count).Error; err != nil || v.Count == 0 {
		return v, err
	}

	// ordered select rather than MAX(): SQLite hands MAX back as TEXT
	var latest struct{ UpdatedAt time.Time }
	if err := q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&latest).Error; err != nil {
		return CollectionVersion{}, err
	}
	v.LastUpdated = latest.UpdatedAt
	return v, nil
}
