// Package domain defines the document shapes of the chat sync core and the
// GORM models backing the SQL document store.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Record is one stored document in the SQL backend. Documents are keyed by
// their collection path and id; the body is an opaque JSON object.
//
// Fields:
//   - Collection: full collection path, e.g. "chatRooms/r1/messages".
//   - ID: document id, unique within the collection.
//   - Data: JSON object holding the document fields.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Record struct {
	Collection string         `gorm:"type:varchar(255);primaryKey"`
	ID         string         `gorm:"type:varchar(191);primaryKey"`
	Data       datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index:idx_documents_updated"`
}

// TableName returns the database table name for Record.
func (Record) TableName() string { return "documents" }
