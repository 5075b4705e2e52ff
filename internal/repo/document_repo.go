// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for stored
// documents (domain.Record).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition. Value
// sentinels, filter semantics and change fan-out live in the store package.
//
// Error semantics:
//   - A missing document yields ErrNotFound (gorm.ErrRecordNotFound).
//   - Inserting an existing (collection, id) yields ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the store and service layers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a unique key is already taken.
var ErrDuplicate = errors.New("duplicate")

// FieldMatch narrows a collection listing to documents whose top-level JSON
// field equals Value.
type FieldMatch struct {
	Field string
	Value string
}

// GetDocument fetches one document by collection and id.
func GetDocument(ctx context.Context, db *gorm.DB, collection, id string) (*domain.Record, error) {
	var rec domain.Record
	err := db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LockDocument fetches one document with a row lock (SELECT ... FOR UPDATE on
// drivers that support it). It must be called inside a transaction.
func LockDocument(ctx context.Context, tx *gorm.DB, collection, id string) (*domain.Record, error) {
	var rec domain.Record
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("collection = ? AND id = ?", collection, id).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDocuments returns the documents of a collection in insertion order.
// String equality matches are pushed down to the database as JSON
// predicates.
func ListDocuments(ctx context.Context, db *gorm.DB, collection string, matches ...FieldMatch) ([]domain.Record, error) {
	q := db.WithContext(ctx).Where("collection = ?", collection)
	for _, m := range matches {
		q = q.Where(datatypes.JSONQuery("data").Equals(m.Value, m.Field))
	}
	var out []domain.Record
	err := q.Order("created_at asc").Order("id asc").Find(&out).Error
	return out, err
}

// InsertDocument creates a new document and returns ErrDuplicate if the
// (collection, id) pair already exists.
func InsertDocument(ctx context.Context, db *gorm.DB, collection, id string, data []byte) (*domain.Record, error) {
	now := time.Now().UTC()
	rec := &domain.Record{
		Collection: collection,
		ID:         id,
		Data:       datatypes.JSON(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// SaveDocument inserts or replaces the body of a document. CreatedAt is kept
// on replace.
func SaveDocument(ctx context.Context, db *gorm.DB, collection, id string, data []byte) error {
	now := time.Now().UTC()
	rec := &domain.Record{
		Collection: collection,
		ID:         id,
		Data:       datatypes.JSON(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(rec).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key") ||
		strings.Contains(low, "duplicate entry")
}
