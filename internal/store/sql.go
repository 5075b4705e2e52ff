package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/repo"
)

// Notifier carries change notices between processes that share one
// database. Notices published by this process are not delivered back to it.
type Notifier interface {
	Publish(ctx context.Context, collection string) error
	Listen(ctx context.Context, fn func(collection string)) error
}

// SQLStore implements Store on top of the documents table. Subscriptions are
// served by re-running their query after every write to the collection, made
// either by this process or (through the Notifier) by a peer.
type SQLStore struct {
	db   *gorm.DB
	hub  *hub
	feed Notifier

	// serializes writes within the process; SQLite has no row locks
	mu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewSQLStore returns a store over db. feed may be nil for a single-process
// deployment.
func NewSQLStore(db *gorm.DB, feed Notifier) *SQLStore {
	return &SQLStore{
		db:    db,
		hub:   newHub(),
		feed:  feed,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Listen forwards peer change notices to local subscriptions until ctx is
// done.
func (s *SQLStore) Listen(ctx context.Context) error {
	if s.feed == nil {
		return nil
	}
	return s.feed.Listen(ctx, s.hub.notify)
}

func (s *SQLStore) Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) (string, error) {
	if id == "" {
		id = s.newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !merge {
		body, err := json.Marshal(applyFields(nil, fields, s.now()))
		if err != nil {
			return "", fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
		}
		if err := repo.SaveDocument(ctx, s.db, collection, id, body); err != nil {
			return "", fmt.Errorf("store: put %s/%s: %w", collection, id, err)
		}
		s.changed(ctx, collection)
		return id, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		base := map[string]any{}
		rec, err := repo.LockDocument(ctx, tx, collection, id)
		switch {
		case err == nil:
			if base, err = decodeBody(rec.Data); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		body, err := json.Marshal(applyFields(base, fields, s.now()))
		if err != nil {
			return err
		}
		return repo.SaveDocument(ctx, tx, collection, id, body)
	})
	if err != nil {
		return "", fmt.Errorf("store: merge %s/%s: %w", collection, id, err)
	}
	s.changed(ctx, collection)
	return id, nil
}

func (s *SQLStore) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	if id == "" {
		id = s.newID()
	}
	body, err := json.Marshal(applyFields(nil, fields, s.now()))
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := repo.InsertDocument(ctx, s.db, collection, id, body); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create %s/%s: %w", collection, id, err)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *SQLStore) Get(ctx context.Context, collection, id string) (Document, error) {
	rec, err := repo.GetDocument(ctx, s.db, collection, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: get %s/%s: %w", collection, id, err)
	}
	data, err := decodeBody(rec.Data)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

// fieldName limits which filters are pushed down into SQL.
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s *SQLStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	var matches []repo.FieldMatch
	for _, f := range q.Filters {
		if v, ok := f.Value.(string); ok && f.Op == OpEqual && fieldName.MatchString(f.Field) {
			if _, isTime := parseTime(v); !isTime {
				matches = append(matches, repo.FieldMatch{Field: f.Field, Value: v})
			}
		}
	}
	recs, err := repo.ListDocuments(ctx, s.db, collection, matches...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(recs))
	for _, r := range recs {
		data, err := decodeBody(r.Data)
		if err != nil {
			log.Warn().Err(err).Str("collection", collection).Str("id", r.ID).Msg("skipping undecodable document")
			continue
		}
		docs = append(docs, Document{ID: r.ID, Data: data})
	}
	return evaluate(docs, q), nil
}

func (s *SQLStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out     Document
		written bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := repo.LockDocument(ctx, tx, collection, id)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err := decodeBody(rec.Data)
		if err != nil {
			return err
		}
		cur := Document{ID: id, Data: data}
		fields, err := fn(cur)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			out = cur
			return nil
		}
		body, err := json.Marshal(applyFields(data, fields, s.now()))
		if err != nil {
			return err
		}
		if err := repo.SaveDocument(ctx, tx, collection, id, body); err != nil {
			return err
		}
		next, err := decodeBody(body)
		if err != nil {
			return err
		}
		out, written = Document{ID: id, Data: next}, true
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	if written {
		s.changed(ctx, collection)
	}
	return out, nil
}

func (s *SQLStore) Subscribe(ctx context.Context, collection string, q Query, fn func([]Document)) (Unsubscribe, error) {
	load := func(ctx context.Context) ([]Document, error) {
		return s.Query(ctx, collection, q)
	}
	return s.hub.subscribe(ctx, collection, load, fn), nil
}

func (s *SQLStore) changed(ctx context.Context, collection string) {
	s.hub.notify(collection)
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(context.WithoutCancel(ctx), collection); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("change notice not published")
	}
}

func decodeBody(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("store: decode body: %w", err)
	}
	return data, nil
}
