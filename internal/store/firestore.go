package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tbourn/go-chat-sync/internal/observability"
)

// FirestoreStore implements Store on Cloud Firestore. Subscriptions use
// Firestore snapshot listeners; Update runs in a Firestore transaction.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an existing client (see auth.NewFirebaseApp).
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) collection(path string) (*firestore.CollectionRef, error) {
	col := s.client.Collection(path)
	if col == nil {
		return nil, fmt.Errorf("store: invalid collection path %q", path)
	}
	return col, nil
}

func (s *FirestoreStore) Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) (string, error) {
	col, err := s.collection(collection)
	if err != nil {
		return "", err
	}
	ref := col.NewDoc()
	if id != "" {
		ref = col.Doc(id)
	}
	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}
	if _, err := ref.Set(ctx, toFirestore(fields), opts...); err != nil {
		return "", classifyFirestore(err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	ref := col.NewDoc()
	if id != "" {
		ref = col.Doc(id)
	}
	_, err = ref.Create(ctx, toFirestore(fields))
	return classifyFirestore(err)
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return Document{}, err
	}
	snap, err := col.Doc(id).Get(ctx)
	if err != nil {
		return Document{}, classifyFirestore(err)
	}
	return Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

func (s *FirestoreStore) query(collection string, q Query) (firestore.Query, error) {
	col, err := s.collection(collection)
	if err != nil {
		return firestore.Query{}, err
	}
	fq := col.Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	for _, o := range q.OrderBy {
		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(o.Field, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq, nil
}

func (s *FirestoreStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	fq, err := s.query(collection, q)
	if err != nil {
		return nil, err
	}
	snaps, err := fq.Documents(ctx).GetAll()
	if err != nil {
		return nil, classifyFirestore(err)
	}
	return fromSnapshots(snaps), nil
}

func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return Document{}, err
	}
	ref := col.Doc(id)
	var out Document
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return classifyFirestore(err)
		}
		cur := Document{ID: id, Data: snap.Data()}
		fields, err := fn(cur)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			out = cur
			return nil
		}
		out = Document{ID: id, Data: applyFields(cur.Data, fields, time.Now().UTC())}
		return tx.Set(ref, toFirestore(fields), firestore.MergeAll)
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

func (s *FirestoreStore) Subscribe(ctx context.Context, collection string, q Query, fn func([]Document)) (Unsubscribe, error) {
	fq, err := s.query(collection, q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	it := fq.Snapshots(ctx)
	label := observability.RootCollection(collection)
	observability.SubscriptionsActive.Inc()

	go func() {
		defer observability.SubscriptionsActive.Dec()
		delivered := false
		for {
			snap, err := it.Next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Warn().Err(err).Str("collection", collection).Msg("snapshot listener stopped")
				if !delivered {
					fn([]Document{})
				}
				return
			}
			docs, err := snap.Documents.GetAll()
			if err != nil {
				log.Warn().Err(err).Str("collection", collection).Msg("snapshot read failed")
				continue
			}
			delivered = true
			observability.SnapshotsDelivered.WithLabelValues(label).Inc()
			fn(fromSnapshots(docs))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			it.Stop()
		})
	}, nil
}

func fromSnapshots(snaps []*firestore.DocumentSnapshot) []Document {
	out := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return out
}

func toFirestore(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch s := v.(type) {
		case serverTimestamp:
			out[k] = firestore.ServerTimestamp
		case deleteField:
			out[k] = firestore.Delete
		case increment:
			out[k] = firestore.Increment(s.n)
		case arrayUnion:
			out[k] = firestore.ArrayUnion(s.values...)
		case arrayRemove:
			out[k] = firestore.ArrayRemove(s.values...)
		default:
			out[k] = v
		}
	}
	return out
}

func classifyFirestore(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.AlreadyExists:
		return ErrAlreadyExists
	}
	return fmt.Errorf("store: firestore: %w", err)
}
