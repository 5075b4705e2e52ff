package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/observability"
)

// loader produces the current result set of a subscription.
type loader func(ctx context.Context) ([]Document, error)

// hub fans collection changes out to subscriptions. Each subscription owns a
// goroutine and a wake channel of capacity one, so bursts of changes collapse
// into a single reload and deliveries never overlap.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	collection string
	load       loader
	fn         func([]Document)
	wake       chan struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *hub) subscribe(ctx context.Context, collection string, load loader, fn func([]Document)) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		collection: collection,
		load:       load,
		fn:         fn,
		wake:       make(chan struct{}, 1),
	}
	s.wake <- struct{}{}

	h.mu.Lock()
	set, ok := h.subs[collection]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[collection] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.SubscriptionsActive.Inc()

	go h.run(ctx, s)

	var once sync.Once
	return func() { once.Do(cancel) }
}

func (h *hub) run(ctx context.Context, s *subscription) {
	defer h.remove(s)
	label := observability.RootCollection(s.collection)
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		docs, err := s.load(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("collection", s.collection).Msg("subscription reload failed")
			// keep the last good snapshot; a subscription that never loaded
			// starts out empty
			if delivered {
				continue
			}
			docs = []Document{}
		}
		delivered = true
		observability.SnapshotsDelivered.WithLabelValues(label).Inc()
		s.fn(docs)
	}
}

func (h *hub) remove(s *subscription) {
	h.mu.Lock()
	if set, ok := h.subs[s.collection]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.collection)
		}
	}
	h.mu.Unlock()
	observability.SubscriptionsActive.Dec()
}

// notify schedules a reload for every subscription on collection.
func (h *hub) notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[collection] {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// active returns the number of live subscriptions on collection.
func (h *hub) active(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[collection])
}
