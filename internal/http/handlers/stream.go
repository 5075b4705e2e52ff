package handlers

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

// latest holds the most recent snapshot of a subscription. Snapshots are
// complete states, so a slow client only ever needs the newest one.
type latest[T any] struct {
	mu    sync.Mutex
	v     T
	has   bool
	ready chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ready: make(chan struct{}, 1)}
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	l.v, l.has = v, true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest[T]) take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, has := l.v, l.has
	var zero T
	l.v, l.has = zero, false
	return v, has
}

// stream serves an SSE response. attach registers the subscription and
// returns its release function; every snapshot is sent as one event named
// event. A "ping" event goes out every Heartbeat.
func stream[T any](h *Handlers, c *gin.Context, event string, attach func(ctx context.Context, fn func(T)) (func(), error)) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	buf := newLatest[T]()
	release, err := attach(ctx, buf.put)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	defer release()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	beat := h.Heartbeat
	if beat <= 0 {
		beat = 25 * time.Second
	}
	ticker := time.NewTicker(beat)
	defer ticker.Stop()

	lg := middleware.LoggerFrom(c)
	lg.Debug().Str("event", event).Msg("stream opened")
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-buf.ready:
			if v, has := buf.take(); has {
				c.SSEvent(event, v)
			}
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		}
	})
	lg.Debug().Str("event", event).Msg("stream closed")
}
