// Package changefeed carries "collection changed" notices between server
// instances that share one SQL database, so that each instance can re-run
// its local subscriptions. Notices carry no document data.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-sync/internal/config"
)

// Feed publishes and receives change notices. Notices published by a Feed
// are never delivered to its own listener.
type Feed interface {
	Publish(ctx context.Context, collection string) error
	Listen(ctx context.Context, fn func(collection string)) error
	Close() error
}

type notice struct {
	Origin     string `json:"origin"`
	Collection string `json:"collection"`
}

func encode(origin, collection string) ([]byte, error) {
	return json.Marshal(notice{Origin: origin, Collection: collection})
}

// decode returns the collection of a notice from a peer. Own notices and
// malformed payloads report ok=false.
func decode(origin string, payload []byte) (string, bool) {
	var n notice
	if err := json.Unmarshal(payload, &n); err != nil {
		return "", false
	}
	if n.Origin == origin || n.Collection == "" {
		return "", false
	}
	return n.Collection, true
}

func newOrigin() string { return uuid.NewString() }

// Local is the single-instance feed: nothing to publish, nothing to hear.
type Local struct{}

func (Local) Publish(context.Context, string) error { return nil }

func (Local) Listen(context.Context, func(collection string)) error { return nil }

func (Local) Close() error { return nil }

// Open builds the feed selected by cfg. rdb is only used for Kind "redis".
func Open(cfg config.ChangeFeedConfig, rdb *redis.Client) (Feed, error) {
	switch cfg.Kind {
	case "", "none":
		return Local{}, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("changefeed: redis client required")
		}
		return NewRedis(rdb, cfg.Channel), nil
	case "amqp":
		return DialAMQP(cfg.AMQPURL, cfg.Channel)
	}
	return nil, fmt.Errorf("changefeed: unknown kind %q", cfg.Kind)
}
