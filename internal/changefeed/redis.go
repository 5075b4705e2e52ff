package changefeed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis publishes notices on a Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewRedis returns a feed on channel. The client is owned by the caller.
func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel, origin: newOrigin()}
}

func (r *Redis) Publish(ctx context.Context, collection string) error {
	payload, err := encode(r.origin, collection)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("changefeed: redis publish: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and calls fn for each peer notice until
// ctx is done. It returns once the subscription is confirmed.
func (r *Redis) Listen(ctx context.Context, fn func(collection string)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("changefeed: redis subscribe: %w", err)
	}
	msgs := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					log.Warn().Str("channel", r.channel).Msg("change feed subscription closed")
					return
				}
				if collection, ok := decode(r.origin, []byte(m.Payload)); ok {
					fn(collection)
				}
			}
		}
	}()
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (r *Redis) Close() error { return nil }
