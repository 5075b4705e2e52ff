package changefeed

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQP publishes notices on a fanout exchange. Every listener binds its own
// exclusive, auto-deleted queue.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	origin   string

	mu  sync.Mutex
	pub *amqp.Channel
}

// DialAMQP connects to url and declares the fanout exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("changefeed: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("changefeed: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("changefeed: declare exchange %q: %w", exchange, err)
	}
	return &AMQP{conn: conn, exchange: exchange, origin: newOrigin(), pub: ch}, nil
}

func (a *AMQP) Publish(ctx context.Context, collection string) error {
	payload, err := encode(a.origin, collection)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.pub.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("changefeed: amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) Listen(ctx context.Context, fn func(collection string)) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("changefeed: amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err == nil {
		err = ch.QueueBind(q.Name, "", a.exchange, false, nil)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(q.Name, "", true, true, false, false, nil)
	}
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("changefeed: amqp consume: %w", err)
	}
	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Str("exchange", a.exchange).Msg("change feed consumer closed")
					return
				}
				if collection, ok := decode(a.origin, d.Body); ok {
					fn(collection)
				}
			}
		}
	}()
	return nil
}

func (a *AMQP) Close() error {
	return a.conn.Close()
}
