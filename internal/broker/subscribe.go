package broker

import (
	"context"

	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

// subscriberBuffer bounds the per-subscriber queue. When a subscriber falls
// behind, the oldest queued message is shed so the newest always gets
// through.
const subscriberBuffer = 64

// Subscription is a live pub/sub subscription on one or more topics.
type Subscription struct {
	// C delivers decoded messages. It is closed when the subscription ends.
	C      <-chan Message
	cancel context.CancelFunc
	done   chan struct{}
}

// Close tears down the subscription and waits for the pump to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens a pub/sub subscription on the given topics. Records whose
// schema is not in model.KnownSchemas are dropped and counted. Messages
// beyond the per-subscriber buffer are shed oldest-first.
func (b *Broker) Subscribe(ctx context.Context, topics ...string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.rdb.Subscribe(ctx, topics...)
	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				env, err := model.DecodeEnvelope([]byte(raw.Payload))
				if err != nil {
					monitoring.UnknownSchemaDrops.WithLabelValues(raw.Channel).Inc()
					continue
				}
				if !model.KnownSchemas[env.Schema] {
					monitoring.UnknownSchemaDrops.WithLabelValues(raw.Channel).Inc()
					continue
				}
				msg := Message{Topic: raw.Channel, Envelope: env, Raw: []byte(raw.Payload)}
				select {
				case out <- msg:
				default:
					// newest wins: make room by shedding the oldest
					select {
					case <-out:
					default:
					}
					select {
					case out <- msg:
					default:
					}
				}
			}
		}
	}()

	return &Subscription{C: out, cancel: cancel, done: done}
}
