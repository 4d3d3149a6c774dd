package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSource receives events from a Google Cloud Pub/Sub subscription.
// Ordering is per ordering key only; the adapter tolerates reordering of
// unrelated rows. Messages are acked after the sink returns.
type PubSubSource struct {
	client         *pubsub.Client
	subscriptionID string
	confirmTimeout time.Duration
}

func NewPubSubSource(client *pubsub.Client, subscriptionID string, confirmTimeout time.Duration) *PubSubSource {
	return &PubSubSource{client: client, subscriptionID: subscriptionID, confirmTimeout: confirmTimeout}
}

func (p *PubSubSource) Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error) {
	sub := p.client.Subscription(p.subscriptionID)
	// single-flight delivery keeps the sink contract of one goroutine at a time
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	s := newSubscription(ctx, tables, sink)
	go func() {
		defer close(s.done)

		confirmCtx, cancel := context.WithTimeout(s.ctx, p.confirmTimeout)
		exists, err := sub.Exists(confirmCtx)
		cancel()
		switch {
		case s.ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			s.fail(TimedOut, fmt.Errorf("pubsub subscription check: %w", err))
			return
		case err != nil:
			s.fail(ChannelError, fmt.Errorf("pubsub subscription check: %w", err))
			return
		case !exists:
			s.fail(ChannelError, fmt.Errorf("pubsub subscription %q not found", p.subscriptionID))
			return
		}
		s.status(Subscribed, nil)

		err = sub.Receive(s.ctx, func(_ context.Context, msg *pubsub.Message) {
			ev, err := Decode(msg.Data)
			if err != nil {
				msg.Ack()
				return
			}
			s.event(ev)
			msg.Ack()
		})
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(ChannelError, fmt.Errorf("pubsub receive: %w", err))
			return
		}
		s.fail(Closed, nil)
	}()
	return s, nil
}

// PubSubWriter publishes events to a topic with the row key as ordering key.
type PubSubWriter struct {
	topic *pubsub.Topic
}

func NewPubSubWriter(client *pubsub.Client, topicID string) *PubSubWriter {
	t := client.Topic(topicID)
	t.EnableMessageOrdering = true
	return &PubSubWriter{topic: t}
}

func (w *PubSubWriter) Append(ev ChangeEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := w.topic.Publish(ctx, &pubsub.Message{Data: b, OrderingKey: ev.Key()})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

func (w *PubSubWriter) Close() error {
	w.topic.Stop()
	return nil
}
