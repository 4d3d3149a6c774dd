package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSubscription is the part of *redis.PubSub the source needs.
type redisSubscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisSubscribeFunc func(ctx context.Context, channels ...string) redisSubscription

// RedisSource listens on "<prefix><table>" pub/sub channels, the counterpart
// of RedisWriter. Pub/sub has no replay: events published while the source is
// down are lost, which is why the cache reloads after a reconnect.
type RedisSource struct {
	subscribe      redisSubscribeFunc
	prefix         string
	confirmTimeout time.Duration
}

func NewRedisSource(client *redis.Client, prefix string, confirmTimeout time.Duration) *RedisSource {
	return &RedisSource{
		subscribe: func(ctx context.Context, channels ...string) redisSubscription {
			return client.Subscribe(ctx, channels...)
		},
		prefix:         prefix,
		confirmTimeout: confirmTimeout,
	}
}

// NewRedisSourceWith is only for tests to inject a fake subscription.
func NewRedisSourceWith(fn redisSubscribeFunc, prefix string, confirmTimeout time.Duration) *RedisSource {
	return &RedisSource{subscribe: fn, prefix: prefix, confirmTimeout: confirmTimeout}
}

func (r *RedisSource) Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("redis source needs at least one table")
	}
	channels := make([]string, len(tables))
	for i, t := range tables {
		channels[i] = r.prefix + t
	}
	s := newSubscription(ctx, tables, sink)
	ps := r.subscribe(s.ctx, channels...)
	go func() {
		defer close(s.done)
		defer ps.Close()

		confirmCtx, cancel := context.WithTimeout(s.ctx, r.confirmTimeout)
		_, err := ps.Receive(confirmCtx)
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				s.fail(TimedOut, fmt.Errorf("redis subscribe: %w", err))
			} else {
				s.fail(ChannelError, fmt.Errorf("redis subscribe: %w", err))
			}
			return
		}
		s.status(Subscribed, nil)

		ch := ps.Channel()
		for {
			select {
			case <-s.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.fail(Closed, nil)
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					continue
				}
				s.event(ev)
			}
		}
	}()
	return s, nil
}
