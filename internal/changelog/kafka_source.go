package changelog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// kafkaConsumer is the part of ck.Consumer the source needs.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb ck.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Close() error
}

// KafkaSource consumes the change topic with read_committed isolation and
// commits offsets only after an event was handed to the sink.
type KafkaSource struct {
	topic       string
	pollTimeout time.Duration
	newConsumer func() (kafkaConsumer, error)
	committed   atomic.Int64
}

func NewKafkaSource(bootstrap, groupID, topic string) *KafkaSource {
	k := &KafkaSource{
		topic:       topic,
		pollTimeout: 500 * time.Millisecond,
		newConsumer: func() (kafkaConsumer, error) {
			c, err := ck.NewConsumer(&ck.ConfigMap{
				"bootstrap.servers":  bootstrap,
				"group.id":           groupID,
				"enable.auto.commit": false,
				"isolation.level":    "read_committed",
				"auto.offset.reset":  "latest",
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
	k.committed.Store(-1)
	return k
}

// NewKafkaSourceWith is only for tests to inject a fake consumer.
func NewKafkaSourceWith(c kafkaConsumer, topic string) *KafkaSource {
	k := &KafkaSource{
		topic:       topic,
		pollTimeout: 10 * time.Millisecond,
		newConsumer: func() (kafkaConsumer, error) { return c, nil },
	}
	k.committed.Store(-1)
	return k
}

// Committed is the offset of the last committed message, -1 before the first.
func (k *KafkaSource) Committed() int64 { return k.committed.Load() }

func (k *KafkaSource) Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error) {
	c, err := k.newConsumer()
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{k.topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s := newSubscription(ctx, tables, sink)
	go func() {
		defer close(s.done)
		defer c.Close()
		s.status(Subscribed, nil)
		for s.ctx.Err() == nil {
			msg, err := c.ReadMessage(k.pollTimeout)
			if err != nil {
				var kerr ck.Error
				if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
					continue
				}
				if errors.As(err, &kerr) && !kerr.IsFatal() {
					// librdkafka recovers from non-fatal errors by itself
					continue
				}
				s.fail(ChannelError, fmt.Errorf("read kafka: %w", err))
				return
			}
			ev, err := Decode(msg.Value)
			if err != nil {
				// poison message; skip it so the partition keeps moving
				if _, err := c.CommitMessage(msg); err == nil {
					k.committed.Store(int64(msg.TopicPartition.Offset))
				}
				continue
			}
			s.event(ev)
			if _, err := c.CommitMessage(msg); err != nil && s.ctx.Err() == nil {
				s.fail(ChannelError, fmt.Errorf("commit: %w", err))
				return
			}
			k.committed.Store(int64(msg.TopicPartition.Offset))
		}
	}()
	return s, nil
}
