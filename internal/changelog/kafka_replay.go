package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReplaySource reads partition 0 of the change topic from a fixed
// offset, outside any consumer group, and reports Closed once no message
// arrives for Idle. It is the Kafka counterpart of FileSource.
type KafkaReplaySource struct {
	Idle      time.Duration
	newReader func() (kafkaMessageReader, error)
}

func NewKafkaReplaySource(bootstrap, topic string, fromOffset int64) *KafkaReplaySource {
	return &KafkaReplaySource{
		Idle: 5 * time.Second,
		newReader: func() (kafkaMessageReader, error) {
			r := kafka.NewReader(kafka.ReaderConfig{
				Brokers:   SplitBrokers(bootstrap),
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
			if err := r.SetOffset(fromOffset); err != nil {
				_ = r.Close()
				return nil, fmt.Errorf("set offset: %w", err)
			}
			return r, nil
		},
	}
}

// NewKafkaReplaySourceWith is only for tests to inject a fake reader.
func NewKafkaReplaySourceWith(r kafkaMessageReader, idle time.Duration) *KafkaReplaySource {
	return &KafkaReplaySource{
		Idle:      idle,
		newReader: func() (kafkaMessageReader, error) { return r, nil },
	}
}

func (k *KafkaReplaySource) Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error) {
	r, err := k.newReader()
	if err != nil {
		return nil, err
	}
	s := newSubscription(ctx, tables, sink)
	go func() {
		defer close(s.done)
		defer r.Close()
		s.status(Subscribed, nil)
		for {
			rctx, cancel := context.WithTimeout(s.ctx, k.Idle)
			m, err := r.ReadMessage(rctx)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				if errors.Is(err, context.DeadlineExceeded) {
					s.fail(Closed, nil)
					return
				}
				s.fail(ChannelError, fmt.Errorf("read kafka: %w", err))
				return
			}
			ev, err := Decode(m.Value)
			if err != nil {
				s.fail(ChannelError, fmt.Errorf("offset %d: %w", m.Offset, err))
				return
			}
			s.event(ev)
		}
	}()
	return s, nil
}
