package changelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

type Writer interface {
	Append(ev ChangeEvent) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ev ChangeEvent) error {
	for _, w := range m.writers {
		if err := w.Append(ev); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends events as JSON lines; FileSource replays them.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(ev ChangeEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// KafkaWriter publishes events to a Kafka topic keyed by table#id, so every
// change of one row lands on one partition in order.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

func (k *KafkaWriter) Append(ev ChangeEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(
		context.Background(),
		kafka.Message{Key: []byte(ev.Key()), Value: b},
	)
}

func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// RedisWriter publishes each event on the channel "<prefix><table>".
type RedisWriter struct {
	client redisPublisher
	prefix string
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

func NewRedisWriter(client *redis.Client, prefix string) *RedisWriter {
	return &RedisWriter{client: client, prefix: prefix}
}

// NewRedisWriterWith is only for tests to inject a fake publisher.
func NewRedisWriterWith(p redisPublisher, prefix string) *RedisWriter {
	return &RedisWriter{client: p, prefix: prefix}
}

func (r *RedisWriter) Append(ev ChangeEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.prefix+ev.Table, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// SplitBrokers turns "a:9092, b:9092" into a broker list.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// HeadOffset returns the last offset (high-watermark - 1) of partition 0.
func HeadOffset(ctx context.Context, bootstrap string, topic string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	brokers := SplitBrokers(bootstrap)
	if len(brokers) == 0 {
		return -1, fmt.Errorf("no kafka brokers")
	}
	conn, err := kafka.DialLeader(ctx, "tcp", brokers[0], topic, 0)
	if err != nil {
		return -1, fmt.Errorf("dial leader: %w", err)
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1, fmt.Errorf("read last offset: %w", err)
	}
	return off - 1, nil
}
