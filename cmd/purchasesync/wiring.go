package main

import (
	"context"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"purchasesync/internal/changelog"
	"purchasesync/internal/config"
	"purchasesync/internal/feed"
	"purchasesync/internal/logging"
	"purchasesync/internal/remote"
)

// closers runs registered cleanups in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll(log logrus.FieldLogger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logging.LogError(log, "main", "closeAll", "cleanup", nil, err)
		}
	}
}

// feedWiring is the write and read side of the configured change feed.
type feedWiring struct {
	Writer changelog.Writer
	Source changelog.Source
	// Kafka is set for the kafka feed so the lag probe can read its offsets.
	Kafka *changelog.KafkaSource
}

func openFeed(ctx context.Context, cfg config.Config, cl *closers) (feedWiring, error) {
	var fw feedWiring
	switch cfg.Feed.Kind {
	case "none":
	case "bus":
		bus := changelog.NewBus()
		cl.add(func() error { bus.Close(); return nil })
		fw.Writer, fw.Source = bus, bus
	case "file":
		dir, name := filepath.Split(cfg.Feed.File)
		if dir == "" {
			dir = "."
		}
		w, err := changelog.NewFileWriter(dir, name)
		if err != nil {
			return fw, fmt.Errorf("init changelog file: %w", err)
		}
		fw.Writer = w
		fw.Source = changelog.NewFileSource(w.Path(), 0)
	case "kafka":
		kw := changelog.NewKafkaWriter(cfg.Feed.Brokers, cfg.Feed.Topic)
		cl.add(kw.Close)
		ks := changelog.NewKafkaSource(cfg.Feed.Brokers, cfg.Feed.GroupID, cfg.Feed.Topic)
		fw.Writer, fw.Source, fw.Kafka = kw, ks, ks
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Feed.RedisAddr})
		cl.add(client.Close)
		fw.Writer = changelog.NewRedisWriter(client, cfg.Feed.RedisPrefix)
		fw.Source = changelog.NewRedisSource(client, cfg.Feed.RedisPrefix, cfg.Feed.ConfirmTimeout)
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Feed.PubSubProject)
		if err != nil {
			return fw, fmt.Errorf("pubsub client: %w", err)
		}
		cl.add(client.Close)
		pw := changelog.NewPubSubWriter(client, cfg.Feed.PubSubTopic)
		cl.add(pw.Close)
		fw.Writer = pw
		fw.Source = changelog.NewPubSubSource(client, cfg.Feed.PubSubSubscription, cfg.Feed.ConfirmTimeout)
	default:
		return fw, fmt.Errorf("%w: %q", config.ErrUnknownFeed, cfg.Feed.Kind)
	}

	if cfg.Feed.MirrorFile != "" {
		dir, name := filepath.Split(cfg.Feed.MirrorFile)
		if dir == "" {
			dir = "."
		}
		mirror, err := changelog.NewFileWriter(dir, name)
		if err != nil {
			return fw, fmt.Errorf("init changelog mirror: %w", err)
		}
		if fw.Writer == nil {
			fw.Writer = mirror
		} else {
			fw.Writer = changelog.NewMultiWriter(fw.Writer, mirror)
		}
	}
	return fw, nil
}

func openRemote(cfg config.Config, w changelog.Writer, cl *closers) (remote.Store, error) {
	switch cfg.Remote.Kind {
	case "memory":
		return remote.NewMemoryStore(w), nil
	case "sqlite", "mysql":
		db, err := remote.OpenGorm(cfg.Remote.Kind, cfg.Remote.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Remote.Kind, err)
		}
		s := remote.NewGormStore(db, w)
		cl.add(s.Close)
		return s, nil
	case "pebble":
		s, err := remote.NewPebbleStore(cfg.Remote.Path, w)
		if err != nil {
			return nil, fmt.Errorf("open pebble: %w", err)
		}
		cl.add(s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownRemote, cfg.Remote.Kind)
}

func reconnectPolicy(cfg config.Config) feed.ReconnectPolicy {
	if !cfg.Feed.Reconnect {
		return feed.ReconnectPolicy{}
	}
	return feed.ReconnectPolicy{
		Enabled:     true,
		Initial:     cfg.Feed.ReconnectInitial,
		Max:         cfg.Feed.ReconnectMax,
		MaxAttempts: cfg.Feed.ReconnectAttempts,
	}
}
