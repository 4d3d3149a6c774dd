package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"purchasesync/internal/changelog"
	"purchasesync/internal/feed"
	"purchasesync/internal/listener"
	"purchasesync/internal/logging"
	"purchasesync/internal/metrics"
	"purchasesync/internal/state"
)

var (
	ErrLoadInProgress = errors.New("load already in progress")
	ErrTornDown       = errors.New("cache torn down")
)

const (
	DefaultLoadLimit = 2000
	DefaultValidFor  = 30 * time.Minute

	// bytesPerRecord is the rough footprint used by Stats.
	bytesPerRecord = 5 * 1024
)

type Options struct {
	// Remote serves full loads and the item fetch on insert.
	Remote feed.Fetcher
	// Source is the change feed. Without one the cache only changes through
	// loads and local mutators.
	Source    changelog.Source
	Metrics   *metrics.Registry
	Logger    logrus.FieldLogger
	Reconnect feed.ReconnectPolicy

	LoadLimit    int
	ValidFor     time.Duration
	FetchTimeout time.Duration

	Now func() time.Time
}

// Cache is the process-wide purchase snapshot: store, listeners and the feed
// adapter that keeps them current. Create one per process and Teardown it on
// shutdown.
type Cache struct {
	opts      Options
	log       *logrus.Entry
	store     *state.InMemoryStore
	listeners *listener.Registry
	adapter   *feed.Adapter

	mu      sync.Mutex
	loading bool
	lastErr error
	torn    bool
	touched map[int64]struct{} // purchases the feed changed during a load
}

func Create(opts Options) *Cache {
	if opts.LoadLimit <= 0 {
		opts.LoadLimit = DefaultLoadLimit
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = DefaultValidFor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		opts:      opts,
		log:       logging.Module(opts.Logger, "cache"),
		store:     state.NewInMemoryStore(),
		listeners: listener.NewRegistry(opts.Logger),
	}
	if m := opts.Metrics; m != nil {
		c.listeners.OnPanic(m.ListenerPanics.Inc)
	}
	if opts.Source != nil {
		c.adapter = feed.New(feed.Options{
			Source:       opts.Source,
			Store:        c.store,
			Remote:       opts.Remote,
			Notifier:     c,
			Metrics:      opts.Metrics,
			Logger:       opts.Logger,
			Reconnect:    opts.Reconnect,
			FetchTimeout: opts.FetchTimeout,
			OnTouch:      c.touch,
		})
	}
	return c
}

// Start subscribes to the change feed, if one was configured.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	torn := c.torn
	c.mu.Unlock()
	if torn {
		return ErrTornDown
	}
	if c.adapter == nil {
		return nil
	}
	if err := c.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start change feed: %w", err)
	}
	return nil
}

// Teardown unsubscribes, clears the store and discards any load or fetch
// still in flight. It is safe to call more than once.
func (c *Cache) Teardown() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.mu.Unlock()

	if c.adapter != nil {
		c.adapter.Stop()
	}
	c.store.Close()
	if m := c.opts.Metrics; m != nil {
		m.Records.Set(0)
	}
	c.log.Info("cache torn down")
}

// Invalidate drops the snapshot so the next reader reloads, then notifies.
func (c *Cache) Invalidate() {
	c.store.Reset()
	if m := c.opts.Metrics; m != nil {
		m.Invalidations.Inc()
		m.Records.Set(0)
	}
	c.log.Info("cache invalidated")
	c.NotifyAll()
}

// NotifyAll tells every listener that the snapshot changed.
func (c *Cache) NotifyAll() {
	if m := c.opts.Metrics; m != nil {
		m.Notifications.Inc()
	}
	c.listeners.NotifyAll()
}

func (c *Cache) touch(purchaseID int64) {
	c.mu.Lock()
	if c.touched != nil {
		c.touched[purchaseID] = struct{}{}
	}
	c.mu.Unlock()
}

// AddListener registers fn and returns its unsubscribe func.
func (c *Cache) AddListener(fn func()) func() { return c.listeners.Add(fn) }

func (c *Cache) Store() *state.InMemoryStore { return c.store }

// Adapter is nil when the cache has no change feed.
func (c *Cache) Adapter() *feed.Adapter { return c.adapter }

func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// LastError is the error of the most recent load, nil after a good one.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsValid reports whether the snapshot is loaded and younger than ValidFor.
func (c *Cache) IsValid() bool {
	if !c.store.Initialized() {
		return false
	}
	return c.opts.Now().Sub(c.store.LastFetch()) < c.opts.ValidFor
}

type Stats struct {
	Initialized    bool      `json:"initialized"`
	Records        int       `json:"records"`
	EstimatedBytes int64     `json:"estimated_bytes"`
	LastFetch      time.Time `json:"last_fetch"`
	Listeners      int       `json:"listeners"`
	Feed           string    `json:"feed"`
}

func (c *Cache) Stats() Stats {
	n := c.store.Len()
	s := Stats{
		Initialized:    c.store.Initialized(),
		Records:        n,
		EstimatedBytes: int64(n) * bytesPerRecord,
		LastFetch:      c.store.LastFetch(),
		Listeners:      c.listeners.Len(),
		Feed:           "none",
	}
	if c.adapter != nil {
		s.Feed = c.adapter.State().String()
	}
	return s
}
