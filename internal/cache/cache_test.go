package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchasesync/internal/changelog"
	"purchasesync/internal/feed"
	"purchasesync/internal/metrics"
	"purchasesync/internal/model"
	"purchasesync/internal/remote"
)

func seed(t *testing.T, rem remote.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := rem.Insert(ctx, model.TablePurchases,
		model.Row{"id": 1, "request_date": "2024-01-01", "purchase_order_number": "PO-1"},
		model.Row{"id": 2, "request_date": "2024-03-01", "purchase_order_number": "PO-2"},
		model.Row{"id": 3, "request_date": "2024-02-01", "purchase_order_number": "PO-3"},
	)
	require.NoError(t, err)
	_, err = rem.Insert(ctx, model.TableItems,
		model.Row{"id": 21, "purchase_request_id": 2, "line_number": 2, "quantity": 1, "amount_value": "200"},
		model.Row{"id": 20, "purchase_request_id": 2, "line_number": 1, "quantity": 2, "amount_value": "100"},
		model.Row{"id": 30, "purchase_request_id": 3, "line_number": 1, "quantity": 1, "amount_value": "50"},
		model.Row{"id": 10, "purchase_request_id": 1, "line_number": 1, "quantity": 1, "amount_value": "5"},
	)
	require.NoError(t, err)
}

func TestLoad_NewestFirstWithLimit(t *testing.T) {
	rem := remote.NewMemoryStore(nil)
	seed(t, rem)
	c := Create(Options{Remote: rem, LoadLimit: 2})
	t.Cleanup(c.Teardown)
	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, int32(1), notified.Load())
	assert.NoError(t, c.LastError())

	all, ok := c.Store().All()
	require.True(t, ok)
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[0].ID)
	assert.Equal(t, int64(3), all[1].ID)
	require.Len(t, all[0].Items, 2)
	assert.Equal(t, int64(20), all[0].Items[0].ID, "items ordered by line number")
	assert.True(t, all[0].TotalAmount.Equal(decimal.NewFromInt(300)))

	_, ok = c.Store().ParentOfItem(21)
	assert.True(t, ok)
	_, ok = c.Store().FindByID(1)
	assert.False(t, ok, "beyond the limit")
}

func TestLoad_EmptyRemoteIsInitialized(t *testing.T) {
	c := Create(Options{Remote: remote.NewMemoryStore(nil)})
	t.Cleanup(c.Teardown)
	require.NoError(t, c.Load(context.Background()))
	all, ok := c.Store().All()
	assert.True(t, ok)
	assert.Empty(t, all)
	assert.True(t, c.IsValid())
}

type failingRemote struct{ err error }

func (f failingRemote) Select(context.Context, string, remote.Query) ([]model.Row, error) {
	return nil, f.err
}

func TestLoad_FailureKeepsSnapshotAndNotifies(t *testing.T) {
	boom := errors.New("network down")
	m := metrics.NewRegistry()
	c := Create(Options{Remote: failingRemote{err: boom}, Metrics: m})
	t.Cleanup(c.Teardown)
	c.Store().ReplaceAll([]model.Purchase{{ID: 9}})
	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	err := c.Load(context.Background())
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.LastError(), boom)
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, 1, c.Store().Len(), "previous snapshot kept")
	assert.False(t, c.Loading())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Loads.WithLabelValues("error")))
}

type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
	inner   remote.Store
}

func (b *blockingRemote) Select(ctx context.Context, table string, q remote.Query) ([]model.Row, error) {
	if table == model.TablePurchases {
		close(b.entered)
		<-b.release
	}
	return b.inner.Select(ctx, table, q)
}

func newBlocking(t *testing.T) *blockingRemote {
	rem := remote.NewMemoryStore(nil)
	seed(t, rem)
	return &blockingRemote{entered: make(chan struct{}), release: make(chan struct{}), inner: rem}
}

func TestLoad_ConcurrentLoadRejected(t *testing.T) {
	br := newBlocking(t)
	c := Create(Options{Remote: br})
	t.Cleanup(c.Teardown)

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background()) }()
	<-br.entered
	assert.True(t, c.Loading())
	assert.ErrorIs(t, c.Load(context.Background()), ErrLoadInProgress)

	close(br.release)
	require.NoError(t, <-done)
	assert.Equal(t, 3, c.Store().Len())
}

func TestLoad_ResultDiscardedAfterTeardown(t *testing.T) {
	br := newBlocking(t)
	c := Create(Options{Remote: br})

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background()) }()
	<-br.entered
	c.Teardown()
	close(br.release)

	assert.ErrorIs(t, <-done, ErrTornDown)
	assert.False(t, c.Store().Initialized())
	assert.ErrorIs(t, c.Load(context.Background()), ErrTornDown)
	assert.ErrorIs(t, c.Start(context.Background()), ErrTornDown)
}

func TestIsValid_Window(t *testing.T) {
	now := time.Now()
	c := Create(Options{Remote: remote.NewMemoryStore(nil), ValidFor: time.Minute, Now: func() time.Time { return now }})
	t.Cleanup(c.Teardown)

	assert.False(t, c.IsValid(), "never loaded")
	require.NoError(t, c.Load(context.Background()))
	assert.True(t, c.IsValid())

	now = now.Add(2 * time.Minute)
	assert.False(t, c.IsValid(), "stale")
}

func TestInvalidate(t *testing.T) {
	m := metrics.NewRegistry()
	rem := remote.NewMemoryStore(nil)
	seed(t, rem)
	c := Create(Options{Remote: rem, Metrics: m})
	t.Cleanup(c.Teardown)
	require.NoError(t, c.Load(context.Background()))
	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	c.Invalidate()
	c.Invalidate()
	_, ok := c.Store().All()
	assert.False(t, ok)
	assert.False(t, c.IsValid())
	assert.Equal(t, int32(2), notified.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Invalidations))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Notifications))
}

func TestStats(t *testing.T) {
	rem := remote.NewMemoryStore(nil)
	seed(t, rem)
	c := Create(Options{Remote: rem, Source: changelog.NewBus()})
	t.Cleanup(c.Teardown)
	c.AddListener(func() {})
	require.NoError(t, c.Load(context.Background()))

	s := c.Stats()
	assert.True(t, s.Initialized)
	assert.Equal(t, 3, s.Records)
	assert.Equal(t, int64(3*5*1024), s.EstimatedBytes)
	assert.Equal(t, 1, s.Listeners)
	assert.Equal(t, "unsubscribed", s.Feed)
	assert.False(t, s.LastFetch.IsZero())
}

func TestListenerPanicCounted(t *testing.T) {
	m := metrics.NewRegistry()
	c := Create(Options{Remote: remote.NewMemoryStore(nil), Metrics: m})
	t.Cleanup(c.Teardown)
	var after atomic.Int32
	c.AddListener(func() { panic("view crashed") })
	c.AddListener(func() { after.Add(1) })

	c.NotifyAll()
	assert.Equal(t, int32(1), after.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ListenerPanics))
}

// A remote write echoes through the feed after the optimistic local update;
// both paths must agree.
func TestCache_OptimisticUpdateThenEcho(t *testing.T) {
	bus := changelog.NewBus()
	rem := remote.NewMemoryStore(bus)
	seed(t, rem)
	c := Create(Options{Remote: rem, Source: bus})
	t.Cleanup(c.Teardown)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Adapter().State() == feed.Subscribed }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Load(context.Background()))

	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	require.True(t, c.Store().MarkItemReceived(2, 20, 2, time.Now(), "kim"))
	p, _ := c.Store().FindByID(2)
	assert.Equal(t, model.DeliveryReceived, p.Items[0].DeliveryStatus)

	_, err := rem.Update(context.Background(), model.TableItems, 20, model.Row{"received_quantity": 2, "is_received": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return notified.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	p, _ = c.Store().FindByID(2)
	assert.Equal(t, model.DeliveryReceived, p.Items[0].DeliveryStatus)
	assert.Equal(t, int64(2), p.Items[0].ReceivedQuantity)
	assert.True(t, p.TotalAmount.Equal(decimal.NewFromInt(300)))

	_, err = rem.Insert(context.Background(), model.TablePurchases, model.Row{"id": 4, "request_date": "2024-04-01"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := c.Store().FindByID(4); return ok }, 2*time.Second, 5*time.Millisecond)
	all, _ := c.Store().All()
	assert.Equal(t, int64(4), all[0].ID)
}

func TestCache_WithoutFeed(t *testing.T) {
	c := Create(Options{Remote: remote.NewMemoryStore(nil)})
	t.Cleanup(c.Teardown)
	assert.Nil(t, c.Adapter())
	assert.NoError(t, c.Start(context.Background()))
	assert.Equal(t, "none", c.Stats().Feed)
}

// staleReadRemote returns the first purchase listing as read, then holds it
// until released, so writes made meanwhile are newer than the load's rows.
type staleReadRemote struct {
	remote.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *staleReadRemote) Select(ctx context.Context, table string, q remote.Query) ([]model.Row, error) {
	rows, err := s.Store.Select(ctx, table, q)
	if table == model.TablePurchases {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return rows, err
}

func TestLoad_RereadsPurchasesChangedDuringLoad(t *testing.T) {
	ctx := context.Background()
	bus := changelog.NewBus()
	rem := remote.NewMemoryStore(bus)
	seed(t, rem)
	sr := &staleReadRemote{Store: rem, entered: make(chan struct{}), release: make(chan struct{})}
	c := Create(Options{Remote: sr, Source: bus})
	t.Cleanup(c.Teardown)
	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return c.Adapter().State() == feed.Subscribed }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Load(ctx) }()
	<-sr.entered

	_, err := rem.Update(ctx, model.TablePurchases, 2, model.Row{"purchase_order_number": "PO-2b"})
	require.NoError(t, err)
	_, err = rem.Insert(ctx, model.TablePurchases, model.Row{"id": 4, "request_date": "2024-04-01"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return notified.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	close(sr.release)
	require.NoError(t, <-done)

	p, ok := c.Store().FindByID(2)
	require.True(t, ok)
	assert.Equal(t, "PO-2b", p.PurchaseOrderNumber)
	require.Len(t, p.Items, 2)
	assert.True(t, p.TotalAmount.Equal(decimal.NewFromInt(300)))

	all, ok := c.Store().All()
	require.True(t, ok)
	require.Len(t, all, 4)
	assert.Equal(t, int64(4), all[0].ID)
	assert.False(t, c.Loading())
}
