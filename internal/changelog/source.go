package changelog

import (
	"context"
	"sync"
	"sync/atomic"
)

// Status is a transport-level subscription status.
type Status string

const (
	Subscribed   Status = "SUBSCRIBED"
	ChannelError Status = "CHANNEL_ERROR"
	TimedOut     Status = "TIMED_OUT"
	Closed       Status = "CLOSED"
)

// Sink receives events and status changes from one subscription. Calls for
// a subscription arrive on a single goroutine, in order.
type Sink interface {
	HandleEvent(ev ChangeEvent)
	HandleStatus(st Status, err error)
}

// Source opens change subscriptions on a set of tables.
type Source interface {
	Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error)
}

// Subscription is a live feed. Unsubscribe stops delivery and never blocks,
// so it is safe to call from inside a Sink callback.
type Subscription interface {
	Unsubscribe()
}

// subscription is the delivery loop shared by the transports. Once stopped,
// nothing more reaches the sink.
type subscription struct {
	sink    Sink
	tables  map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newSubscription(ctx context.Context, tables []string, sink Sink) *subscription {
	cctx, cancel := context.WithCancel(ctx)
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	return &subscription{sink: sink, tables: set, ctx: cctx, cancel: cancel, done: make(chan struct{})}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

// Done is closed when the delivery goroutine has exited.
func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) wants(table string) bool {
	return len(s.tables) == 0 || s.tables[table]
}

func (s *subscription) event(ev ChangeEvent) {
	if s.stopped.Load() || !s.wants(ev.Table) {
		return
	}
	s.sink.HandleEvent(ev)
}

// status reports st unless the subscription was stopped by its owner.
func (s *subscription) status(st Status, err error) {
	if s.stopped.Load() {
		return
	}
	s.sink.HandleStatus(st, err)
}

// fail reports a terminal status and stops the subscription.
func (s *subscription) fail(st Status, err error) {
	s.status(st, err)
	s.Unsubscribe()
}

// Bus is an in-process broker. It is a Writer for the remote stores and a
// Source for feed adapters. Every subscriber has its own unbounded FIFO.
type Bus struct {
	mu     sync.Mutex
	subs   map[*busSub]struct{}
	closed bool
}

type busSub struct {
	*subscription
	bus   *Bus
	mu    sync.Mutex
	queue []busItem
	wake  chan struct{}
}

type busItem struct {
	ev     ChangeEvent
	status Status
	err    error
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*busSub]struct{})}
}

func (b *Bus) Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error) {
	s := &busSub{subscription: newSubscription(ctx, tables, sink), bus: b, wake: make(chan struct{}, 1)}
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	if closed {
		s.push(busItem{status: Closed})
	} else {
		s.push(busItem{status: Subscribed})
	}
	go s.run()
	return s, nil
}

func (b *Bus) Append(ev ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(busItem{ev: ev})
	}
	return nil
}

// Break delivers a status to every subscriber and detaches them, as a broker
// outage would.
func (b *Bus) Break(st Status, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(busItem{status: st, err: err})
		delete(b.subs, s)
	}
}

// Close detaches every subscriber with Closed; later subscriptions are closed
// immediately.
func (b *Bus) Close() {
	b.Break(Closed, nil)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *busSub) push(it busItem) {
	s.mu.Lock()
	s.queue = append(s.queue, it)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *busSub) Unsubscribe() {
	s.subscription.Unsubscribe()
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

func (s *busSub) run() {
	defer close(s.done)
	defer s.Unsubscribe()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, it := range batch {
			switch {
			case it.status == "":
				s.event(it.ev)
			case it.status == Subscribed:
				s.status(it.status, it.err)
			default:
				s.fail(it.status, it.err)
				return
			}
		}
	}
}
