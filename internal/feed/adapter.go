package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"purchasesync/internal/changelog"
	"purchasesync/internal/logging"
	"purchasesync/internal/metrics"
	"purchasesync/internal/model"
	"purchasesync/internal/remote"
	"purchasesync/internal/state"
)

// State of the adapter's subscription.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	}
	return "unsubscribed"
}

var (
	ErrChannel        = errors.New("change feed channel error")
	ErrTimedOut       = errors.New("change feed subscription timed out")
	ErrClosed         = errors.New("change feed closed")
	ErrRetriesExhaust = errors.New("change feed reconnect attempts exhausted")
)

// Fetcher is the read side of the remote store, used to load the items of a
// newly inserted purchase.
type Fetcher interface {
	Select(ctx context.Context, table string, q remote.Query) ([]model.Row, error)
}

// Notifier is told once per handled event.
type Notifier interface {
	NotifyAll()
}

// ReconnectPolicy retries a failed subscription with exponential backoff.
// The zero value never retries.
type ReconnectPolicy struct {
	Enabled     bool
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultReconnect() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay is the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

type Options struct {
	Source    changelog.Source
	Store     state.Store
	Remote    Fetcher
	Notifier  Notifier
	Metrics   *metrics.Registry
	Logger    logrus.FieldLogger
	Reconnect ReconnectPolicy
	// Tables defaults to purchases and items.
	Tables []string
	// FetchTimeout bounds the item fetch on insert. Defaults to 10s.
	FetchTimeout time.Duration
	// OnTouch, when set, receives every purchase id an event may have changed,
	// after the event is applied and before listeners are notified.
	OnTouch func(purchaseID int64)
}

// Adapter reconciles change events into the store. Events of one
// subscription are handled one at a time on the transport's goroutine, and
// every handled event (applied, merged, dropped or ignored) ends with exactly
// one notification.
type Adapter struct {
	opts Options
	log  *logrus.Entry

	mu          sync.Mutex
	state       State
	err         error
	sub         changelog.Subscription
	gen         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	stopped     bool
	attempts    int
	failed      bool // a subscription was lost since the last Subscribed
	retry       *time.Timer
	nextWatchID int
	watchers    map[int]func(State, error)
}

func New(opts Options) *Adapter {
	if len(opts.Tables) == 0 {
		opts.Tables = []string{model.TablePurchases, model.TableItems}
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Adapter{
		opts:     opts,
		log:      logging.Module(opts.Logger, "feed"),
		stopped:  true,
		watchers: make(map[int]func(State, error)),
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err is the reason for the last drop to Unsubscribed, nil after Stop.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// OnStateChange registers fn for every transition. The returned func removes it.
func (a *Adapter) OnStateChange(fn func(State, error)) func() {
	a.mu.Lock()
	a.nextWatchID++
	id := a.nextWatchID
	a.watchers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

// Start subscribes. It is a no-op when already subscribing or subscribed.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if !a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = false
	a.attempts = 0
	a.failed = false
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()
	return a.subscribe()
}

// Stop unsubscribes and cancels any pending reconnect. It never blocks on
// the transport and may be called from a listener or event callback.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.gen++
	sub := a.sub
	a.sub = nil
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	fire := a.transitionLocked(Unsubscribed, nil)
	a.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	fire()
}

func (a *Adapter) subscribe() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.gen++
	gen := a.gen
	ctx := a.ctx
	fire := a.transitionLocked(Subscribing, nil)
	a.mu.Unlock()
	fire()

	sub, err := a.opts.Source.Subscribe(ctx, a.opts.Tables, &sink{a: a, gen: gen})

	a.mu.Lock()
	if err != nil {
		if gen != a.gen {
			a.mu.Unlock()
			return err
		}
		err = fmt.Errorf("%w: %v", ErrChannel, err)
		fire := a.failLocked(err)
		a.mu.Unlock()
		fire()
		return err
	}
	if gen != a.gen || a.stopped {
		a.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	a.sub = sub
	a.mu.Unlock()
	return nil
}

// transitionLocked records a state change and returns a func that tells the
// watchers once the lock is released.
func (a *Adapter) transitionLocked(st State, err error) func() {
	changed := a.state != st || a.err != err
	a.state = st
	a.err = err
	if m := a.opts.Metrics; m != nil {
		m.FeedState.Set(float64(st))
	}
	if !changed {
		return func() {}
	}
	fns := make([]func(State, error), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(st, err)
		}
	}
}

// failLocked drops to Unsubscribed and schedules a reconnect when allowed.
func (a *Adapter) failLocked(err error) func() {
	a.sub = nil
	a.failed = true
	a.gen++
	p := a.opts.Reconnect
	if !p.Enabled || a.stopped {
		return a.transitionLocked(Unsubscribed, err)
	}
	if a.attempts >= p.MaxAttempts {
		return a.transitionLocked(Unsubscribed, fmt.Errorf("%w: %v", ErrRetriesExhaust, err))
	}
	a.attempts++
	delay := p.Delay(a.attempts)
	a.log.WithFields(logrus.Fields{"attempt": a.attempts, "delay": delay.String()}).Warn("change feed lost, reconnecting: " + err.Error())
	if m := a.opts.Metrics; m != nil {
		m.Reconnects.Inc()
	}
	a.retry = time.AfterFunc(delay, func() { _ = a.subscribe() })
	return a.transitionLocked(Unsubscribed, err)
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gen == a.gen && !a.stopped
}

func (a *Adapter) handleStatus(gen uint64, st changelog.Status, err error) {
	if m := a.opts.Metrics; m != nil {
		m.FeedStatus.WithLabelValues(string(st)).Inc()
	}
	a.mu.Lock()
	if gen != a.gen || a.stopped {
		a.mu.Unlock()
		return
	}
	var fire func()
	resync := false
	switch st {
	case changelog.Subscribed:
		resync = a.failed
		a.failed = false
		a.attempts = 0
		fire = a.transitionLocked(Subscribed, nil)
	case changelog.TimedOut:
		fire = a.failLocked(wrapStatus(ErrTimedOut, err))
	case changelog.Closed:
		fire = a.failLocked(wrapStatus(ErrClosed, err))
	default:
		fire = a.failLocked(wrapStatus(ErrChannel, err))
	}
	a.mu.Unlock()
	fire()

	// events may have been missed while disconnected
	if resync && a.opts.Store.Initialized() {
		a.log.Info("change feed resubscribed, invalidating cache")
		a.opts.Store.Reset()
		if m := a.opts.Metrics; m != nil {
			m.Invalidations.Inc()
		}
		a.notify()
	}
}

func wrapStatus(base, err error) error {
	if err == nil {
		return base
	}
	return fmt.Errorf("%w: %v", base, err)
}

func (a *Adapter) notify() {
	if a.opts.Notifier != nil {
		a.opts.Notifier.NotifyAll()
	}
}

// sink binds transport callbacks to one subscription generation so a late
// callback from a replaced subscription is ignored.
type sink struct {
	a   *Adapter
	gen uint64
}

func (s *sink) HandleEvent(ev changelog.ChangeEvent) {
	if !s.a.current(s.gen) {
		return
	}
	s.a.HandleEvent(s.a.eventContext(), ev)
}

func (s *sink) HandleStatus(st changelog.Status, err error) {
	s.a.handleStatus(s.gen, st, err)
}

func (a *Adapter) eventContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}
