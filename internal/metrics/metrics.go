package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// change feed
	Events         *prometheus.CounterVec // table, type, outcome
	FeedStatus     *prometheus.CounterVec // status
	FeedState      prometheus.Gauge
	Reconnects     prometheus.Counter
	InsertFetchSec prometheus.Histogram
	Lag            prometheus.Gauge

	// cache
	Records        prometheus.Gauge
	Notifications  prometheus.Counter
	ListenerPanics prometheus.Counter
	Invalidations  prometheus.Counter
	Loads          *prometheus.CounterVec // result
	LoadSec        prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "purchasesync_feed_events_total"}, []string{"table", "type", "outcome"})
	status := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "purchasesync_feed_status_total"}, []string{"status"})
	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "purchasesync_feed_state",
		Help: "0 unsubscribed, 1 subscribing, 2 subscribed",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{Name: "purchasesync_feed_reconnects_total"})
	fetch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "purchasesync_insert_fetch_seconds",
		Buckets: prometheus.DefBuckets,
	})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "purchasesync_changelog_lag"})

	records := prometheus.NewGauge(prometheus.GaugeOpts{Name: "purchasesync_cache_records"})
	notifications := prometheus.NewCounter(prometheus.CounterOpts{Name: "purchasesync_listener_notifications_total"})
	panics := prometheus.NewCounter(prometheus.CounterOpts{Name: "purchasesync_listener_panics_total"})
	invalidations := prometheus.NewCounter(prometheus.CounterOpts{Name: "purchasesync_cache_invalidations_total"})
	loads := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "purchasesync_cache_loads_total"}, []string{"result"})
	loadSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "purchasesync_cache_load_seconds",
		Buckets: prometheus.DefBuckets,
	})

	r.MustRegister(events, status, state, reconnects, fetch, lag, records, notifications, panics, invalidations, loads, loadSec)
	return &Registry{
		reg:            r,
		Events:         events,
		FeedStatus:     status,
		FeedState:      state,
		Reconnects:     reconnects,
		InsertFetchSec: fetch,
		Lag:            lag,
		Records:        records,
		Notifications:  notifications,
		ListenerPanics: panics,
		Invalidations:  invalidations,
		Loads:          loads,
		LoadSec:        loadSec,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
