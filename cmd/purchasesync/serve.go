package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"purchasesync/internal/cache"
	"purchasesync/internal/changelog"
	"purchasesync/internal/config"
	"purchasesync/internal/feed"
	"purchasesync/internal/logging"
	"purchasesync/internal/metrics"
	"purchasesync/internal/snapshot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the cache, follow the change feed and serve /metrics",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("feed", "bus", "change feed: none|bus|file|kafka|redis|pubsub")
	f.String("feed-file", "", "JSONL changelog for the file feed")
	f.String("brokers", "localhost:9092", "kafka bootstrap servers")
	f.String("topic", "purchasesync.changelog", "kafka change topic")
	f.Bool("reconnect", false, "resubscribe with backoff after a feed failure")
	f.String("metrics-addr", ":9090", "listen address for /metrics, /healthz and /stats")
	f.String("snapshot-dir", "", "write a cache dump here on shutdown")
	bindFlags(serveCmd, map[string]string{
		config.KeyFeedKind:    "feed",
		config.KeyFeedFile:    "feed-file",
		config.KeyFeedBrokers: "brokers",
		config.KeyFeedTopic:   "topic",
		config.KeyReconnect:   "reconnect",
		config.KeyMetricsAddr: "metrics-addr",
		config.KeySnapshotDir: "snapshot-dir",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, os.Stdout)
	log := logging.Module(logger, "main")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer cl.closeAll(logger)

	reg := metrics.NewRegistry()
	fw, err := openFeed(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	rem, err := openRemote(cfg, fw.Writer, &cl)
	if err != nil {
		return err
	}

	c := cache.Create(cache.Options{
		Remote:       rem,
		Source:       fw.Source,
		Metrics:      reg,
		Logger:       logger,
		Reconnect:    reconnectPolicy(cfg),
		LoadLimit:    cfg.Cache.LoadLimit,
		ValidFor:     cfg.Cache.ValidFor,
		FetchTimeout: cfg.Cache.FetchTimeout,
	})
	defer c.Teardown()

	reloads := make(chan struct{}, 1)
	c.AddListener(func() {
		if c.Store().Initialized() {
			return
		}
		select {
		case reloads <- struct{}{}:
		default:
		}
	})
	if a := c.Adapter(); a != nil {
		a.OnStateChange(func(st feed.State, err error) {
			entry := log.WithField("state", st.String())
			if err != nil {
				entry.Warn("change feed: " + err.Error())
				return
			}
			entry.Info("change feed state")
		})
	}

	log.WithFields(logrus.Fields{"remote": cfg.Remote.Kind, "feed": cfg.Feed.Kind}).Info("starting purchasesync")
	if err := c.Start(ctx); err != nil && !cfg.Feed.Reconnect {
		return err
	}
	if err := c.Load(ctx); err != nil {
		logging.LogError(log, "main", "runServe", "initial load", nil, err)
	}

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newMux(c, reg), ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		reloadLoop(gctx, c, reloads, cfg.Cache.ValidFor, log)
		return nil
	})
	if fw.Kafka != nil {
		g.Go(func() error {
			lagLoop(gctx, cfg, fw.Kafka, reg, log)
			return nil
		})
	}

	err = g.Wait()
	if cfg.SnapshotDir != "" {
		dump(c, cfg.SnapshotDir, log)
	}
	log.Info("purchasesync stopped")
	return err
}

// newMux serves metrics, a feed health check and cache stats.
func newMux(c *cache.Cache, reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "cache_valid": c.IsValid()}
		code := http.StatusOK
		if a := c.Adapter(); a != nil {
			body["feed"] = a.State().String()
			if a.State() != feed.Subscribed {
				body["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
			if err := a.Err(); err != nil {
				body["error"] = err.Error()
			}
		}
		if err := c.LastError(); err != nil {
			body["load_error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Stats())
	})
	return mux
}

// reloadLoop reloads after an invalidation and refreshes a stale snapshot.
// Failed loads are retried with backoff from 1s up to 30s.
func reloadLoop(ctx context.Context, c *cache.Cache, reloads <-chan struct{}, validFor time.Duration, log *logrus.Entry) {
	const maxBackoff = 30 * time.Second
	if validFor <= 0 {
		validFor = cache.DefaultValidFor
	}
	ticker := time.NewTicker(validFor / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reloads:
		case <-ticker.C:
			if c.IsValid() {
				continue
			}
		}
		backoff := time.Second
		for {
			err := c.Load(ctx)
			if err == nil || errors.Is(err, cache.ErrLoadInProgress) {
				break
			}
			if errors.Is(err, cache.ErrTornDown) || ctx.Err() != nil {
				return
			}
			log.WithField("retry_in", backoff.String()).Warn("reload failed: " + err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
		// failed attempts queued a reload of their own
		select {
		case <-reloads:
		default:
		}
	}
}

// lagLoop reports how far the consumer trails the head of the change topic.
func lagLoop(ctx context.Context, cfg config.Config, ks *changelog.KafkaSource, reg *metrics.Registry, log *logrus.Entry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		head, err := changelog.HeadOffset(ctx, cfg.Feed.Brokers, cfg.Feed.Topic)
		if err != nil {
			log.Debug("lag probe: " + err.Error())
			continue
		}
		if committed := ks.Committed(); committed >= 0 {
			reg.Lag.Set(float64(head - committed))
		}
	}
}

func dump(c *cache.Cache, dir string, log *logrus.Entry) {
	snap := snapshot.NewFilesystemSnapshotter(dir)
	m, err := snap.WriteSnapshot(uuid.NewString(), c.Store(), c.Store().LastFetch())
	if err != nil {
		logging.LogError(log, "main", "dump", "write snapshot", dir, err)
		return
	}
	log.WithFields(logrus.Fields{"snapshot": m.SnapshotID, "records": m.Records}).Info("cache dumped")
}
