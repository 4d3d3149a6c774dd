package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"purchasesync/internal/cache"
	"purchasesync/internal/changelog"
	"purchasesync/internal/feed"
	"purchasesync/internal/logging"
	"purchasesync/internal/snapshot"
)

var replayOpts struct {
	file        string
	kafkaTopic  string
	from        int64
	snapshotDir string
	out         string
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild the cache from a snapshot plus a JSONL changelog",
	Long: `replay seeds the cache from the latest snapshot in --snapshot-dir (or starts
empty), applies every event of --file from line --from (or of --kafka-topic
from offset --from) through the same adapter the live feed uses, prints the
resulting stats and optionally writes a new snapshot to --out.`,
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.file, "file", "", "JSONL changelog to replay")
	f.StringVar(&replayOpts.kafkaTopic, "kafka-topic", "", "replay partition 0 of this topic instead of a file")
	f.Int64Var(&replayOpts.from, "from", 0, "skip this many lines first, or the kafka offset to start at")
	f.StringVar(&replayOpts.snapshotDir, "snapshot-dir", "", "seed from the latest snapshot in this directory")
	f.StringVar(&replayOpts.out, "out", "", "write the rebuilt cache here")
	replayCmd.MarkFlagsOneRequired("file", "kafka-topic")
	replayCmd.MarkFlagsMutuallyExclusive("file", "kafka-topic")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)
	log := logging.Module(logger, "replay")

	var cl closers
	defer cl.closeAll(logger)
	rem, err := openRemote(cfg, nil, &cl)
	if err != nil {
		return err
	}

	var src changelog.Source = changelog.NewFileSource(replayOpts.file, replayOpts.from)
	origin := replayOpts.file
	if replayOpts.kafkaTopic != "" {
		src = changelog.NewKafkaReplaySource(cfg.Feed.Brokers, replayOpts.kafkaTopic, replayOpts.from)
		origin = replayOpts.kafkaTopic
	}
	c := cache.Create(cache.Options{
		Remote:       rem,
		Source:       src,
		Logger:       logger,
		FetchTimeout: cfg.Cache.FetchTimeout,
	})
	defer c.Teardown()

	if replayOpts.snapshotDir != "" {
		snap := snapshot.NewFilesystemSnapshotter(replayOpts.snapshotDir)
		m, err := snap.ReadLatest()
		if err != nil {
			return err
		}
		records, err := snap.ReadSnapshot(m.SnapshotID)
		if err != nil {
			return err
		}
		c.Store().ReplaceAll(records)
		log.WithField("snapshot", m.SnapshotID).Infof("seeded %d records", len(records))
	} else {
		c.Store().ReplaceAll(nil)
	}

	done := make(chan error, 1)
	c.Adapter().OnStateChange(func(st feed.State, err error) {
		if st != feed.Unsubscribed {
			return
		}
		select {
		case done <- err:
		default:
		}
	})
	if err := c.Start(cmd.Context()); err != nil {
		return err
	}
	var end error
	select {
	case end = <-done:
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
	if end != nil && !errors.Is(end, feed.ErrClosed) {
		return fmt.Errorf("replay %s: %w", origin, end)
	}
	if !c.Store().Initialized() {
		log.Warn("cache was invalidated during replay; an insert could not fetch its items")
	}

	if replayOpts.out != "" {
		m, err := snapshot.NewFilesystemSnapshotter(replayOpts.out).WriteSnapshot(uuid.NewString(), c.Store(), c.Store().LastFetch())
		if err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		log.WithField("snapshot", m.SnapshotID).Info("snapshot written")
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(c.Stats())
}
