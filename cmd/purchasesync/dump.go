package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"purchasesync/internal/cache"
	"purchasesync/internal/logging"
	"purchasesync/internal/snapshot"
)

var dumpOut string

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Load the cache from the remote store and write it as a JSON snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.LogLevel, os.Stderr)

		var cl closers
		defer cl.closeAll(logger)
		rem, err := openRemote(cfg, nil, &cl)
		if err != nil {
			return err
		}
		c := cache.Create(cache.Options{Remote: rem, Logger: logger, LoadLimit: cfg.Cache.LoadLimit})
		defer c.Teardown()
		if err := c.Load(cmd.Context()); err != nil {
			return err
		}

		out := dumpOut
		if out == "" {
			out = cfg.SnapshotDir
		}
		if out == "" {
			out = "./snapshots"
		}
		m, err := snapshot.NewFilesystemSnapshotter(out).WriteSnapshot(uuid.NewString(), c.Store(), c.Store().LastFetch())
		if err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	},
}

func init() {
	dumpCmd.Flags().StringVar(&dumpOut, "out", "", "snapshot directory (default: snapshot_dir or ./snapshots)")
}
