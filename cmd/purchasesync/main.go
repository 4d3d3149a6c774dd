package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"purchasesync/internal/config"
)

var (
	// configFile is set by the --config flag.
	configFile string

	v = config.New()

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "purchasesync",
	Short: "Keeps a local purchase request cache in step with the remote store",
	Long: `purchasesync loads purchase requests and their line items from the remote
store, applies change events from a change feed and serves cache metrics.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "purchasesync "+version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./purchasesync.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("remote", "memory", "remote store: memory|sqlite|mysql|pebble")
	rootCmd.PersistentFlags().String("dsn", "", "sqlite/mysql data source name")
	rootCmd.PersistentFlags().String("remote-path", "", "pebble data directory")
	bindFlags(rootCmd, map[string]string{
		config.KeyLogLevel:   "log-level",
		config.KeyRemoteKind: "remote",
		config.KeyRemoteDSN:  "dsn",
		config.KeyRemotePath: "remote-path",
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(replayCmd)
}

// bindFlags lets a flag override the config key it names, when set.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(v, configFile)
}
