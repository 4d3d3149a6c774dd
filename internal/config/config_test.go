package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "memory", c.Remote.Kind)
	assert.Equal(t, "bus", c.Feed.Kind)
	assert.Equal(t, 2000, c.Cache.LoadLimit)
	assert.Equal(t, 30*time.Minute, c.Cache.ValidFor)
	assert.Equal(t, 5, c.Feed.ReconnectAttempts)
	assert.False(t, c.Feed.Reconnect)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "purchasesync.yaml")
	yaml := `
log_level: debug
remote:
  kind: sqlite
  dsn: file.db
feed:
  kind: kafka
  brokers: "a:9092, b:9092"
  topic: purchases
  reconnect: true
  reconnect_initial: 2s
cache:
  valid_for: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("PURCHASESYNC_CACHE_LOAD_LIMIT", "50")
	t.Setenv("PURCHASESYNC_LOG_LEVEL", "warn")

	c, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel, "env beats file")
	assert.Equal(t, "sqlite", c.Remote.Kind)
	assert.Equal(t, "file.db", c.Remote.DSN)
	assert.Equal(t, "kafka", c.Feed.Kind)
	assert.Equal(t, "purchases", c.Feed.Topic)
	assert.True(t, c.Feed.Reconnect)
	assert.Equal(t, 2*time.Second, c.Feed.ReconnectInitial)
	assert.Equal(t, 5*time.Minute, c.Cache.ValidFor)
	assert.Equal(t, 50, c.Cache.LoadLimit)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c, err := Load(New(), "")
		require.NoError(t, err)
		return c
	}
	chdir(t, t.TempDir())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown remote", func(c *Config) { c.Remote.Kind = "oracle" }, ErrUnknownRemote},
		{"mysql without dsn", func(c *Config) { c.Remote.Kind = "mysql" }, ErrMissingDSN},
		{"pebble without path", func(c *Config) { c.Remote.Kind = "pebble" }, ErrMissingPath},
		{"unknown feed", func(c *Config) { c.Feed.Kind = "carrier-pigeon" }, ErrUnknownFeed},
		{"file feed without file", func(c *Config) { c.Feed.Kind = "file" }, ErrMissingFile},
		{"kafka without brokers", func(c *Config) { c.Feed.Kind = "kafka"; c.Feed.Brokers = " , " }, ErrMissingKafka},
		{"redis without addr", func(c *Config) { c.Feed.Kind = "redis"; c.Feed.RedisAddr = "" }, ErrMissingRedis},
		{"pubsub without project", func(c *Config) { c.Feed.Kind = "pubsub" }, ErrMissingPubSub},
		{"zero limit", func(c *Config) { c.Cache.LoadLimit = 0 }, ErrBadLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			assert.ErrorIs(t, c.Validate(), tc.want)
		})
	}

	c := base()
	c.Feed.Kind = "none"
	c.Remote.Kind = "pebble"
	c.Remote.Path = "/tmp/x"
	assert.NoError(t, c.Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
