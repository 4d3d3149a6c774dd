package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"purchasesync/internal/changelog"
)

const (
	EnvPrefix      = "PURCHASESYNC"
	configFileName = "purchasesync"
	configFileType = "yaml"
)

// Config keys. Environment variables use the prefix and upper-case the key
// with dots replaced by underscores, e.g. PURCHASESYNC_REMOTE_KIND.
const (
	KeyLogLevel          = "log_level"
	KeyMetricsAddr       = "metrics_addr"
	KeySnapshotDir       = "snapshot_dir"
	KeyRemoteKind        = "remote.kind"
	KeyRemoteDSN         = "remote.dsn"
	KeyRemotePath        = "remote.path"
	KeyFeedKind          = "feed.kind"
	KeyFeedFile          = "feed.file"
	KeyFeedBrokers       = "feed.brokers"
	KeyFeedTopic         = "feed.topic"
	KeyFeedGroupID       = "feed.group_id"
	KeyFeedRedisAddr     = "feed.redis_addr"
	KeyFeedRedisPrefix   = "feed.redis_prefix"
	KeyFeedProject       = "feed.pubsub_project"
	KeyFeedTopicID       = "feed.pubsub_topic"
	KeyFeedSubscription  = "feed.pubsub_subscription"
	KeyFeedConfirm       = "feed.confirm_timeout"
	KeyReconnect         = "feed.reconnect"
	KeyReconnectInitial  = "feed.reconnect_initial"
	KeyReconnectMax      = "feed.reconnect_max"
	KeyReconnectAttempts = "feed.reconnect_attempts"
	KeyChangelogMirror   = "feed.mirror_file"
	KeyLoadLimit         = "cache.load_limit"
	KeyValidFor          = "cache.valid_for"
	KeyFetchTimeout      = "cache.fetch_timeout"
)

var (
	ErrUnknownRemote = errors.New("unknown remote kind")
	ErrUnknownFeed   = errors.New("unknown feed kind")
	ErrMissingDSN    = errors.New("remote dsn is required")
	ErrMissingPath   = errors.New("remote path is required")
	ErrMissingFile   = errors.New("feed file is required")
	ErrMissingKafka  = errors.New("feed brokers and topic are required")
	ErrMissingRedis  = errors.New("feed redis address is required")
	ErrMissingPubSub = errors.New("feed pubsub project, topic and subscription are required")
	ErrBadLimit      = errors.New("cache load limit must be positive")
)

type Remote struct {
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"`
}

type Feed struct {
	Kind               string        `mapstructure:"kind"`
	File               string        `mapstructure:"file"`
	Brokers            string        `mapstructure:"brokers"`
	Topic              string        `mapstructure:"topic"`
	GroupID            string        `mapstructure:"group_id"`
	RedisAddr          string        `mapstructure:"redis_addr"`
	RedisPrefix        string        `mapstructure:"redis_prefix"`
	PubSubProject      string        `mapstructure:"pubsub_project"`
	PubSubTopic        string        `mapstructure:"pubsub_topic"`
	PubSubSubscription string        `mapstructure:"pubsub_subscription"`
	ConfirmTimeout     time.Duration `mapstructure:"confirm_timeout"`
	Reconnect          bool          `mapstructure:"reconnect"`
	ReconnectInitial   time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax       time.Duration `mapstructure:"reconnect_max"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	MirrorFile         string        `mapstructure:"mirror_file"`
}

type Cache struct {
	LoadLimit    int           `mapstructure:"load_limit"`
	ValidFor     time.Duration `mapstructure:"valid_for"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
	Remote      Remote `mapstructure:"remote"`
	Feed        Feed   `mapstructure:"feed"`
	Cache       Cache  `mapstructure:"cache"`
}

// New returns a viper instance with defaults and environment binding set,
// ready for flags to be bound before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, ":9090")
	v.SetDefault(KeySnapshotDir, "")
	v.SetDefault(KeyRemoteKind, "memory")
	v.SetDefault(KeyRemoteDSN, "")
	v.SetDefault(KeyRemotePath, "")
	v.SetDefault(KeyFeedKind, "bus")
	v.SetDefault(KeyFeedFile, "")
	v.SetDefault(KeyFeedBrokers, "localhost:9092")
	v.SetDefault(KeyFeedTopic, "purchasesync.changelog")
	v.SetDefault(KeyFeedGroupID, "purchasesync")
	v.SetDefault(KeyFeedRedisAddr, "localhost:6379")
	v.SetDefault(KeyFeedRedisPrefix, "purchasesync:")
	v.SetDefault(KeyFeedProject, "")
	v.SetDefault(KeyFeedTopicID, "")
	v.SetDefault(KeyFeedSubscription, "")
	v.SetDefault(KeyFeedConfirm, 10*time.Second)
	v.SetDefault(KeyReconnect, false)
	v.SetDefault(KeyReconnectInitial, time.Second)
	v.SetDefault(KeyReconnectMax, 30*time.Second)
	v.SetDefault(KeyReconnectAttempts, 5)
	v.SetDefault(KeyChangelogMirror, "")
	v.SetDefault(KeyLoadLimit, 2000)
	v.SetDefault(KeyValidFor, 30*time.Minute)
	v.SetDefault(KeyFetchTimeout, 10*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env, then the config file, then decodes and validates. An
// explicit path must exist; without one a missing purchasesync.yaml in the
// working directory is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	_ = godotenv.Load()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Remote.Kind {
	case "memory":
	case "sqlite", "mysql":
		if c.Remote.DSN == "" {
			return fmt.Errorf("%w for %s", ErrMissingDSN, c.Remote.Kind)
		}
	case "pebble":
		if c.Remote.Path == "" {
			return ErrMissingPath
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRemote, c.Remote.Kind)
	}

	switch c.Feed.Kind {
	case "none", "bus":
	case "file":
		if c.Feed.File == "" {
			return ErrMissingFile
		}
	case "kafka":
		if len(changelog.SplitBrokers(c.Feed.Brokers)) == 0 || c.Feed.Topic == "" {
			return ErrMissingKafka
		}
	case "redis":
		if c.Feed.RedisAddr == "" {
			return ErrMissingRedis
		}
	case "pubsub":
		if c.Feed.PubSubProject == "" || c.Feed.PubSubTopic == "" || c.Feed.PubSubSubscription == "" {
			return ErrMissingPubSub
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFeed, c.Feed.Kind)
	}

	if c.Cache.LoadLimit <= 0 {
		return ErrBadLimit
	}
	return nil
}
