package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DefaultBackupsSubDir = "originals"
	DefaultDebugLogName  = "debug.log"
)

const (
	defaultPoolQueueSize  = 200
	defaultNumPoolWorkers = 4
)

type Config struct {
	Environment string `mapstructure:"environment"`
	ListenAddr  string `mapstructure:"listen_addr"`
	LogLevel    string `mapstructure:"log_level"`

	// database path
	DatabasePath string `mapstructure:"database_path"`

	// uploads root the CMS writes attachments into
	UploadsDir string `mapstructure:"uploads_dir"`

	// roots used for relocatable record paths
	InstallRoot       string `mapstructure:"install_root"`
	ContentRoot       string `mapstructure:"content_root"`
	RelativeRoot      string `mapstructure:"relative_root"` // custom override, highest priority
	RelocationEnabled bool   `mapstructure:"relocation_enabled"`

	// bucket/stream-wrapper prefixes mapped onto local directories, e.g.
	// "s3://media-bucket/uploads" -> "/srv/site/wp-content/uploads"
	RemotePrefixes map[string]string `mapstructure:"remote_prefixes"`

	// media storage configuration
	MediaStoragePath string `mapstructure:"media_storage_path"` // root for service-owned files
	BackupsPath      string `mapstructure:"-"`                  // full-calculated path for local originals

	// debugging
	DebugEnabled bool   `mapstructure:"debug"`
	DebugLogPath string `mapstructure:"debug_log_path"`

	// directory holding jpegtran/optipng/gifsicle/cwebp; empty uses PATH
	ToolsPath string `mapstructure:"tools_path"`

	// file holding the CMS optimizer settings map
	SettingsPath string `mapstructure:"settings_path"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// HMAC secret for bearer tokens on /api; empty disables the check
	APISecret string `mapstructure:"api_secret"`

	Cloud    CloudConfig    `mapstructure:"cloud"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Offload  OffloadConfig  `mapstructure:"offload"`
	Workers  WorkerConfig   `mapstructure:"workers"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type CloudConfig struct {
	Host    string        `mapstructure:"host"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Driver string `mapstructure:"driver"` // memory or redis
}

type QueueConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, redis or kafka
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type OffloadConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

type WorkerConfig struct {
	QueueSize  int `mapstructure:"queue_size"`
	NumWorkers int `mapstructure:"num_workers"`
}

type ScheduleConfig struct {
	ReconcileSpec string `mapstructure:"reconcile"`
	ScanSpec      string `mapstructure:"scan"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "optimizer.db")
	v.SetDefault("uploads_dir", filepath.Join(".", "uploads"))
	v.SetDefault("relocation_enabled", true)
	v.SetDefault("media_storage_path", filepath.Join(".", "media_storage"))
	v.SetDefault("debug", false)
	v.SetDefault("settings_path", "settings.yaml")
	v.SetDefault("allowed_origins", []string{"http://localhost:5173"})

	v.SetDefault("cloud.host", "optimize.exactlywww.com")
	v.SetDefault("cloud.timeout", "60s")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.claim_interval", "30s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "optimizer:attachments")
	v.SetDefault("redis.group", "optimizer-workers")
	v.SetDefault("redis.consumer", "worker-1")

	v.SetDefault("kafka.topic", "optimizer.attachments")
	v.SetDefault("kafka.group_id", "optimizer-workers")

	v.SetDefault("offload.region", "us-east-1")

	v.SetDefault("workers.queue_size", defaultPoolQueueSize)
	v.SetDefault("workers.num_workers", defaultNumPoolWorkers)

	v.SetDefault("schedule.reconcile", "@daily")
	v.SetDefault("schedule.scan", "@every 15m")
}

// LoadConfig reads config.yaml (optional) and IMGOPT_* environment variables.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("IMGOPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg.resolve()
}

// resolve makes every configured directory absolute and fills derived paths.
func (c Config) resolve() (Config, error) {
	var err error
	if c.UploadsDir, err = absOrEmpty(c.UploadsDir); err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for uploads dir '%s': %w", c.UploadsDir, err)
	}
	if c.MediaStoragePath, err = absOrEmpty(c.MediaStoragePath); err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", c.MediaStoragePath, err)
	}
	for _, root := range []*string{&c.InstallRoot, &c.ContentRoot, &c.RelativeRoot} {
		if *root, err = absOrEmpty(*root); err != nil {
			return Config{}, fmt.Errorf("failed to get absolute path for root '%s': %w", *root, err)
		}
	}
	if c.ContentRoot == "" && c.UploadsDir != "" {
		c.ContentRoot = filepath.Dir(c.UploadsDir)
	}
	if c.InstallRoot == "" && c.ContentRoot != "" {
		c.InstallRoot = filepath.Dir(c.ContentRoot)
	}

	c.BackupsPath = filepath.Join(c.MediaStoragePath, DefaultBackupsSubDir)
	if c.DebugLogPath == "" {
		c.DebugLogPath = filepath.Join(c.MediaStoragePath, DefaultDebugLogName)
	}
	return c, nil
}

func absOrEmpty(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return filepath.Abs(p)
}
