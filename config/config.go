package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Pricefeed  PricefeedConfig  `yaml:"pricefeed"`
	Provider   ProviderConfig   `yaml:"provider"`
	Symbols    SymbolsConfig    `yaml:"symbols"`
	Spread     SpreadConfig     `yaml:"spread"`
	Hub        HubConfig        `yaml:"hub"`
	Server     ServerConfig     `yaml:"server"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Simulation SimulationConfig `yaml:"simulation"`
	Storage    StorageConfig    `yaml:"storage"`
	Writer     WriterConfig     `yaml:"writer"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type PricefeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ProviderConfig struct {
	Name              string          `yaml:"name"`
	URL               string          `yaml:"url"`
	Token             string          `yaml:"token"`
	Streams           []string        `yaml:"streams"`
	DepthLevel        int             `yaml:"depth_level"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	ReadLimit         int64           `yaml:"read_limit"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	SubscribeRate     RateLimitConfig `yaml:"subscribe_rate"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SymbolsConfig struct {
	File            string            `yaml:"file"`
	Subscribe       []string          `yaml:"subscribe"`
	CryptoBases     []string          `yaml:"crypto_bases"`
	VendorOverrides map[string]string `yaml:"vendor_overrides"`
}

type SpreadConfig struct {
	Store           string             `yaml:"store"`
	File            string             `yaml:"file"`
	RefreshInterval time.Duration      `yaml:"refresh_interval"`
	RetryDelay      time.Duration      `yaml:"retry_delay"`
	Defaults        map[string]float64 `yaml:"defaults"`
	PipValues       map[string]float64 `yaml:"pip_values"`
}

type HubConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type ServerConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Address        string          `yaml:"address"`
	SendBuffer     int             `yaml:"send_buffer"`
	ReadLimit      int64           `yaml:"read_limit"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	PongTimeout    time.Duration   `yaml:"pong_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	RequestRate    RateLimitConfig `yaml:"request_rate"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
}

type ChannelsConfig struct {
	RawBuffer   int `yaml:"raw_buffer"`
	EventBuffer int `yaml:"event_buffer"`
}

type SimulationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Channel  string        `yaml:"channel"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type WriterConfig struct {
	FeedBuffer   int                `yaml:"feed_buffer"`
	Buffer       BufferConfig       `yaml:"buffer"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
	Compression  string             `yaml:"compression"`
}

type BufferConfig struct {
	ArchiveFlushInterval time.Duration `yaml:"archive_flush_interval"`
	MirrorFlushInterval  time.Duration `yaml:"mirror_flush_interval"`
	MaxTicksPerSymbol    int           `yaml:"max_ticks_per_symbol"`
}

type PartitioningConfig struct {
	Prefix     string `yaml:"prefix"`
	TimeFormat string `yaml:"time_format"`
}

type LoggingConfig struct {
	Level          string                 `yaml:"level"`
	Format         string                 `yaml:"format"`
	Output         string                 `yaml:"output"`
	MaxAge         int                    `yaml:"max_age"`
	ReportInterval time.Duration          `yaml:"report_interval"`
	Fields         map[string]interface{} `yaml:"fields"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// envOverrides carries secrets and deployment specific values that never
// live in the YAML file.
type envOverrides struct {
	AllTickToken       string   `env:"ALLTICK_TOKEN"`
	AllTickURL         string   `env:"ALLTICK_WS_URL"`
	DatabaseURL        string   `env:"DATABASE_URL"`
	RedisAddr          string   `env:"REDIS_ADDR"`
	RedisPassword      string   `env:"REDIS_PASSWORD"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	ServerAddress      string   `env:"PRICEFEED_ADDR"`
	S3Bucket           string   `env:"S3_BUCKET"`
	AWSRegion          string   `env:"AWS_REGION"`
	AWSAccessKeyID     string   `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string   `env:"AWS_SECRET_ACCESS_KEY"`
}

const DefaultPath = "config/config.yml"

var envSpecificPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// ResolvePath picks the APP_ENV specific config file when the default path
// is requested and such a file exists.
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultPath
	}
	resolved := resolveEnvSpecificPath(path, DefaultPath, envSpecificPaths)
	if resolved != path {
		if _, err := os.Stat(resolved); err != nil {
			return path
		}
	}
	return resolved
}

func defaultConfig() Config {
	return Config{
		Pricefeed: PricefeedConfig{Name: "pricefeed"},
		Provider: ProviderConfig{
			Name:              "alltick",
			URL:               "wss://quote.alltick.co/quote-b-ws-api",
			Streams:           []string{"depth", "trade"},
			DepthLevel:        1,
			HeartbeatInterval: 10 * time.Second,
			ConnectTimeout:    30 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReadLimit:         1 << 20,
			Reconnect: ReconnectConfig{
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				Factor:      2,
				MaxAttempts: 10,
			},
			SubscribeRate: RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2},
		},
		Spread: SpreadConfig{
			Store:           "file",
			File:            "config/spreads.yml",
			RefreshInterval: 60 * time.Second,
			RetryDelay:      10 * time.Second,
		},
		Hub: HubConfig{
			ThrottleInterval: 50 * time.Millisecond,
			SnapshotInterval: time.Second,
		},
		Server: ServerConfig{
			Enabled:      true,
			Address:      "0.0.0.0:8080",
			SendBuffer:   256,
			ReadLimit:    4096,
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			RequestRate:  RateLimitConfig{RequestsPerSecond: 10, BurstSize: 20},
		},
		Channels: ChannelsConfig{RawBuffer: 4096, EventBuffer: 64},
		Simulation: SimulationConfig{
			Interval: 500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Redis: RedisConfig{Key: "prices:latest", Channel: "prices:ticks", TTL: time.Minute},
			Kafka: KafkaConfig{Topic: "trade-engine.prices", BatchTimeout: 10 * time.Millisecond},
		},
		Writer: WriterConfig{
			FeedBuffer: 8192,
			Buffer: BufferConfig{
				ArchiveFlushInterval: time.Minute,
				MirrorFlushInterval:  250 * time.Millisecond,
				MaxTicksPerSymbol:    100000,
			},
			Partitioning: PartitioningConfig{
				Prefix:     "ticks",
				TimeFormat: "year={year}/month={month}/day={day}/hour={hour}",
			},
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "Pricefeed", Dashboard: "Pricefeed"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Provider.Token = strings.TrimSpace(config.Provider.Token)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}

	if o.AllTickToken != "" {
		cfg.Provider.Token = o.AllTickToken
	}
	if o.AllTickURL != "" {
		cfg.Provider.URL = o.AllTickURL
	}
	if o.DatabaseURL != "" {
		cfg.Storage.Postgres.DSN = o.DatabaseURL
	}
	if o.RedisAddr != "" {
		cfg.Storage.Redis.Addr = o.RedisAddr
	}
	if o.RedisPassword != "" {
		cfg.Storage.Redis.Password = o.RedisPassword
	}
	if len(o.KafkaBrokers) > 0 {
		cfg.Storage.Kafka.Brokers = o.KafkaBrokers
	}
	if o.ServerAddress != "" {
		cfg.Server.Address = o.ServerAddress
	}

	// S3 credentials are only taken from the environment when S3 is enabled
	if cfg.Storage.S3.Enabled {
		if o.AWSAccessKeyID != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(o.AWSAccessKeyID)
		}
		if o.AWSSecretAccessKey != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(o.AWSSecretAccessKey)
		}
		if o.AWSRegion != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(o.AWSRegion)
		}
		if o.S3Bucket != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(o.S3Bucket)
		}
	}
	if cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = o.AWSRegion
	}
	return nil
}

// UseSimulation reports whether prices come from the local random walk
// instead of the upstream vendor.
func (c *Config) UseSimulation() bool {
	return c.Simulation.Enabled || c.Provider.Token == ""
}

func validateConfig(cfg *Config) error {
	if cfg.Pricefeed.Name == "" {
		return fmt.Errorf("pricefeed.name is required")
	}

	if cfg.Pricefeed.Version == "" {
		return fmt.Errorf("pricefeed.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if !cfg.UseSimulation() {
		if cfg.Provider.URL == "" {
			return fmt.Errorf("provider.url is required")
		}
		if len(cfg.Provider.Streams) == 0 {
			return fmt.Errorf("provider.streams must not be empty")
		}
		for _, s := range cfg.Provider.Streams {
			if s != "depth" && s != "trade" {
				return fmt.Errorf("provider.streams: unknown stream '%s'", s)
			}
		}
	}
	if cfg.Provider.HeartbeatInterval <= 0 {
		return fmt.Errorf("provider.heartbeat_interval must be greater than 0")
	}
	if cfg.Provider.ConnectTimeout <= 0 {
		return fmt.Errorf("provider.connect_timeout must be greater than 0")
	}
	if cfg.Provider.Reconnect.BaseDelay <= 0 || cfg.Provider.Reconnect.MaxDelay < cfg.Provider.Reconnect.BaseDelay {
		return fmt.Errorf("provider.reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if cfg.Provider.Reconnect.Factor < 1 {
		return fmt.Errorf("provider.reconnect.factor must be at least 1")
	}
	if cfg.Provider.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("provider.reconnect.max_attempts must be greater than 0")
	}

	if cfg.Spread.RefreshInterval <= 0 {
		return fmt.Errorf("spread.refresh_interval must be greater than 0")
	}
	if cfg.Spread.RetryDelay <= 0 {
		return fmt.Errorf("spread.retry_delay must be greater than 0")
	}
	switch cfg.Spread.Store {
	case "file":
		if cfg.Spread.File == "" {
			return fmt.Errorf("spread.file is required when spread.store is 'file'")
		}
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when spread.store is 'postgres'")
		}
	case "none":
	default:
		return fmt.Errorf("spread.store '%s' is invalid", cfg.Spread.Store)
	}
	for k, v := range cfg.Spread.Defaults {
		if v <= 0 {
			return fmt.Errorf("spread.defaults.%s must be greater than 0", k)
		}
	}
	for k, v := range cfg.Spread.PipValues {
		if v <= 0 {
			return fmt.Errorf("spread.pip_values.%s must be greater than 0", k)
		}
	}

	if cfg.Hub.ThrottleInterval <= 0 {
		return fmt.Errorf("hub.throttle_interval must be greater than 0")
	}

	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when redis is enabled")
	}
	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Writer.Buffer.ArchiveFlushInterval <= 0 {
			return fmt.Errorf("writer.buffer.archive_flush_interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
