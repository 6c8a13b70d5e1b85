package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketflow MarketflowConfig `yaml:"marketflow"`
	QuestDB    QuestDBConfig    `yaml:"questdb"`
	Writer     WriterConfig     `yaml:"writer"`
	Source     SourceConfig     `yaml:"source"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type QuestDBConfig struct {
	Host     string `yaml:"host"`
	ILPPort  int    `yaml:"ilp_port"`
	HTTPPort int    `yaml:"http_port"`
	Protocol string `yaml:"protocol"`
}

// ILPAddr returns the host:port of the streaming line-protocol endpoint.
func (q QuestDBConfig) ILPAddr() string {
	return fmt.Sprintf("%s:%d", q.Host, q.ILPPort)
}

// ExecURL returns the base URL of the HTTP /exec query endpoint.
func (q QuestDBConfig) ExecURL() string {
	return fmt.Sprintf("http://%s:%d/exec", q.Host, q.HTTPPort)
}

type WriterConfig struct {
	Mode          string      `yaml:"mode"`
	QueueCapacity int         `yaml:"queue_capacity"`
	BatchSize     int         `yaml:"batch_size"`
	BatchTimeout  Duration    `yaml:"batch_timeout"`
	MaxDepth      int         `yaml:"max_depth"`
	Verbose       bool        `yaml:"verbose"`
	Retry         RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type SourceConfig struct {
	Binance  BinanceSourceConfig  `yaml:"binance"`
	Coinbase CoinbaseSourceConfig `yaml:"coinbase"`
}

type BinanceSourceConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Symbols     []string `yaml:"symbols"`
	DepthLevels int      `yaml:"depth_levels"`
	UseTestnet  bool     `yaml:"use_testnet"`
}

type CoinbaseSourceConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Symbols           []string `yaml:"symbols"`
	URL               string   `yaml:"url"`
	RestURL           string   `yaml:"rest_url"`
	SnapshotInterval  Duration `yaml:"snapshot_interval"`
	RequestsPerSecond int      `yaml:"requests_per_second"`
}

type ArchiveConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Buffer      int      `yaml:"buffer"`
	Compression string   `yaml:"compression"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	CloudWatch bool   `yaml:"cloudwatch"`
}

// Defaults mirror the reference deployment: 10k queue, 100-item batches,
// one-second time trigger, 20 book levels per side.
const (
	DefaultQueueCapacity = 10000
	DefaultBatchSize     = 100
	DefaultBatchTimeout  = time.Second
	DefaultMaxDepth      = 20
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		QuestDB: QuestDBConfig{
			Host:     "127.0.0.1",
			ILPPort:  9009,
			HTTPPort: 9000,
			Protocol: "tcp",
		},
		Writer: WriterConfig{
			Mode:          "queued",
			QueueCapacity: DefaultQueueCapacity,
			BatchSize:     DefaultBatchSize,
			BatchTimeout:  Duration(DefaultBatchTimeout),
			MaxDepth:      DefaultMaxDepth,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   Duration(100 * time.Millisecond),
				MaxDelay:    Duration(2 * time.Second),
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override connection settings from environment variables if available
	if v := os.Getenv("QUESTDB_HOST"); v != "" {
		config.QuestDB.Host = strings.TrimSpace(v)
	}
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketflow.Name == "" {
		return fmt.Errorf("marketflow.name is required")
	}

	if cfg.Marketflow.Version == "" {
		return fmt.Errorf("marketflow.version is required")
	}

	if cfg.QuestDB.Host == "" {
		return fmt.Errorf("questdb.host is required")
	}
	if cfg.QuestDB.ILPPort <= 0 || cfg.QuestDB.HTTPPort <= 0 {
		return fmt.Errorf("questdb.ilp_port and questdb.http_port must be greater than 0")
	}
	switch cfg.QuestDB.Protocol {
	case "tcp", "http":
	default:
		return fmt.Errorf("questdb.protocol must be 'tcp' or 'http', got '%s'", cfg.QuestDB.Protocol)
	}

	switch cfg.Writer.Mode {
	case "simple", "queued":
	default:
		return fmt.Errorf("writer.mode must be 'simple' or 'queued', got '%s'", cfg.Writer.Mode)
	}
	if cfg.Writer.QueueCapacity <= 0 {
		return fmt.Errorf("writer.queue_capacity must be greater than 0")
	}
	if cfg.Writer.BatchSize <= 0 {
		return fmt.Errorf("writer.batch_size must be greater than 0")
	}
	if cfg.Writer.BatchTimeout <= 0 {
		return fmt.Errorf("writer.batch_timeout must be greater than 0")
	}
	if cfg.Writer.MaxDepth < 0 {
		return fmt.Errorf("writer.max_depth must not be negative")
	}
	if cfg.Writer.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("writer.retry.max_attempts must be greater than 0")
	}

	if cfg.Source.Binance.Enabled && len(cfg.Source.Binance.Symbols) == 0 {
		return fmt.Errorf("source.binance.symbols is required when the binance feed is enabled")
	}
	if cfg.Source.Coinbase.Enabled && len(cfg.Source.Coinbase.Symbols) == 0 {
		return fmt.Errorf("source.coinbase.symbols is required when the coinbase feed is enabled")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the archive is enabled")
		}
		if cfg.Archive.S3.AccessKeyID == "" || cfg.Archive.S3.SecretAccessKey == "" {
			return fmt.Errorf("archive.s3.access_key_id and archive.s3.secret_access_key are required when the archive is enabled")
		}
	}

	return nil
}
