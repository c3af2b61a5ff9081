// Package config provides configuration management for the blog widget
// services.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values (SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.blogwidget/config.yaml, /etc/blogwidget/config.yaml)
//  3. .env files
//  4. Environment variables with the BLOGWIDGET_ prefix
//
// Environment variables use underscores for nested keys:
//   - BLOGWIDGET_SERVER_PORT=8080
//   - BLOGWIDGET_COUCHDB_URL=http://localhost:5984
//   - BLOGWIDGET_LLM_API_KEY=...
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Debug     bool    `mapstructure:"debug"`
}

// PostgresConfig contains the publisher ledger connection settings.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CouchDBConfig contains the document store connection settings. The
// queue, blog content, summaries and questions each live in their own
// database.
type CouchDBConfig struct {
	URL         string `mapstructure:"url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QueueDB     string `mapstructure:"queue_db"`
	ContentDB   string `mapstructure:"content_db"`
	SummariesDB string `mapstructure:"summaries_db"`
	QuestionsDB string `mapstructure:"questions_db"`
}

// BuildURL constructs the CouchDB URL with authentication injected.
func (c *CouchDBConfig) BuildURL() string {
	if c.Username != "" && c.Password != "" && !strings.Contains(c.URL, "@") {
		return strings.Replace(c.URL, "://", "://"+c.Username+":"+c.Password+"@", 1)
	}
	return c.URL
}

// RedisConfig contains the threshold counter store settings.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LLMConfig contains the generation provider settings.
type LLMConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
	EmbeddingDims    int           `mapstructure:"embedding_dims"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxParallelCalls int           `mapstructure:"max_parallel_calls"`
}

// CrawlerConfig contains article fetching limits.
type CrawlerConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxContentSize int64         `mapstructure:"max_content_size"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
	MaxRetries     int           `mapstructure:"max_retries"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// WorkerConfig contains processing pipeline settings.
type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StallFactor multiplies the heartbeat interval to decide when a
	// processing entry is considered stalled (k in the stall monitor).
	StallFactor int           `mapstructure:"stall_factor"`
	MaxRetries  int           `mapstructure:"max_retries"`
	ReaperTTL   time.Duration `mapstructure:"reaper_ttl"`
}

// VectorConfig contains the native vector search settings. When disabled
// the in-process cosine fallback serves all similarity queries.
type VectorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Collection string `mapstructure:"collection"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration for both the API and worker roles.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	CouchDB  CouchDBConfig  `mapstructure:"couchdb"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader with the given environment
// prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetConfigDefaults sets the standard service defaults. Credentials and
// the admin key have no defaults on purpose.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.body_limit", "1M")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("postgres.dsn", "postgresql://localhost:5432/blogwidget?sslmode=disable")
	l.v.SetDefault("postgres.max_idle_conns", 10)
	l.v.SetDefault("postgres.max_open_conns", 100)
	l.v.SetDefault("postgres.conn_max_lifetime", "1h")

	l.v.SetDefault("couchdb.url", "http://localhost:5984")
	l.v.SetDefault("couchdb.queue_db", "blog_processing_queue")
	l.v.SetDefault("couchdb.content_db", "raw_blog_content")
	l.v.SetDefault("couchdb.summaries_db", "blog_summaries")
	l.v.SetDefault("couchdb.questions_db", "processed_questions")

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")

	l.v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta")
	l.v.SetDefault("llm.embedding_model", "text-embedding-004")
	l.v.SetDefault("llm.embedding_dims", 768)
	l.v.SetDefault("llm.request_timeout", "60s")
	l.v.SetDefault("llm.max_parallel_calls", 8)

	l.v.SetDefault("crawler.timeout", "30s")
	l.v.SetDefault("crawler.max_content_size", 5*1024*1024)
	l.v.SetDefault("crawler.max_redirects", 5)
	l.v.SetDefault("crawler.max_retries", 3)
	l.v.SetDefault("crawler.user_agent", "blogwidget-crawler/1.0")

	l.v.SetDefault("worker.poll_interval", "5s")
	l.v.SetDefault("worker.batch_size", 4)
	l.v.SetDefault("worker.concurrency", 4)
	l.v.SetDefault("worker.heartbeat_interval", "30s")
	l.v.SetDefault("worker.stall_factor", 3)
	l.v.SetDefault("worker.max_retries", 3)
	l.v.SetDefault("worker.reaper_ttl", "1h")

	l.v.SetDefault("vector.enabled", false)
	l.v.SetDefault("vector.addr", "localhost:6334")
	l.v.SetDefault("vector.collection", "blog_summaries")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env, and environment variables.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.blogwidget")
		l.v.AddConfigPath("/etc/blogwidget")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present.
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the service configuration with standard defaults and
// validation.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("BLOGWIDGET")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.CouchDB.URL == "" {
		return fmt.Errorf("couchdb url is required")
	}
	if cfg.Worker.BatchSize > 0 && cfg.Worker.Concurrency > 0 &&
		cfg.Worker.BatchSize > cfg.Worker.Concurrency {
		return fmt.Errorf("worker batch_size %d exceeds concurrency %d",
			cfg.Worker.BatchSize, cfg.Worker.Concurrency)
	}
	if cfg.Worker.StallFactor < 3 {
		return fmt.Errorf("worker stall_factor must be at least 3, got %d", cfg.Worker.StallFactor)
	}
	return nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
