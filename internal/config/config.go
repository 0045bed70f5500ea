// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/scrapers"
	"github.com/JakeFAU/catalog-crawler/internal/storage"
)

// Checkpoint backends.
const (
	CheckpointFile     = "file"
	CheckpointPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Auth       AuthConfig               `mapstructure:"auth"`
	Logging    LoggingConfig            `mapstructure:"logging"`
	Crawler    CrawlerConfig            `mapstructure:"crawler"`
	Paths      PathsConfig              `mapstructure:"paths"`
	Scrapers   map[string]ScraperConfig `mapstructure:"scrapers"`
	Storage    StorageConfig            `mapstructure:"storage"`
	Checkpoint CheckpointConfig         `mapstructure:"checkpoint"`
	DB         DBConfig                 `mapstructure:"db"`
	PubSub     PubSubConfig             `mapstructure:"pubsub"`
	Discovery  DiscoveryConfig          `mapstructure:"discovery"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig holds the batch crawl knobs shared by every scraper type.
type CrawlerConfig struct {
	MaxResultsPerFile int           `mapstructure:"max_results_per_file"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RequestDelay      time.Duration `mapstructure:"request_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxInputFiles     int           `mapstructure:"max_input_files"`
	Workers           int           `mapstructure:"workers"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	Resume            bool          `mapstructure:"resume"`
	Timezone          string        `mapstructure:"timezone"`
}

// PathsConfig lays out chunk names below the storage root: input chunks in
// <root>/<namespace>, output in <root>/<type>, reports and checkpoints in
// <root>/<type>/metadata.
type PathsConfig struct {
	Root string `mapstructure:"root"`
}

// ScraperConfig overrides one scraper profile.
type ScraperConfig struct {
	URLTemplate     string `mapstructure:"url_template"`
	IDKey           string `mapstructure:"id_key"`
	InputNamespace  string `mapstructure:"input_namespace"`
	MaxInputFiles   int    `mapstructure:"max_input_files"`
	StartInputFile  int    `mapstructure:"start_input_file"`
	StartOutputFile int    `mapstructure:"start_output_file"`
}

// StorageConfig selects the chunk store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// CheckpointConfig selects where resume cursors live.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Table   string `mapstructure:"table"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
	MinConns  int32  `mapstructure:"min_conns"`
	RunsTable string `mapstructure:"runs_table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether run reports should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// DiscoveryConfig drives the catalog ID discovery crawler.
type DiscoveryConfig struct {
	APIKey               string        `mapstructure:"api_key"`
	BaseURL              string        `mapstructure:"base_url"`
	Namespace            string        `mapstructure:"namespace"`
	MaxResultsPerRequest int           `mapstructure:"max_results_per_request"`
	MaxItemsPerFile      int           `mapstructure:"max_items_per_file"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	PageDelay            time.Duration `mapstructure:"page_delay"`
	IncludeGames         bool          `mapstructure:"include_games"`
	IncludeDLC           bool          `mapstructure:"include_dlc"`
	IncludeSoftware      bool          `mapstructure:"include_software"`
	IncludeVideos        bool          `mapstructure:"include_videos"`
}

// LoadDotEnv loads each existing dotenv file into the process environment.
// Variables already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// The catalog list API key is conventionally provided as STEAM_API_KEY.
	if err := v.BindEnv("discovery.api_key", "CRAWLER_DISCOVERY_API_KEY", "STEAM_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %v", crawler.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", crawler.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.max_results_per_file", 2000)
	v.SetDefault("crawler.max_retries", 5)
	v.SetDefault("crawler.retry_backoff", "15s")
	v.SetDefault("crawler.request_delay", "1s")
	v.SetDefault("crawler.request_timeout", "10s")
	v.SetDefault("crawler.max_input_files", 0)
	v.SetDefault("crawler.workers", 1)
	v.SetDefault("crawler.rate_limit_rps", 0)
	v.SetDefault("crawler.user_agent", "catalog-crawler/0.1")
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.resume", true)
	v.SetDefault("crawler.timezone", "Local")
	v.SetDefault("paths.root", "raw")
	v.SetDefault("storage.backend", storage.BackendLocal)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("checkpoint.backend", CheckpointFile)
	v.SetDefault("checkpoint.table", "crawl_checkpoints")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.runs_table", "crawl_runs")
	v.SetDefault("discovery.base_url", "https://api.steampowered.com/IStoreService/GetAppList/v1/")
	v.SetDefault("discovery.namespace", "game_id")
	v.SetDefault("discovery.max_results_per_request", 4000)
	v.SetDefault("discovery.max_items_per_file", 4000)
	v.SetDefault("discovery.max_retries", 5)
	v.SetDefault("discovery.retry_backoff", "10s")
	v.SetDefault("discovery.page_delay", "3s")
	v.SetDefault("discovery.include_games", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrConfiguration, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxResultsPerFile <= 0 {
		return fmt.Errorf("crawler.max_results_per_file must be > 0")
	}
	if c.Crawler.MaxRetries <= 0 {
		return fmt.Errorf("crawler.max_retries must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.RetryBackoff < 0 || c.Crawler.RequestDelay < 0 {
		return fmt.Errorf("crawler.retry_backoff and crawler.request_delay must be >= 0")
	}
	if c.Crawler.MaxInputFiles < 0 {
		return fmt.Errorf("crawler.max_input_files must be >= 0")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return fmt.Errorf("crawler.rate_limit_rps must be >= 0")
	}
	for name := range c.Scrapers {
		if _, err := scrapers.Lookup(name); err != nil {
			return fmt.Errorf("scrapers.%s: unknown scraper type", name)
		}
	}
	switch c.Storage.Backend {
	case storage.BackendLocal, storage.BackendMemory:
	case storage.BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Checkpoint.Backend {
	case CheckpointFile:
	case CheckpointPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres checkpoint backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// InputDir is the directory holding <namespace>_<n>.json input chunks.
func (c Config) InputDir(namespace string) string {
	return path.Join(c.Paths.Root, namespace)
}

// OutputDir is the directory holding a scraper type's output chunks.
func (c Config) OutputDir(scraperType string) string {
	return path.Join(c.Paths.Root, scraperType)
}

// MetadataDir holds run reports and file checkpoints for scraperType.
func (c Config) MetadataDir(scraperType string) string {
	return path.Join(c.Paths.Root, scraperType, "metadata")
}

// RunConfig builds the immutable crawl configuration for scraperType:
// profile defaults, then global crawler knobs, then per-scraper overrides.
func (c Config) RunConfig(scraperType string) (crawler.Config, error) {
	profile, err := scrapers.Lookup(scraperType)
	if err != nil {
		return crawler.Config{}, err
	}
	override := c.Scrapers[scraperType]

	maxInput := c.Crawler.MaxInputFiles
	if override.MaxInputFiles > 0 {
		maxInput = override.MaxInputFiles
	}
	run := crawler.Config{
		URLTemplate:       override.URLTemplate,
		IDKey:             override.IDKey,
		InputNamespace:    override.InputNamespace,
		MaxResultsPerFile: c.Crawler.MaxResultsPerFile,
		MaxRetries:        c.Crawler.MaxRetries,
		RetryBackoffBase:  c.Crawler.RetryBackoff,
		RequestDelay:      c.Crawler.RequestDelay,
		RequestTimeout:    c.Crawler.RequestTimeout,
		MaxInputFiles:     maxInput,
		Workers:           c.Crawler.Workers,
		StartInputFile:    override.StartInputFile,
		StartOutputFile:   override.StartOutputFile,
		Resume:            c.Crawler.Resume,
	}
	run = profile.Apply(run)
	run.InputDir = c.InputDir(run.InputNamespace)
	run.OutputDir = c.OutputDir(scraperType)
	run.MetadataDir = c.MetadataDir(scraperType)

	run = run.WithDefaults()
	if err := run.Validate(); err != nil {
		return crawler.Config{}, err
	}
	return run, nil
}

// StorageOptions converts the storage section for storage.Open.
func (c Config) StorageOptions() storage.Config {
	return storage.Config{
		Backend: c.Storage.Backend,
		BaseDir: c.Storage.BaseDir,
		Bucket:  c.Storage.GCSBucket,
		Prefix:  c.Storage.Prefix,
	}
}

// LimiterOptions converts the aggregate request rate for ratelimit.New.
func (c Config) LimiterOptions() ratelimit.Config {
	return ratelimit.Config{DefaultRPS: c.Crawler.RateLimitRPS, DefaultBurst: 1}
}
