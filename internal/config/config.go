// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/imgharvest/internal/catalog"
	"github.com/JakeFAU/imgharvest/internal/lock"
	"github.com/JakeFAU/imgharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/imgharvest/internal/resolution"
	"github.com/JakeFAU/imgharvest/internal/storage"
	"github.com/JakeFAU/imgharvest/internal/storage/gcs"
	"github.com/JakeFAU/imgharvest/internal/storage/postgres"
)

// EnvPrefix is prepended to every environment override, e.g.
// IMGHARVEST_CRAWL_TARGET=500.
const EnvPrefix = "IMGHARVEST"

// Lock backends.
const (
	LockFile  = "file"
	LockRedis = "redis"
)

// Config captures all harvester knobs loaded via Viper.
type Config struct {
	Workspace  string           `mapstructure:"workspace"`
	Categories CategoriesConfig `mapstructure:"categories"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Lock       LockConfig       `mapstructure:"lock"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	DB         postgres.Config  `mapstructure:"db"`
	GCS        gcs.Config       `mapstructure:"gcs"`
	Redis      lock.RedisConfig `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CategoriesConfig points at the category list and the slice to crawl.
type CategoriesConfig struct {
	IDs    string `mapstructure:"ids"`
	Labels string `mapstructure:"labels"`
	Start  int    `mapstructure:"start"`
	End    int    `mapstructure:"end"`
}

// CrawlConfig governs a single category crawl.
type CrawlConfig struct {
	Target      int           `mapstructure:"target"`
	Resolution  string        `mapstructure:"resolution"`
	SearchURL   string        `mapstructure:"search_url"`
	IdleBound   int           `mapstructure:"idle_bound"`
	ScrollSleep time.Duration `mapstructure:"scroll_sleep"`
	Attempts    int           `mapstructure:"attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
}

// LockConfig selects the category lock backend.
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// CatalogConfig selects the catalog backend and, for postgres, the body store.
type CatalogConfig struct {
	Backend string `mapstructure:"backend"`
	Blob    string `mapstructure:"blob"`
}

// PubSubConfig holds metadata for artifact notifications. An empty topic
// disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Confirm   bool   `mapstructure:"confirm"`
}

// BrowserConfig configures Chrome.
type BrowserConfig struct {
	Headless      bool             `mapstructure:"headless"`
	Proxy         string           `mapstructure:"proxy"`
	UserAgent     string           `mapstructure:"user_agent"`
	ExecPath      string           `mapstructure:"exec_path"`
	NavTimeout    time.Duration    `mapstructure:"nav_timeout"`
	ScriptTimeout time.Duration    `mapstructure:"script_timeout"`
	RateLimit     ratelimit.Config `mapstructure:"rate_limit"`
}

// FleetConfig controls the worker pool and sweep policy.
type FleetConfig struct {
	Workers       int           `mapstructure:"workers"`
	Isolate       bool          `mapstructure:"isolate"`
	FailureBound  int           `mapstructure:"failure_bound"`
	CoolDown      time.Duration `mapstructure:"cool_down"`
	CategoryPause time.Duration `mapstructure:"category_pause"`
	MaxSweeps     int           `mapstructure:"max_sweeps"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// New returns a Viper instance with defaults and environment binding applied.
// Callers bind CLI flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom reads the optional file at path into v and decodes the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace", "data/harvest")
	v.SetDefault("categories.ids", "imagenet21k_wordnet_ids.txt")
	v.SetDefault("categories.labels", "imagenet21k_wordnet_lemmas.txt")
	v.SetDefault("categories.start", 0)
	v.SetDefault("categories.end", 0)
	v.SetDefault("crawl.target", 1000)
	v.SetDefault("crawl.resolution", "736x")
	v.SetDefault("crawl.search_url", "https://id.pinterest.com/search/pins/?q=%s&rs=typed")
	v.SetDefault("crawl.idle_bound", 100)
	v.SetDefault("crawl.scroll_sleep", time.Second/6)
	v.SetDefault("crawl.attempts", 2)
	v.SetDefault("crawl.retry_base", 2*time.Second)
	v.SetDefault("crawl.retry_max", 30*time.Second)
	v.SetDefault("lock.backend", LockFile)
	v.SetDefault("lock.ttl", 1800*time.Second)
	v.SetDefault("catalog.backend", catalog.BackendFilesystem)
	v.SetDefault("catalog.blob", "local")
	// Keys without a meaningful default are registered empty so that
	// environment overrides reach Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Duration(0))
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.prefix", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "imgharvest:lock:")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.confirm", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.nav_timeout", 60*time.Second)
	v.SetDefault("browser.script_timeout", 30*time.Second)
	v.SetDefault("browser.rate_limit.rps", 0)
	v.SetDefault("browser.rate_limit.burst", 1)
	v.SetDefault("fleet.workers", 1)
	v.SetDefault("fleet.isolate", false)
	v.SetDefault("fleet.failure_bound", 100)
	v.SetDefault("fleet.cool_down", 200*time.Second)
	v.SetDefault("fleet.category_pause", time.Second)
	v.SetDefault("fleet.max_sweeps", 0)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace) == "" {
		errs = append(errs, errors.New("workspace must be set"))
	}
	if c.Crawl.Target <= 0 {
		errs = append(errs, fmt.Errorf("crawl.target must be > 0"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("crawl.resolution: %w", err))
	}
	if c.Crawl.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("crawl.attempts must be > 0"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock.ttl must be > 0"))
	}
	switch c.Lock.Backend {
	case LockFile:
	case LockRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr must be set when lock.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q is not file or redis", c.Lock.Backend))
	}
	engine, err := storage.ParseEngine(c.Catalog.Blob)
	if err != nil {
		errs = append(errs, fmt.Errorf("catalog.blob: %w", err))
	}
	switch c.Catalog.Backend {
	case catalog.BackendFilesystem:
		if err == nil && engine != storage.EngineLocal {
			errs = append(errs, fmt.Errorf("catalog.blob must be local for the filesystem catalog"))
		}
	case catalog.BackendPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("db.dsn must be set when catalog.backend is postgres"))
		}
		if engine == storage.EngineGCS && c.GCS.Bucket == "" {
			errs = append(errs, fmt.Errorf("gcs.bucket must be set when catalog.blob is gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.backend %q is not filesystem or postgres", c.Catalog.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is"))
	}
	if c.Fleet.Workers <= 0 {
		errs = append(errs, fmt.Errorf("fleet.workers must be > 0"))
	}
	if c.Fleet.MaxSweeps < 0 {
		errs = append(errs, fmt.Errorf("fleet.max_sweeps must be >= 0"))
	}
	if c.Server.Port < 0 {
		errs = append(errs, fmt.Errorf("server.port must be >= 0"))
	}
	return errors.Join(errs...)
}

// Level parses the configured target resolution.
func (c Config) Level() (resolution.Level, error) {
	return resolution.Parse(c.Crawl.Resolution)
}

// CatalogConfig assembles the catalog backend settings.
func (c Config) CatalogConfig() catalog.Config {
	return catalog.Config{
		Backend:   c.Catalog.Backend,
		Workspace: c.Workspace,
		Blob:      c.Catalog.Blob,
		DB:        c.DB,
		GCS:       c.GCS,
	}
}
