package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the crawler engine.
type Config struct {
	Crawl     CrawlConfig     `yaml:"crawl"`
	Batch     BatchConfig     `yaml:"batch"`
	Robots    RobotsConfig    `yaml:"robots"`
	Cache     CacheConfig     `yaml:"cache"`
	Resources ResourcesConfig `yaml:"resources"`
	Rendering RenderingConfig `yaml:"rendering"`
	Output    OutputConfig    `yaml:"output"`
	State     StateConfig     `yaml:"state"`
	DB        SQLConfig       `yaml:"db"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CrawlConfig controls the crawl frontier, limits, and throttling.
type CrawlConfig struct {
	MaxPages              int      `yaml:"max_pages"`
	MaxDepth              int      `yaml:"max_depth"`
	UserAgent             string   `yaml:"user_agent"`
	FollowExternalLinks   bool     `yaml:"follow_external_links"`
	RequestTimeout        Duration `yaml:"request_timeout"`
	MinRequestInterval    Duration `yaml:"min_request_interval"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	PerDomainSlots        int      `yaml:"per_domain_slots"`
	MaxFileSize           int64    `yaml:"max_file_size"`
	ExtractImages         bool     `yaml:"extract_images"`
	ExtractSchema         bool     `yaml:"extract_schema"`
	TrackChanges          bool     `yaml:"track_changes"`
	SitemapDiscovery      bool     `yaml:"sitemap_discovery"`
}

// BatchConfig tunes the time-budgeted batch execution mode.
type BatchConfig struct {
	Size    int      `yaml:"size"`
	Timeout Duration `yaml:"timeout"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// CacheConfig locates the conditional-fetch content cache.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// ResourcesConfig controls downloading of page assets (CSS/JS/fonts).
type ResourcesConfig struct {
	Enabled     bool `yaml:"enabled"`
	RewriteHTML bool `yaml:"rewrite_html"`
	MaxPerPage  int  `yaml:"max_per_page"`
	MaxRetries  int  `yaml:"max_retries"`
}

// RenderingConfig controls optional JavaScript rendering.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Engine             string   `yaml:"engine"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// OutputConfig locates crawl artefacts on disk.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// StateConfig selects where resumable crawl state is persisted.
type StateConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis state backend.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
}

// SQLConfig describes an optional relational database used for page persistence.
type SQLConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			MaxPages:              100,
			MaxDepth:              5,
			UserAgent:             "WebsiteCrawlerBot/1.0",
			FollowExternalLinks:   false,
			RequestTimeout:        DurationFrom(30 * time.Second),
			MinRequestInterval:    DurationFrom(time.Second),
			MaxConcurrentRequests: 5,
			PerDomainSlots:        2,
			MaxFileSize:           10 * 1024 * 1024,
			ExtractImages:         true,
			ExtractSchema:         true,
			TrackChanges:          true,
			SitemapDiscovery:      true,
		},
		Batch: BatchConfig{
			Size:    5,
			Timeout: DurationFrom(8 * time.Second),
		},
		Robots: RobotsConfig{
			Respect:  true,
			CacheTTL: DurationFrom(30 * time.Minute),
		},
		Cache: CacheConfig{
			Dir: ".cache",
		},
		Resources: ResourcesConfig{
			Enabled:     false,
			RewriteHTML: true,
			MaxPerPage:  50,
			MaxRetries:  2,
		},
		Rendering: RenderingConfig{
			Enabled:            false,
			Engine:             "chromedp",
			Timeout:            DurationFrom(15 * time.Second),
			ConcurrentSessions: 2,
		},
		Output: OutputConfig{
			Dir: "output",
		},
		State: StateConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	// Unknown keys are rejected rather than silently ignored.
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("crawl.max_concurrent_requests must be > 0 (got %d)", c.Crawl.MaxConcurrentRequests)
	}
	if c.Crawl.PerDomainSlots <= 0 {
		return fmt.Errorf("crawl.per_domain_slots must be > 0 (got %d)", c.Crawl.PerDomainSlots)
	}
	if c.Crawl.MaxFileSize <= 0 {
		return fmt.Errorf("crawl.max_file_size must be > 0 (got %d)", c.Crawl.MaxFileSize)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be > 0 (got %d)", c.Batch.Size)
	}
	if c.Batch.Timeout.Duration <= 0 {
		return errors.New("batch.timeout must be > 0")
	}
	switch c.State.Backend {
	case "", "file":
	case "redis":
		if strings.TrimSpace(c.State.Redis.Host) == "" {
			return errors.New("state.redis.host must be set when state.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported state backend %q", c.State.Backend)
	}
	if c.Rendering.Enabled {
		switch strings.ToLower(c.Rendering.Engine) {
		case "chromedp", "chrome", "none":
		default:
			return fmt.Errorf("unsupported rendering engine %q", c.Rendering.Engine)
		}
	}
	if (c.DB.Driver == "") != (c.DB.DSN == "") {
		return errors.New("db.driver and db.dsn must be set together")
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = c.Crawl.UserAgent
	}
	c.Cache.Dir = strings.TrimSpace(c.Cache.Dir)
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
}

// SettingsSummary returns the settings block recorded in crawl results metadata.
func (c Config) SettingsSummary() map[string]any {
	return map[string]any{
		"max_pages":             c.Crawl.MaxPages,
		"max_depth":             c.Crawl.MaxDepth,
		"follow_external_links": c.Crawl.FollowExternalLinks,
		"extract_images":        c.Crawl.ExtractImages,
		"extract_schema":        c.Crawl.ExtractSchema,
	}
}
