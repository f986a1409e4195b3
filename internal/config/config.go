package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/deidaraiorek/offlinesite/internal/logging"
	"github.com/deidaraiorek/offlinesite/internal/router"
)

const (
	DefaultPath    = "offline.yml"
	DefaultEnvFile = ".env"

	envPrefix = "OFFLINE_"
)

// Route maps a path prefix to a caching strategy.
type Route struct {
	Prefix   string `yaml:"prefix"`
	Strategy string `yaml:"strategy"`
}

type Config struct {
	DataDir string `yaml:"data_dir"`
	IndexDB string `yaml:"index_db"`
	CacheDB string `yaml:"cache_db"`

	Origin      string `yaml:"origin"`
	Listen      string `yaml:"listen"`
	ManifestURL string `yaml:"manifest_url"`
	OfflinePage string `yaml:"offline_page"`

	Workers        int           `yaml:"workers"`
	ProgressEvery  int           `yaml:"progress_every"`
	UserAgent      string        `yaml:"user_agent"`
	RespectRobots  bool          `yaml:"respect_robots"`
	RewarmInterval time.Duration `yaml:"rewarm_interval"`

	Routes []Route         `yaml:"routes"`
	Log    logging.Config `yaml:"log"`
}

func NewConfig() *Config {
	return &Config{
		DataDir:       "data",
		IndexDB:       "index.db",
		CacheDB:       "cache.db",
		Origin:        "http://localhost:3000",
		Listen:        ":8080",
		ManifestURL:   "/offline-manifest.json",
		OfflinePage:   "/offline",
		Workers:       8,
		ProgressEvery: 10,
		UserAgent:     "OfflineWarmer/1.0",
		Routes: []Route{
			{Prefix: "/_next/static/", Strategy: string(router.CacheFirst)},
			{Prefix: "/static/", Strategy: string(router.CacheFirst)},
			{Prefix: "/", Strategy: string(router.StaleWhileRevalidate)},
		},
		Log: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path,
// then .env and OFFLINE_* environment variables. A missing file is only
// an error when path is not the default.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = DefaultPath
	}
	if err := cfg.loadYAML(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || path != DefaultPath {
			return nil, err
		}
	}

	if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Decoding over the defaults keeps every field the file leaves out.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	fields := map[string]*string{
		"DATA_DIR":     &c.DataDir,
		"INDEX_DB":     &c.IndexDB,
		"CACHE_DB":     &c.CacheDB,
		"ORIGIN":       &c.Origin,
		"LISTEN":       &c.Listen,
		"MANIFEST_URL": &c.ManifestURL,
		"OFFLINE_PAGE": &c.OfflinePage,
		"USER_AGENT":   &c.UserAgent,
		"LOG_LEVEL":    &c.Log.Level,
		"LOG_FORMAT":   &c.Log.Format,
		"LOG_FILE":     &c.Log.File,
	}
	for name, field := range fields {
		if v := os.Getenv(envPrefix + name); v != "" {
			*field = v
		}
	}

	if v := os.Getenv(envPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", envPrefix, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(envPrefix + "PROGRESS_EVERY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPROGRESS_EVERY: %w", envPrefix, err)
		}
		c.ProgressEvery = n
	}
	if v := os.Getenv(envPrefix + "RESPECT_ROBOTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRESPECT_ROBOTS: %w", envPrefix, err)
		}
		c.RespectRobots = b
	}
	if v := os.Getenv(envPrefix + "REWARM_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREWARM_INTERVAL: %w", envPrefix, err)
		}
		c.RewarmInterval = d
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ProgressEvery <= 0 {
		return fmt.Errorf("progress_every must be positive, got %d", c.ProgressEvery)
	}
	if c.RewarmInterval < 0 {
		return fmt.Errorf("rewarm_interval must not be negative, got %s", c.RewarmInterval)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}

	for _, route := range c.Routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route prefix must start with '/', got %q", route.Prefix)
		}
		if _, err := router.ParseStrategy(route.Strategy); err != nil {
			return fmt.Errorf("route %q: %w", route.Prefix, err)
		}
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// OriginURL parses the origin, which must be an absolute http(s) URL.
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute http(s) URL, got %q", c.Origin)
	}
	return u, nil
}

func (c *Config) Rules() []router.Rule {
	rules := make([]router.Rule, 0, len(c.Routes))
	for _, route := range c.Routes {
		rules = append(rules, router.Rule{Prefix: route.Prefix, Strategy: router.Strategy(route.Strategy)})
	}
	return rules
}

func (c *Config) IndexPath() string { return c.path(c.IndexDB) }
func (c *Config) CachePath() string { return c.path(c.CacheDB) }

// LockPath is the file locked while a warm-up runs over this data directory.
func (c *Config) LockPath() string { return c.path("warm.lock") }

func (c *Config) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
