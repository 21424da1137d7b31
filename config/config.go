// Package config loads Lute's flat configuration table (spec.md §6) from an
// embedded default YAML file, then applies environment-variable overrides
// field by field — the same embed-defaults/merge-overrides/thread-safe-Get
// shape as the teacher's config.Global, with env vars standing in for the
// teacher's persisted config row since these components are a library, not
// a service with a config-admin UI.
package config

import (
	_ "embed"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

type ProxySettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RateLimitSettings struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
}

type CrawlerSettings struct {
	Proxy           ProxySettings     `yaml:"proxy"`
	PoolSize        int               `yaml:"pool_size"`
	ClaimTTLSeconds int               `yaml:"claim_ttl_seconds"`
	MaxQueueSize    int               `yaml:"max_queue_size"`
	WaitTimeSeconds int               `yaml:"wait_time_seconds"`
	RateLimit       RateLimitSettings `yaml:"rate_limit"`
}

type TTLDays struct {
	Artist int `yaml:"artist"`
	Album  int `yaml:"album"`
	Chart  int `yaml:"chart"`
	Search int `yaml:"search"`
}

type ContentStoreSettings struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`
	Secret   string `yaml:"secret"`
	Bucket   string `yaml:"bucket"`
}

type FileSettings struct {
	TTLDays      TTLDays              `yaml:"ttl_days"`
	ContentStore ContentStoreSettings `yaml:"content_store"`
}

type ParserSettings struct {
	Concurrency      int `yaml:"concurrency"`
	RetryConcurrency int `yaml:"retry_concurrency"`
}

type RedisSettings struct {
	URL         string `yaml:"url"`
	MaxPoolSize int    `yaml:"max_pool_size"`
}

type DatabaseSettings struct {
	URL string `yaml:"url"`
}

type TracingSettings struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Settings is the flat configuration table of spec.md §6.
type Settings struct {
	Crawler  CrawlerSettings  `yaml:"crawler"`
	File     FileSettings     `yaml:"file"`
	Parser   ParserSettings   `yaml:"parser"`
	Redis    RedisSettings    `yaml:"redis"`
	Database DatabaseSettings `yaml:"database"`
	Port     int              `yaml:"port"`
	Tracing  TracingSettings  `yaml:"tracing"`
}

func defaults() Settings {
	var s Settings
	_ = yaml.Unmarshal(defaultYAML, &s)
	return s
}

// envOverride reads key from the environment and, if present, assigns it
// into *dst via assign, logging nothing — a missing or malformed override
// silently falls back to the embedded default, matching the teacher's
// tolerant config loading (backend/config.Load seeds rather than errors on
// a missing row).
func envOverride(key string, assign func(string)) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		assign(v)
	}
}

func envOverrideInt(key string, dst *int) {
	envOverride(key, func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	})
}

func envOverrideBool(key string, dst *bool) {
	envOverride(key, func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	})
}

func envOverrideString(key string, dst *string) {
	envOverride(key, func(v string) { *dst = v })
}

// applyEnvOverrides mirrors spec.md §6's configuration table, with dots
// turned to underscores and upper-cased (e.g. crawler.pool_size ->
// CRAWLER_POOL_SIZE), per SPEC_FULL.md §4.5.
func applyEnvOverrides(s *Settings) {
	envOverrideString("CRAWLER_PROXY_HOST", &s.Crawler.Proxy.Host)
	envOverrideInt("CRAWLER_PROXY_PORT", &s.Crawler.Proxy.Port)
	envOverrideString("CRAWLER_PROXY_USERNAME", &s.Crawler.Proxy.Username)
	envOverrideString("CRAWLER_PROXY_PASSWORD", &s.Crawler.Proxy.Password)
	envOverrideInt("CRAWLER_POOL_SIZE", &s.Crawler.PoolSize)
	envOverrideInt("CRAWLER_CLAIM_TTL_SECONDS", &s.Crawler.ClaimTTLSeconds)
	envOverrideInt("CRAWLER_MAX_QUEUE_SIZE", &s.Crawler.MaxQueueSize)
	envOverrideInt("CRAWLER_WAIT_TIME_SECONDS", &s.Crawler.WaitTimeSeconds)
	envOverrideInt("CRAWLER_RATE_LIMIT_WINDOW_SECONDS", &s.Crawler.RateLimit.WindowSeconds)
	envOverrideInt("CRAWLER_RATE_LIMIT_MAX_REQUESTS", &s.Crawler.RateLimit.MaxRequests)

	envOverrideInt("FILE_TTL_DAYS_ARTIST", &s.File.TTLDays.Artist)
	envOverrideInt("FILE_TTL_DAYS_ALBUM", &s.File.TTLDays.Album)
	envOverrideInt("FILE_TTL_DAYS_CHART", &s.File.TTLDays.Chart)
	envOverrideInt("FILE_TTL_DAYS_SEARCH", &s.File.TTLDays.Search)
	envOverrideString("FILE_CONTENT_STORE_REGION", &s.File.ContentStore.Region)
	envOverrideString("FILE_CONTENT_STORE_ENDPOINT", &s.File.ContentStore.Endpoint)
	envOverrideString("FILE_CONTENT_STORE_KEY", &s.File.ContentStore.Key)
	envOverrideString("FILE_CONTENT_STORE_SECRET", &s.File.ContentStore.Secret)
	envOverrideString("FILE_CONTENT_STORE_BUCKET", &s.File.ContentStore.Bucket)

	envOverrideInt("PARSER_CONCURRENCY", &s.Parser.Concurrency)
	envOverrideInt("PARSER_RETRY_CONCURRENCY", &s.Parser.RetryConcurrency)

	envOverrideString("REDIS_URL", &s.Redis.URL)
	envOverrideInt("REDIS_MAX_POOL_SIZE", &s.Redis.MaxPoolSize)

	envOverrideString("DATABASE_URL", &s.Database.URL)

	envOverrideInt("PORT", &s.Port)

	envOverrideBool("TRACING_ENABLED", &s.Tracing.Enabled)
	envOverrideString("TRACING_SERVICE_NAME", &s.Tracing.ServiceName)
	envOverrideString("TRACING_OTLP_ENDPOINT", &s.Tracing.OTLPEndpoint)
}

// Global is a thread-safe, environment-overridden wrapper around Settings,
// mirroring the teacher's config.Global shape exactly (mu + data + Get()).
type Global struct {
	mu   sync.RWMutex
	data Settings
}

// Load builds Global from the embedded defaults with environment overrides
// applied on top.
func Load() *Global {
	s := defaults()
	applyEnvOverrides(&s)
	return &Global{data: s}
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}
