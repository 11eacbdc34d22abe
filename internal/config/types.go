package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every process-level option.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	FetchLog FetchLogConfig `koanf:"fetchLog"`
	Storage  StorageConfig  `koanf:"storage"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Advisor  AdvisorConfig  `koanf:"advisor"`
}

// ServerConfig collects the bootstrap knobs owned by the HTTP lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig selects the cache store backend.
type CacheConfig struct {
	Backend              string           `koanf:"backend"`
	KeyPrefix            string           `koanf:"keyPrefix"`
	RetentionSeconds     int              `koanf:"retentionSeconds"`
	PurgeIntervalSeconds int              `koanf:"purgeIntervalSeconds"`
	Redis                RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// FetchLogConfig selects where fetch attempts are recorded.
type FetchLogConfig struct {
	Backend    string `koanf:"backend"`
	MaxEntries int    `koanf:"maxEntries"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// UpstreamConfig describes the analytics bridge the platform adapters call.
type UpstreamConfig struct {
	BridgeURL            string            `koanf:"bridgeURL"`
	TimeoutSeconds       int               `koanf:"timeoutSeconds"`
	SourceTimeoutSeconds int               `koanf:"sourceTimeoutSeconds"`
	Platforms            []string          `koanf:"platforms"`
	Routes               map[string]string `koanf:"routes"`
	Breaker              BreakerConfig     `koanf:"breaker"`
}

type BreakerConfig struct {
	MaxRequests     int     `koanf:"maxRequests"`
	IntervalSeconds int     `koanf:"intervalSeconds"`
	TimeoutSeconds  int     `koanf:"timeoutSeconds"`
	MinRequests     int     `koanf:"minRequests"`
	FailureRatio    float64 `koanf:"failureRatio"`
}

// MetricsConfig shapes caching and normalization of platform metrics.
type MetricsConfig struct {
	DefaultTTLMinutes    int            `koanf:"defaultTTLMinutes"`
	PlatformTTLMinutes   map[string]int `koanf:"platformTTLMinutes"`
	ComparisonTTLMinutes int            `koanf:"comparisonTTLMinutes"`
	SiteAuditTTLMinutes  int            `koanf:"siteAuditTTLMinutes"`
	TopPosts             int            `koanf:"topPosts"`
	ReportingLagDays     int            `koanf:"reportingLagDays"`
	SyntheticWindowDays  int            `koanf:"syntheticWindowDays"`
	// PolicyFile optionally points at a YAML document holding
	// platformTTLMinutes; it is watched and reloaded at runtime.
	PolicyFile string `koanf:"policyFile"`
}

// AdvisorConfig configures the recommendation provider. An empty Endpoint
// selects the built-in heuristic recommender.
type AdvisorConfig struct {
	Endpoint       string `koanf:"endpoint"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	Attempts       int    `koanf:"attempts"`
	BackoffSeconds int    `koanf:"backoffSeconds"`
	TransientWhen  string `koanf:"transientWhen"`
}

// PlatformTTLs converts the minute-based overrides into durations, skipping
// entries that are not positive.
func (m MetricsConfig) PlatformTTLs() map[string]time.Duration {
	return minutesToDurations(m.PlatformTTLMinutes)
}

func minutesToDurations(in map[string]int) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for platform, minutes := range in {
		if minutes > 0 {
			out[strings.ToLower(platform)] = time.Duration(minutes) * time.Minute
		}
	}
	return out
}

// Seconds converts a seconds knob into a duration.
func Seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// Minutes converts a minutes knob into a duration.
func Minutes(v int) time.Duration { return time.Duration(v) * time.Minute }

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}

	sqliteNeeded := false
	switch strings.TrimSpace(strings.ToLower(c.Cache.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "sqlite":
		sqliteNeeded = true
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Cache.RetentionSeconds < 0 {
		return fmt.Errorf("config: cache.retentionSeconds invalid: %d", c.Cache.RetentionSeconds)
	}
	if c.Cache.PurgeIntervalSeconds <= 0 {
		return fmt.Errorf("config: cache.purgeIntervalSeconds invalid: %d", c.Cache.PurgeIntervalSeconds)
	}

	switch strings.TrimSpace(strings.ToLower(c.FetchLog.Backend)) {
	case "", "memory":
	case "sqlite":
		sqliteNeeded = true
	default:
		return fmt.Errorf("config: fetchLog.backend unsupported: %s", c.FetchLog.Backend)
	}
	if c.FetchLog.MaxEntries < 0 {
		return fmt.Errorf("config: fetchLog.maxEntries invalid: %d", c.FetchLog.MaxEntries)
	}
	if sqliteNeeded && strings.TrimSpace(c.Storage.SQLite.Path) == "" {
		return errors.New("config: storage.sqlite.path required for sqlite backends")
	}

	if err := c.Upstream.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	if c.Advisor.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.Advisor.Endpoint); err != nil {
			return fmt.Errorf("config: advisor.endpoint invalid: %w", err)
		}
	}
	if c.Advisor.Attempts < 1 {
		return fmt.Errorf("config: advisor.attempts invalid: %d", c.Advisor.Attempts)
	}
	if c.Advisor.BackoffSeconds < 0 || c.Advisor.TimeoutSeconds < 0 {
		return errors.New("config: advisor durations must not be negative")
	}
	return nil
}

func (u UpstreamConfig) validate() error {
	if strings.TrimSpace(u.BridgeURL) == "" {
		return errors.New("config: upstream.bridgeURL required")
	}
	if _, err := url.ParseRequestURI(u.BridgeURL); err != nil {
		return fmt.Errorf("config: upstream.bridgeURL invalid: %w", err)
	}
	if len(u.Platforms) == 0 {
		return errors.New("config: upstream.platforms requires at least one platform")
	}
	for i, p := range u.Platforms {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config: upstream.platforms[%d] empty", i)
		}
	}
	if u.TimeoutSeconds <= 0 || u.SourceTimeoutSeconds <= 0 {
		return errors.New("config: upstream timeouts must be positive")
	}
	b := u.Breaker
	if b.MaxRequests < 1 || b.MinRequests < 1 || b.TimeoutSeconds <= 0 || b.IntervalSeconds < 0 {
		return errors.New("config: upstream.breaker requires positive maxRequests, minRequests and timeoutSeconds")
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		return fmt.Errorf("config: upstream.breaker.failureRatio invalid: %v", b.FailureRatio)
	}
	return nil
}

func (m MetricsConfig) validate() error {
	if m.DefaultTTLMinutes <= 0 || m.ComparisonTTLMinutes <= 0 || m.SiteAuditTTLMinutes <= 0 {
		return errors.New("config: metrics ttl minutes must be positive")
	}
	for platform, minutes := range m.PlatformTTLMinutes {
		if minutes < 0 {
			return fmt.Errorf("config: metrics.platformTTLMinutes.%s invalid: %d", platform, minutes)
		}
	}
	if m.TopPosts <= 0 {
		return fmt.Errorf("config: metrics.topPosts invalid: %d", m.TopPosts)
	}
	if m.ReportingLagDays < 0 {
		return fmt.Errorf("config: metrics.reportingLagDays invalid: %d", m.ReportingLagDays)
	}
	if m.SyntheticWindowDays <= 0 {
		return fmt.Errorf("config: metrics.syntheticWindowDays invalid: %d", m.SyntheticWindowDays)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Cache: CacheConfig{
			Backend:              "memory",
			KeyPrefix:            "socialpulse:metrics:v1",
			RetentionSeconds:     86400,
			PurgeIntervalSeconds: 900,
		},
		FetchLog: FetchLogConfig{
			Backend:    "memory",
			MaxEntries: 10000,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{Path: "./data/socialpulse.db"},
		},
		Upstream: UpstreamConfig{
			BridgeURL:            "http://127.0.0.1:9090",
			TimeoutSeconds:       10,
			SourceTimeoutSeconds: 15,
			Platforms:            []string{"instagram", "facebook", "linkedin"},
			Breaker: BreakerConfig{
				MaxRequests:     1,
				IntervalSeconds: 60,
				TimeoutSeconds:  30,
				MinRequests:     5,
				FailureRatio:    0.6,
			},
		},
		Metrics: MetricsConfig{
			DefaultTTLMinutes:    60,
			ComparisonTTLMinutes: 360,
			SiteAuditTTLMinutes:  1440,
			TopPosts:             5,
			ReportingLagDays:     2,
			SyntheticWindowDays:  30,
		},
		Advisor: AdvisorConfig{
			TimeoutSeconds: 30,
			Attempts:       2,
			BackoffSeconds: 2,
		},
	}
}
