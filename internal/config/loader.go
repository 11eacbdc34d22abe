package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix the process reads overrides from.
const EnvPrefix = "SOCIALPULSE"

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// camelKeys restores the camelCase spelling of keys that environment
// variables can only express in one case.
var camelKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"cache.keyprefix":                  "cache.keyPrefix",
	"cache.retentionseconds":           "cache.retentionSeconds",
	"cache.purgeintervalseconds":       "cache.purgeIntervalSeconds",
	"cache.redis.tls.cafile":           "cache.redis.tls.caFile",
	"fetchlog.backend":                 "fetchLog.backend",
	"fetchlog.maxentries":              "fetchLog.maxEntries",
	"upstream.bridgeurl":               "upstream.bridgeURL",
	"upstream.timeoutseconds":          "upstream.timeoutSeconds",
	"upstream.sourcetimeoutseconds":    "upstream.sourceTimeoutSeconds",
	"upstream.breaker.maxrequests":     "upstream.breaker.maxRequests",
	"upstream.breaker.intervalseconds": "upstream.breaker.intervalSeconds",
	"upstream.breaker.timeoutseconds":  "upstream.breaker.timeoutSeconds",
	"upstream.breaker.minrequests":     "upstream.breaker.minRequests",
	"upstream.breaker.failureratio":    "upstream.breaker.failureRatio",
	"metrics.defaultttlminutes":        "metrics.defaultTTLMinutes",
	"metrics.comparisonttlminutes":     "metrics.comparisonTTLMinutes",
	"metrics.siteauditttlminutes":      "metrics.siteAuditTTLMinutes",
	"metrics.topposts":                 "metrics.topPosts",
	"metrics.reportinglagdays":         "metrics.reportingLagDays",
	"metrics.syntheticwindowdays":      "metrics.syntheticWindowDays",
	"metrics.policyfile":               "metrics.policyFile",
	"advisor.timeoutseconds":           "advisor.timeoutSeconds",
	"advisor.backoffseconds":           "advisor.backoffSeconds",
	"advisor.transientwhen":            "advisor.transientWhen",
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__REDIS__ADDRESS -> cache.redis.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := camelKeys[lower]; ok {
				return mapped
			}
			if rest, ok := strings.CutPrefix(lower, "metrics.platformttlminutes."); ok {
				return "metrics.platformTTLMinutes." + rest
			}
			if rest, ok := strings.CutPrefix(lower, "upstream.routes."); ok {
				return "upstream.routes." + rest
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			return strings.ReplaceAll(lower, "_", "")
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Env values arrive as a single string; accept comma separated platforms.
	if len(cfg.Upstream.Platforms) == 1 && strings.Contains(cfg.Upstream.Platforms[0], ",") {
		cfg.Upstream.Platforms = splitList(cfg.Upstream.Platforms[0])
	}
	for i, p := range cfg.Upstream.Platforms {
		cfg.Upstream.Platforms[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPolicy reads the platform TTL overrides from a policy document.
func LoadPolicy(path string) (map[string]int, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load policy %s: %w", path, err)
	}
	policy := map[string]int{}
	if err := k.Unmarshal("platformTTLMinutes", &policy); err != nil {
		return nil, fmt.Errorf("config: unmarshal policy %s: %w", path, err)
	}
	for platform, minutes := range policy {
		if minutes < 0 {
			return nil, fmt.Errorf("config: policy %s: platformTTLMinutes.%s invalid: %d", path, platform, minutes)
		}
	}
	return policy, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"cache": map[string]any{
			"backend":              cfg.Cache.Backend,
			"keyPrefix":            cfg.Cache.KeyPrefix,
			"retentionSeconds":     cfg.Cache.RetentionSeconds,
			"purgeIntervalSeconds": cfg.Cache.PurgeIntervalSeconds,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"fetchLog": map[string]any{
			"backend":    cfg.FetchLog.Backend,
			"maxEntries": cfg.FetchLog.MaxEntries,
		},
		"storage": map[string]any{
			"sqlite": map[string]any{
				"path": cfg.Storage.SQLite.Path,
			},
		},
		"upstream": map[string]any{
			"bridgeURL":            cfg.Upstream.BridgeURL,
			"timeoutSeconds":       cfg.Upstream.TimeoutSeconds,
			"sourceTimeoutSeconds": cfg.Upstream.SourceTimeoutSeconds,
			"platforms":            cfg.Upstream.Platforms,
			"breaker": map[string]any{
				"maxRequests":     cfg.Upstream.Breaker.MaxRequests,
				"intervalSeconds": cfg.Upstream.Breaker.IntervalSeconds,
				"timeoutSeconds":  cfg.Upstream.Breaker.TimeoutSeconds,
				"minRequests":     cfg.Upstream.Breaker.MinRequests,
				"failureRatio":    cfg.Upstream.Breaker.FailureRatio,
			},
		},
		"metrics": map[string]any{
			"defaultTTLMinutes":    cfg.Metrics.DefaultTTLMinutes,
			"comparisonTTLMinutes": cfg.Metrics.ComparisonTTLMinutes,
			"siteAuditTTLMinutes":  cfg.Metrics.SiteAuditTTLMinutes,
			"topPosts":             cfg.Metrics.TopPosts,
			"reportingLagDays":     cfg.Metrics.ReportingLagDays,
			"syntheticWindowDays":  cfg.Metrics.SyntheticWindowDays,
			"policyFile":           cfg.Metrics.PolicyFile,
		},
		"advisor": map[string]any{
			"endpoint":       cfg.Advisor.Endpoint,
			"timeoutSeconds": cfg.Advisor.TimeoutSeconds,
			"attempts":       cfg.Advisor.Attempts,
			"backoffSeconds": cfg.Advisor.BackoffSeconds,
			"transientWhen":  cfg.Advisor.TransientWhen,
		},
	}
}
