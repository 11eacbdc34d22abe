// Package service exposes the operations consumers call: platform metrics,
// competitor comparisons, recommendations and cache maintenance.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/l0p7/socialpulse/internal/advisor"
	"github.com/l0p7/socialpulse/internal/cache"
	"github.com/l0p7/socialpulse/internal/fetchlog"
	"github.com/l0p7/socialpulse/internal/metrics"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/platform"
)

// ErrInvalidRequest marks requests rejected before any fetch happens.
var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Reserved cache platforms that are not backed by an Adapter.
const (
	PlatformComparison = "comparison"
	PlatformLighthouse = "lighthouse"
	sharedUserID       = "_shared"
)

const statsWindow = 30 * 24 * time.Hour

// Policy holds the tunables that shape fetching and caching.
type Policy struct {
	DefaultTTL          time.Duration
	PlatformTTL         map[string]time.Duration
	ComparisonTTL       time.Duration
	SiteAuditTTL        time.Duration
	TopPosts            int
	ReportingLagDays    int
	SyntheticWindowDays int
	SourceTimeout       time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:          60 * time.Minute,
		ComparisonTTL:       6 * time.Hour,
		SiteAuditTTL:        24 * time.Hour,
		TopPosts:            5,
		ReportingLagDays:    2,
		SyntheticWindowDays: 30,
		SourceTimeout:       15 * time.Second,
	}
}

// Config wires the service's collaborators. Auditor, Profiles, Recommender,
// FetchLog, Metrics, Logger and Clock are optional.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	FetchLog     fetchlog.Log
	Adapters     platform.Registry
	Auth         platform.Authenticator
	Auditor      platform.SiteAuditor
	Profiles     platform.ProfileSource
	Recommender  advisor.Recommender
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	Clock        func() time.Time
	Policy       Policy
}

// Service implements the exposed operations.
type Service struct {
	orch        *orchestrator.Orchestrator
	store       cache.Store
	fetchLog    fetchlog.Log
	adapters    platform.Registry
	auth        platform.Authenticator
	auditor     platform.SiteAuditor
	profiles    platform.ProfileSource
	recommender advisor.Recommender
	metrics     *metrics.Recorder
	logger      *slog.Logger
	clock       func() time.Time

	mu     sync.RWMutex
	policy Policy
}

// New validates cfg and constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("service: orchestrator required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("service: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	recommender := cfg.Recommender
	if recommender == nil {
		recommender = advisor.Heuristic{Clock: clock}
	}
	policy := cfg.Policy
	defaults := DefaultPolicy()
	if policy.DefaultTTL <= 0 {
		policy.DefaultTTL = defaults.DefaultTTL
	}
	if policy.ComparisonTTL <= 0 {
		policy.ComparisonTTL = defaults.ComparisonTTL
	}
	if policy.SiteAuditTTL <= 0 {
		policy.SiteAuditTTL = defaults.SiteAuditTTL
	}
	if policy.TopPosts <= 0 {
		policy.TopPosts = defaults.TopPosts
	}
	if policy.ReportingLagDays < 0 {
		policy.ReportingLagDays = defaults.ReportingLagDays
	}
	if policy.SyntheticWindowDays <= 0 {
		policy.SyntheticWindowDays = defaults.SyntheticWindowDays
	}
	if policy.SourceTimeout <= 0 {
		policy.SourceTimeout = defaults.SourceTimeout
	}
	policy.PlatformTTL = maps.Clone(policy.PlatformTTL)

	return &Service{
		orch:        cfg.Orchestrator,
		store:       cfg.Orchestrator.Store(),
		fetchLog:    cfg.FetchLog,
		adapters:    cfg.Adapters,
		auth:        cfg.Auth,
		auditor:     cfg.Auditor,
		profiles:    cfg.Profiles,
		recommender: recommender,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("agent", "service")),
		clock:       clock,
		policy:      policy,
	}, nil
}

func (s *Service) currentPolicy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPlatformTTLs replaces the per-platform TTL overrides. Entries that are
// not positive are ignored.
func (s *Service) SetPlatformTTLs(ttls map[string]time.Duration) {
	next := make(map[string]time.Duration, len(ttls))
	for platform, ttl := range ttls {
		if ttl > 0 {
			next[platform] = ttl
		}
	}
	s.mu.Lock()
	s.policy.PlatformTTL = next
	s.mu.Unlock()
	s.logger.Info("platform ttl policy updated", slog.Int("platforms", len(next)))
}

func (s *Service) ttlFor(platform string) time.Duration {
	policy := s.currentPolicy()
	if ttl, ok := policy.PlatformTTL[platform]; ok && ttl > 0 {
		return ttl
	}
	return policy.DefaultTTL
}

// Invalidate expires every cached scope for the user and platform and reports
// how many entries were affected.
func (s *Service) Invalidate(ctx context.Context, userID, platform string) (int, error) {
	if userID == "" || platform == "" {
		return 0, fmt.Errorf("%w: userID and platform are required", ErrInvalidRequest)
	}
	count, err := s.store.InvalidateScope(ctx, userID, platform)
	if err != nil {
		return 0, fmt.Errorf("service: invalidate: %w", err)
	}
	s.logger.Info("cache invalidated",
		slog.String("user_id", userID),
		slog.String("platform", platform),
		slog.Int("entries", count),
	)
	return count, nil
}

// CacheStats combines store occupancy with the user's recent fetch history.
type CacheStats struct {
	cache.Stats
	Fetches fetchlog.Summary `json:"fetches"`
	Recent  []fetchlog.Entry `json:"recent"`
}

// GetCacheStats reports cache occupancy and fetch history for userID.
func (s *Service) GetCacheStats(ctx context.Context, userID string) (CacheStats, error) {
	if userID == "" {
		return CacheStats{}, fmt.Errorf("%w: userID is required", ErrInvalidRequest)
	}
	stats, err := s.store.Stats(ctx, userID)
	if err != nil {
		return CacheStats{}, fmt.Errorf("service: cache stats: %w", err)
	}
	out := CacheStats{Stats: stats, Recent: []fetchlog.Entry{}}
	if s.fetchLog == nil {
		return out, nil
	}
	out.Fetches, err = s.fetchLog.Summarize(ctx, userID, s.clock().Add(-statsWindow))
	if err != nil {
		return CacheStats{}, fmt.Errorf("service: fetch summary: %w", err)
	}
	recent, err := s.fetchLog.Recent(ctx, userID, 20)
	if err != nil {
		return CacheStats{}, fmt.Errorf("service: recent fetches: %w", err)
	}
	if recent != nil {
		out.Recent = recent
	}
	return out, nil
}

// PurgeExpired deletes logically expired cache entries.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	count, err := s.store.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("service: purge expired: %w", err)
	}
	s.metrics.ObservePurge(count)
	s.logger.Info("expired cache entries purged", slog.Int("entries", count))
	return count, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

func cacheAgeSeconds(hit bool, age time.Duration) *int64 {
	if !hit {
		return nil
	}
	secs := int64(age / time.Second)
	return &secs
}
