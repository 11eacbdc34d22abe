package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/socialpulse/internal/cache"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/platform"
	"github.com/l0p7/socialpulse/internal/reconcile"
	"github.com/l0p7/socialpulse/internal/timeline"
)

// Periods accepted by GetMetrics, mapped to their window in days.
var periodDays = map[string]int{"7d": 7, "30d": 30, "90d": 90}

// DefaultPeriod applies when a MetricsRequest leaves Period empty.
const DefaultPeriod = "30d"

// Source names reported in MissingSources.
const (
	SourceAggregate      = "aggregate"
	SourcePosts          = "posts"
	SourceFollowerTotal  = "follower_total"
	SourceFollowerDeltas = "follower_deltas"
)

// MetricsRequest selects one platform snapshot.
type MetricsRequest struct {
	UserID       string `validate:"required,max=128"`
	Platform     string `validate:"required,max=32"`
	Period       string `validate:"omitempty,oneof=7d 30d 90d"`
	ForceRefresh bool
}

// MetricsResult is the normalized platform snapshot. When DataAvailable is
// false only Reason and the identity fields are set.
type MetricsResult struct {
	DataAvailable   bool                       `json:"dataAvailable"`
	UserID          string                     `json:"userId"`
	Platform        string                     `json:"platform"`
	Period          string                     `json:"period"`
	Engagement      *reconcile.Summary         `json:"engagement,omitempty"`
	EngagementScore *int                       `json:"engagementScore,omitempty"`
	FollowerGrowth  *timeline.Series           `json:"followerGrowth,omitempty"`
	TopPosts        []reconcile.PostAllocation `json:"topPosts,omitempty"`
	MissingSources  []string                   `json:"missingSources,omitempty"`
	Reason          string                     `json:"reason,omitempty"`
	FromCache       bool                       `json:"fromCache"`
	CacheAgeSeconds *int64                     `json:"cacheAgeSeconds,omitempty"`
	GeneratedAt     time.Time                  `json:"generatedAt"`
}

// GetMetrics returns the engagement, follower growth and top posts for one
// platform. Authentication and upstream failures are reported through
// DataAvailable and Reason; only invalid requests return an error.
func (s *Service) GetMetrics(ctx context.Context, req MetricsRequest) (MetricsResult, error) {
	if req.Period == "" {
		req.Period = DefaultPeriod
	}
	if err := validate.Struct(req); err != nil {
		return MetricsResult{}, invalid(err)
	}
	adapter, err := s.adapters.Lookup(req.Platform)
	if err != nil {
		return MetricsResult{}, invalid(err)
	}

	out := orchestrator.GetOrFetch(ctx, s.orch, orchestrator.Request{
		Key:          cache.Key{UserID: req.UserID, Platform: req.Platform, Scope: req.Period},
		TTL:          s.ttlFor(req.Platform),
		ForceRefresh: req.ForceRefresh,
		FetchType:    "metrics",
	}, func(ctx context.Context) (MetricsResult, int, error) {
		return s.fetchMetrics(ctx, adapter, req)
	})
	if out.Err != nil {
		return MetricsResult{
			UserID:      req.UserID,
			Platform:    req.Platform,
			Period:      req.Period,
			Reason:      out.Reason,
			GeneratedAt: s.clock().UTC(),
		}, nil
	}
	result := out.Value
	result.FromCache = out.CacheHit
	result.CacheAgeSeconds = cacheAgeSeconds(out.CacheHit, out.Age)
	return result, nil
}

func (s *Service) fetchMetrics(ctx context.Context, adapter platform.Adapter, req MetricsRequest) (MetricsResult, int, error) {
	now := s.clock()
	token, err := s.token(ctx, req.UserID, req.Platform, now)
	if err != nil {
		return MetricsResult{}, 0, err
	}

	policy := s.currentPolicy()
	until := now.AddDate(0, 0, -policy.ReportingLagDays)
	window := platform.Window{Since: until.AddDate(0, 0, -periodDays[req.Period]), Until: until}

	var (
		agg    *reconcile.AggregateSource
		posts  *reconcile.PerPostSource
		total  int64
		deltas []timeline.DailyDelta
	)
	report := platform.Collect(ctx, policy.SourceTimeout, s.logger,
		platform.Source{Name: SourceAggregate, Run: func(ctx context.Context) (err error) {
			agg, err = adapter.FetchAggregate(ctx, token, window)
			return err
		}},
		platform.Source{Name: SourcePosts, Run: func(ctx context.Context) (err error) {
			posts, err = adapter.FetchPosts(ctx, token, window)
			return err
		}},
		platform.Source{Name: SourceFollowerTotal, Run: func(ctx context.Context) (err error) {
			total, err = adapter.FetchFollowerTotal(ctx, token)
			return err
		}},
		platform.Source{Name: SourceFollowerDeltas, Run: func(ctx context.Context) (err error) {
			deltas, err = adapter.FetchFollowerDeltas(ctx, token, window)
			return err
		}},
	)
	if err := report.Err(); err != nil {
		return MetricsResult{}, 0, err
	}

	reconciled := reconcile.Reconcile(agg, posts)
	result := MetricsResult{
		DataAvailable:  true,
		UserID:         req.UserID,
		Platform:       req.Platform,
		Period:         req.Period,
		TopPosts:       reconcile.Top(reconciled.Posts, policy.TopPosts),
		MissingSources: report.Missing,
		GeneratedAt:    now.UTC(),
	}
	if reconciled.Summary.Tier != reconcile.TierNone {
		summary := reconciled.Summary
		score := reconciled.Score
		result.Engagement = &summary
		result.EngagementScore = &score
	}
	if _, failed := report.Errors[SourceFollowerTotal]; !failed {
		series := timeline.Build(total, deltas, policy.SyntheticWindowDays, now)
		result.FollowerGrowth = &series
		if series.Synthetic {
			s.logger.Debug("follower deltas unavailable, using synthetic growth",
				slog.String("user_id", req.UserID),
				slog.String("platform", req.Platform),
			)
		}
	}

	records := len(deltas)
	if posts != nil {
		records += len(posts.Posts)
	}
	if agg != nil {
		records++
	}
	return result, records, nil
}

// token resolves usable credentials or returns the matching auth error.
func (s *Service) token(ctx context.Context, userID, platformName string, now time.Time) (string, error) {
	status, err := s.auth.Status(ctx, userID, platformName)
	if err != nil {
		return "", orchestrator.Upstream("auth", err)
	}
	if err := status.Check(now); err != nil {
		return "", err
	}
	return status.Token, nil
}
