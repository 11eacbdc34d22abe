package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/socialpulse/internal/advisor"
)

// RecommendRequest selects the metrics snapshot recommendations are based on.
type RecommendRequest struct {
	UserID   string
	Platform string
	Period   string
}

// RecommendationResult carries advisor output for one platform snapshot.
type RecommendationResult struct {
	Available     bool      `json:"available"`
	UserID        string    `json:"userId"`
	Platform      string    `json:"platform"`
	Period        string    `json:"period"`
	Provider      string    `json:"provider,omitempty"`
	Items         []string  `json:"items,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	MetricsCached bool      `json:"metricsCached"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// Recommend builds recommendations from the (usually cached) metrics
// snapshot. Unavailable metrics or a failing advisor are reported through
// Available and Reason.
func (s *Service) Recommend(ctx context.Context, req RecommendRequest) (RecommendationResult, error) {
	metrics, err := s.GetMetrics(ctx, MetricsRequest{UserID: req.UserID, Platform: req.Platform, Period: req.Period})
	if err != nil {
		return RecommendationResult{}, err
	}
	result := RecommendationResult{
		UserID:        metrics.UserID,
		Platform:      metrics.Platform,
		Period:        metrics.Period,
		MetricsCached: metrics.FromCache,
		GeneratedAt:   s.clock().UTC(),
	}
	if !metrics.DataAvailable {
		result.Reason = metrics.Reason
		return result, nil
	}

	in := advisor.Input{
		Platform: metrics.Platform,
		Period:   metrics.Period,
		TopPosts: metrics.TopPosts,
	}
	if metrics.Engagement != nil {
		in.EngagementRate = metrics.Engagement.EngagementRate
		in.RateSource = metrics.Engagement.RateSource
	}
	if metrics.EngagementScore != nil {
		in.EngagementScore = *metrics.EngagementScore
	}
	if metrics.FollowerGrowth != nil {
		in.FollowerNetGain = metrics.FollowerGrowth.NetGain
		in.SyntheticGrowth = metrics.FollowerGrowth.Synthetic
	}

	rec, err := s.recommender.Recommend(ctx, in)
	if err != nil {
		s.logger.Warn("recommendation failed",
			slog.String("user_id", req.UserID),
			slog.String("platform", req.Platform),
			slog.Any("error", err),
		)
		result.Reason = err.Error()
		return result, nil
	}
	result.Available = true
	result.Provider = rec.Provider
	result.Items = rec.Items
	if !rec.GeneratedAt.IsZero() {
		result.GeneratedAt = rec.GeneratedAt.UTC()
	}
	return result, nil
}
