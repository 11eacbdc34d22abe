package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/socialpulse/internal/service"
	"github.com/stretchr/testify/require"
)

type stubAPI struct {
	metricsReq    service.MetricsRequest
	comparisonReq service.ComparisonRequest
	recommendReq  service.RecommendRequest
	invalidated   []string
	err           error
	panicOn       string
}

func (s *stubAPI) GetMetrics(_ context.Context, req service.MetricsRequest) (service.MetricsResult, error) {
	if s.panicOn == "metrics" {
		panic("boom")
	}
	s.metricsReq = req
	if s.err != nil {
		return service.MetricsResult{}, s.err
	}
	return service.MetricsResult{
		DataAvailable: true,
		UserID:        req.UserID,
		Platform:      req.Platform,
		Period:        "30d",
		FromCache:     !req.ForceRefresh,
		GeneratedAt:   time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC),
	}, nil
}

func (s *stubAPI) GetComparison(_ context.Context, req service.ComparisonRequest) (service.ComparisonResult, error) {
	s.comparisonReq = req
	if s.err != nil {
		return service.ComparisonResult{}, s.err
	}
	return service.ComparisonResult{DataAvailable: true, UserID: req.UserID}, nil
}

func (s *stubAPI) Recommend(_ context.Context, req service.RecommendRequest) (service.RecommendationResult, error) {
	s.recommendReq = req
	if s.err != nil {
		return service.RecommendationResult{}, s.err
	}
	return service.RecommendationResult{Available: true, Provider: "heuristic", Platform: req.Platform}, nil
}

func (s *stubAPI) Invalidate(_ context.Context, userID, platform string) (int, error) {
	s.invalidated = append(s.invalidated, userID+"/"+platform)
	return 3, s.err
}

func (s *stubAPI) GetCacheStats(_ context.Context, _ string) (service.CacheStats, error) {
	if s.err != nil {
		return service.CacheStats{}, s.err
	}
	return service.CacheStats{}, nil
}

func (s *stubAPI) PurgeExpired(context.Context) (int, error) {
	return 7, s.err
}

func newExpect(t *testing.T, handler http.Handler) *httpexpect.Expect {
	t.Helper()
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  "http://socialpulse.test",
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Transport: httpexpect.NewBinder(handler)},
	})
}

func newTestRouter(api API) http.Handler {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "socialpulse_fetch_total 1\n")
	})
	return NewRouter(RouterConfig{
		API:     api,
		Metrics: metricsHandler,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRouterHealthAndMetrics(t *testing.T) {
	e := newExpect(t, newTestRouter(&stubAPI{}))

	e.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
	e.GET("/metrics").Expect().Status(http.StatusOK).
		Body().Contains("socialpulse_fetch_total")
}

func TestRouterMetricsRoute(t *testing.T) {
	api := &stubAPI{}
	e := newExpect(t, newTestRouter(api))

	obj := e.GET("/v1/users/u-1/metrics/instagram").
		WithQuery("period", "7d").
		WithQuery("refresh", "true").
		Expect().Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("dataAvailable", true)
	obj.HasValue("platform", "instagram")
	obj.HasValue("fromCache", false)

	require.Equal(t, service.MetricsRequest{
		UserID:       "u-1",
		Platform:     "instagram",
		Period:       "7d",
		ForceRefresh: true,
	}, api.metricsReq)
}

func TestRouterErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{
			name:    "invalid request",
			err:     fmt.Errorf("%w: platform unsupported", service.ErrInvalidRequest),
			status:  http.StatusBadRequest,
			message: "invalid request: platform unsupported",
		},
		{
			name:    "internal",
			err:     errors.New("cache store down"),
			status:  http.StatusInternalServerError,
			message: "internal error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newExpect(t, newTestRouter(&stubAPI{err: tc.err}))
			e.GET("/v1/users/u-1/metrics/instagram").Expect().
				Status(tc.status).
				JSON().Object().HasValue("error", tc.message)
		})
	}
}

func TestRouterRejectsBadRefreshFlag(t *testing.T) {
	api := &stubAPI{}
	e := newExpect(t, newTestRouter(api))

	e.GET("/v1/users/u-1/metrics/instagram").
		WithQuery("refresh", "maybe").
		Expect().Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", "invalid refresh parameter")
	require.Empty(t, api.metricsReq.UserID)
}

func TestRouterComparisonQuery(t *testing.T) {
	api := &stubAPI{}
	e := newExpect(t, newTestRouter(api))

	e.GET("/v1/users/u-1/comparison").
		WithQuery("ownDomain", "acme.example").
		WithQuery("competitorDomain", "rival.example").
		WithQuery("ownInstagram", "acme").
		WithQuery("competitorLinkedIn", "rival-co").
		Expect().Status(http.StatusOK).
		JSON().Object().HasValue("dataAvailable", true)

	require.Equal(t, "acme.example", api.comparisonReq.OwnDomain)
	require.Equal(t, "rival.example", api.comparisonReq.CompetitorDomain)
	require.Equal(t, "acme", api.comparisonReq.Handles.OwnInstagram)
	require.Equal(t, "rival-co", api.comparisonReq.Handles.CompetitorLinkedIn)
	require.False(t, api.comparisonReq.ForceRefresh)
}

func TestRouterRecommendations(t *testing.T) {
	api := &stubAPI{}
	e := newExpect(t, newTestRouter(api))

	e.GET("/v1/users/u-2/recommendations/linkedin").
		WithQuery("period", "90d").
		Expect().Status(http.StatusOK).
		JSON().Object().HasValue("provider", "heuristic")
	require.Equal(t, service.RecommendRequest{UserID: "u-2", Platform: "linkedin", Period: "90d"}, api.recommendReq)
}

func TestRouterCacheMaintenance(t *testing.T) {
	api := &stubAPI{}
	e := newExpect(t, newTestRouter(api))

	e.DELETE("/v1/users/u-1/cache/facebook").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("invalidated", 3)
	require.Equal(t, []string{"u-1/facebook"}, api.invalidated)

	e.POST("/v1/maintenance/purge").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("purged", 7)

	e.GET("/v1/users/u-1/cache/stats").Expect().Status(http.StatusOK).
		JSON().Object().ContainsKey("fetches")
}

func TestRouterCorrelationHeader(t *testing.T) {
	e := newExpect(t, newTestRouter(&stubAPI{}))

	e.GET("/healthz").WithHeader("X-Request-ID", "req-42").
		Expect().Status(http.StatusOK).
		Header("X-Request-ID").IsEqual("req-42")

	e.GET("/healthz").
		Expect().Status(http.StatusOK).
		Header("X-Request-ID").NotEmpty()
}

func TestRouterRecoversFromPanics(t *testing.T) {
	e := newExpect(t, newTestRouter(&stubAPI{panicOn: "metrics"}))

	e.GET("/v1/users/u-1/metrics/instagram").Expect().Status(http.StatusInternalServerError)
	e.GET("/healthz").Expect().Status(http.StatusOK)
}

func TestRouterWithoutAPI(t *testing.T) {
	e := newExpect(t, NewRouter(RouterConfig{}))

	e.GET("/healthz").Expect().Status(http.StatusOK)
	e.GET("/v1/users/u-1/metrics/instagram").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().HasValue("error", "service unavailable")
	e.GET("/metrics").Expect().Status(http.StatusNotFound)
}
