package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/socialpulse/internal/cache"
	"github.com/l0p7/socialpulse/internal/fetchlog"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/platform"
	"github.com/l0p7/socialpulse/internal/reconcile"
	"github.com/l0p7/socialpulse/internal/timeline"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAdapter struct {
	name      string
	calls     atomic.Int32
	agg       *reconcile.AggregateSource
	aggErr    error
	posts     *reconcile.PerPostSource
	postsErr  error
	total     int64
	totalErr  error
	deltas    []timeline.DailyDelta
	deltasErr error
}

func (a *fakeAdapter) Platform() string { return a.name }

func (a *fakeAdapter) FetchAggregate(context.Context, string, platform.Window) (*reconcile.AggregateSource, error) {
	a.calls.Add(1)
	return a.agg, a.aggErr
}

func (a *fakeAdapter) FetchPosts(context.Context, string, platform.Window) (*reconcile.PerPostSource, error) {
	return a.posts, a.postsErr
}

func (a *fakeAdapter) FetchFollowerTotal(context.Context, string) (int64, error) {
	return a.total, a.totalErr
}

func (a *fakeAdapter) FetchFollowerDeltas(context.Context, string, platform.Window) ([]timeline.DailyDelta, error) {
	return a.deltas, a.deltasErr
}

type fakeAuth struct {
	calls  atomic.Int32
	status platform.AuthStatus
}

func (f *fakeAuth) Status(context.Context, string, string) (platform.AuthStatus, error) {
	f.calls.Add(1)
	return f.status, nil
}

type fakeAuditor struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeAuditor) Audit(_ context.Context, domain string) (platform.SiteAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[domain]++
	return platform.SiteAudit{Domain: domain, Performance: 90, SEO: 80}, nil
}

func (f *fakeAuditor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeProfiles struct {
	calls atomic.Int32
}

func (f *fakeProfiles) Profile(_ context.Context, platformName, handle string) (platform.Profile, error) {
	f.calls.Add(1)
	if handle == "broken" {
		return platform.Profile{}, errors.New("profile lookup failed")
	}
	return platform.Profile{
		Platform:  platformName,
		Handle:    handle,
		Followers: 500,
		Posts: []reconcile.Post{
			{ID: "a", Likes: 5, Reach: 100},
			{ID: "b", Likes: 10, Comments: 5, Reach: 200},
		},
	}, nil
}

type fixture struct {
	svc      *Service
	clock    *fakeClock
	adapter  *fakeAdapter
	auth     *fakeAuth
	auditor  *fakeAuditor
	profiles *fakeProfiles
}

func healthyAdapter() *fakeAdapter {
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return &fakeAdapter{
		name: "instagram",
		agg:  &reconcile.AggregateSource{Likes: 40, Comments: 10, Shares: 5, Clicks: 5, Impressions: 1000, Reach: 800},
		posts: &reconcile.PerPostSource{Posts: []reconcile.Post{
			{ID: "p1", Caption: "launch", Likes: 30, Comments: 5},
			{ID: "p2", Likes: 10, Comments: 5, Shares: 5},
		}},
		total: 1000,
		deltas: []timeline.DailyDelta{
			{Date: today.AddDate(0, 0, -2), OrganicGain: 5},
			{Date: today.AddDate(0, 0, -3)},
			{Date: today.AddDate(0, 0, -4), OrganicGain: 7, PaidGain: 3},
		},
	}
}

func newFixture(t *testing.T, adapter *fakeAdapter) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)}
	log := fetchlog.NewMemory(0, clock.Now)
	orch, err := orchestrator.New(orchestrator.Config{
		Store: cache.NewMemory(clock.Now),
		Log:   log,
		Clock: clock.Now,
	})
	require.NoError(t, err)

	f := &fixture{
		clock:    clock,
		adapter:  adapter,
		auth:     &fakeAuth{status: platform.AuthStatus{Connected: true, Token: "tok", ExpiresAt: clock.Now().Add(time.Hour)}},
		auditor:  &fakeAuditor{},
		profiles: &fakeProfiles{},
	}
	f.svc, err = New(Config{
		Orchestrator: orch,
		FetchLog:     log,
		Adapters:     platform.NewRegistry(adapter),
		Auth:         f.auth,
		Auditor:      f.auditor,
		Profiles:     f.profiles,
		Clock:        clock.Now,
		Policy:       Policy{SourceTimeout: time.Second},
	})
	require.NoError(t, err)
	return f
}

func TestGetMetricsCachesNormalizedSnapshot(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()

	res, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	require.True(t, res.DataAvailable)
	require.Equal(t, DefaultPeriod, res.Period)
	require.False(t, res.FromCache)
	require.Nil(t, res.CacheAgeSeconds)
	require.Empty(t, res.MissingSources)

	require.NotNil(t, res.Engagement)
	require.Equal(t, reconcile.TierAggregate, res.Engagement.Tier)
	require.Equal(t, reconcile.RateFromImpressions, res.Engagement.RateSource)
	require.InDelta(t, 6.0, res.Engagement.EngagementRate, 0.001)
	require.NotNil(t, res.EngagementScore)
	require.Equal(t, 77, *res.EngagementScore)

	require.NotNil(t, res.FollowerGrowth)
	require.False(t, res.FollowerGrowth.Synthetic)
	require.Len(t, res.FollowerGrowth.Points, 4)
	require.EqualValues(t, 985, res.FollowerGrowth.Points[0].Followers)
	require.EqualValues(t, 1000, res.FollowerGrowth.Points[3].Followers)

	require.Len(t, res.TopPosts, 2)
	require.Equal(t, "p1", res.TopPosts[0].ID)
	require.True(t, res.TopPosts[0].Allocated)

	f.clock.Advance(10 * time.Minute)
	cached, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram", Period: "30d"})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	require.NotNil(t, cached.CacheAgeSeconds)
	require.EqualValues(t, 600, *cached.CacheAgeSeconds)
	require.Equal(t, res.Engagement, cached.Engagement)
	require.EqualValues(t, 1, f.adapter.calls.Load())

	other, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram", Period: "7d"})
	require.NoError(t, err)
	require.False(t, other.FromCache, "periods are cached independently")
	require.EqualValues(t, 2, f.adapter.calls.Load())
}

func TestGetMetricsForceRefreshBypassesCache(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()

	_, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	res, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram", ForceRefresh: true})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.EqualValues(t, 2, f.adapter.calls.Load())
}

func TestGetMetricsAuthFailuresAreNotCached(t *testing.T) {
	tests := []struct {
		name   string
		status func(now time.Time) platform.AuthStatus
		reason string
	}{
		{
			name:   "not connected",
			status: func(time.Time) platform.AuthStatus { return platform.AuthStatus{} },
			reason: orchestrator.ReasonNotConnected,
		},
		{
			name: "token expired",
			status: func(now time.Time) platform.AuthStatus {
				return platform.AuthStatus{Connected: true, Token: "tok", ExpiresAt: now.Add(-time.Minute)}
			},
			reason: orchestrator.ReasonTokenExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, healthyAdapter())
			f.auth.status = tt.status(f.clock.Now())
			ctx := context.Background()

			for range 2 {
				res, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
				require.NoError(t, err)
				require.False(t, res.DataAvailable)
				require.Equal(t, tt.reason, res.Reason)
				require.Nil(t, res.Engagement)
			}
			require.EqualValues(t, 2, f.auth.calls.Load())
			require.Zero(t, f.adapter.calls.Load())

			stats, err := f.svc.GetCacheStats(ctx, "u1")
			require.NoError(t, err)
			require.Zero(t, stats.Total)
			require.EqualValues(t, 2, stats.Fetches.Failed)
		})
	}
}

func TestGetMetricsDegradesOnPartialData(t *testing.T) {
	adapter := healthyAdapter()
	adapter.aggErr = errors.New("insights unavailable")
	adapter.deltas = nil
	f := newFixture(t, adapter)

	res, err := f.svc.GetMetrics(context.Background(), MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	require.True(t, res.DataAvailable)
	require.Equal(t, []string{SourceAggregate}, res.MissingSources)
	require.Equal(t, reconcile.TierPerPost, res.Engagement.Tier)
	require.EqualValues(t, 40, res.Engagement.Likes)
	require.EqualValues(t, 10, res.Engagement.Comments)
	require.Equal(t, reconcile.RateEstimated, res.Engagement.RateSource)
	require.NotNil(t, res.FollowerGrowth)
	require.True(t, res.FollowerGrowth.Synthetic)
	require.False(t, res.TopPosts[0].Allocated)
}

func TestGetMetricsAllSourcesFailed(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "instagram",
		aggErr:    errors.New("rate limited"),
		postsErr:  errors.New("rate limited"),
		totalErr:  errors.New("rate limited"),
		deltasErr: errors.New("rate limited"),
	}
	f := newFixture(t, adapter)

	res, err := f.svc.GetMetrics(context.Background(), MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	require.False(t, res.DataAvailable)
	require.Contains(t, res.Reason, "rate limited")
}

func TestGetMetricsRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	tests := []struct {
		name string
		req  MetricsRequest
	}{
		{name: "missing user", req: MetricsRequest{Platform: "instagram"}},
		{name: "unknown period", req: MetricsRequest{UserID: "u1", Platform: "instagram", Period: "1y"}},
		{name: "unsupported platform", req: MetricsRequest{UserID: "u1", Platform: "myspace"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.GetMetrics(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestGetComparisonFingerprintsHandles(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()
	req := ComparisonRequest{
		UserID:           "u1",
		OwnDomain:        "https://www.Acme.com/",
		CompetitorDomain: "rival.io",
		Handles:          Handles{OwnInstagram: "@Acme", OwnFacebook: "acme", CompetitorInstagram: "rival"},
	}

	res, err := f.svc.GetComparison(ctx, req)
	require.NoError(t, err)
	require.True(t, res.DataAvailable)
	require.False(t, res.FromCache)
	require.Equal(t, "acme.com", res.Own.Domain)
	require.NotNil(t, res.Own.Audit)
	require.Equal(t, 90, res.Own.Audit.Performance)
	require.Len(t, res.Own.Profiles, 2)
	require.Equal(t, "instagram", res.Own.Profiles[0].Platform)
	require.Equal(t, "acme", res.Own.Profiles[0].Handle)
	require.Equal(t, reconcile.TierPerPost, res.Own.Profiles[0].Engagement.Tier)
	require.EqualValues(t, 15, res.Own.Profiles[0].Engagement.Likes)
	require.InDelta(t, 6.67, res.Own.Profiles[0].Engagement.EngagementRate, 0.001)
	require.Len(t, res.Competitor.Profiles, 1)
	require.EqualValues(t, 3, f.profiles.calls.Load())

	same := req
	same.Handles.OwnInstagram = " acme "
	cached, err := f.svc.GetComparison(ctx, same)
	require.NoError(t, err)
	require.True(t, cached.FromCache, "normalized handles produce the same fingerprint")

	changed := req
	changed.Handles.OwnFacebook = "acme-official"
	refetched, err := f.svc.GetComparison(ctx, changed)
	require.NoError(t, err)
	require.False(t, refetched.FromCache, "a changed handle is a miss regardless of ttl")
	require.EqualValues(t, 6, f.profiles.calls.Load())
	require.Equal(t, 2, f.auditor.total(), "site audits are served from the shared cache")
}

func TestGetComparisonSharesSiteAuditsAcrossUsers(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		res, err := f.svc.GetComparison(ctx, ComparisonRequest{UserID: user, OwnDomain: "acme.com", CompetitorDomain: "rival.io"})
		require.NoError(t, err)
		require.True(t, res.DataAvailable)
		require.False(t, res.FromCache)
	}
	require.Equal(t, 1, f.auditor.calls["acme.com"])
	require.Equal(t, 1, f.auditor.calls["rival.io"])
}

func TestGetComparisonReportsMissingProfiles(t *testing.T) {
	f := newFixture(t, healthyAdapter())

	res, err := f.svc.GetComparison(context.Background(), ComparisonRequest{
		UserID:           "u1",
		OwnDomain:        "acme.com",
		CompetitorDomain: "rival.io",
		Handles:          Handles{OwnInstagram: "acme", CompetitorLinkedIn: "broken"},
	})
	require.NoError(t, err)
	require.True(t, res.DataAvailable)
	require.Equal(t, []string{"competitor_linkedin"}, res.MissingSources)
	require.Empty(t, res.Competitor.Profiles)
}

func TestGetComparisonRejectsInvalidDomains(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	tests := []ComparisonRequest{
		{UserID: "u1", OwnDomain: "not a domain", CompetitorDomain: "rival.io"},
		{UserID: "u1", OwnDomain: "acme.com", CompetitorDomain: "ACME.com"},
		{OwnDomain: "acme.com", CompetitorDomain: "rival.io"},
	}
	for _, req := range tests {
		_, err := f.svc.GetComparison(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestRecommendUsesCachedMetrics(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()

	_, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)

	res, err := f.svc.Recommend(ctx, RecommendRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	require.True(t, res.Available)
	require.True(t, res.MetricsCached)
	require.Equal(t, "heuristic", res.Provider)
	require.NotEmpty(t, res.Items)
	require.EqualValues(t, 1, f.adapter.calls.Load())
}

func TestRecommendReportsUnavailableMetrics(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	f.auth.status = platform.AuthStatus{}

	res, err := f.svc.Recommend(context.Background(), RecommendRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, orchestrator.ReasonNotConnected, res.Reason)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()

	for _, period := range []string{"7d", "30d"} {
		_, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram", Period: period})
		require.NoError(t, err)
	}
	count, err := f.svc.Invalidate(ctx, "u1", "instagram")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	res, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram", Period: "7d"})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.EqualValues(t, 3, f.adapter.calls.Load())

	_, err = f.svc.Invalidate(ctx, "", "instagram")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetCacheStatsCombinesStoreAndFetchLog(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()

	for range 2 {
		_, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
		require.NoError(t, err)
	}
	stats, err := f.svc.GetCacheStats(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Total)
	require.EqualValues(t, 1, stats.Valid)
	require.EqualValues(t, 2, stats.Fetches.Attempts)
	require.EqualValues(t, 1, stats.Fetches.Cached)
	require.EqualValues(t, 1, stats.Fetches.Success)
	require.InDelta(t, 0.5, stats.Fetches.HitRate, 0.001)
	require.Len(t, stats.Recent, 2)
	require.Equal(t, fetchlog.StatusCached, stats.Recent[0].Status)
}

func TestPurgeExpiredAndTTLPolicy(t *testing.T) {
	f := newFixture(t, healthyAdapter())
	ctx := context.Background()
	f.svc.SetPlatformTTLs(map[string]time.Duration{"instagram": 5 * time.Minute, "facebook": 0})

	_, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	purged, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	res, err := f.svc.GetMetrics(ctx, MetricsRequest{UserID: "u1", Platform: "instagram"})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.EqualValues(t, 2, f.adapter.calls.Load())
	require.Equal(t, 5*time.Minute, f.svc.ttlFor("instagram"))
	require.Equal(t, f.svc.currentPolicy().DefaultTTL, f.svc.ttlFor("facebook"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	orch, err := orchestrator.New(orchestrator.Config{Store: cache.NewMemory(nil)})
	require.NoError(t, err)
	_, err = New(Config{Orchestrator: orch})
	require.Error(t, err)
}
