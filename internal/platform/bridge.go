package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/reconcile"
	"github.com/l0p7/socialpulse/internal/templates"
	"github.com/l0p7/socialpulse/internal/timeline"
)

// Route names understood by the bridge.
const (
	RouteAuth           = "auth"
	RouteAggregate      = "aggregate"
	RoutePosts          = "posts"
	RouteFollowerTotal  = "followerTotal"
	RouteFollowerDeltas = "followerDeltas"
	RouteSiteAudit      = "siteAudit"
	RouteProfile        = "profile"
)

// DefaultRoutes are the bridge paths used when none are configured.
func DefaultRoutes() map[string]string {
	return map[string]string{
		RouteAuth:           "/v1/users/{{ segment .userID }}/connections/{{ .platform }}",
		RouteAggregate:      "/v1/{{ .platform }}/aggregate?since={{ .since }}&until={{ .until }}",
		RoutePosts:          "/v1/{{ .platform }}/posts?since={{ .since }}&until={{ .until }}",
		RouteFollowerTotal:  "/v1/{{ .platform }}/followers/total",
		RouteFollowerDeltas: "/v1/{{ .platform }}/followers/daily?since={{ .since }}&until={{ .until }}",
		RouteSiteAudit:      "/v1/audits/{{ segment .domain }}",
		RouteProfile:        "/v1/{{ .platform }}/profiles/{{ segment .handle }}",
	}
}

// BridgeConfig configures the HTTP bridge client.
type BridgeConfig struct {
	BaseURL string
	Timeout time.Duration
	Routes  map[string]string
	Client  *http.Client
}

// Bridge talks JSON to a sidecar that fronts the platform APIs. It implements
// Authenticator, SiteAuditor and ProfileSource and hands out per-platform
// Adapters.
type Bridge struct {
	baseURL string
	client  *http.Client
	routes  map[string]*templates.Template
}

// NewBridge compiles the route templates and prepares the HTTP client.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("platform: bridge base url required")
	}
	sources := DefaultRoutes()
	for name, src := range cfg.Routes {
		if strings.TrimSpace(src) != "" {
			sources[name] = src
		}
	}
	routes, err := templates.NewRenderer().CompileSet(sources)
	if err != nil {
		return nil, fmt.Errorf("platform: compile bridge routes: %w", err)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Bridge{baseURL: base, client: client, routes: routes}, nil
}

// Adapter returns the bridge-backed Adapter for platform.
func (b *Bridge) Adapter(platform string) Adapter {
	return &bridgeAdapter{bridge: b, platform: platform}
}

// Status implements Authenticator.
func (b *Bridge) Status(ctx context.Context, userID, platform string) (AuthStatus, error) {
	var status AuthStatus
	found, err := b.get(ctx, RouteAuth, "", map[string]any{"userID": userID, "platform": platform}, &status)
	if err != nil {
		return AuthStatus{}, err
	}
	if !found {
		return AuthStatus{}, nil
	}
	return status, nil
}

// Audit implements SiteAuditor.
func (b *Bridge) Audit(ctx context.Context, domain string) (SiteAudit, error) {
	var audit SiteAudit
	found, err := b.get(ctx, RouteSiteAudit, "", map[string]any{"domain": domain}, &audit)
	if err != nil {
		return SiteAudit{}, err
	}
	if !found {
		return SiteAudit{}, orchestrator.Upstream(RouteSiteAudit, fmt.Errorf("no audit for %s", domain))
	}
	if audit.Domain == "" {
		audit.Domain = domain
	}
	return audit, nil
}

// Profile implements ProfileSource.
func (b *Bridge) Profile(ctx context.Context, platform, handle string) (Profile, error) {
	var profile Profile
	found, err := b.get(ctx, RouteProfile, "", map[string]any{"platform": platform, "handle": handle}, &profile)
	if err != nil {
		return Profile{}, err
	}
	if !found {
		return Profile{}, orchestrator.Upstream(RouteProfile, fmt.Errorf("profile %s/%s not found", platform, handle))
	}
	profile.Platform, profile.Handle = platform, handle
	return profile, nil
}

// get renders route, performs the request and decodes into out. It reports
// false without error when the bridge answers 204 or 404.
func (b *Bridge) get(ctx context.Context, route, token string, data map[string]any, out any) (bool, error) {
	path, err := b.routes[route].Render(data)
	if err != nil {
		return false, fmt.Errorf("platform: render %s route: %w", route, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("platform: build %s request: %w", route, err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, orchestrator.Upstream(route, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, orchestrator.ErrTokenExpired
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, orchestrator.Upstream(route, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, orchestrator.Upstream(route, fmt.Errorf("decode response: %w", err))
	}
	return true, nil
}

type bridgeAdapter struct {
	bridge   *Bridge
	platform string
}

func (a *bridgeAdapter) Platform() string { return a.platform }

func (a *bridgeAdapter) windowData(w Window) map[string]any {
	return map[string]any{
		"platform": a.platform,
		"since":    w.Since.UTC().Format(time.DateOnly),
		"until":    w.Until.UTC().Format(time.DateOnly),
	}
}

func (a *bridgeAdapter) FetchAggregate(ctx context.Context, token string, w Window) (*reconcile.AggregateSource, error) {
	var agg reconcile.AggregateSource
	found, err := a.bridge.get(ctx, RouteAggregate, token, a.windowData(w), &agg)
	if err != nil || !found {
		return nil, err
	}
	return &agg, nil
}

func (a *bridgeAdapter) FetchPosts(ctx context.Context, token string, w Window) (*reconcile.PerPostSource, error) {
	var posts reconcile.PerPostSource
	found, err := a.bridge.get(ctx, RoutePosts, token, a.windowData(w), &posts)
	if err != nil || !found {
		return nil, err
	}
	return &posts, nil
}

func (a *bridgeAdapter) FetchFollowerTotal(ctx context.Context, token string) (int64, error) {
	var body struct {
		Total int64 `json:"total"`
	}
	found, err := a.bridge.get(ctx, RouteFollowerTotal, token, map[string]any{"platform": a.platform}, &body)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, orchestrator.Upstream(RouteFollowerTotal, errors.New("follower total unavailable"))
	}
	return body.Total, nil
}

func (a *bridgeAdapter) FetchFollowerDeltas(ctx context.Context, token string, w Window) ([]timeline.DailyDelta, error) {
	var body struct {
		Deltas []timeline.DailyDelta `json:"deltas"`
	}
	found, err := a.bridge.get(ctx, RouteFollowerDeltas, token, a.windowData(w), &body)
	if err != nil || !found {
		return nil, err
	}
	if body.Deltas == nil {
		body.Deltas = []timeline.DailyDelta{}
	}
	slices.SortStableFunc(body.Deltas, func(x, y timeline.DailyDelta) int {
		return y.Date.Compare(x.Date)
	})
	return body.Deltas, nil
}
