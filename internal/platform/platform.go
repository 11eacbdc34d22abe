// Package platform defines the collaborators the service depends on for raw
// analytics and credentials, and the plumbing that calls them: settle-all
// collection, circuit breaking and an HTTP bridge client.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/reconcile"
	"github.com/l0p7/socialpulse/internal/timeline"
)

// Window is the half-open time range analytics are requested for.
type Window struct {
	Since time.Time
	Until time.Time
}

// Adapter fetches raw analytics for one platform. A nil result with a nil
// error means the source has nothing for the window; for follower deltas it
// means the delta API is unavailable.
type Adapter interface {
	Platform() string
	FetchAggregate(ctx context.Context, token string, w Window) (*reconcile.AggregateSource, error)
	FetchPosts(ctx context.Context, token string, w Window) (*reconcile.PerPostSource, error)
	FetchFollowerTotal(ctx context.Context, token string) (int64, error)
	FetchFollowerDeltas(ctx context.Context, token string, w Window) ([]timeline.DailyDelta, error)
}

// AuthStatus describes a user's credentials for a platform.
type AuthStatus struct {
	Connected bool      `json:"connected"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Check converts the status into ErrNotConnected or ErrTokenExpired when the
// credentials cannot be used at now.
func (s AuthStatus) Check(now time.Time) error {
	if !s.Connected || s.Token == "" {
		return orchestrator.ErrNotConnected
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return orchestrator.ErrTokenExpired
	}
	return nil
}

// Authenticator reports credential state per user and platform.
type Authenticator interface {
	Status(ctx context.Context, userID, platform string) (AuthStatus, error)
}

// SiteAudit holds Lighthouse category scores for a domain.
type SiteAudit struct {
	Domain        string    `json:"domain"`
	Performance   int       `json:"performance"`
	Accessibility int       `json:"accessibility"`
	BestPractices int       `json:"bestPractices"`
	SEO           int       `json:"seo"`
	FetchedAt     time.Time `json:"fetchedAt,omitzero"`
}

// SiteAuditor runs or retrieves a site audit.
type SiteAuditor interface {
	Audit(ctx context.Context, domain string) (SiteAudit, error)
}

// Profile is the public view of a social handle.
type Profile struct {
	Platform  string           `json:"platform"`
	Handle    string           `json:"handle"`
	Followers int64            `json:"followers"`
	Posts     []reconcile.Post `json:"posts"`
}

// ProfileSource looks up public profiles by handle.
type ProfileSource interface {
	Profile(ctx context.Context, platform, handle string) (Profile, error)
}

// Registry resolves adapters by platform name.
type Registry map[string]Adapter

// NewRegistry indexes adapters by their Platform name.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Platform()] = a
	}
	return r
}

// Lookup returns the adapter for platform.
func (r Registry) Lookup(platform string) (Adapter, error) {
	a, ok := r[platform]
	if !ok {
		return nil, fmt.Errorf("platform: unsupported platform %q", platform)
	}
	return a, nil
}
