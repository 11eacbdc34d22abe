package service

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/socialpulse/internal/cache"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/platform"
	"github.com/l0p7/socialpulse/internal/reconcile"
)

// Handles are the social accounts compared alongside the two domains. Empty
// handles are skipped.
type Handles struct {
	OwnInstagram        string `json:"ownInstagram,omitempty" validate:"max=64"`
	OwnFacebook         string `json:"ownFacebook,omitempty" validate:"max=64"`
	OwnLinkedIn         string `json:"ownLinkedIn,omitempty" validate:"max=64"`
	CompetitorInstagram string `json:"competitorInstagram,omitempty" validate:"max=64"`
	CompetitorFacebook  string `json:"competitorFacebook,omitempty" validate:"max=64"`
	CompetitorLinkedIn  string `json:"competitorLinkedIn,omitempty" validate:"max=64"`
}

// ComparisonRequest selects a competitor comparison.
type ComparisonRequest struct {
	UserID           string `validate:"required,max=128"`
	OwnDomain        string `validate:"required,fqdn"`
	CompetitorDomain string `validate:"required,fqdn,nefield=OwnDomain"`
	Handles          Handles
	ForceRefresh     bool
}

// ProfileSummary is one handle's public profile reconciled from its posts.
type ProfileSummary struct {
	Platform   string            `json:"platform"`
	Handle     string            `json:"handle"`
	Followers  int64             `json:"followers"`
	Engagement reconcile.Summary `json:"engagement"`
	Score      int               `json:"score"`
}

// Side groups everything gathered for one domain.
type Side struct {
	Domain   string              `json:"domain"`
	Audit    *platform.SiteAudit `json:"audit,omitempty"`
	Profiles []ProfileSummary    `json:"profiles"`
}

// ComparisonResult contrasts the user's presence with a competitor's.
type ComparisonResult struct {
	DataAvailable   bool      `json:"dataAvailable"`
	UserID          string    `json:"userId"`
	Own             Side      `json:"own"`
	Competitor      Side      `json:"competitor"`
	MissingSources  []string  `json:"missingSources,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	FromCache       bool      `json:"fromCache"`
	CacheAgeSeconds *int64    `json:"cacheAgeSeconds,omitempty"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

type profileRef struct {
	source   string
	own      bool
	platform string
	handle   string
}

// GetComparison returns site audits and profile summaries for both domains.
// The cached result is keyed by the domain pair and fingerprinted on every
// normalized identity attribute, so changing a handle forces a refetch.
func (s *Service) GetComparison(ctx context.Context, req ComparisonRequest) (ComparisonResult, error) {
	req.OwnDomain = normalizeDomain(req.OwnDomain)
	req.CompetitorDomain = normalizeDomain(req.CompetitorDomain)
	if err := validate.Struct(req); err != nil {
		return ComparisonResult{}, invalid(err)
	}
	if s.auditor == nil && s.profiles == nil {
		return ComparisonResult{}, errors.New("service: comparison sources not configured")
	}
	h := req.Handles
	fingerprint := cache.Fingerprint(
		req.OwnDomain, req.CompetitorDomain,
		h.OwnInstagram, h.OwnFacebook, h.OwnLinkedIn,
		h.CompetitorInstagram, h.CompetitorFacebook, h.CompetitorLinkedIn,
	)

	out := orchestrator.GetOrFetch(ctx, s.orch, orchestrator.Request{
		Key: cache.Key{
			UserID:   req.UserID,
			Platform: PlatformComparison,
			Scope:    req.OwnDomain + "|" + req.CompetitorDomain,
		},
		TTL:          s.currentPolicy().ComparisonTTL,
		Fingerprint:  fingerprint,
		ForceRefresh: req.ForceRefresh,
		FetchType:    "comparison",
	}, func(ctx context.Context) (ComparisonResult, int, error) {
		return s.fetchComparison(ctx, req)
	})
	if out.Err != nil {
		return ComparisonResult{
			UserID:      req.UserID,
			Own:         Side{Domain: req.OwnDomain, Profiles: []ProfileSummary{}},
			Competitor:  Side{Domain: req.CompetitorDomain, Profiles: []ProfileSummary{}},
			Reason:      out.Reason,
			GeneratedAt: s.clock().UTC(),
		}, nil
	}
	result := out.Value
	result.FromCache = out.CacheHit
	result.CacheAgeSeconds = cacheAgeSeconds(out.CacheHit, out.Age)
	return result, nil
}

func (s *Service) fetchComparison(ctx context.Context, req ComparisonRequest) (ComparisonResult, int, error) {
	result := ComparisonResult{
		DataAvailable: true,
		UserID:        req.UserID,
		Own:           Side{Domain: req.OwnDomain, Profiles: []ProfileSummary{}},
		Competitor:    Side{Domain: req.CompetitorDomain, Profiles: []ProfileSummary{}},
		GeneratedAt:   s.clock().UTC(),
	}

	var (
		mu      sync.Mutex
		sources []platform.Source
	)
	if s.auditor != nil {
		for _, side := range []*Side{&result.Own, &result.Competitor} {
			name := "audit_own"
			if side == &result.Competitor {
				name = "audit_competitor"
			}
			sources = append(sources, platform.Source{Name: name, Run: func(ctx context.Context) error {
				audit, err := s.siteAudit(ctx, side.Domain, req.ForceRefresh)
				if err != nil {
					return err
				}
				side.Audit = &audit
				return nil
			}})
		}
	}
	if s.profiles != nil {
		for _, ref := range profileRefs(req.Handles) {
			side := &result.Competitor
			if ref.own {
				side = &result.Own
			}
			sources = append(sources, platform.Source{Name: ref.source, Run: func(ctx context.Context) error {
				profile, err := s.profiles.Profile(ctx, ref.platform, ref.handle)
				if err != nil {
					return err
				}
				summary := summarizeProfile(ref, profile)
				mu.Lock()
				side.Profiles = append(side.Profiles, summary)
				mu.Unlock()
				return nil
			}})
		}
	}

	report := platform.Collect(ctx, s.currentPolicy().SourceTimeout, s.logger, sources...)
	if err := report.Err(); err != nil {
		return ComparisonResult{}, 0, err
	}
	sortProfiles(result.Own.Profiles)
	sortProfiles(result.Competitor.Profiles)
	result.MissingSources = report.Missing
	return result, len(report.Succeeded), nil
}

// siteAudit serves audits from the shared cache so every user comparing the
// same domain reuses one result.
func (s *Service) siteAudit(ctx context.Context, domain string, force bool) (platform.SiteAudit, error) {
	out := orchestrator.GetOrFetch(ctx, s.orch, orchestrator.Request{
		Key:          cache.Key{UserID: sharedUserID, Platform: PlatformLighthouse, Scope: domain},
		TTL:          s.currentPolicy().SiteAuditTTL,
		ForceRefresh: force,
		FetchType:    "site_audit",
	}, func(ctx context.Context) (platform.SiteAudit, int, error) {
		audit, err := s.auditor.Audit(ctx, domain)
		if err != nil {
			return platform.SiteAudit{}, 0, err
		}
		if audit.Domain == "" {
			audit.Domain = domain
		}
		if audit.FetchedAt.IsZero() {
			audit.FetchedAt = s.clock().UTC()
		}
		return audit, 1, nil
	})
	return out.Value, out.Err
}

func profileRefs(h Handles) []profileRef {
	all := []profileRef{
		{source: "own_instagram", own: true, platform: "instagram", handle: h.OwnInstagram},
		{source: "own_facebook", own: true, platform: "facebook", handle: h.OwnFacebook},
		{source: "own_linkedin", own: true, platform: "linkedin", handle: h.OwnLinkedIn},
		{source: "competitor_instagram", platform: "instagram", handle: h.CompetitorInstagram},
		{source: "competitor_facebook", platform: "facebook", handle: h.CompetitorFacebook},
		{source: "competitor_linkedin", platform: "linkedin", handle: h.CompetitorLinkedIn},
	}
	refs := all[:0]
	for _, ref := range all {
		if handle, ok := cache.NormalizeIdentity(ref.handle); ok {
			ref.handle = handle
			refs = append(refs, ref)
		}
	}
	return refs
}

func summarizeProfile(ref profileRef, profile platform.Profile) ProfileSummary {
	reconciled := reconcile.Reconcile(nil, &reconcile.PerPostSource{Posts: profile.Posts})
	return ProfileSummary{
		Platform:   ref.platform,
		Handle:     ref.handle,
		Followers:  profile.Followers,
		Engagement: reconciled.Summary,
		Score:      reconciled.Score,
	}
}

var platformOrder = map[string]int{"instagram": 0, "facebook": 1, "linkedin": 2}

func sortProfiles(profiles []ProfileSummary) {
	slices.SortStableFunc(profiles, func(a, b ProfileSummary) int {
		return cmp.Compare(platformOrder[a.Platform], platformOrder[b.Platform])
	})
}

func normalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}
