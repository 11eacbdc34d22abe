// Package reconcile turns aggregate and per-post analytics into one engagement
// summary, per-post allocations and a 0-100 score. Everything here is pure.
package reconcile

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// EstimatedReachMultiplier derives a heuristic reach from raw engagement when
// no denominator is available. 15x corresponds to a ~6.7% baseline rate.
const EstimatedReachMultiplier = 15

// AggregateSource holds organization or page wide totals.
type AggregateSource struct {
	Likes       int64 `json:"likes"`
	Comments    int64 `json:"comments"`
	Shares      int64 `json:"shares"`
	Clicks      int64 `json:"clicks"`
	Impressions int64 `json:"impressions"`
	Reach       int64 `json:"reach"`
}

// Post is one post's raw analytics. Any metric may be zero.
type Post struct {
	ID          string    `json:"id"`
	Caption     string    `json:"caption,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitzero"`
	Likes       int64     `json:"likes"`
	Comments    int64     `json:"comments"`
	Shares      int64     `json:"shares"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	Reach       int64     `json:"reach"`
}

// Engagement is likes + comments + shares.
func (p Post) Engagement() int64 {
	return p.Likes + p.Comments + p.Shares
}

// PerPostSource is the list of posts returned for a window.
type PerPostSource struct {
	Posts []Post `json:"posts"`
}

// RateSource records which denominator produced the engagement rate.
type RateSource string

const (
	RateFromImpressions RateSource = "FROM_IMPRESSIONS"
	RateFromReach       RateSource = "FROM_REACH"
	RateEstimated       RateSource = "ESTIMATED"
)

// Tier records where the summary totals came from.
type Tier string

const (
	TierAggregate Tier = "aggregate"
	TierPerPost   Tier = "per_post"
	TierNone      Tier = "none"
)

// Summary is the normalized engagement view of one platform and window.
type Summary struct {
	Tier            Tier       `json:"tier"`
	Likes           int64      `json:"likes"`
	Comments        int64      `json:"comments"`
	Shares          int64      `json:"shares"`
	Clicks          int64      `json:"clicks"`
	Impressions     int64      `json:"impressions"`
	Reach           int64      `json:"reach"`
	TotalEngagement int64      `json:"totalEngagement"`
	EngagementRate  float64    `json:"engagementRate"`
	RateSource      RateSource `json:"rateSource"`
	// EstimatedReach is the heuristic denominator used by RateEstimated.
	EstimatedReach int64 `json:"estimatedReach,omitempty"`
}

// PostAllocation is a post with displayable reach, impressions and clicks.
// Allocated is set when those figures were distributed from aggregate totals
// rather than measured on the post.
type PostAllocation struct {
	Post
	Engagement int64 `json:"engagement"`
	Allocated  bool  `json:"allocated"`
}

// Result bundles the output of Reconcile.
type Result struct {
	Summary Summary          `json:"summary"`
	Posts   []PostAllocation `json:"posts"`
	Score   int              `json:"score"`
}

// Reconcile selects totals by tier, allocates aggregate figures across posts
// and scores the resulting rate. Nil sources are treated as unavailable.
//
// Tier 1 uses the aggregate verbatim when it reports impressions. Otherwise
// the per-post sum is used; when no posts were returned either, a present
// aggregate without impressions is still preferred to nothing.
func Reconcile(agg *AggregateSource, posts *PerPostSource) Result {
	var (
		summary Summary
		allocs  []PostAllocation
	)
	switch {
	case agg != nil && agg.Impressions > 0:
		summary = fromAggregate(*agg)
		if posts != nil {
			allocs = allocate(summary, posts.Posts)
		}
	case posts != nil:
		summary = fromPosts(posts.Posts)
		allocs = measured(posts.Posts)
	case agg != nil:
		summary = fromAggregate(*agg)
	default:
		summary = Summary{Tier: TierNone}
	}

	summary.TotalEngagement = summary.Likes + summary.Comments + summary.Shares
	summary.EngagementRate, summary.RateSource, summary.EstimatedReach = EngagementRate(summary)

	return Result{
		Summary: summary,
		Posts:   allocs,
		Score:   Score(summary.EngagementRate),
	}
}

func fromAggregate(agg AggregateSource) Summary {
	return Summary{
		Tier:        TierAggregate,
		Likes:       agg.Likes,
		Comments:    agg.Comments,
		Shares:      agg.Shares,
		Clicks:      agg.Clicks,
		Impressions: agg.Impressions,
		Reach:       agg.Reach,
	}
}

func fromPosts(posts []Post) Summary {
	s := Summary{Tier: TierPerPost}
	for _, p := range posts {
		s.Likes += p.Likes
		s.Comments += p.Comments
		s.Shares += p.Shares
		s.Clicks += p.Clicks
		s.Impressions += p.Impressions
		s.Reach += p.Reach
	}
	return s
}

func measured(posts []Post) []PostAllocation {
	out := make([]PostAllocation, len(posts))
	for i, p := range posts {
		out[i] = PostAllocation{Post: p, Engagement: p.Engagement()}
	}
	return out
}

func allocate(totals Summary, posts []Post) []PostAllocation {
	if len(posts) == 0 {
		return nil
	}
	weights := make([]int64, len(posts))
	for i, p := range posts {
		weights[i] = p.Engagement()
	}
	reach := Allocate(totals.Reach, weights)
	impressions := Allocate(totals.Impressions, weights)
	clicks := Allocate(totals.Clicks, weights)

	out := make([]PostAllocation, len(posts))
	for i, p := range posts {
		p.Reach = reach[i]
		p.Impressions = impressions[i]
		p.Clicks = clicks[i]
		out[i] = PostAllocation{Post: p, Engagement: weights[i], Allocated: true}
	}
	return out
}

// Allocate distributes total across weights proportionally, rounding each
// share to the nearest integer. When every weight is zero the total is split
// evenly with integer division. The sum of the shares differs from total by at
// most len(weights).
func Allocate(total int64, weights []int64) []int64 {
	if len(weights) == 0 {
		return nil
	}
	var sum int64
	for _, w := range weights {
		sum += max(w, 0)
	}
	out := make([]int64, len(weights))
	if sum == 0 {
		even := total / int64(len(weights))
		for i := range out {
			out[i] = even
		}
		return out
	}
	for i, w := range weights {
		out[i] = int64(math.Round(float64(total) * float64(max(w, 0)) / float64(sum)))
	}
	return out
}

// EngagementRate evaluates the rate tiers top-down and returns the rate as a
// percentage rounded to two decimals, its source and, for estimates, the
// heuristic reach it was computed against.
func EngagementRate(s Summary) (float64, RateSource, int64) {
	engagement := s.Likes + s.Comments + s.Shares
	switch {
	case s.Impressions > 0:
		return round2(float64(engagement+s.Clicks) / float64(s.Impressions) * 100), RateFromImpressions, 0
	case s.Reach > 0:
		return round2(float64(engagement) / float64(s.Reach) * 100), RateFromReach, 0
	}
	estimated := engagement * EstimatedReachMultiplier
	if estimated <= 0 {
		return 0, RateEstimated, 0
	}
	rate := float64(engagement) / float64(estimated) * 100
	return round2(clampEstimate(rate)), RateEstimated, estimated
}

// clampEstimate pulls implausible estimates into a presentable band using
// fixed band midpoints.
func clampEstimate(rate float64) float64 {
	switch {
	case rate > 10:
		return 6.5
	case rate > 0 && rate < 0.5:
		return 1.0
	default:
		return rate
	}
}

// Score maps a rate percentage onto 0-100 with a monotonic piecewise-linear
// band, rounded to the nearest integer.
func Score(rate float64) int {
	if math.IsNaN(rate) || rate <= 0 {
		return 0
	}
	var score float64
	switch {
	case rate <= 2:
		score = rate / 2 * 40
	case rate <= 5:
		score = 40 + (rate-2)/3*30
	case rate <= 8:
		score = 70 + (rate-5)/3*20
	default:
		score = math.Min(90+(rate-8)/2*10, 100)
	}
	return int(math.Round(score))
}

// Top returns up to n posts ordered by engagement, highest first. Ties keep
// their input order.
func Top(posts []PostAllocation, n int) []PostAllocation {
	out := slices.Clone(posts)
	slices.SortStableFunc(out, func(a, b PostAllocation) int {
		return cmp.Compare(b.Engagement, a.Engagement)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
