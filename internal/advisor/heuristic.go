package advisor

import (
	"context"
	"fmt"
	"time"

	"github.com/l0p7/socialpulse/internal/reconcile"
)

// Heuristic derives recommendations locally from the score band. It is used
// when no remote recommender is configured.
type Heuristic struct {
	Clock func() time.Time
}

func (h Heuristic) Recommend(_ context.Context, in Input) (Recommendation, error) {
	var items []string
	switch {
	case in.EngagementScore < 40:
		items = append(items, fmt.Sprintf("Engagement on %s is below 2%%; test shorter captions with a direct question to invite comments.", in.Platform))
	case in.EngagementScore < 70:
		items = append(items, fmt.Sprintf("Engagement on %s is healthy; double down on the formats of your top posts.", in.Platform))
	default:
		items = append(items, fmt.Sprintf("Engagement on %s is strong; increase posting frequency while the audience is responsive.", in.Platform))
	}
	if in.RateSource == reconcile.RateEstimated {
		items = append(items, "Reach and impressions are unavailable, so the rate is estimated; connect analytics permissions for measured figures.")
	}
	if in.SyntheticGrowth {
		items = append(items, "Daily follower history is unavailable; the growth curve shown is an estimate.")
	} else if in.FollowerNetGain <= 0 {
		items = append(items, "Follower count is flat or shrinking this period; collaborate with adjacent accounts to reach new audiences.")
	}
	if len(in.TopPosts) > 0 && in.TopPosts[0].Caption != "" {
		items = append(items, fmt.Sprintf("Your best post this period was %q; reuse its hook in upcoming content.", in.TopPosts[0].Caption))
	}

	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}
	return Recommendation{Provider: "heuristic", Items: items, GeneratedAt: now().UTC()}, nil
}
