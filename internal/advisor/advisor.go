// Package advisor produces content recommendations from a metrics snapshot.
// Remote recommenders are wrapped with a bounded retry that only fires for
// failures the configured classifier deems transient.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/l0p7/socialpulse/internal/expr"
	"github.com/l0p7/socialpulse/internal/reconcile"
)

// Input is the metrics snapshot a recommendation is based on.
type Input struct {
	Platform        string                     `json:"platform"`
	Period          string                     `json:"period"`
	EngagementRate  float64                    `json:"engagementRate"`
	EngagementScore int                        `json:"engagementScore"`
	RateSource      reconcile.RateSource       `json:"rateSource"`
	FollowerNetGain int64                      `json:"followerNetGain"`
	SyntheticGrowth bool                       `json:"syntheticGrowth"`
	TopPosts        []reconcile.PostAllocation `json:"topPosts,omitempty"`
}

// Recommendation is an ordered list of suggestions.
type Recommendation struct {
	Provider    string    `json:"provider"`
	Items       []string  `json:"items"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Recommender produces recommendations.
type Recommender interface {
	Recommend(ctx context.Context, in Input) (Recommendation, error)
}

// ProviderError is a failure reported by a remote recommender.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Details  map[string]any
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("advisor: %s returned %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("advisor: %s: %s", e.Provider, e.Message)
}

// Defaults for RetryConfig.
const (
	DefaultAttempts = 2
	DefaultBackoff  = 2 * time.Second
)

// RetryConfig bounds WithRetry.
type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	Classifier *expr.Classifier
	Logger     *slog.Logger
}

type retrying struct {
	inner      Recommender
	attempts   int
	backoff    time.Duration
	classifier *expr.Classifier
	logger     *slog.Logger
}

// WithRetry retries inner with a fixed backoff while the classifier reports
// the failure as transient. Without a classifier nothing is retried.
func WithRetry(inner Recommender, cfg RetryConfig) Recommender {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	wait := cfg.Backoff
	if wait <= 0 {
		wait = DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{
		inner:      inner,
		attempts:   attempts,
		backoff:    wait,
		classifier: cfg.Classifier,
		logger:     logger.With(slog.String("agent", "advisor")),
	}
}

func (r *retrying) Recommend(ctx context.Context, in Input) (Recommendation, error) {
	attempt := 0
	op := func() (Recommendation, error) {
		attempt++
		rec, err := r.inner.Recommend(ctx, in)
		if err == nil {
			return rec, nil
		}
		if !r.transient(err, attempt) {
			return Recommendation{}, backoff.Permanent(err)
		}
		return Recommendation{}, err
	}
	rec, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.backoff)),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("recommendation failed, retrying",
				slog.Any("error", err),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
			)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return Recommendation{}, err
	}
	return rec, nil
}

func (r *retrying) transient(err error, attempt int) bool {
	if r.classifier == nil {
		return false
	}
	failure := expr.Failure{Message: err.Error(), Attempt: attempt}
	var perr *ProviderError
	if errors.As(err, &perr) {
		failure.Status = perr.Status
		failure.Message = perr.Message
		failure.Provider = perr.Provider
		failure.Details = perr.Details
	}
	ok, cerr := r.classifier.Transient(failure)
	if cerr != nil {
		r.logger.Error("transient classifier failed", slog.Any("error", cerr))
		return false
	}
	return ok
}
