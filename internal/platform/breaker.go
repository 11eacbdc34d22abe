package platform

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/l0p7/socialpulse/internal/metrics"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/reconcile"
	"github.com/l0p7/socialpulse/internal/timeline"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the per-platform circuit breaker. The breaker opens
// once at least MinRequests were seen in Interval and the failure ratio reaches
// FailureRatio; it probes again after Timeout.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

type breakerAdapter struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker[any]
}

// WithBreaker wraps inner so that repeated upstream failures short-circuit
// further calls. Authentication failures and caller cancellation do not count
// towards tripping.
func WithBreaker(inner Adapter, settings BreakerSettings, rec *metrics.Recorder, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultBreakerSettings()
	if settings.MinRequests == 0 {
		settings.MinRequests = defaults.MinRequests
	}
	if settings.FailureRatio <= 0 {
		settings.FailureRatio = defaults.FailureRatio
	}
	name := "platform:" + inner.Platform()
	rec.SetBreakerState(name, metrics.BreakerClosed)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			rec.SetBreakerState(name, breakerGauge(to))
			logger.Warn("circuit breaker state changed",
				slog.String("agent", "breaker"),
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, orchestrator.ErrNotConnected) ||
				errors.Is(err, orchestrator.ErrTokenExpired) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &breakerAdapter{inner: inner, cb: cb}
}

func breakerGauge(state gobreaker.State) metrics.BreakerState {
	switch state {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

func execute[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, orchestrator.Upstream(cb.Name(), err)
		}
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (b *breakerAdapter) Platform() string { return b.inner.Platform() }

func (b *breakerAdapter) FetchAggregate(ctx context.Context, token string, w Window) (*reconcile.AggregateSource, error) {
	return execute(b.cb, func() (*reconcile.AggregateSource, error) {
		return b.inner.FetchAggregate(ctx, token, w)
	})
}

func (b *breakerAdapter) FetchPosts(ctx context.Context, token string, w Window) (*reconcile.PerPostSource, error) {
	return execute(b.cb, func() (*reconcile.PerPostSource, error) {
		return b.inner.FetchPosts(ctx, token, w)
	})
}

func (b *breakerAdapter) FetchFollowerTotal(ctx context.Context, token string) (int64, error) {
	return execute(b.cb, func() (int64, error) {
		return b.inner.FetchFollowerTotal(ctx, token)
	})
}

func (b *breakerAdapter) FetchFollowerDeltas(ctx context.Context, token string, w Window) ([]timeline.DailyDelta, error) {
	return execute(b.cb, func() ([]timeline.DailyDelta, error) {
		return b.inner.FetchFollowerDeltas(ctx, token, w)
	})
}
