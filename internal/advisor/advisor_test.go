package advisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/socialpulse/internal/expr"
	"github.com/l0p7/socialpulse/internal/reconcile"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	calls atomic.Int32
	errs  []error
}

func (s *scripted) Recommend(context.Context, Input) (Recommendation, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return Recommendation{}, s.errs[n]
	}
	return Recommendation{Provider: "scripted", Items: []string{"ok"}}, nil
}

func classifier(t *testing.T) *expr.Classifier {
	t.Helper()
	c, err := expr.NewClassifier("")
	require.NoError(t, err)
	return c
}

func TestWithRetryRetriesTransientOnce(t *testing.T) {
	inner := &scripted{errs: []error{&ProviderError{Provider: "p", Status: 529, Message: "overloaded"}}}
	rec := WithRetry(inner, RetryConfig{Attempts: 2, Backoff: time.Millisecond, Classifier: classifier(t)})

	out, err := rec.Recommend(context.Background(), Input{Platform: "instagram"})
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, out.Items)
	require.EqualValues(t, 2, inner.calls.Load())
}

func TestWithRetryIsBounded(t *testing.T) {
	overloaded := &ProviderError{Provider: "p", Status: 503, Message: "busy"}
	inner := &scripted{errs: []error{overloaded, overloaded, overloaded}}
	rec := WithRetry(inner, RetryConfig{Attempts: 2, Backoff: time.Millisecond, Classifier: classifier(t)})

	_, err := rec.Recommend(context.Background(), Input{})
	require.ErrorIs(t, err, overloaded)
	require.EqualValues(t, 2, inner.calls.Load())
}

func TestWithRetrySkipsPermanentFailures(t *testing.T) {
	badRequest := &ProviderError{Provider: "p", Status: 400, Message: "invalid"}
	inner := &scripted{errs: []error{badRequest}}
	rec := WithRetry(inner, RetryConfig{Attempts: 3, Backoff: time.Millisecond, Classifier: classifier(t)})

	_, err := rec.Recommend(context.Background(), Input{})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 400, perr.Status)
	require.EqualValues(t, 1, inner.calls.Load())
}

func TestWithRetryWithoutClassifierNeverRetries(t *testing.T) {
	inner := &scripted{errs: []error{errors.New("boom")}}
	rec := WithRetry(inner, RetryConfig{Attempts: 5, Backoff: time.Millisecond})

	_, err := rec.Recommend(context.Background(), Input{})
	require.EqualError(t, err, "boom")
	require.EqualValues(t, 1, inner.calls.Load())
}

func TestHTTPRecommender(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		if hits.Add(1) == 1 {
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":["post reels on tuesdays"]}`))
	}))
	defer server.Close()

	remote, err := NewHTTP(server.URL, time.Second)
	require.NoError(t, err)

	_, err = remote.Recommend(context.Background(), Input{Platform: "instagram"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 529, perr.Status)
	require.Equal(t, "Overloaded", perr.Message)
	require.Equal(t, "overloaded_error", perr.Details["type"])

	hits.Store(0)
	out, err := WithRetry(remote, RetryConfig{Backoff: time.Millisecond, Classifier: classifier(t)}).
		Recommend(context.Background(), Input{Platform: "instagram"})
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
	require.Equal(t, "http", out.Provider)
	require.Equal(t, []string{"post reels on tuesdays"}, out.Items)
	require.False(t, out.GeneratedAt.IsZero())

	_, err = NewHTTP(" ", 0)
	require.Error(t, err)
}

func TestHeuristic(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	h := Heuristic{Clock: func() time.Time { return now }}

	out, err := h.Recommend(context.Background(), Input{
		Platform:        "linkedin",
		EngagementScore: 20,
		RateSource:      reconcile.RateEstimated,
		SyntheticGrowth: true,
		TopPosts:        []reconcile.PostAllocation{{Post: reconcile.Post{Caption: "Launch day"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "heuristic", out.Provider)
	require.Equal(t, now, out.GeneratedAt)
	require.Len(t, out.Items, 4)
	require.Contains(t, out.Items[0], "below 2%")
	require.Contains(t, out.Items[3], "Launch day")
}
