// Package orchestrator implements cache-aside around platform fetches. Concurrent
// misses for the same key and fingerprint share one upstream fetch and one
// cache write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/l0p7/socialpulse/internal/cache"
	"github.com/l0p7/socialpulse/internal/fetchlog"
	"github.com/l0p7/socialpulse/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when a Request carries no TTL.
const DefaultTTL = 60 * time.Minute

// Orchestrator coordinates the cache store, the fetch log and upstream fetches.
type Orchestrator struct {
	store   cache.Store
	log     fetchlog.Log
	metrics *metrics.Recorder
	logger  *slog.Logger
	clock   func() time.Time

	group singleflight.Group
}

// Config wires the orchestrator's collaborators. Log, Metrics, Logger and
// Clock are optional.
type Config struct {
	Store   cache.Store
	Log     fetchlog.Log
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   func() time.Time
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: cache store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		store:   cfg.Store,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		logger:  logger.With(slog.String("agent", "orchestrator")),
		clock:   clock,
	}, nil
}

// Store exposes the underlying cache store for maintenance operations.
func (o *Orchestrator) Store() cache.Store { return o.store }

// Request describes one cache-aside lookup.
type Request struct {
	Key          cache.Key
	TTL          time.Duration
	Fingerprint  string
	ForceRefresh bool
	FetchType    string
}

// Outcome is the result of GetOrFetch. Err is set when no value could be
// produced; Reason carries its consumer-facing code.
type Outcome[T any] struct {
	Value    T
	CacheHit bool
	CachedAt time.Time
	Age      time.Duration
	Err      error
	Reason   string
}

// FetchFunc performs the upstream fetch and normalization. It returns the
// value to cache and the number of upstream records it consumed.
type FetchFunc[T any] func(ctx context.Context) (T, int, error)

type flight struct {
	payload  []byte
	value    any
	storedAt time.Time
}

// GetOrFetch serves req from the cache when a valid entry exists, otherwise it
// runs fetch, caches the value on success and records the attempt. Failures are
// never cached.
func GetOrFetch[T any](ctx context.Context, o *Orchestrator, req Request, fetch FetchFunc[T]) Outcome[T] {
	if req.TTL <= 0 {
		req.TTL = DefaultTTL
	}
	logger := o.logger.With(
		slog.String("user_id", req.Key.UserID),
		slog.String("platform", req.Key.Platform),
		slog.String("scope", req.Key.Scope),
	)

	if !req.ForceRefresh {
		if out, ok := lookup[T](ctx, o, req, logger); ok {
			return out
		}
	}

	flightKey := req.Key.String() + "#" + req.Fingerprint
	executed := false
	ch := o.group.DoChan(flightKey, func() (any, error) {
		executed = true
		return o.fetchAndStore(context.WithoutCancel(ctx), req, logger, func(fctx context.Context) (any, int, error) {
			return fetch(fctx)
		})
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Outcome[T]{Err: ctx.Err(), Reason: Reason(ctx.Err())}
	}
	if !executed {
		o.metrics.ObserveCoalesced(req.Key.Platform)
		logger.Debug("joined in-flight fetch")
	}
	if res.Err != nil {
		return Outcome[T]{Err: res.Err, Reason: Reason(res.Err)}
	}

	f := res.Val.(flight)
	value, ok := f.value.(T)
	if !ok {
		// A caller joined a flight started with a different value type for
		// the same key; decode the shared payload instead.
		if err := json.Unmarshal(f.payload, &value); err != nil {
			err = fmt.Errorf("orchestrator: decode shared result: %w", err)
			return Outcome[T]{Err: err, Reason: Reason(err)}
		}
	}
	return Outcome[T]{Value: value, CachedAt: f.storedAt}
}

func lookup[T any](ctx context.Context, o *Orchestrator, req Request, logger *slog.Logger) (Outcome[T], bool) {
	start := o.clock()
	entry, ok, err := o.store.Get(ctx, req.Key)
	now := o.clock()
	elapsed := now.Sub(start)
	if err != nil {
		o.metrics.ObserveCacheLookup(req.Key.Platform, metrics.CacheLookupError, elapsed)
		logger.Warn("cache lookup failed", slog.Any("error", err))
		return Outcome[T]{}, false
	}
	if !ok {
		o.metrics.ObserveCacheLookup(req.Key.Platform, metrics.CacheLookupMiss, elapsed)
		return Outcome[T]{}, false
	}
	if !entry.Valid(now, req.Fingerprint) {
		o.metrics.ObserveCacheLookup(req.Key.Platform, metrics.CacheLookupStale, elapsed)
		logger.Debug("cache entry fingerprint mismatch")
		return Outcome[T]{}, false
	}
	var value T
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		o.metrics.ObserveCacheLookup(req.Key.Platform, metrics.CacheLookupInvalid, elapsed)
		logger.Warn("discarding cached payload", slog.Any("error", fmt.Errorf("%w: %w", ErrInvalidCachedPayload, err)))
		return Outcome[T]{}, false
	}

	o.metrics.ObserveCacheLookup(req.Key.Platform, metrics.CacheLookupHit, elapsed)
	o.metrics.ObserveFetch(req.Key.Platform, req.FetchType, string(fetchlog.StatusCached), elapsed)
	o.appendLog(ctx, logger, fetchlog.Entry{
		UserID:     req.Key.UserID,
		Platform:   req.Key.Platform,
		FetchType:  req.FetchType,
		Status:     fetchlog.StatusCached,
		DurationMs: elapsed.Milliseconds(),
		CacheHit:   true,
		Timestamp:  now,
	})
	logger.Debug("cache hit", slog.Duration("age", entry.Age(now)))
	return Outcome[T]{
		Value:    value,
		CacheHit: true,
		CachedAt: entry.CreatedAt,
		Age:      entry.Age(now),
	}, true
}

func (o *Orchestrator) fetchAndStore(ctx context.Context, req Request, logger *slog.Logger, fetch func(context.Context) (any, int, error)) (flight, error) {
	start := o.clock()
	value, records, err := safeFetch(ctx, fetch)
	elapsed := o.clock().Sub(start)

	if err != nil {
		o.metrics.ObserveFetch(req.Key.Platform, req.FetchType, string(fetchlog.StatusFailed), elapsed)
		o.appendLog(ctx, logger, fetchlog.Entry{
			UserID:     req.Key.UserID,
			Platform:   req.Key.Platform,
			FetchType:  req.FetchType,
			Status:     fetchlog.StatusFailed,
			DurationMs: elapsed.Milliseconds(),
			Error:      Reason(err),
		})
		logger.Warn("fetch failed", slog.Any("error", err), slog.Duration("duration", elapsed))
		return flight{}, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		err = fmt.Errorf("orchestrator: encode result: %w", err)
		o.metrics.ObserveFetch(req.Key.Platform, req.FetchType, string(fetchlog.StatusFailed), elapsed)
		logger.Error("encode result failed", slog.Any("error", err))
		return flight{}, err
	}

	storeStart := o.clock()
	storeErr := o.store.Put(ctx, req.Key, payload, req.TTL, req.Fingerprint)
	storeOutcome := metrics.CacheStoreStored
	if storeErr != nil {
		storeOutcome = metrics.CacheStoreError
		logger.Error("cache store failed", slog.Any("error", storeErr), slog.String("cache_key", req.Key.String()))
	}
	o.metrics.ObserveCacheStore(req.Key.Platform, storeOutcome, o.clock().Sub(storeStart))

	o.metrics.ObserveFetch(req.Key.Platform, req.FetchType, string(fetchlog.StatusSuccess), elapsed)
	o.appendLog(ctx, logger, fetchlog.Entry{
		UserID:         req.Key.UserID,
		Platform:       req.Key.Platform,
		FetchType:      req.FetchType,
		Status:         fetchlog.StatusSuccess,
		DurationMs:     elapsed.Milliseconds(),
		RecordsFetched: records,
	})
	logger.Info("fetch succeeded", slog.Int("records", records), slog.Duration("duration", elapsed))
	return flight{payload: payload, value: value, storedAt: start.Add(elapsed).UTC()}, nil
}

func safeFetch(ctx context.Context, fetch func(context.Context) (any, int, error)) (value any, records int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Upstream("", fmt.Errorf("fetch panicked: %v", r))
		}
	}()
	return fetch(ctx)
}

func (o *Orchestrator) appendLog(ctx context.Context, logger *slog.Logger, entry fetchlog.Entry) {
	if o.log == nil {
		return
	}
	if err := o.log.Append(ctx, entry); err != nil {
		logger.Error("fetch log append failed", slog.Any("error", err))
	}
}
