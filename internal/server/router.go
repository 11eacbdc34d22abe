package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/l0p7/socialpulse/internal/service"
)

// API defines the surface the router exposes over HTTP.
type API interface {
	GetMetrics(ctx context.Context, req service.MetricsRequest) (service.MetricsResult, error)
	GetComparison(ctx context.Context, req service.ComparisonRequest) (service.ComparisonResult, error)
	Recommend(ctx context.Context, req service.RecommendRequest) (service.RecommendationResult, error)
	Invalidate(ctx context.Context, userID, platform string) (int, error)
	GetCacheStats(ctx context.Context, userID string) (service.CacheStats, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// RouterConfig wires the router. Metrics and Logger are optional; an empty
// CorrelationHeader defaults to X-Request-ID.
type RouterConfig struct {
	API               API
	Metrics           http.Handler
	Logger            *slog.Logger
	CorrelationHeader string
}

type handlers struct {
	api    API
	logger *slog.Logger
}

// NewRouter maps the service operations onto JSON routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "http"))
	header := cfg.CorrelationHeader
	if header == "" {
		header = "X-Request-ID"
	}

	r := chi.NewRouter()
	r.Use(correlation(header))
	r.Use(accessLog(logger, header))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	if cfg.API == nil {
		r.HandleFunc("/v1/*", func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
		})
		return r
	}

	h := &handlers{api: cfg.API, logger: logger}
	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/metrics/{platform}", h.getMetrics)
			r.Get("/comparison", h.getComparison)
			r.Get("/recommendations/{platform}", h.recommend)
			r.Get("/cache/stats", h.cacheStats)
			r.Delete("/cache/{platform}", h.invalidate)
		})
		r.Post("/maintenance/purge", h.purge)
	})
	return r
}

func (h *handlers) getMetrics(w http.ResponseWriter, r *http.Request) {
	refresh, ok := boolQuery(w, r, "refresh")
	if !ok {
		return
	}
	res, err := h.api.GetMetrics(r.Context(), service.MetricsRequest{
		UserID:       chi.URLParam(r, "userID"),
		Platform:     chi.URLParam(r, "platform"),
		Period:       r.URL.Query().Get("period"),
		ForceRefresh: refresh,
	})
	h.respond(w, r, res, err)
}

func (h *handlers) getComparison(w http.ResponseWriter, r *http.Request) {
	refresh, ok := boolQuery(w, r, "refresh")
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := h.api.GetComparison(r.Context(), service.ComparisonRequest{
		UserID:           chi.URLParam(r, "userID"),
		OwnDomain:        q.Get("ownDomain"),
		CompetitorDomain: q.Get("competitorDomain"),
		Handles: service.Handles{
			OwnInstagram:        q.Get("ownInstagram"),
			OwnFacebook:         q.Get("ownFacebook"),
			OwnLinkedIn:         q.Get("ownLinkedIn"),
			CompetitorInstagram: q.Get("competitorInstagram"),
			CompetitorFacebook:  q.Get("competitorFacebook"),
			CompetitorLinkedIn:  q.Get("competitorLinkedIn"),
		},
		ForceRefresh: refresh,
	})
	h.respond(w, r, res, err)
}

func (h *handlers) recommend(w http.ResponseWriter, r *http.Request) {
	res, err := h.api.Recommend(r.Context(), service.RecommendRequest{
		UserID:   chi.URLParam(r, "userID"),
		Platform: chi.URLParam(r, "platform"),
		Period:   r.URL.Query().Get("period"),
	})
	h.respond(w, r, res, err)
}

func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	res, err := h.api.GetCacheStats(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, r, res, err)
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	count, err := h.api.Invalidate(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "platform"))
	h.respond(w, r, map[string]int{"invalidated": count}, err)
}

func (h *handlers) purge(w http.ResponseWriter, r *http.Request) {
	count, err := h.api.PurgeExpired(r.Context())
	h.respond(w, r, map[string]int{"purged": count}, err)
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request, body any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func boolQuery(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return false, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// correlation echoes the caller's correlation ID, generating one when absent.
func correlation(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(header, id)
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(logger *slog.Logger, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("correlation_id", r.Header.Get(header)),
			)
		})
	}
}
