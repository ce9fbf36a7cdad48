package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kalambet/launchdesk/internal/health"
	"github.com/kalambet/launchdesk/internal/metrics"
	"github.com/kalambet/launchdesk/internal/storage"
)

const maxSummaryDays = storage.MaxWindowDays

// Reporter produces the health and status payloads. *health.Reporter
// satisfies it.
type Reporter interface {
	Report(ctx context.Context) health.Report
	Status(ctx context.Context) health.StatusPayload
}

// Summarizer aggregates durable metrics. *storage.Gateway satisfies it.
type Summarizer interface {
	SummarizeMetrics(ctx context.Context, windowDays int) (storage.MetricSummary, error)
}

type MonitoringDeps struct {
	Reporter   Reporter
	Summarizer Summarizer
	Live       *metrics.Store
	Gatherer   prometheus.Gatherer // nil disables /metrics
	Token      string              // protects /status and /metrics/summary when set
	Logger     *zap.Logger
}

// NewMonitoringHandler returns the router for the health, status and metrics
// endpoints.
func NewMonitoringHandler(deps MonitoringDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("api")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", handleHealth(deps))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/metrics/live", handleLive(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/status", handleStatus(deps))
		r.Get("/metrics/summary", handleSummary(deps, logger))
	})

	return r
}

func handleHealth(deps MonitoringDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := deps.Reporter.Report(r.Context())
		code := http.StatusOK
		if !rep.Healthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, r, code, rep)
	}
}

func handleStatus(deps MonitoringDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, deps.Reporter.Status(r.Context()))
	}
}

func handleLive(deps MonitoringDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Live == nil {
			httpError(w, r, http.StatusServiceUnavailable, "unavailable_error", "live metrics are disabled")
			return
		}
		writeJSON(w, r, http.StatusOK, deps.Live.Snapshot())
	}
}

func handleSummary(deps MonitoringDeps, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 7
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 || n > maxSummaryDays {
				httpError(w, r, http.StatusBadRequest, "invalid_request_error", "days must be an integer between 0 and %d", maxSummaryDays)
				return
			}
			days = n
		}
		if deps.Summarizer == nil {
			httpError(w, r, http.StatusServiceUnavailable, "unavailable_error", "storage is not available")
			return
		}

		summary, err := deps.Summarizer.SummarizeMetrics(r.Context(), days)
		switch {
		case err == nil:
			writeJSON(w, r, http.StatusOK, summary)
		case errors.Is(err, storage.ErrUnavailable):
			httpError(w, r, http.StatusServiceUnavailable, "unavailable_error", "storage is not available")
		case errors.Is(err, storage.ErrInvalid):
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "%v", err)
		default:
			logger.Error("summarizing metrics failed", zap.Int("days", days), zap.Error(err))
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to summarize metrics")
		}
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(withLogger(r.Context(), logger)))
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
