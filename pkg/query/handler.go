// Package query exposes the read-only API over raw records and aggregate
// rows, used by log viewers and dashboards.
package query

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/httpx"
	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	defaultLookback = time.Hour
)

// Handler serves read queries against the store.
type Handler struct {
	store storage.Store
	log   zerolog.Logger
}

// NewHandler creates a query handler.
func NewHandler(store storage.Store, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		log:   logger.WithComponent(log, "query_api"),
	}
}

// RegisterRoutes registers the query endpoints on the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/projects/{project_id}/logs", h.handleLogs).Methods("GET")
	r.HandleFunc("/v1/projects/{project_id}/metrics", h.handleMetrics).Methods("GET")
	r.HandleFunc("/v1/projects/{project_id}/spans", h.handleSpans).Methods("GET")
	r.HandleFunc("/v1/projects/{project_id}/aggregates", h.handleAggregates).Methods("GET")
	r.HandleFunc("/v1/stats", h.handleStats).Methods("GET")
	r.HandleFunc("/v1/partitions", h.handlePartitions).Methods("GET")
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	q := storage.LogQuery{
		ProjectID: mux.Vars(r)["project_id"],
		Start:     start,
		End:       end,
		Source:    r.URL.Query().Get("source"),
		TraceID:   r.URL.Query().Get("trace_id"),
		Search:    r.URL.Query().Get("search"),
		Limit:     limit(r),
	}
	for _, raw := range strings.Split(r.URL.Query().Get("level"), ",") {
		if raw == "" {
			continue
		}
		level, ok := telemetry.ParseLevel(raw)
		if !ok {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown level %q", raw))
			return
		}
		q.Levels = append(q.Levels, level)
	}

	records, err := h.store.QueryLogs(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Str("project_id", q.ProjectID).Msg("Log query failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, records)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	q := storage.MetricQuery{
		ProjectID: mux.Vars(r)["project_id"],
		Start:     start,
		End:       end,
		Limit:     limit(r),
	}
	if name := r.URL.Query().Get("name"); name != "" {
		q.Names = strings.Split(name, ",")
	}
	for key, vals := range r.URL.Query() {
		if tag, ok := strings.CutPrefix(key, "tag."); ok && len(vals) > 0 {
			if q.Tags == nil {
				q.Tags = make(map[string]string)
			}
			q.Tags[tag] = vals[0]
		}
	}

	records, err := h.store.QueryMetrics(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Str("project_id", q.ProjectID).Msg("Metric query failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, records)
}

func (h *Handler) handleSpans(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	q := storage.SpanQuery{
		ProjectID:   mux.Vars(r)["project_id"],
		Start:       start,
		End:         end,
		TraceID:     r.URL.Query().Get("trace_id"),
		ServiceName: r.URL.Query().Get("service"),
		Limit:       limit(r),
	}

	records, err := h.store.QuerySpans(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Str("project_id", q.ProjectID).Msg("Span query failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, records)
}

func (h *Handler) handleAggregates(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	res := telemetry.Resolution(r.URL.Query().Get("resolution"))
	if res == "" {
		res = telemetry.Resolution1m
	}
	if res.Duration() == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown resolution %q", res))
		return
	}

	q := storage.AggregateQuery{
		ProjectID:  mux.Vars(r)["project_id"],
		MetricName: r.URL.Query().Get("metric"),
		Resolution: res,
		Start:      start,
		End:        end,
	}

	rows, err := h.store.QueryAggregates(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Str("project_id", q.ProjectID).Msg("Aggregate query failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

func (h *Handler) handlePartitions(w http.ResponseWriter, r *http.Request) {
	partitions, err := h.store.ListPartitions(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, partitions)
}

// timeRange parses start/end query params (RFC3339). The range is half-open
// [start, end); missing values default to the last hour.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	end := now
	start := now.Add(-defaultLookback)

	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
		end = t
		start = t.Add(-defaultLookback)
	}
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
	}
	return start, end, nil
}

func limit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
