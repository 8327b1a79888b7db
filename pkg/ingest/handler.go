package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/httpx"
	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// Handler exposes the ingestion API.
type Handler struct {
	writer *Writer
	hub    *TailHub
	log    zerolog.Logger
}

// NewHandler creates an ingestion handler. hub may be nil when live tail is
// disabled.
func NewHandler(writer *Writer, hub *TailHub, log zerolog.Logger) *Handler {
	return &Handler{
		writer: writer,
		hub:    hub,
		log:    logger.WithComponent(log, "ingest_api"),
	}
}

// RegisterRoutes registers the ingestion endpoints on the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/projects/{project_id}/logs", h.handleLogs).Methods("POST")
	r.HandleFunc("/v1/projects/{project_id}/metrics", h.handleMetrics).Methods("POST")
	r.HandleFunc("/v1/projects/{project_id}/spans", h.handleSpans).Methods("POST")
	if h.hub != nil {
		r.HandleFunc("/v1/projects/{project_id}/logs/tail", h.handleTail).Methods("GET")
	}
}

// BatchResponse reports the outcome of one ingest request. A request with
// any accepted records returns 200 even when some were rejected.
type BatchResponse struct {
	Accepted int                `json:"accepted"`
	Rejected []telemetry.Reject `json:"rejected,omitempty"`
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	var records []telemetry.LogRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if !h.checkBatch(w, len(records)) {
		return
	}

	accepted, rejects, err := h.writer.IngestLogs(r.Context(), projectID, records)
	h.respond(w, projectID, accepted, rejects, err)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	var records []telemetry.MetricRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if !h.checkBatch(w, len(records)) {
		return
	}

	accepted, rejects, err := h.writer.IngestMetrics(r.Context(), projectID, records)
	h.respond(w, projectID, accepted, rejects, err)
}

func (h *Handler) handleSpans(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	var records []telemetry.SpanRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if !h.checkBatch(w, len(records)) {
		return
	}

	accepted, rejects, err := h.writer.IngestSpans(r.Context(), projectID, records)
	h.respond(w, projectID, accepted, rejects, err)
}

func (h *Handler) handleTail(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	h.hub.HandleTail(projectID, w, r)
}

func (h *Handler) checkBatch(w http.ResponseWriter, n int) bool {
	if n == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "batch is empty")
		return false
	}
	if n > MaxRecordsPerBatch {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch has %d records, maximum is %d", n, MaxRecordsPerBatch))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, projectID string, accepted int, rejects []telemetry.Reject, err error) {
	if err != nil {
		h.log.Error().Err(err).Str("project_id", projectID).Msg("Ingest batch failed")
		if errors.Is(err, storage.ErrPartitionUnavailable) {
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if accepted == 0 && len(rejects) > 0 {
		status = http.StatusBadRequest
	}
	httpx.RespondJSON(w, status, BatchResponse{Accepted: accepted, Rejected: rejects})
}
