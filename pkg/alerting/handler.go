package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/httpx"
	"github.com/tailwatch/tailwatch/pkg/logger"
)

// Handler exposes the rule/alert/channel CRUD surface used by the settings
// UI. The evaluator itself never goes through this surface.
type Handler struct {
	rules     *RuleStore
	evaluator *Evaluator

	// resolveOnDisable force-resolves a rule's open alert when the rule is
	// disabled through the API.
	resolveOnDisable bool

	log zerolog.Logger
}

// NewHandler creates the alerting API handler.
func NewHandler(rules *RuleStore, evaluator *Evaluator, resolveOnDisable bool, log zerolog.Logger) *Handler {
	return &Handler{
		rules:            rules,
		evaluator:        evaluator,
		resolveOnDisable: resolveOnDisable,
		log:              logger.WithComponent(log, "alerting_api"),
	}
}

// RegisterRoutes registers the alerting endpoints on the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/projects/{project_id}/rules", h.handleCreateRule).Methods("POST")
	r.HandleFunc("/v1/projects/{project_id}/rules", h.handleListRules).Methods("GET")
	r.HandleFunc("/v1/projects/{project_id}/rules/{rule_id}", h.handleGetRule).Methods("GET")
	r.HandleFunc("/v1/projects/{project_id}/rules/{rule_id}", h.handleUpdateRule).Methods("PUT")
	r.HandleFunc("/v1/projects/{project_id}/rules/{rule_id}", h.handleDeleteRule).Methods("DELETE")
	r.HandleFunc("/v1/projects/{project_id}/rules/{rule_id}/channels", h.handleBindChannels).Methods("PUT")
	r.HandleFunc("/v1/projects/{project_id}/channels", h.handleCreateChannel).Methods("POST")
	r.HandleFunc("/v1/projects/{project_id}/channels", h.handleListChannels).Methods("GET")
	r.HandleFunc("/v1/projects/{project_id}/channels/{channel_id}", h.handleDeleteChannel).Methods("DELETE")
	r.HandleFunc("/v1/projects/{project_id}/alerts", h.handleListAlerts).Methods("GET")
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	rule.ProjectID = mux.Vars(r)["project_id"]

	created, err := h.rules.CreateRule(rule)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.rules.ListRules(mux.Vars(r)["project_id"]))
}

func (h *Handler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleForRequest(r)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	existing, err := h.ruleForRequest(r)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}

	var upd AlertRule
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	updated, err := h.rules.UpdateRule(existing.ID, upd)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.RespondError(w, http.StatusNotFound, err)
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if h.resolveOnDisable && existing.IsEnabled && !updated.IsEnabled {
		if _, err := h.evaluator.ForceResolve(updated.ID, time.Now().UTC()); err != nil {
			h.log.Error().Err(err).Str("rule_id", updated.ID).Msg("Force-resolve on disable failed")
		}
	}

	httpx.RespondJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleForRequest(r)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	if err := h.rules.DeleteRule(rule.ID); err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBindChannels(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleForRequest(r)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}

	var body struct {
		ChannelIDs []string `json:"channel_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if err := h.rules.BindChannels(rule.ID, body.ChannelIDs); err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch AlertChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	ch.ProjectID = mux.Vars(r)["project_id"]

	created, err := h.rules.CreateChannel(ch)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.rules.ListChannels(mux.Vars(r)["project_id"]))
}

func (h *Handler) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	for _, ch := range h.rules.ListChannels(vars["project_id"]) {
		if ch.ID == vars["channel_id"] {
			if err := h.rules.DeleteChannel(ch.ID); err != nil {
				httpx.RespondError(w, http.StatusNotFound, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	httpx.RespondError(w, http.StatusNotFound, ErrNotFound)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.rules.ListAlerts(mux.Vars(r)["project_id"]))
}

// ruleForRequest loads the rule named in the path and checks it belongs to
// the path's project.
func (h *Handler) ruleForRequest(r *http.Request) (AlertRule, error) {
	vars := mux.Vars(r)
	rule, err := h.rules.GetRule(vars["rule_id"])
	if err != nil {
		return AlertRule{}, err
	}
	if rule.ProjectID != vars["project_id"] {
		return AlertRule{}, ErrNotFound
	}
	return rule, nil
}
