// Package server wires the engine's components together and runs its
// background schedulers.
package server

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/alerting"
	"github.com/tailwatch/tailwatch/pkg/config"
	"github.com/tailwatch/tailwatch/pkg/httpx"
	"github.com/tailwatch/tailwatch/pkg/ingest"
	"github.com/tailwatch/tailwatch/pkg/notify"
	"github.com/tailwatch/tailwatch/pkg/partition"
	"github.com/tailwatch/tailwatch/pkg/query"
	"github.com/tailwatch/tailwatch/pkg/rollup"
	"github.com/tailwatch/tailwatch/pkg/server/monitor"
	"github.com/tailwatch/tailwatch/pkg/storage"
	badgerstore "github.com/tailwatch/tailwatch/pkg/storage/badger"
	"github.com/tailwatch/tailwatch/pkg/storage/memory"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// InitializeStorage opens the configured storage backend.
func InitializeStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Store, error) {
	if cfg.InMemory {
		log.Info().Msg("Using in-memory storage")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}
	log.Info().Str("data_dir", cfg.DataDir).Msg("Initializing BadgerDB storage")
	return badgerstore.New(badgerstore.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
}

// Engine bundles every wired component.
type Engine struct {
	Store      storage.Store
	Settings   *telemetry.StaticSettings
	Partitions *partition.Manager
	Tracker    *rollup.Tracker
	Rollup     *rollup.Engine
	Rules      *alerting.RuleStore
	Evaluator  *alerting.Evaluator
	Dispatcher *notify.Dispatcher
	Writer     *ingest.Writer
	TailHub    *ingest.TailHub

	Monitors []*monitor.TaskMonitor
}

// NewEngine wires the full pipeline: ingestion, partitions, rollups,
// alerting, and notification delivery.
func NewEngine(cfg config.Config, store storage.Store, log zerolog.Logger) *Engine {
	settings := telemetry.NewStaticSettings()

	parts := partition.NewManager(store, settings, partition.Config{
		CompressionGrace: map[telemetry.Stream]time.Duration{
			telemetry.StreamLogs:    cfg.Partition.LogsGrace,
			telemetry.StreamMetrics: cfg.Partition.MetricsGrace,
			telemetry.StreamSpans:   cfg.Partition.SpansGrace,
		},
		DeleteSafetyMargin: cfg.Partition.DeleteSafetyMargin,
	}, log)

	tracker := rollup.NewTracker()
	engine := rollup.NewEngine(store, tracker, settings, rollup.Config{
		LagTolerance: map[telemetry.Resolution]time.Duration{
			telemetry.Resolution1m: cfg.Rollup.LagTolerance1m,
			telemetry.Resolution1h: cfg.Rollup.LagTolerance1h,
			telemetry.Resolution1d: cfg.Rollup.LagTolerance1d,
		},
	}, log)

	dispatcher := notify.NewDispatcher(notify.Config{
		Timeout:     cfg.Notify.Timeout,
		MaxAttempts: cfg.Notify.MaxAttempts,
		BaseDelay:   cfg.Notify.BaseDelay,
		QueueSize:   cfg.Notify.QueueSize,
	}, log)

	rules := alerting.NewRuleStore()
	evaluator := alerting.NewEvaluator(rules, store, &dispatchNotifier{dispatcher: dispatcher}, log)

	hub := ingest.NewTailHub(log)
	writer := ingest.NewWriter(store, parts, tracker, settings, hub, log)

	return &Engine{
		Store:      store,
		Settings:   settings,
		Partitions: parts,
		Tracker:    tracker,
		Rollup:     engine,
		Rules:      rules,
		Evaluator:  evaluator,
		Dispatcher: dispatcher,
		Writer:     writer,
		TailHub:    hub,
	}
}

// NewRouter builds the HTTP API around the engine.
func NewRouter(e *Engine, cfg config.Config, log zerolog.Logger) *mux.Router {
	router := mux.NewRouter()

	// CORS middleware for browser clients.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	ingest.NewHandler(e.Writer, e.TailHub, log).RegisterRoutes(router)
	query.NewHandler(e.Store, log).RegisterRoutes(router)
	alerting.NewHandler(e.Rules, e.Evaluator, cfg.Alerting.ResolveOnDisable, log).RegisterRoutes(router)

	router.HandleFunc("/v1/projects/{project_id}/rollups/backfill", e.handleBackfill).Methods("POST")
	router.HandleFunc("/v1/health", e.handleHealth).Methods("GET")

	return router
}

var startTime = time.Now()

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := make([]monitor.TaskStatus, 0, len(e.Monitors))
	healthy := true
	for _, mon := range e.Monitors {
		status := mon.Status()
		statuses = append(statuses, status)
		if !status.Healthy {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, map[string]interface{}{
		"status": status,
		"uptime": time.Since(startTime).String(),
		"tasks":  statuses,
	})
}

// handleBackfill explicitly recomputes a metric's aggregates over a range,
// ignoring finalization. This is the recovery path for buckets that went
// stale or were written far out of order.
func (e *Engine) handleBackfill(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "metric is required")
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid from time")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid to time")
		return
	}
	if !from.Before(to) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "from must be before to")
		return
	}

	if err := e.Rollup.Backfill(r.Context(), projectID, metric, from, to); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// dispatchNotifier adapts the evaluator's transition callbacks to the
// dispatcher's payload/target contract.
type dispatchNotifier struct {
	dispatcher *notify.Dispatcher
}

func (n *dispatchNotifier) Notify(rule alerting.AlertRule, alert alerting.Alert, channels []alerting.AlertChannel) {
	payload := notify.Payload{
		AlertID:      alert.ID,
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		ProjectID:    alert.ProjectID,
		Status:       string(alert.Status),
		TriggerValue: alert.TriggerValue,
		Message:      alert.Message,
		TriggeredAt:  alert.TriggeredAt,
		ResolvedAt:   alert.ResolvedAt,
	}

	targets := make([]notify.Target, 0, len(channels))
	for _, ch := range channels {
		if ch.ChannelType != alerting.ChannelWebhook {
			continue
		}
		targets = append(targets, notify.Target{
			ChannelID: ch.ID,
			URL:       ch.Config.URL,
			Headers:   ch.Config.Headers,
		})
	}
	n.dispatcher.Enqueue(payload, targets)
}
