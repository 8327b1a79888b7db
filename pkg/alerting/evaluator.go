package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// OutcomeKind classifies one rule evaluation.
type OutcomeKind int

const (
	OutcomeNoChange OutcomeKind = iota
	OutcomeTriggered
	OutcomeResolved
)

// Outcome is the result of evaluating one rule.
type Outcome struct {
	Kind  OutcomeKind
	Value float64

	// Alert is set for Triggered and Resolved outcomes.
	Alert *Alert
}

// Notifier receives alert transitions for delivery. Implementations must not
// block; delivery happens asynchronously.
type Notifier interface {
	Notify(rule AlertRule, alert Alert, channels []AlertChannel)
}

// Report summarizes one evaluation pass.
type Report struct {
	Evaluated int
	Triggered int
	Resolved  int
	Failures  int
}

// Evaluator computes rule conditions against stored telemetry and drives the
// alert state machine. Evaluations of the same rule are serialized by a
// per-rule lock; different rules evaluate independently.
type Evaluator struct {
	rules    *RuleStore
	store    storage.Store
	notifier Notifier
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEvaluator creates a rule evaluator. notifier may be nil when alert
// delivery is not wired.
func NewEvaluator(rules *RuleStore, store storage.Store, notifier Notifier, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		rules:    rules,
		store:    store,
		notifier: notifier,
		log:      logger.WithComponent(log, "evaluator"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Evaluator) lockFor(ruleID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[ruleID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ruleID] = l
	}
	return l
}

// EvaluateAll runs one evaluation pass over every enabled rule. Failures are
// isolated per rule; a rule that cannot be computed stays in its previous
// state and is retried next cycle.
func (e *Evaluator) EvaluateAll(ctx context.Context, now time.Time) Report {
	var report Report
	for _, rule := range e.rules.ListEnabledRules() {
		select {
		case <-ctx.Done():
			return report
		default:
		}

		outcome, err := e.EvaluateRule(ctx, rule, now)
		if err != nil {
			e.log.Error().Err(err).
				Str("rule_id", rule.ID).
				Str("project_id", rule.ProjectID).
				Msg("Rule evaluation failed")
			report.Failures++
			continue
		}
		report.Evaluated++
		switch outcome.Kind {
		case OutcomeTriggered:
			report.Triggered++
		case OutcomeResolved:
			report.Resolved++
		}
	}

	if report.Triggered > 0 || report.Resolved > 0 || report.Failures > 0 {
		e.log.Info().
			Int("evaluated", report.Evaluated).
			Int("triggered", report.Triggered).
			Int("resolved", report.Resolved).
			Int("failures", report.Failures).
			Msg("Evaluation pass completed")
	}
	return report
}

// EvaluateRule evaluates one rule at now. On a computation error the rule is
// left untouched (last_evaluated_at does not advance) so the stall is
// visible to operators.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule AlertRule, now time.Time) (Outcome, error) {
	l := e.lockFor(rule.ID)
	l.Lock()
	defer l.Unlock()

	value, hasData, err := e.compute(ctx, rule, now)
	if err != nil {
		return Outcome{}, err
	}

	holds := hasData && rule.ThresholdOperator.Holds(value, rule.ThresholdValue)
	firing, open := e.rules.FindFiringByRule(rule.ID)

	switch {
	case holds && !open:
		alert := e.rules.CreateAlert(Alert{
			RuleID:       rule.ID,
			ProjectID:    rule.ProjectID,
			Status:       StatusFiring,
			TriggeredAt:  now,
			TriggerValue: value,
			Message:      alertMessage(rule.RuleType, value, rule.ThresholdValue, rule.ThresholdOperator),
		})
		e.rules.MarkEvaluated(rule.ID, now, true)
		e.notify(rule, alert)
		e.log.Info().
			Str("rule_id", rule.ID).
			Str("alert_id", alert.ID).
			Float64("value", value).
			Msg("Alert triggered")
		return Outcome{Kind: OutcomeTriggered, Value: value, Alert: &alert}, nil

	case !holds && open:
		resolved, err := e.rules.ResolveAlert(firing.ID, now)
		if err != nil {
			return Outcome{}, err
		}
		e.rules.MarkEvaluated(rule.ID, now, false)
		e.notify(rule, resolved)
		e.log.Info().
			Str("rule_id", rule.ID).
			Str("alert_id", resolved.ID).
			Float64("value", value).
			Msg("Alert resolved")
		return Outcome{Kind: OutcomeResolved, Value: value, Alert: &resolved}, nil

	default:
		// Still firing or still quiet; no new alert row either way.
		e.rules.MarkEvaluated(rule.ID, now, false)
		return Outcome{Kind: OutcomeNoChange, Value: value}, nil
	}
}

// ForceResolve closes a rule's open firing alert without evaluating its
// condition. Used when a rule is disabled and the deployment opts into
// resolve-on-disable.
func (e *Evaluator) ForceResolve(ruleID string, now time.Time) (Outcome, error) {
	l := e.lockFor(ruleID)
	l.Lock()
	defer l.Unlock()

	firing, open := e.rules.FindFiringByRule(ruleID)
	if !open {
		return Outcome{Kind: OutcomeNoChange}, nil
	}
	resolved, err := e.rules.ResolveAlert(firing.ID, now)
	if err != nil {
		return Outcome{}, err
	}
	rule, err := e.rules.GetRule(ruleID)
	if err == nil {
		e.notify(rule, resolved)
	}
	return Outcome{Kind: OutcomeResolved, Alert: &resolved}, nil
}

func (e *Evaluator) notify(rule AlertRule, alert Alert) {
	if e.notifier == nil {
		return
	}
	channels := e.rules.ChannelsForRule(rule.ID)
	if len(channels) == 0 {
		return
	}
	e.notifier.Notify(rule, alert, channels)
}

// compute returns the rule's value over [now - window, now). hasData is
// false when the value is undefined (no logs for a rate, no samples for a
// metric, empty pattern) in which case the condition never holds.
func (e *Evaluator) compute(ctx context.Context, rule AlertRule, now time.Time) (float64, bool, error) {
	start := now.Add(-rule.TimeWindow)

	switch rule.RuleType {
	case RuleErrorRate:
		levels := parseLevels(rule.Config.Levels)
		if len(levels) == 0 {
			levels = []telemetry.Level{telemetry.LevelError, telemetry.LevelFatal}
		}
		total, err := e.store.CountLogs(ctx, storage.LogQuery{
			ProjectID: rule.ProjectID, Start: start, End: now,
		})
		if err != nil {
			return 0, false, err
		}
		if total == 0 {
			return 0, false, nil
		}
		errorCount, err := e.store.CountLogs(ctx, storage.LogQuery{
			ProjectID: rule.ProjectID, Start: start, End: now, Levels: levels,
		})
		if err != nil {
			return 0, false, err
		}
		return float64(errorCount) / float64(total) * 100, true, nil

	case RuleLogCount:
		count, err := e.store.CountLogs(ctx, storage.LogQuery{
			ProjectID: rule.ProjectID,
			Start:     start,
			End:       now,
			Levels:    parseLevels(rule.Config.Levels),
			Source:    rule.Config.Source,
		})
		if err != nil {
			return 0, false, err
		}
		return float64(count), true, nil

	case RulePatternMatch:
		if rule.Config.Pattern == "" {
			return 0, false, nil
		}
		count, err := e.store.CountLogs(ctx, storage.LogQuery{
			ProjectID: rule.ProjectID,
			Start:     start,
			End:       now,
			Search:    rule.Config.Pattern,
		})
		if err != nil {
			return 0, false, err
		}
		return float64(count), true, nil

	case RuleMetricThreshold:
		return e.computeMetric(ctx, rule, start, now)
	}

	return 0, false, nil
}

// computeMetric averages a metric over the window. When the window is a
// whole number of minutes the 1-minute aggregates cover it exactly and are
// much cheaper than a raw scan; otherwise, or when no aggregates exist yet,
// it falls back to raw records.
func (e *Evaluator) computeMetric(ctx context.Context, rule AlertRule, start, end time.Time) (float64, bool, error) {
	if rule.TimeWindow%time.Minute == 0 {
		bucketStart := telemetry.Resolution1m.Truncate(start)
		rows, err := e.store.QueryAggregates(ctx, storage.AggregateQuery{
			ProjectID:  rule.ProjectID,
			MetricName: rule.Config.MetricName,
			Resolution: telemetry.Resolution1m,
			Start:      bucketStart,
			End:        end,
		})
		if err != nil {
			return 0, false, err
		}
		if len(rows) > 0 {
			var sum float64
			var count uint64
			for _, row := range rows {
				sum += row.Sum
				count += row.Count
			}
			if count == 0 {
				return 0, false, nil
			}
			return sum / float64(count), true, nil
		}
	}

	records, err := e.store.QueryMetrics(ctx, storage.MetricQuery{
		ProjectID: rule.ProjectID,
		Names:     []string{rule.Config.MetricName},
		Start:     start,
		End:       end,
	})
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, nil
	}
	var sum float64
	for _, rec := range records {
		sum += rec.Value
	}
	return sum / float64(len(records)), true, nil
}

func parseLevels(raw []string) []telemetry.Level {
	var out []telemetry.Level
	for _, s := range raw {
		if l, ok := telemetry.ParseLevel(s); ok {
			out = append(out, l)
		}
	}
	return out
}
