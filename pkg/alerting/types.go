// Package alerting holds the alert rule model, the rule evaluator, and the
// in-memory rule/alert/channel store.
package alerting

import (
	"fmt"
	"time"
)

// RuleType selects how a rule's value is computed over its window.
type RuleType string

const (
	// RuleErrorRate is error-level logs as a percentage of all logs.
	RuleErrorRate RuleType = "error_rate"

	// RuleLogCount counts logs matching the configured levels and source.
	RuleLogCount RuleType = "log_count"

	// RulePatternMatch counts logs whose message contains a substring.
	RulePatternMatch RuleType = "pattern_match"

	// RuleMetricThreshold compares a metric's average over the window.
	RuleMetricThreshold RuleType = "metric_threshold"
)

// valueName is the human name used in alert messages.
func (t RuleType) valueName() string {
	switch t {
	case RuleErrorRate:
		return "error rate"
	case RuleLogCount:
		return "log count"
	case RulePatternMatch:
		return "pattern match count"
	case RuleMetricThreshold:
		return "metric value"
	}
	return string(t)
}

// Operator compares a computed value against a rule's threshold.
type Operator string

const (
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// Holds applies the operator.
func (o Operator) Holds(value, threshold float64) bool {
	switch o {
	case OpGt:
		return value > threshold
	case OpGte:
		return value >= threshold
	case OpLt:
		return value < threshold
	case OpLte:
		return value <= threshold
	}
	return false
}

// Valid reports whether the operator is one of the four known comparisons.
func (o Operator) Valid() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// RuleConfig carries the per-type parameters of a rule. Unused fields are
// ignored by the evaluator.
type RuleConfig struct {
	// Levels restricts error_rate and log_count rules to these log levels.
	// For error_rate an empty list defaults to ["error", "fatal"].
	Levels []string `json:"levels,omitempty"`

	// Source restricts log_count rules to one log source.
	Source string `json:"source,omitempty"`

	// Pattern is the substring a pattern_match rule searches for. An empty
	// pattern never triggers.
	Pattern string `json:"pattern,omitempty"`

	// MetricName is the metric a metric_threshold rule averages.
	MetricName string `json:"metric_name,omitempty"`
}

// AlertRule is a user-configured alert condition, evaluated on a fixed
// cadence independent of its own window.
type AlertRule struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	Name              string     `json:"name"`
	RuleType          RuleType   `json:"rule_type"`
	Config            RuleConfig `json:"config"`
	ThresholdValue    float64    `json:"threshold_value"`
	ThresholdOperator Operator   `json:"threshold_operator"`

	// TimeWindow is the rolling lookback the value is computed over.
	TimeWindow time.Duration `json:"time_window"`

	IsEnabled       bool       `json:"is_enabled"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the fields a rule needs before it can be stored.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.RuleType {
	case RuleErrorRate, RuleLogCount:
	case RulePatternMatch:
		if r.Config.Pattern == "" {
			return fmt.Errorf("pattern_match rule requires config.pattern")
		}
	case RuleMetricThreshold:
		if r.Config.MetricName == "" {
			return fmt.Errorf("metric_threshold rule requires config.metric_name")
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.RuleType)
	}
	if !r.ThresholdOperator.Valid() {
		return fmt.Errorf("unknown threshold operator %q", r.ThresholdOperator)
	}
	if r.TimeWindow <= 0 {
		return fmt.Errorf("time_window must be positive")
	}
	return nil
}

// AlertStatus is the observable state of an alert instance.
type AlertStatus string

const (
	StatusFiring   AlertStatus = "firing"
	StatusResolved AlertStatus = "resolved"
)

// Alert is one firing episode of a rule. At most one alert per rule is in
// the firing state at any time.
type Alert struct {
	ID           string      `json:"id"`
	RuleID       string      `json:"rule_id"`
	ProjectID    string      `json:"project_id"`
	Status       AlertStatus `json:"status"`
	TriggeredAt  time.Time   `json:"triggered_at"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
	TriggerValue float64     `json:"trigger_value"`
	Message      string      `json:"message"`
}

// ChannelType is the transport of an alert channel.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
)

// ChannelConfig carries a channel's transport parameters.
type ChannelConfig struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AlertChannel is a notification destination bound to zero or more rules.
type AlertChannel struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Name        string        `json:"name"`
	ChannelType ChannelType   `json:"channel_type"`
	Config      ChannelConfig `json:"config"`
	IsEnabled   bool          `json:"is_enabled"`
	CreatedAt   time.Time     `json:"created_at"`
}

// alertMessage renders the message stored on a new alert.
func alertMessage(t RuleType, value, threshold float64, op Operator) string {
	return fmt.Sprintf("%s is %.2f, threshold is %.2f (%s)", t.valueName(), value, threshold, op)
}
