package alerting

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a rule, alert, or channel does not exist.
var ErrNotFound = errors.New("not found")

// RuleStore holds rules, alerts, channels, and rule-channel bindings. The
// settings UI mutates it through the CRUD surface; the evaluator only reads
// enabled rules and writes alert transitions.
type RuleStore struct {
	mu       sync.RWMutex
	rules    map[string]*AlertRule
	alerts   map[string]*Alert
	channels map[string]*AlertChannel

	// bindings maps rule id to the set of bound channel ids.
	bindings map[string]map[string]bool
}

// NewRuleStore creates an empty store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		rules:    make(map[string]*AlertRule),
		alerts:   make(map[string]*Alert),
		channels: make(map[string]*AlertChannel),
		bindings: make(map[string]map[string]bool),
	}
}

// CreateRule validates and stores a new rule, assigning its id.
func (s *RuleStore) CreateRule(rule AlertRule) (AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	now := time.Now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastEvaluatedAt = nil
	rule.LastTriggeredAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = &rule
	return rule, nil
}

// GetRule returns a rule by id.
func (s *RuleStore) GetRule(id string) (AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return AlertRule{}, ErrNotFound
	}
	return *rule, nil
}

// UpdateRule replaces a rule's user-editable fields. Evaluator bookkeeping
// (last_evaluated_at, last_triggered_at) is preserved.
func (s *RuleStore) UpdateRule(id string, upd AlertRule) (AlertRule, error) {
	if err := upd.Validate(); err != nil {
		return AlertRule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return AlertRule{}, ErrNotFound
	}
	rule.Name = upd.Name
	rule.RuleType = upd.RuleType
	rule.Config = upd.Config
	rule.ThresholdValue = upd.ThresholdValue
	rule.ThresholdOperator = upd.ThresholdOperator
	rule.TimeWindow = upd.TimeWindow
	rule.IsEnabled = upd.IsEnabled
	rule.UpdatedAt = time.Now().UTC()
	return *rule, nil
}

// DeleteRule removes a rule and its channel bindings. Historical alerts for
// the rule are kept.
func (s *RuleStore) DeleteRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	delete(s.bindings, id)
	return nil
}

// ListRules returns a project's rules, newest first.
func (s *RuleStore) ListRules(projectID string) []AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AlertRule
	for _, rule := range s.rules {
		if rule.ProjectID == projectID {
			out = append(out, *rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListEnabledRules returns every enabled rule across all projects.
func (s *RuleStore) ListEnabledRules() []AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AlertRule
	for _, rule := range s.rules {
		if rule.IsEnabled {
			out = append(out, *rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkEvaluated records that the rule was evaluated at t; triggered also
// advances last_triggered_at.
func (s *RuleStore) MarkEvaluated(id string, t time.Time, triggered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return
	}
	ts := t
	rule.LastEvaluatedAt = &ts
	if triggered {
		ts2 := t
		rule.LastTriggeredAt = &ts2
	}
}

// CreateAlert stores a new alert instance, assigning its id.
func (s *RuleStore) CreateAlert(alert Alert) Alert {
	alert.ID = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = &alert
	return alert
}

// ResolveAlert transitions an alert to resolved at t.
func (s *RuleStore) ResolveAlert(id string, t time.Time) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	alert.Status = StatusResolved
	ts := t
	alert.ResolvedAt = &ts
	return *alert, nil
}

// FindFiringByRule returns the rule's open firing alert, if any.
func (s *RuleStore) FindFiringByRule(ruleID string) (Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, alert := range s.alerts {
		if alert.RuleID == ruleID && alert.Status == StatusFiring {
			return *alert, true
		}
	}
	return Alert{}, false
}

// ListAlerts returns a project's alerts, newest first.
func (s *RuleStore) ListAlerts(projectID string) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, alert := range s.alerts {
		if alert.ProjectID == projectID {
			out = append(out, *alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// CreateChannel stores a new channel, assigning its id.
func (s *RuleStore) CreateChannel(ch AlertChannel) (AlertChannel, error) {
	if ch.ChannelType != ChannelWebhook {
		return AlertChannel{}, errors.New("unsupported channel type")
	}
	if ch.Config.URL == "" {
		return AlertChannel{}, errors.New("webhook channel requires config.url")
	}
	ch.ID = uuid.NewString()
	ch.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = &ch
	return ch, nil
}

// DeleteChannel removes a channel and unbinds it from every rule.
func (s *RuleStore) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return ErrNotFound
	}
	delete(s.channels, id)
	for _, set := range s.bindings {
		delete(set, id)
	}
	return nil
}

// ListChannels returns a project's channels.
func (s *RuleStore) ListChannels(projectID string) []AlertChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AlertChannel
	for _, ch := range s.channels {
		if ch.ProjectID == projectID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// BindChannels replaces the set of channels notified by a rule. Every
// channel must belong to the rule's project.
func (s *RuleStore) BindChannels(ruleID string, channelIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	set := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		ch, ok := s.channels[id]
		if !ok || ch.ProjectID != rule.ProjectID {
			return ErrNotFound
		}
		set[id] = true
	}
	s.bindings[ruleID] = set
	return nil
}

// ChannelsForRule returns the enabled channels bound to a rule.
func (s *RuleStore) ChannelsForRule(ruleID string) []AlertChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AlertChannel
	for id := range s.bindings[ruleID] {
		ch, ok := s.channels[id]
		if ok && ch.IsEnabled {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
