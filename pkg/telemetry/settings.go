package telemetry

import (
	"sync"
	"time"
)

// ProjectSettings is what this engine reads from the external
// project-settings store. Changes take effect on the next maintenance or
// rollup cycle, never retroactively mid-cycle.
type ProjectSettings struct {
	LogsRetentionDays    int
	MetricsRetentionDays int
	TracesRetentionDays  int

	// RollupLagOverride, when non-zero, replaces the global lag tolerance
	// for this project's aggregate finalization.
	RollupLagOverride time.Duration
}

// RetentionDays returns the retention for one stream.
func (s ProjectSettings) RetentionDays(stream Stream) int {
	switch stream {
	case StreamLogs:
		return s.LogsRetentionDays
	case StreamMetrics:
		return s.MetricsRetentionDays
	case StreamSpans:
		return s.TracesRetentionDays
	}
	return 0
}

// Retention returns the retention window for one stream as a duration.
func (s ProjectSettings) Retention(stream Stream) time.Duration {
	return time.Duration(s.RetentionDays(stream)) * 24 * time.Hour
}

// SettingsProvider is the boundary to the external project-settings store.
type SettingsProvider interface {
	Settings(projectID string) ProjectSettings
}

// DefaultSettings matches the defaults applied to newly created projects.
var DefaultSettings = ProjectSettings{
	LogsRetentionDays:    30,
	MetricsRetentionDays: 14,
	TracesRetentionDays:  7,
}

// StaticSettings is an in-memory SettingsProvider. Projects without an
// explicit entry get DefaultSettings.
type StaticSettings struct {
	mu       sync.RWMutex
	projects map[string]ProjectSettings
}

// NewStaticSettings creates an empty provider.
func NewStaticSettings() *StaticSettings {
	return &StaticSettings{projects: make(map[string]ProjectSettings)}
}

// Set stores settings for a project.
func (s *StaticSettings) Set(projectID string, settings ProjectSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = settings
}

// Settings returns the project's settings or the defaults.
func (s *StaticSettings) Settings(projectID string) ProjectSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if settings, ok := s.projects[projectID]; ok {
		return settings
	}
	return DefaultSettings
}
