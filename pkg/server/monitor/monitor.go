// Package monitor tracks the health of the engine's background tasks for
// the health endpoint.
package monitor

import (
	"sync"
	"time"
)

// TaskMonitor tracks one periodic task's success and failure history.
type TaskMonitor struct {
	name string

	// staleAfter is how long without a success before the task counts as
	// unhealthy.
	staleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates a monitor for a named task.
func NewTaskMonitor(name string, staleAfter time.Duration) *TaskMonitor {
	return &TaskMonitor{name: name, staleAfter: staleAfter}
}

// RecordSuccess records a successful pass.
func (tm *TaskMonitor) RecordSuccess() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastSuccess = time.Now()
	tm.lastAttempt = time.Now()
	tm.consecutiveErrors = 0
	tm.lastError = ""
}

// RecordFailure records a failed pass.
func (tm *TaskMonitor) RecordFailure(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastAttempt = time.Now()
	tm.consecutiveErrors++
	if err != nil {
		tm.lastError = err.Error()
	}
}

// IsHealthy returns true if the task is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded within staleAfter
//   - More than 3 consecutive failures
func (tm *TaskMonitor) IsHealthy() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.healthyLocked()
}

// healthyLocked expects tm.mu held. Re-acquiring the read lock here would
// deadlock Status against a writer waiting between the two acquisitions.
func (tm *TaskMonitor) healthyLocked() bool {
	if tm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(tm.lastSuccess) > tm.staleAfter {
		return false
	}
	if tm.consecutiveErrors > 3 {
		return false
	}
	return true
}

// TaskStatus is the task's current state for health checks.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the task's current state.
func (tm *TaskMonitor) Status() TaskStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	status := TaskStatus{
		Name:    tm.name,
		Healthy: tm.healthyLocked(),
	}

	if !tm.lastSuccess.IsZero() {
		status.LastSuccess = tm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(tm.lastSuccess).String()
	}

	if !tm.lastAttempt.IsZero() {
		status.LastAttempt = tm.lastAttempt.Format(time.RFC3339)
	}

	if tm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = tm.consecutiveErrors
		status.LastError = tm.lastError
	}

	return status
}
