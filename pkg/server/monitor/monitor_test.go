package monitor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthTransitions(t *testing.T) {
	tm := NewTaskMonitor("maintenance", time.Minute)

	// Never succeeded.
	require.False(t, tm.IsHealthy())
	status := tm.Status()
	require.False(t, status.Healthy)
	require.Equal(t, "maintenance", status.Name)

	tm.RecordSuccess()
	require.True(t, tm.IsHealthy())
	status = tm.Status()
	require.True(t, status.Healthy)
	require.NotEmpty(t, status.LastSuccess)

	// A few failures are tolerated; more than 3 in a row are not.
	for i := 0; i < 3; i++ {
		tm.RecordFailure(errors.New("pass failed"))
	}
	require.True(t, tm.IsHealthy())
	tm.RecordFailure(errors.New("pass failed"))
	require.False(t, tm.IsHealthy())
	status = tm.Status()
	require.Equal(t, 4, status.ConsecutiveErrors)
	require.Equal(t, "pass failed", status.LastError)

	tm.RecordSuccess()
	require.True(t, tm.IsHealthy())
}

func TestStaleTaskUnhealthy(t *testing.T) {
	tm := NewTaskMonitor("rollup", 10*time.Millisecond)
	tm.RecordSuccess()
	require.True(t, tm.IsHealthy())

	time.Sleep(30 * time.Millisecond)
	require.False(t, tm.IsHealthy())
	require.False(t, tm.Status().Healthy)
}

func TestStatusNeverBlocksRecording(t *testing.T) {
	tm := NewTaskMonitor("evaluator", time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				tm.Status()
				tm.IsHealthy()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				tm.RecordSuccess()
				tm.RecordFailure(errors.New("pass failed"))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("status and recording deadlocked")
	}
}
