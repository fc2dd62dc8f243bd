package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsRepeatedly(t *testing.T) {
	var runs atomic.Int64
	task := Every(5*time.Millisecond, func() { runs.Add(1) })
	defer task.Stop()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d runs before deadline", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	var runs atomic.Int64
	task := Every(5*time.Millisecond, func() { runs.Add(1) })

	for runs.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	task.Stop()
	task.Stop() // idempotent

	settled := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got > settled+1 {
		t.Fatalf("task kept running after Stop: %d runs, had %d", got, settled)
	}
}
