// Package schedule provides the small repeating-task primitive used for the
// producer flush loop and the commit buffer flush loop.
package schedule

import (
	"sync"
	"time"
)

// Task runs a function on a fixed interval until stopped.
type Task struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

// Every schedules fn to run every interval. The first run happens one full
// interval after the call. Runs are sequential; a slow fn delays the next
// tick rather than overlapping it.
func Every(interval time.Duration, fn func()) *Task {
	t := &Task{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()
	return t
}

// Stop cancels the task. Safe to call more than once. A run already in
// progress finishes; no new runs are scheduled.
func (t *Task) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}
