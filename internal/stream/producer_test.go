package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func eq[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// memFlusher acknowledges up to ack changes per call, or fails when err is
// set.
type memFlusher struct {
	mu      sync.Mutex
	batches [][]PendingChange
	ack     int // committed version to report
	err     error
	block   chan struct{} // when non-nil, Flush waits on it
}

func (f *memFlusher) Flush(ctx context.Context, pending []PendingChange) (int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, append([]PendingChange(nil), pending...))
	return f.ack, nil
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestProducerAssignsSequentialVersions(t *testing.T) {
	var seen []PendingChange
	p := NewProducer(4, &memFlusher{}, WithBroadcast(func(pc PendingChange) {
		seen = append(seen, pc)
	}))

	eq(t, p.Record(raw(`["a"]`)), 4)
	eq(t, p.Record(raw(`[1,"b"]`)), 5)
	eq(t, p.Version(), 6)

	eq(t, len(seen), 2)
	eq(t, seen[0].Version, 4)
	eq(t, seen[1].Version, 5)
	eq(t, len(p.Pending()), 2)
}

func TestProducerFlushDiscardsCommittedPrefix(t *testing.T) {
	fl := &memFlusher{ack: 2} // server committed #0 and #1 only
	p := NewProducer(0, fl)
	p.Record(raw(`["a"]`))
	p.Record(raw(`[1,"b"]`))
	p.Record(raw(`[2,"c"]`))

	p.Flush(context.Background())

	eq(t, len(fl.batches), 1)
	eq(t, len(fl.batches[0]), 3)

	pending := p.Pending()
	eq(t, len(pending), 1)
	eq(t, pending[0].Version, 2)
}

func TestProducerFlushKeepsQueueOnError(t *testing.T) {
	fl := &memFlusher{err: errors.New("boom")}
	p := NewProducer(0, fl)
	p.Record(raw(`["a"]`))
	p.Record(raw(`[1,"b"]`))

	p.Flush(context.Background())

	eq(t, len(p.Pending()), 2)
}

func TestProducerStaleWarningFiresOnce(t *testing.T) {
	fl := &memFlusher{err: errors.New("connection refused")}
	var warnings []error
	p := NewProducer(0, fl, WithStaleWarning(30*time.Second, func(err error) {
		warnings = append(warnings, err)
	}))

	now := time.Now()
	p.now = func() time.Time { return now }
	p.lastFlushOK = now
	p.Record(raw(`["a"]`))

	p.Flush(context.Background())
	eq(t, len(warnings), 0) // failing, but not stale yet

	now = now.Add(31 * time.Second)
	p.Flush(context.Background())
	eq(t, len(warnings), 1)

	now = now.Add(time.Minute)
	p.Flush(context.Background())
	eq(t, len(warnings), 1) // one warning per outage

	// A successful flush resets the outage.
	fl.mu.Lock()
	fl.err = nil
	fl.ack = 1
	fl.mu.Unlock()
	p.Flush(context.Background())

	fl.mu.Lock()
	fl.err = errors.New("down again")
	fl.mu.Unlock()
	p.Record(raw(`[1,"b"]`))
	now = now.Add(time.Minute)
	p.Flush(context.Background())
	eq(t, len(warnings), 2)
}

func TestProducerCoalescesOverlappingFlushes(t *testing.T) {
	fl := &memFlusher{ack: 1, block: make(chan struct{})}
	p := NewProducer(0, fl)
	p.Record(raw(`["a"]`))

	done := make(chan struct{})
	go func() {
		p.Flush(context.Background())
		close(done)
	}()

	// Wait for the first flush to take the in-flight slot.
	for {
		p.mu.Lock()
		busy := p.inFlight
		p.mu.Unlock()
		if busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.Flush(context.Background()) // must return immediately, not double-post
	close(fl.block)
	<-done

	eq(t, len(fl.batches), 1)
	eq(t, len(p.Pending()), 0)
}

func TestProducerEndStopsRecordingAndFlushes(t *testing.T) {
	fl := &memFlusher{ack: 2}
	p := NewProducer(0, fl)
	p.Record(raw(`["a"]`))
	p.Record(raw(`[1,"b"]`))

	p.End(context.Background())

	eq(t, len(fl.batches), 1)
	eq(t, len(p.Pending()), 0)
	eq(t, p.Record(raw(`[2,"c"]`)), -1)

	// End is idempotent and does not flush an empty queue again.
	p.End(context.Background())
	eq(t, len(fl.batches), 1)
}
