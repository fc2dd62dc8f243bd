// Package stream implements the two roles of a versioned change stream: the
// Producer, which assigns version numbers to local edits and durably flushes
// them, and the Follower, which replays a remote producer's stream and
// repairs gaps from the authoritative log.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"codealong/internal/schedule"
)

// Defaults matching the client editors' original cadence.
const (
	DefaultFlushInterval = 3 * time.Second
	DefaultStaleAfter    = 30 * time.Second
)

// PendingChange is one locally-produced change awaiting server confirmation.
type PendingChange struct {
	Version    int             `json:"changeNumber"`
	Change     json.RawMessage `json:"changesetJSON"`
	TS         int64           `json:"ts"`
	FileName   string          `json:"fileName,omitempty"`
	ProducedAt time.Time       `json:"-"`
}

// Flusher posts a batch of pending changes to durable storage and returns
// the server's committed version (the next change number it expects).
type Flusher interface {
	Flush(ctx context.Context, pending []PendingChange) (int, error)
}

// Producer is the local edit buffer: it assigns sequential version numbers
// to edits, hands each one to the broadcast path immediately, and flushes
// the queue to durable storage on a timer with at-least-once retry. It never
// silently drops a change.
type Producer struct {
	mu      sync.Mutex
	version int // next version to assign
	queue   []PendingChange
	ended   bool

	flusher   Flusher
	broadcast func(PendingChange) // immediate fan-out; may be nil
	fileName  string

	task     *schedule.Task
	inFlight bool

	lastFlushOK time.Time
	staleAfter  time.Duration
	warned      bool
	onStale     func(error)

	now func() time.Time // test hook
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithBroadcast sets the immediate fan-out hook called synchronously on
// every recorded change.
func WithBroadcast(fn func(PendingChange)) ProducerOption {
	return func(p *Producer) { p.broadcast = fn }
}

// WithFileName tags every produced change with a file name.
func WithFileName(name string) ProducerOption {
	return func(p *Producer) { p.fileName = name }
}

// WithStaleWarning installs the degraded-sync warning, raised once per
// outage after flushes have been failing for staleAfter.
func WithStaleWarning(staleAfter time.Duration, fn func(error)) ProducerOption {
	return func(p *Producer) {
		p.staleAfter = staleAfter
		p.onStale = fn
	}
}

// NewProducer creates a producer whose next change gets version
// startVersion.
func NewProducer(startVersion int, flusher Flusher, opts ...ProducerOption) *Producer {
	p := &Producer{
		version:     startVersion,
		flusher:     flusher,
		staleAfter:  DefaultStaleAfter,
		now:         time.Now,
		lastFlushOK: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Record assigns the next version number to a local edit, queues it for the
// next flush, and fans it out immediately. Returns the assigned version, or
// -1 if the session has ended.
func (p *Producer) Record(change json.RawMessage) int {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return -1
	}
	pc := PendingChange{
		Version:    p.version,
		Change:     change,
		TS:         p.now().UnixMilli(),
		FileName:   p.fileName,
		ProducedAt: p.now(),
	}
	p.version++
	p.queue = append(p.queue, pc)
	broadcast := p.broadcast
	p.mu.Unlock()

	// Fan-out happens outside the lock and outside the flush path: the
	// broadcast edge never buffers.
	if broadcast != nil {
		broadcast(pc)
	}
	return pc.Version
}

// Start schedules periodic flushes.
func (p *Producer) Start(interval time.Duration) {
	if p.task != nil {
		return
	}
	p.task = schedule.Every(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		p.Flush(ctx)
	})
}

// Version returns the next version the producer will assign.
func (p *Producer) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Pending returns a copy of the unacknowledged queue.
func (p *Producer) Pending() []PendingChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PendingChange(nil), p.queue...)
}

// Flush posts the whole pending queue and discards entries the server has
// committed. Overlapping calls coalesce: if a flush is already in flight,
// the call returns immediately and the queue waits for the next tick.
func (p *Producer) Flush(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	batch := append([]PendingChange(nil), p.queue...)
	p.mu.Unlock()

	committed, err := p.flusher.Flush(ctx, batch)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false

	if err != nil {
		if p.onStale != nil && !p.warned && p.now().Sub(p.lastFlushOK) > p.staleAfter {
			p.warned = true
			p.onStale(fmt.Errorf("no successful flush since %s: %w",
				p.lastFlushOK.Format(time.RFC3339), err))
		}
		return
	}

	p.lastFlushOK = p.now()
	p.warned = false

	// Retention boundary is >=: any entry whose version is below the
	// server's next expected change number has been committed.
	kept := p.queue[:0]
	for _, pc := range p.queue {
		if pc.Version >= committed {
			kept = append(kept, pc)
		}
	}
	p.queue = kept
	if len(p.queue) > 0 {
		log.Printf("flush acknowledged through #%d but %d change(s) remain queued; will retry",
			committed, len(p.queue))
	}
}

// End moves the producer to its terminal state: no further edits are
// accepted, the flush timer stops, and the queue is force-flushed once.
func (p *Producer) End(ctx context.Context) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.mu.Unlock()

	if p.task != nil {
		p.task.Stop()
	}

	// Wait out a flush the timer already has in flight, then make one
	// final attempt at whatever it left behind.
	for {
		p.mu.Lock()
		busy := p.inFlight
		p.mu.Unlock()
		if !busy {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	p.Flush(ctx)
}
