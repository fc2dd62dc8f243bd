// Package commit implements the server-side ordered commit buffer: the
// staging queue that decouples the low-latency broadcast path from durable,
// transactional persistence of the instructor change log.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"codealong/internal/change"
	"codealong/internal/models"
	"codealong/internal/repository"
	"codealong/internal/schedule"
)

// ChangeLog is what the buffer needs from the document log. Implemented by
// the lecture repository; tests use an in-memory fake.
type ChangeLog interface {
	InstructorDoc(ctx context.Context, sessionID uint) (string, int, error)
	AppendInstructorChange(ctx context.Context, sessionID uint, version int, payload string, ts int64) error
	Transaction(ctx context.Context, fn func(ChangeLog) error) error
}

// Notifier pushes an out-of-sync signal to every observer of one session.
type Notifier interface {
	NotifyOutOfSync(sessionID uint, err error)
}

// Buffer accepts live instructor edits (already forwarded to observers) and
// persists them on a timer. Enqueue is O(1) and does no I/O; all validation
// happens inside the flush transaction.
type Buffer struct {
	mu    sync.Mutex
	queue []models.EditEvent

	log      ChangeLog
	notifier Notifier
	task     *schedule.Task

	flushMu sync.Mutex // one flush cycle at a time
}

// New creates a commit buffer. Call Start to begin periodic flushing.
func New(changeLog ChangeLog, notifier Notifier) *Buffer {
	return &Buffer{log: changeLog, notifier: notifier}
}

// Enqueue stages one live edit for the next flush tick.
func (b *Buffer) Enqueue(ev models.EditEvent) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
}

// Start schedules periodic flushes. One timer per buffer; flush cycles never
// overlap.
func (b *Buffer) Start(interval time.Duration) {
	if b.task != nil {
		return
	}
	b.task = schedule.Every(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := b.Flush(ctx); err != nil {
			log.Printf("commit buffer flush: %v", err)
		}
	})
	log.Printf("✓ Commit buffer started (flush every %s)", interval)
}

// Stop cancels the flush timer and runs one final flush.
func (b *Buffer) Stop() {
	if b.task != nil {
		b.task.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		log.Printf("commit buffer final flush: %v", err)
	}
}

// Flush drains the queue and commits each session's changes in version order
// inside one transaction per session. A version gap or conflict keeps the
// valid prefix, discards that session's remaining changes for this tick, and
// notifies its observers; other sessions commit normally.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(queue) == 0 {
		return nil
	}

	var firstErr error
	for sessionID, events := range partitionBySession(queue) {
		if err := b.flushSession(ctx, sessionID, events); err != nil {
			if errors.Is(err, repository.ErrSessionClosed) {
				// The producer should have stopped; drop with a note.
				log.Printf("session %d: dropping %d change(s) after close", sessionID, len(events))
				continue
			}
			log.Printf("session %d out of sync: %v", sessionID, err)
			if b.notifier != nil {
				b.notifier.NotifyOutOfSync(sessionID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// flushSession commits one session's changes in order. Everything up to the
// first bad change is kept: the changes before a gap really happened, and
// discarding them would punish observers for a fault that arrives later in
// the batch. A storage error still rolls back the whole transaction.
func (b *Buffer) flushSession(ctx context.Context, sessionID uint, events []models.EditEvent) error {
	// Arrival order is not guaranteed; sort defensively. A true duplicate
	// version survives the sort and stops the scan as a conflict below.
	sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })

	var failure error
	err := b.log.Transaction(ctx, func(tx ChangeLog) error {
		doc, version, err := tx.InstructorDoc(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Version != version {
				failure = fmt.Errorf("expected change #%d but got #%d: %w",
					version, ev.Version, repository.ErrVersionConflict)
				break
			}
			c, err := change.Decode(ev.Changes)
			if err != nil {
				failure = err
				break
			}
			if doc, err = c.Apply(doc); err != nil {
				failure = err
				break
			}
			if err := tx.AppendInstructorChange(ctx, sessionID, ev.Version, string(ev.Changes), ev.TS); err != nil {
				return err
			}
			version++
		}
		// Returning nil commits the verified prefix even when a later
		// change in the batch was bad.
		return nil
	})
	if err != nil {
		return err
	}
	return failure
}

func partitionBySession(queue []models.EditEvent) map[uint][]models.EditEvent {
	out := make(map[uint][]models.EditEvent)
	for _, ev := range queue {
		out[ev.SessionID] = append(out[ev.SessionID], ev)
	}
	return out
}
