package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
)

// LoggedChange is one committed entry of the authoritative change log, as
// returned by a suffix fetch.
type LoggedChange struct {
	Version int             `json:"changeNumber"`
	Change  json.RawMessage `json:"change"`
}

// SuffixFetcher retrieves every committed change with version >= from.
type SuffixFetcher interface {
	ChangesSince(ctx context.Context, from int) ([]LoggedChange, error)
}

// Applier is the follower's view of the local document replica.
type Applier interface {
	// Apply integrates the change committed at version into the replica.
	Apply(version int, change json.RawMessage) error
	// Len reports the replica's current length in characters.
	Len() int
}

// Cursor is a selection range in the producer's document.
type Cursor struct {
	Anchor int
	Head   int
}

// Follower replays a producer's broadcast stream in version order. Changes
// that arrive early are buffered; a gap triggers a catch-up fetch from the
// authoritative log. Exactly one catch-up runs at a time, and a change is
// applied at most once.
type Follower struct {
	mu       sync.Mutex
	expected int
	pending  map[int]json.RawMessage
	cursor   Cursor

	doc     Applier
	fetcher SuffixFetcher

	catchupInFlight bool
	failed          bool
	onDesync        func(error)
}

// NewFollower creates a follower whose replica already contains every
// change below startVersion. onDesync, if non-nil, is invoked once when the
// follower detects an unrecoverable divergence; after that every event is
// ignored.
func NewFollower(startVersion int, doc Applier, fetcher SuffixFetcher, onDesync func(error)) *Follower {
	return &Follower{
		expected: startVersion,
		pending:  make(map[int]json.RawMessage),
		doc:      doc,
		fetcher:  fetcher,
		onDesync: onDesync,
	}
}

// Expected returns the next version the follower is waiting for.
func (f *Follower) Expected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expected
}

// Failed reports whether the follower has given up after a desync.
func (f *Follower) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// HandleEdit processes one broadcast change. In-order changes apply
// immediately and drain any buffered successors; early changes are buffered
// and kick off a catch-up; stale duplicates are dropped.
func (f *Follower) HandleEdit(ctx context.Context, version int, change json.RawMessage) error {
	f.mu.Lock()
	if f.failed {
		f.mu.Unlock()
		return nil
	}

	switch {
	case version < f.expected:
		// Already applied, seen again via catch-up/broadcast overlap.
		f.mu.Unlock()
		return nil

	case version == f.expected:
		if err := f.applyLocked(version, change); err != nil {
			f.mu.Unlock()
			return err
		}
		err := f.drainLocked()
		f.mu.Unlock()
		return err

	default: // version > f.expected: a gap
		f.pending[version] = change
		if f.catchupInFlight {
			// Another call is already fetching; it will pick this
			// buffered change up when it drains.
			f.mu.Unlock()
			return nil
		}
		f.catchupInFlight = true
		f.mu.Unlock()
		return f.catchUp(ctx)
	}
}

// HandleCursor records the producer's latest selection, clamped to the
// replica so a cursor that raced ahead of an unapplied change cannot point
// past the end of the document.
func (f *Follower) HandleCursor(anchor, head int) Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.doc.Len()
	f.cursor = Cursor{Anchor: clamp(anchor, n), Head: clamp(head, n)}
	return f.cursor
}

// Cursor returns the last recorded producer selection.
func (f *Follower) Cursor() Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// catchUp fetches the committed suffix starting at expected and applies it,
// then drains the out-of-order buffer. If a buffered change is still ahead
// of the log afterwards, the streams have diverged beyond repair.
func (f *Follower) catchUp(ctx context.Context) error {
	f.mu.Lock()
	from := f.expected
	f.mu.Unlock()

	suffix, err := f.fetcher.ChangesSince(ctx, from)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.catchupInFlight = false
	if err != nil {
		return fmt.Errorf("catch-up from #%d: %w", from, err)
	}

	sort.Slice(suffix, func(i, j int) bool { return suffix[i].Version < suffix[j].Version })
	for _, lc := range suffix {
		if lc.Version < f.expected {
			continue
		}
		if lc.Version > f.expected {
			return f.failLocked(fmt.Errorf("log has a hole: expected #%d, got #%d", f.expected, lc.Version))
		}
		if err := f.applyLocked(lc.Version, lc.Change); err != nil {
			return err
		}
	}
	if err := f.drainLocked(); err != nil {
		return err
	}

	for v := range f.pending {
		if v >= f.expected {
			return f.failLocked(fmt.Errorf("broadcast is ahead of the committed log: expected #%d, holding #%d", f.expected, v))
		}
		delete(f.pending, v)
	}
	return nil
}

// drainLocked applies consecutively buffered changes. Caller holds f.mu.
func (f *Follower) drainLocked() error {
	for {
		change, ok := f.pending[f.expected]
		if !ok {
			return nil
		}
		delete(f.pending, f.expected)
		if err := f.applyLocked(f.expected, change); err != nil {
			return err
		}
	}
}

// applyLocked applies one in-order change. Caller holds f.mu.
func (f *Follower) applyLocked(version int, change json.RawMessage) error {
	if err := f.doc.Apply(version, change); err != nil {
		return f.failLocked(fmt.Errorf("apply #%d: %w", version, err))
	}
	f.expected = version + 1
	return nil
}

// failLocked moves the follower to its terminal failed state. Caller holds
// f.mu.
func (f *Follower) failLocked(err error) error {
	f.failed = true
	f.pending = make(map[int]json.RawMessage)
	log.Printf("follower desynced: %v", err)
	if f.onDesync != nil {
		f.onDesync(err)
	}
	return err
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
