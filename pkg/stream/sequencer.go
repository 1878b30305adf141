package stream

import (
	"context"
	"sync"
)

// Sequencer enforces stream ordering on top of another Emitter:
// an item_update is forwarded only after an item with the same key, and
// nothing is forwarded after a terminal event.
type Sequencer struct {
	next Emitter

	mu      sync.Mutex
	seen    map[string]struct{}
	done    bool
	dropped int
}

func NewSequencer(next Emitter) *Sequencer {
	return &Sequencer{next: next, seen: make(map[string]struct{})}
}

func (s *Sequencer) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		s.dropped++
		return nil
	}
	switch ev.Type {
	case TypeItem:
		s.seen[ev.Key()] = struct{}{}
	case TypeItemUpdate:
		if _, ok := s.seen[ev.Key()]; !ok {
			s.dropped++
			return nil
		}
	}
	if ev.Terminal() {
		s.done = true
	}
	return s.next.Emit(ctx, ev)
}

// Dropped returns how many events were suppressed.
func (s *Sequencer) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done reports whether a terminal event has been forwarded.
func (s *Sequencer) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
