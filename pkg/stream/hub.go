package stream

import (
	"context"
	"io"
	"sync"
)

// Hub fans one scan's events out to any number of subscribers. Subscribers
// joining late first receive every event emitted so far. Emit never blocks on
// a slow subscriber.
type Hub struct {
	mu      sync.Mutex
	history []Event
	subs    map[*Subscription]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Emit records ev and queues it for every subscriber. Events after a terminal
// event are ignored.
func (h *Hub) Emit(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.history = append(h.history, ev)
	terminal := ev.Terminal()
	if terminal {
		h.closed = true
	}
	for s := range h.subs {
		s.push(ev, terminal)
	}
	if terminal {
		h.subs = make(map[*Subscription]struct{})
	}
	return nil
}

// Subscribe returns a subscription primed with the replay buffer.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscription{
		hub:    h,
		queue:  append([]Event(nil), h.history...),
		notify: make(chan struct{}, 1),
		done:   h.closed,
	}
	if !h.closed {
		h.subs[s] = struct{}{}
	}
	return s
}

// Closed reports whether a terminal event has been emitted.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Len returns the number of events emitted so far.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Subscription is one reader of a Hub.
type Subscription struct {
	hub    *Hub
	notify chan struct{}

	mu    sync.Mutex
	queue []Event
	done  bool
}

func (s *Subscription) push(ev Event, terminal bool) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if terminal {
		s.done = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. It returns io.EOF once the
// terminal event has been delivered, or ctx.Err() if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		done := s.done
		s.mu.Unlock()
		if done {
			return Event{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Forward copies events to dst until the stream ends.
func (s *Subscription) Forward(ctx context.Context, dst Emitter) error {
	defer s.Close()
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := dst.Emit(ctx, ev); err != nil {
			return err
		}
	}
}

// Close detaches the subscription. The scan is unaffected.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Recorder collects events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

var (
	_ Emitter = (*Hub)(nil)
	_ Emitter = (*Sequencer)(nil)
	_ Emitter = (*Recorder)(nil)
)
