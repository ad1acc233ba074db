package sse

import (
	"sync"

	"github.com/InsulaLabs/agentgate/models"
)

// Stream is a single client's FIFO of events for one key.
type Stream struct {
	id      string
	key     Key
	manager *Manager

	mu     sync.Mutex
	queue  []queued
	closed bool
	signal chan struct{}
}

// queued is an event in a stream's queue. owned is set when no other stream
// or buffer holds the event, so it has to be handed on if never read.
type queued struct {
	event models.Event
	owned bool
}

func (s *Stream) ID() string { return s.id }
func (s *Stream) Key() Key   { return s.key }

func (s *Stream) push(owned bool, evs ...models.Event) {
	if len(evs) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, e := range evs {
		s.queue = append(s.queue, queued{event: e, owned: owned})
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest queued event without blocking.
func (s *Stream) TryNext() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return models.Event{}, false
	}
	q := s.queue[0]
	s.queue[0] = queued{}
	s.queue = s.queue[1:]
	return q.event, true
}

// Ready fires after new events are queued.
func (s *Stream) Ready() <-chan struct{} {
	return s.signal
}

// Close detaches the stream from its manager. Safe to call more than once.
func (s *Stream) Close() {
	s.manager.close(s)
}

func (s *Stream) drain() []queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	rest := s.queue
	s.queue = nil
	return rest
}
