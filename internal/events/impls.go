package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/InsulaLabs/agentgate/models"
)

type delivery struct {
	event models.Event
	done  chan struct{}
}

// Subscription is the bus-side handle of a registered subscriber. Events are
// handed to the subscriber one at a time, in emit order.
type Subscription struct {
	id     string
	sub    Subscriber
	bus    *Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stalled bool
	closed  bool
	pending []delivery
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Unsubscribe() {
	s.bus.Unregister(s)
}

// deliver queues event for the subscriber. The returned channel closes once
// the subscriber has handled it; wait is false when the caller should not
// block on it because the subscriber is gone or already behind.
func (s *Subscription) deliver(ctx context.Context, event models.Event) (done <-chan struct{}, wait bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	d := delivery{event: event, done: make(chan struct{})}
	if s.running {
		s.pending = append(s.pending, d)
		return d.done, !s.stalled
	}

	s.running = true
	go s.run(ctx, d)
	return d.done, !s.stalled
}

func (s *Subscription) run(ctx context.Context, d delivery) {
	for {
		s.invoke(ctx, d.event)
		close(d.done)

		s.mu.Lock()
		if len(s.pending) == 0 || s.closed {
			for _, p := range s.pending {
				close(p.done)
			}
			s.pending = nil
			s.running = false
			s.stalled = false
			s.mu.Unlock()
			return
		}
		d = s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.mu.Unlock()
	}
}

func (s *Subscription) invoke(ctx context.Context, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber panicked while handling event",
				"subscription", s.id,
				"topic", event.Topic,
				"wallet_id", event.WalletID,
				"panic", r,
			)
		}
	}()
	s.sub.OnEvent(ctx, event)
}

func (s *Subscription) markStalled() {
	s.mu.Lock()
	if s.running {
		s.stalled = true
	}
	s.mu.Unlock()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
