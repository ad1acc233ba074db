package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/agentgate/models"
)

/*
	A Waiter lets a request handler trigger an agent operation and then block
	until the event confirming it shows up. It subscribes on construction, so
	create it before triggering the operation. Everything outside its
	(topic, wallet) key is dropped in the callback; the rest is buffered in
	arrival order until a wait consumes it.
*/

type Waiter struct {
	topic    string
	walletID string
	bus      *Bus
	logger   *slog.Logger
	sub      *Subscription

	mu        sync.Mutex
	buffered  []models.Event
	discarded int
	stopped   bool
	signal    chan struct{}
}

var _ Subscriber = (*Waiter)(nil)

func NewWaiter(ctx context.Context, bus *Bus, topic, walletID string) (*Waiter, error) {
	w := &Waiter{
		topic:    topic,
		walletID: walletID,
		bus:      bus,
		logger:   bus.logger.With("waiter_topic", topic, "waiter_wallet_id", walletID),
		signal:   make(chan struct{}, 1),
	}

	sub, err := bus.Register(ctx, w)
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

func (w *Waiter) OnEvent(_ context.Context, event models.Event) {
	if !event.Matches(w.topic, w.walletID) {
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.buffered = append(w.buffered, event)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// WaitForFilteredEvent returns the payload of the first buffered or arriving
// event that matches filter. The waiter is stopped when it returns, whatever
// the outcome, and cannot be reused.
func (w *Waiter) WaitForFilteredEvent(ctx context.Context, filter map[string]any, timeout time.Duration) (map[string]any, error) {
	defer w.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if payload, ok := w.nextMatch(filter); ok {
			w.logger.Debug("Found matching event", "filter", FormatFilter(filter))
			return payload, nil
		}

		select {
		case <-w.signal:
		case <-timer.C:
			w.mu.Lock()
			seen := w.discarded
			w.mu.Unlock()
			w.logger.Warn("Timed out waiting for filtered event",
				"filter", FormatFilter(filter),
				"timeout", timeout,
				"non_matching_seen", seen,
			)
			return nil, &TimeoutError{
				Topic:    w.topic,
				WalletID: w.walletID,
				Filter:   filter,
				Timeout:  timeout,
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Waiter) nextMatch(filter map[string]any) (map[string]any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.buffered) > 0 {
		event := w.buffered[0]
		w.buffered[0] = models.Event{}
		w.buffered = w.buffered[1:]

		if MatchPayload(event.Payload, filter) {
			return event.Payload, true
		}
		w.discarded++
	}
	return nil, false
}

// Stop unregisters from the bus and releases buffered events. Safe to call
// more than once.
func (w *Waiter) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.buffered = nil
	w.mu.Unlock()

	w.bus.Unregister(w.sub)
}
