package sse

import (
	"context"
	"log/slog"
	"sync"

	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/google/uuid"
)

type Key struct {
	WalletID string
	Topic    string
}

/*
	Manager owns one queue per open stream, grouped by (wallet, topic).
	Buffering is decided on the exact key: an event goes to every queue open
	for its key, and with none open it is parked in the undelivered store and
	handed to the next stream that opens for that key. Streams on TopicAll
	are observers. They get a copy of every event of their wallet but never
	stand in for the key's own queues.

	A TopicAll stream takes the whole wallet backlog when it opens.

	An event a stream holds alone (it was the only queue for the key, or it
	came from the backlog) is handed on when the stream closes unread: to the
	key's other open queues, or back to the store. Events that reached several
	queues are never handed on, so nothing is delivered twice.

	One mutex covers the stream table and the undelivered store so that the
	"anyone listening?" check and the resulting broadcast or buffer happen
	atomically with Open and Close.
*/

type Manager struct {
	logger      *slog.Logger
	undelivered UndeliveredStore

	mu      sync.Mutex
	streams map[Key]map[*Stream]struct{}
}

var _ events.Subscriber = (*Manager)(nil)

func NewManager(logger *slog.Logger, undelivered UndeliveredStore) *Manager {
	return &Manager{
		logger:      logger.WithGroup("sse"),
		undelivered: undelivered,
		streams:     make(map[Key]map[*Stream]struct{}),
	}
}

func (m *Manager) OnEvent(_ context.Context, event models.Event) {
	m.Enqueue(event)
}

// Open registers a new stream for (walletID, topic) and primes it with
// whatever was buffered for that key. The caller must Close it.
func (m *Manager) Open(walletID, topic string) (*Stream, error) {
	key := Key{WalletID: walletID, Topic: topic}
	s := &Stream{
		id:      uuid.NewString(),
		key:     key,
		manager: m,
		signal:  make(chan struct{}, 1),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	backlog, err := m.undelivered.Drain(walletID, topic)
	if err != nil {
		return nil, err
	}
	s.push(true, backlog...)

	set, ok := m.streams[key]
	if !ok {
		set = make(map[*Stream]struct{})
		m.streams[key] = set
	}
	set[s] = struct{}{}

	m.logger.Debug("Stream opened",
		"stream", s.id,
		"wallet_id", walletID,
		"topic", topic,
		"backlog", len(backlog),
	)
	return s, nil
}

// Enqueue broadcasts event to every open stream for its key, or buffers it
// when there is none. The wallet's TopicAll streams get a copy either way.
// Nothing is dropped.
func (m *Manager) Enqueue(event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliverLocked(event)
	if event.Topic == models.TopicAll {
		return
	}
	for s := range m.streams[Key{WalletID: event.WalletID, Topic: models.TopicAll}] {
		s.push(false, event)
	}
}

// deliverLocked gives event to the queues of its own key, or to the store
// when there are none.
func (m *Manager) deliverLocked(event models.Event) {
	owners := m.streams[Key{WalletID: event.WalletID, Topic: event.Topic}]
	if len(owners) == 0 {
		if err := m.undelivered.Append(event); err != nil {
			m.logger.Error("Failed to buffer undelivered event",
				"wallet_id", event.WalletID,
				"topic", event.Topic,
				"error", err,
			)
		}
		return
	}
	sole := len(owners) == 1
	for s := range owners {
		s.push(sole, event)
	}
}

func (m *Manager) close(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.streams[s.key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(m.streams, s.key)
	}

	handedOn := 0
	for _, q := range s.drain() {
		if !q.owned {
			continue
		}
		m.deliverLocked(q.event)
		handedOn++
	}

	m.logger.Debug("Stream closed",
		"stream", s.id,
		"wallet_id", s.key.WalletID,
		"topic", s.key.Topic,
		"handed_on", handedOn,
	)
}

// StreamCount returns the number of open streams for key.
func (m *Manager) StreamCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[key])
}

// Pending returns how many events are buffered for key.
func (m *Manager) Pending(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.undelivered.Len(key.WalletID, key.Topic)
	if err != nil {
		m.logger.Error("Failed to count undelivered events", "error", err)
	}
	return n
}
