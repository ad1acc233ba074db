package sse

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/InsulaLabs/agentgate/models"
)

// UndeliveredStore buffers events published while no stream was open for
// their (wallet, topic). Implementations must keep per-key arrival order.
type UndeliveredStore interface {
	Append(event models.Event) error
	// Drain removes and returns the buffered events of walletID and topic in
	// arrival order. models.TopicAll drains every topic of the wallet.
	Drain(walletID, topic string) ([]models.Event, error)
	Len(walletID, topic string) (int, error)
	Close() error
}

type Bounds struct {
	MaxPerKey int           // 0 keeps everything
	MaxAge    time.Duration // 0 keeps everything
}

type bufferedEvent struct {
	Seq   uint64       `json:"seq"`
	At    time.Time    `json:"at"`
	Event models.Event `json:"event"`
}

type memoryStore struct {
	logger *slog.Logger
	bounds Bounds
	now    func() time.Time

	mu       sync.Mutex
	seq      uint64
	byWallet map[string]map[string][]bufferedEvent
}

var _ UndeliveredStore = (*memoryStore)(nil)

func NewMemoryStore(logger *slog.Logger, bounds Bounds) UndeliveredStore {
	return &memoryStore{
		logger:   logger.WithGroup("undelivered"),
		bounds:   bounds,
		now:      time.Now,
		byWallet: make(map[string]map[string][]bufferedEvent),
	}
}

func (s *memoryStore) Append(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics, ok := s.byWallet[event.WalletID]
	if !ok {
		topics = make(map[string][]bufferedEvent)
		s.byWallet[event.WalletID] = topics
	}

	buf := s.prune(topics[event.Topic])
	if s.bounds.MaxPerKey > 0 && len(buf) >= s.bounds.MaxPerKey {
		dropped := len(buf) - s.bounds.MaxPerKey + 1
		s.logger.Warn("Undelivered buffer full, dropping oldest events",
			"wallet_id", event.WalletID,
			"topic", event.Topic,
			"dropped", dropped,
		)
		buf = buf[dropped:]
	}

	s.seq++
	topics[event.Topic] = append(buf, bufferedEvent{Seq: s.seq, At: s.now(), Event: event})
	return nil
}

func (s *memoryStore) Drain(walletID, topic string) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics, ok := s.byWallet[walletID]
	if !ok {
		return nil, nil
	}

	var collected []bufferedEvent
	if topic == models.TopicAll {
		for t, buf := range topics {
			collected = append(collected, s.prune(buf)...)
			delete(topics, t)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].Seq < collected[j].Seq })
	} else {
		collected = s.prune(topics[topic])
		delete(topics, topic)
	}
	if len(topics) == 0 {
		delete(s.byWallet, walletID)
	}

	return unwrap(collected), nil
}

func (s *memoryStore) Len(walletID, topic string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for t, buf := range s.byWallet[walletID] {
		if topic == models.TopicAll || t == topic {
			n += len(s.prune(buf))
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	return nil
}

// prune drops expired events from the head of buf.
func (s *memoryStore) prune(buf []bufferedEvent) []bufferedEvent {
	if s.bounds.MaxAge <= 0 {
		return buf
	}
	cutoff := s.now().Add(-s.bounds.MaxAge)
	i := 0
	for i < len(buf) && buf[i].At.Before(cutoff) {
		i++
	}
	return buf[i:]
}

func unwrap(buf []bufferedEvent) []models.Event {
	if len(buf) == 0 {
		return nil
	}
	out := make([]models.Event, len(buf))
	for i, b := range buf {
		out[i] = b.Event
	}
	return out
}
