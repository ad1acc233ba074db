package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/InsulaLabs/agentgate/db/tkv"
	"github.com/InsulaLabs/agentgate/models"
)

const undeliveredPrefix = "undelivered"

// tkvStore keeps the undelivered buffer in a badger-backed TKV. MaxAge maps
// onto badger entry TTLs.
type tkvStore struct {
	logger *slog.Logger
	store  tkv.TKV
	bounds Bounds

	mu  sync.Mutex
	seq uint64
}

var _ UndeliveredStore = (*tkvStore)(nil)

func NewTKVStore(logger *slog.Logger, store tkv.TKV, bounds Bounds) UndeliveredStore {
	return &tkvStore{
		logger: logger.WithGroup("undelivered"),
		store:  store,
		bounds: bounds,
		// Keys stay ordered even if the store outlives a restart.
		seq: uint64(time.Now().UnixNano()),
	}
}

func walletPrefix(walletID string) string {
	return fmt.Sprintf("%s/%s/", undeliveredPrefix, url.PathEscape(walletID))
}

func keyPrefix(walletID, topic string) string {
	return walletPrefix(walletID) + url.PathEscape(topic) + "/"
}

func (s *tkvStore) Append(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := keyPrefix(event.WalletID, event.Topic)
	if s.bounds.MaxPerKey > 0 {
		existing, err := s.store.Keys(prefix, 0)
		if err != nil {
			return err
		}
		if over := len(existing) - s.bounds.MaxPerKey + 1; over > 0 {
			keys := existing[:over]
			s.logger.Warn("Undelivered buffer full, dropping oldest events",
				"wallet_id", event.WalletID,
				"topic", event.Topic,
				"dropped", over,
			)
			if err := s.store.BatchDelete(keys); err != nil {
				return err
			}
		}
	}

	s.seq++
	record := bufferedEvent{Seq: s.seq, At: time.Now(), Event: event}
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.store.Set(fmt.Sprintf("%s%020d", prefix, record.Seq), value, s.bounds.MaxAge)
}

func (s *tkvStore) Drain(walletID, topic string) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := keyPrefix(walletID, topic)
	if topic == models.TopicAll {
		prefix = walletPrefix(walletID)
	}

	entries, err := s.store.Scan(prefix, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	records := make([]bufferedEvent, 0, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
		var record bufferedEvent
		if err := json.Unmarshal(e.Value, &record); err != nil {
			s.logger.Error("Skipping corrupt undelivered record", "key", e.Key, "error", err)
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	if err := s.store.BatchDelete(keys); err != nil {
		return nil, err
	}
	return unwrap(records), nil
}

func (s *tkvStore) Len(walletID, topic string) (int, error) {
	prefix := keyPrefix(walletID, topic)
	if topic == models.TopicAll {
		prefix = walletPrefix(walletID)
	}
	keys, err := s.store.Keys(prefix, 0)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *tkvStore) Close() error {
	return s.store.Close()
}
