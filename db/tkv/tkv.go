package tkv

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	// Directory holds the badger files. Empty runs badger fully in memory.
	Directory string
}

type Entry struct {
	Key   string
	Value []byte
}

type TKVDataHandler interface {
	Get(key string) ([]byte, error)
	// Set stores value under key. A ttl of 0 never expires.
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	// Scan returns live entries under prefix in key order. limit <= 0 is unbounded.
	Scan(prefix string, limit int) ([]Entry, error)
	// Keys is Scan without reading values.
	Keys(prefix string, limit int) ([]string, error)
}

type TKVBatchHandler interface {
	BatchDelete(keys []string) error
}

type TKV interface {
	TKVDataHandler
	TKVBatchHandler

	Close() error
}
