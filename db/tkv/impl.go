package tkv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
)

type tkv struct {
	logger *slog.Logger
	store  *badger.DB
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var dbOpts badger.Options
	if config.Directory == "" {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	badgerLogLevel := badger.INFO
	switch {
	case config.BadgerLogLevel <= slog.LevelDebug:
		badgerLogLevel = badger.DEBUG
	case config.BadgerLogLevel <= slog.LevelInfo:
		badgerLogLevel = badger.INFO
	case config.BadgerLogLevel <= slog.LevelWarn:
		badgerLogLevel = badger.WARNING
	default:
		badgerLogLevel = badger.ERROR
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		store:  db,
	}, nil
}

func (t *tkv) Close() error {
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) Get(key string) ([]byte, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *tkv) Set(key string, value []byte, ttl time.Duration) error {
	return t.store.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Delete(key string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Scan(prefix string, limit int) ([]Entry, error) {
	var entries []Entry
	err := t.iteratePrefix(prefix, limit, true, func(item *badger.Item) error {
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Key: string(item.KeyCopy(nil)), Value: value})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *tkv) Keys(prefix string, limit int) ([]string, error) {
	var keys []string
	err := t.iteratePrefix(prefix, limit, false, func(item *badger.Item) error {
		keys = append(keys, string(item.KeyCopy(nil)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// iteratePrefix visits live items under prefix in key order, stopping after
// limit items when limit > 0. Values are only fetched when withValues is set.
func (t *tkv) iteratePrefix(prefix string, limit int, withValues bool, fn func(item *badger.Item) error) error {
	return t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = withValues
		it := txn.NewIterator(opts)
		defer it.Close()

		visited := 0
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && visited >= limit {
				break
			}
			if err := fn(it.Item()); err != nil {
				return &ErrInternal{Err: err}
			}
			visited++
		}
		return nil
	})
}

func (t *tkv) BatchDelete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if key == "" {
			t.logger.Warn("BatchDelete encountered an empty key, skipping.")
			continue
		}
		if err := wb.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("failed to add delete operation for key '%s' to batch: %w", key, err)}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("failed to flush batch delete: %w", err)}
	}
	return nil
}
