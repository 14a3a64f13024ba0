package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerConfig configures a badger-backed store.
type BadgerConfig struct {
	Path       string // directory holding the database; created if missing
	InMemory   bool   // keep everything in memory, Path is ignored
	SyncWrites bool
	Logger     *logrus.Logger
}

// Badger is a Store backed by a badger database.
type Badger struct {
	db  *badger.DB
	log *logrus.Logger
}

// OpenBadger opens (or creates) the database described by config.
func OpenBadger(config BadgerConfig) (*Badger, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("no path provided in configuration")
		}
		if err := os.MkdirAll(config.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	config.Logger.WithFields(logrus.Fields{
		"function":  "OpenBadger",
		"path":      config.Path,
		"in_memory": config.InMemory,
	}).Debug("Opened key store")

	return &Badger{db: db, log: config.Logger}, nil
}

// Get implements Store.
func (b *Badger) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, b.mapErr(fmt.Errorf("read %s: %w", key, err))
	}
	return value, nil
}

// Set implements Store.
func (b *Badger) Set(key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return b.mapErr(fmt.Errorf("write %s: %w", key, err))
	}
	return nil
}

// Delete implements Store.
func (b *Badger) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return b.mapErr(fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// List implements Store.
func (b *Badger) List(prefix string) ([]Item, error) {
	var items []Item
	p := []byte(prefix)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, Item{Key: string(item.KeyCopy(nil)), Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, b.mapErr(fmt.Errorf("list %s: %w", prefix, err))
	}
	return items, nil
}

// Close implements Store. Pending writes are synced before the database is
// closed.
func (b *Badger) Close() error {
	if err := b.db.Sync(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
		b.log.WithFields(logrus.Fields{
			"function": "Badger.Close",
			"error":    err.Error(),
		}).Warn("Sync before close failed")
	}
	return b.db.Close()
}

func (b *Badger) mapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
