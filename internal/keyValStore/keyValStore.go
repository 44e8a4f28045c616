// Package keyValStore wraps badger as the durable store behind the pin
// manager: block payloads keyed by content address and the single root
// pointer key live here.
package keyValStore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// ErrKeyNotFound is wrapped by Read for keys that are not in the store, so
// callers can distinguish absence from backend failure.
var ErrKeyNotFound = errors.New("key not found")

type StoreConfig struct {
	Paths            []string // at the moment only the first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	mu           sync.Mutex
	badgerDB     *badger.DB
	closed       atomic.Bool
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	k := &KeyValStore{
		config: config,
	}
	k.closed.Store(true)

	if err := k.Reopen(); err != nil {
		return nil, err
	}

	if err := displayDiskUsage(config.Paths); err != nil {
		log.Warnf("could not collect disk usage: %v", err)
	}

	return k, nil
}

func openBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	return badger.Open(opts)
}

// Reopen opens the underlying badger instance again after a Close. It is a
// no-op when the store is already open.
func (k *KeyValStore) Reopen() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.closed.Load() {
		return nil
	}

	db, err := openBadger(k.config.Paths[0])
	if err != nil {
		return fmt.Errorf("error opening badger at %s: %w", k.config.Paths[0], err)
	}

	k.badgerDB = db
	k.closed.Store(false)
	return nil
}

// EnsureOpen reopens the store if it was closed. Flush and load call this
// once at the top so an operation does not fail merely because the handle
// was lazily closed in between.
func (k *KeyValStore) EnsureOpen() error {
	if !k.closed.Load() {
		return nil
	}
	return k.Reopen()
}

func (k *KeyValStore) IsClosed() bool {
	return k.closed.Load()
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, hex.EncodeToString(key))
		}
		return nil, fmt.Errorf("error reading key %s: %w", hex.EncodeToString(key), err)
	}
	return value, nil
}

func (k *KeyValStore) Has(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("error checking key %s: %w", hex.EncodeToString(key), err)
	}
	return true, nil
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("error deleting key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// KeysWithPrefix returns all keys carrying the given prefix, without their
// values. Used by backup to enumerate stored blocks.
func (k *KeyValStore) KeysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %s: %w", hex.EncodeToString(prefix), err)
	}
	return keys, nil
}

func (k *KeyValStore) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed.Load() {
		return nil
	}

	if err := k.clean(); err != nil {
		log.Warnf("error cleaning db on close: %v", err)
	}

	err := k.badgerDB.Close()
	k.closed.Store(true)
	if err != nil {
		return fmt.Errorf("error closing badger: %w", err)
	}
	return nil
}

func (k *KeyValStore) Clean() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed.Load() {
		return nil
	}
	return k.clean()
}

func (k *KeyValStore) clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
