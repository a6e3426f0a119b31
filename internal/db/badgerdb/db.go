package badgerdb

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

type Config struct {
	// Dir is where the database files live, empty opens an in-memory database
	Dir string
}

type DB struct {
	open atomic.Bool

	dbPath string
	logger zerolog.Logger

	db *badger.DB
	mu sync.RWMutex
}

func New(c *Config, logger zerolog.Logger) *DB {
	return &DB{
		dbPath: c.Dir,
		logger: logger.With().Str("component", "badgerdb").Logger(),
	}
}

// Open opens a file-based database at the configured dir, or an in-memory
// database if no dir is configured.
func (db *DB) Open() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.open.Load() {
		return ErrDBOpen
	}

	opts := badger.DefaultOptions(db.dbPath).WithLogger(nil)
	if db.dbPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	badgerDB, err := badger.Open(opts)
	if err != nil {
		return err
	}
	db.db = badgerDB
	db.open.Store(true)
	if db.dbPath == "" {
		db.logger.Debug().Msg("opened an in-memory database")
	} else {
		db.logger.Debug().Msgf("opened a file-based database at %s", db.dbPath)
	}
	return nil
}

func (db *DB) IsOpen() bool { return db.open.Load() }

// Set writes val under key in a single transaction, replacing any old value.
func (db *DB) Set(key, val []byte) error {
	if !db.open.Load() {
		return ErrDBNotOpen
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	db.logger.Trace().Msgf("setting value of key %s", key)
	err := db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		db.logger.Err(err).Msgf("err setting value of key %s", key)
		return err
	}
	return nil
}

// Get returns the value for key, or ErrKeyNotFound if key was not found.
func (db *DB) Get(key []byte) ([]byte, error) {
	if !db.open.Load() {
		return nil, ErrDBNotOpen
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	var val []byte
	err := db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		db.logger.Err(err).Msgf("err getting value of key %s", key)
		return nil, err
	}
	return val, nil
}

// Delete removes key, deleting a missing key is not an error.
func (db *DB) Delete(key []byte) error {
	if !db.open.Load() {
		return ErrDBNotOpen
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open.Load() {
		return nil
	}
	db.open.Store(false)
	return db.db.Close()
}
