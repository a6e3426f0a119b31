package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("checkpoints")

type boltBackend struct {
	db *bolt.DB
}

// NewBoltStore keeps checkpoints in a bbolt file at path.
func NewBoltStore(path string, timeout time.Duration, logger zerolog.Logger) (Store, error) {
	if path == "" {
		path = filepath.Join(defaultDir, "checkpoints.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	// the file lock makes a second process fail fast instead of sharing the writer role
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt checkpoint file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("using bolt checkpoints")
	return &kvStore{backend: &boltBackend{db: db}, logger: logger}, nil
}

func (b *boltBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v != nil {
			// v is only valid for the life of the transaction
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, val != nil, err
}

func (b *boltBackend) put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
}

func (b *boltBackend) del(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (b *boltBackend) close() error { return b.db.Close() }
