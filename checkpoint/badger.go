package checkpoint

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/tarungka/changewatch/internal/db/badgerdb"
)

type badgerBackend struct {
	db *badgerdb.DB
}

// NewBadgerStore keeps checkpoints in a badger database at dir, an empty dir
// opens an in-memory database.
func NewBadgerStore(dir string, logger zerolog.Logger) (Store, error) {
	db := badgerdb.New(&badgerdb.Config{Dir: dir}, logger)
	if err := db.Open(); err != nil {
		return nil, err
	}
	return &kvStore{backend: &badgerBackend{db: db}, prefix: "checkpoint/", logger: logger}, nil
}

func (b *badgerBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	val, err := b.db.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *badgerBackend) put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Set([]byte(key), value)
}

func (b *badgerBackend) del(_ context.Context, key string) error {
	return b.db.Delete([]byte(key))
}

func (b *badgerBackend) close() error { return b.db.Close() }
