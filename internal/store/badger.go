package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Keys are "<bucket>:<id>".
type badgerKV struct {
	db *badger.DB
}

// OpenBadgerStore opens a badger directory at path. An empty path runs in memory.
func OpenBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return newKVStore("badger", &badgerKV{db: db}), nil
}

func badgerKey(bucket, key string) []byte {
	return []byte(bucket + ":" + key)
}

func (s *badgerKV) put(_ context.Context, bucket, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(bucket, key), value)
	})
}

func (s *badgerKV) get(_ context.Context, bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *badgerKV) del(_ context.Context, bucket, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(bucket, key))
	})
}

func (s *badgerKV) list(_ context.Context, bucket string) ([][]byte, error) {
	prefix := []byte(bucket + ":")
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *badgerKV) close() error {
	return s.db.Close()
}
