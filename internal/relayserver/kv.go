package relayserver

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// errKeyNotFound is returned by kvStore.Get for a missing key.
var errKeyNotFound = errors.New("key not found")

// kvStore is a thin wrapper over badger. An empty path runs in memory.
type kvStore struct {
	db *badger.DB
}

func openKV(path string) (*kvStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
		opts.ValueLogFileSize = 1024 * 1024 * 64
	}
	opts.Logger = nil
	opts.SyncWrites = path != ""

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &kvStore{db: db}, nil
}

func (k *kvStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errKeyNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (k *kvStore) Set(key, value []byte) error {
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// SetIfAbsent writes value only if key does not exist yet and reports
// whether it did.
func (k *kvStore) SetIfAbsent(key, value []byte) (bool, error) {
	created := false
	err := k.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(key, value)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	return created, err
}

func (k *kvStore) Delete(key []byte) error {
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Scan calls fn for every key with prefix, in key order. Returning false
// from fn stops the scan.
func (k *kvStore) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	return k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), val) {
				return nil
			}
		}
		return nil
	})
}

func (k *kvStore) Close() error {
	return k.db.Close()
}
