package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend keeps every blob under the key "{prefix}/{name}" of an
// embedded BadgerDB. All blobs share one database directory.
type BadgerBackend struct {
	db     *badger.DB
	prefix string
}

// NewBadgerBackend opens (or creates) the database in dir.
// An empty dir opens an in-memory database, which is only useful in tests.
func NewBadgerBackend(dir, prefix string) (*BadgerBackend, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger %q: %w", dir, err)
	}
	return &BadgerBackend{db: db, prefix: prefix}, nil
}

func (b *BadgerBackend) key(name string) []byte {
	return []byte(b.prefix + "/" + name)
}

func (b *BadgerBackend) Load(name string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return data, err
}

func (b *BadgerBackend) Save(name string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(name), data)
	})
}

func (b *BadgerBackend) Size(name string) (int64, error) {
	var size int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(name))
		if err != nil {
			return err
		}
		size = item.ValueSize()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	return size, err
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
