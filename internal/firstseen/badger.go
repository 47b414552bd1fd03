package firstseen

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

var keyPrefix = []byte("firstseen/")

// BadgerStore keeps the flags in a badger database.
type BadgerStore struct{ db *badger.DB }

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a flag store in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func flagKey(tenantID int64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], uint64(tenantID))
	return k
}

// Get reports whether the flag is set.
func (b *BadgerStore) Get(_ context.Context, tenantID int64) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(flagKey(tenantID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put sets the flag.
func (b *BadgerStore) Put(_ context.Context, tenantID int64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(flagKey(tenantID), []byte{1})
	})
}

// Close releases the database.
func (b *BadgerStore) Close() error { return b.db.Close() }
