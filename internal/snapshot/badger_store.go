package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

const keyPrefixSnapshot = "snap:"

func snapshotKey(seq uint64) []byte {
	key := make([]byte, 0, len(keyPrefixSnapshot)+8)
	key = append(key, keyPrefixSnapshot...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// BadgerStore keeps a sequence-ordered history of snapshots in BadgerDB.
type BadgerStore struct {
	db        *badger.DB
	retention int // total snapshots kept, 0 keeps everything
}

// OpenBadgerStore opens (or creates) a store in dir. An empty dir opens an
// in-memory store.
func OpenBadgerStore(dir string, retention int) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, retention: retention}, nil
}

func (s *BadgerStore) Save(data types.SnapshotData) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(data.Seq), b)
	}); err != nil {
		return fmt.Errorf("failed to save snapshot %d: %w", data.Seq, err)
	}
	return s.prune()
}

func (s *BadgerStore) prune() error {
	if s.retention <= 0 {
		return nil
	}
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefixSnapshot)
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(snapshotKey(^uint64(0))); it.Valid(); it.Next() {
			n++
			if n > s.retention {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Latest() (types.SnapshotData, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefixSnapshot)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(snapshotKey(^uint64(0)))
		if !it.Valid() {
			return ErrSnapshotNotFound
		}
		var err error
		raw, err = it.Item().ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return types.SnapshotData{}, err
		}
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decode(raw)
}

// Get loads the snapshot with the given sequence number.
func (s *BadgerStore) Get(seq uint64) (types.SnapshotData, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return types.SnapshotData{}, err
	}
	return decode(raw)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
