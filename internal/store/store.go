// Package store implements the ordered keyed persistence engine that
// spec.md §6 specifies only as an interface: atomic multi-key writes
// and ascending iteration, backed by a dedicated boltdb file per
// instance (one per data-store namespace, one for the binlog).
//
// Grounded on _examples/gyuho-db/mvcc/backend (02_backend.go,
// 01_batch_tx.go): a single bolt.DB with a batching *BatchTx*, trimmed
// to the single-bucket, single-version model spec.md's data model
// needs (no MVCC revisions, no multiple buckets per file).
package store

import (
	"bytes"
	"fmt"

	"github.com/boltdb/bolt"
)

// bucketName is the sole bolt bucket each Store uses. Namespacing
// across users is done at the file level (one Store per namespace),
// matching spec.md §4.2's "open_namespace(name)" model.
var bucketName = []byte("kv")

// Store is an ordered keyed store: atomic multi-key writes, direct
// lookup, and ascending iteration.
type Store interface {
	// Get returns the value for key, or ok=false if absent.
	Get(key []byte) (value []byte, ok bool, err error)

	// Write atomically applies every operation in b.
	Write(b *Batch) error

	// NewIterator returns a key-sorted ascending scan over [start, end).
	// end == nil means unbounded.
	NewIterator(start, end []byte) (Iterator, error)

	// Close releases the underlying file.
	Close() error
}

// Batch accumulates Put/Delete operations applied atomically by Write.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	del bool
	key []byte
	val []byte
}

// Put stages a key/value write.
func (b *Batch) Put(key, val []byte) {
	b.ops = append(b.ops, batchOp{key: key, val: val})
}

// Delete stages a key removal.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{del: true, key: key})
}

// Len reports the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// Each visits every staged operation in order, so alternate Store
// implementations (e.g. in-memory test fakes) can apply a Batch
// without depending on boltdb.
func (b *Batch) Each(visit func(del bool, key, val []byte)) {
	for _, op := range b.ops {
		visit(op.del, op.key, op.val)
	}
}

// Iterator scans keys in ascending order. Callers must call Close.
type Iterator interface {
	// Next advances the iterator; returns false when exhausted or on error.
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

type boltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) a boltdb-backed Store at path, with a
// single bucket ready for use.
func Open(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %v", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %v", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, val != nil, nil
}

func (s *boltStore) Write(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, op := range b.ops {
			if op.del {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) NewIterator(start, end []byte) (Iterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltIterator{tx: tx, c: tx.Bucket(bucketName).Cursor(), start: start, end: end}, nil
}

type boltIterator struct {
	tx         *bolt.Tx
	c          *bolt.Cursor
	start, end []byte
	started    bool
	k, v       []byte
	err        error
}

func (it *boltIterator) Next() bool {
	if it.err != nil {
		return false
	}

	var k, v []byte
	if !it.started {
		it.started = true
		if len(it.start) == 0 {
			k, v = it.c.First()
		} else {
			k, v = it.c.Seek(it.start)
		}
	} else {
		k, v = it.c.Next()
	}

	if k == nil {
		it.k, it.v = nil, nil
		return false
	}
	if len(it.end) > 0 && bytes.Compare(k, it.end) >= 0 {
		it.k, it.v = nil, nil
		return false
	}

	it.k = append([]byte(nil), k...)
	it.v = append([]byte(nil), v...)
	return true
}

func (it *boltIterator) Key() []byte   { return it.k }
func (it *boltIterator) Value() []byte { return it.v }
func (it *boltIterator) Err() error    { return it.err }
func (it *boltIterator) Close() error  { return it.tx.Rollback() }
