// Package datastore implements spec.md §4.2: a mapping from
// (namespace, key) to a tagged value byte string, namespaces opened
// lazily per user plus one always-open anonymous namespace used for
// state-machine bookkeeping (last_applied_index).
package datastore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/tyronecai/ins/internal/fileutil"
	"github.com/tyronecai/ins/internal/inserr"
	"github.com/tyronecai/ins/internal/store"
	"github.com/tyronecai/ins/internal/xlog"
)

var logger = xlog.NewLogger("datastore", xlog.INFO)

// AnonymousNamespace is the always-open namespace used for
// state-machine bookkeeping, such as the LastAppliedIndexKey.
const AnonymousNamespace = ""

// LastAppliedIndexKey is the reserved key, in AnonymousNamespace, that
// durably holds last_applied_index (spec.md §3).
const LastAppliedIndexKey = "#LAST_APPLIED_INDEX#"

// Op tags the operation that last wrote a value (spec.md §3). Only
// Put and Lock are valid on-disk prefix bytes; any other byte found on
// read is corruption, not a forward-compatible new op (spec.md §9 Open
// Question resolved in DESIGN.md).
type Op byte

const (
	OpPut  Op = 1
	OpLock Op = 2
)

// DataStore is the (namespace, key) -> tagged-value mapping of spec.md §4.2.
type DataStore struct {
	dir string

	mu         sync.RWMutex
	namespaces map[string]store.Store
}

// Open opens (or creates) the anonymous namespace under dir and
// returns a ready DataStore. Per-user namespaces are opened lazily by
// OpenNamespace.
func Open(dir string) (*DataStore, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}

	ds := &DataStore{
		dir:        dir,
		namespaces: make(map[string]store.Store),
	}
	if _, err := ds.openNamespaceLocked(AnonymousNamespace); err != nil {
		return nil, err
	}
	return ds, nil
}

func namespaceFileName(name string) string {
	if name == AnonymousNamespace {
		return "@db"
	}
	return name + "@db"
}

func (ds *DataStore) openNamespaceLocked(name string) (store.Store, error) {
	if s, ok := ds.namespaces[name]; ok {
		return s, nil
	}

	path := filepath.Join(ds.dir, namespaceFileName(name))
	s, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open namespace %q: %v", name, err)
	}
	ds.namespaces[name] = s
	return s, nil
}

// OpenNamespace opens namespace idempotently. It is safe to call
// repeatedly, including concurrently; the apply loop calls it once per
// UnknownUser retry (spec.md §4.7).
func (ds *DataStore) OpenNamespace(name string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	_, err := ds.openNamespaceLocked(name)
	return err
}

// CloseNamespace releases a namespace's file handle. A later
// Get/Put/Delete on it returns inserr.ErrUnknownUser until
// OpenNamespace is called again; its file on disk is kept.
func (ds *DataStore) CloseNamespace(name string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	s, ok := ds.namespaces[name]
	if !ok {
		return nil
	}
	delete(ds.namespaces, name)
	return s.Close()
}

func (ds *DataStore) namespace(name string) (store.Store, error) {
	ds.mu.RLock()
	s, ok := ds.namespaces[name]
	ds.mu.RUnlock()
	if !ok {
		return nil, inserr.ErrUnknownUser
	}
	return s, nil
}

// Get returns the raw tagged value for (namespace, key), or
// inserr.ErrNotFound if absent, or inserr.ErrUnknownUser if the
// namespace has not been opened.
func (ds *DataStore) Get(namespace, key string) ([]byte, error) {
	s, err := ds.namespace(namespace)
	if err != nil {
		return nil, err
	}
	v, ok, err := s.Get([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", inserr.ErrStorageError, err)
	}
	if !ok {
		return nil, inserr.ErrNotFound
	}
	return v, nil
}

// Put writes a tagged value (already encoded with EncodeValue) to
// (namespace, key).
func (ds *DataStore) Put(namespace, key string, taggedValue []byte) error {
	s, err := ds.namespace(namespace)
	if err != nil {
		return err
	}
	var b store.Batch
	b.Put([]byte(key), taggedValue)
	if err := s.Write(&b); err != nil {
		return fmt.Errorf("%w: %v", inserr.ErrStorageError, err)
	}
	return nil
}

// Delete removes (namespace, key).
func (ds *DataStore) Delete(namespace, key string) error {
	s, err := ds.namespace(namespace)
	if err != nil {
		return err
	}
	var b store.Batch
	b.Delete([]byte(key))
	if err := s.Write(&b); err != nil {
		return fmt.Errorf("%w: %v", inserr.ErrStorageError, err)
	}
	return nil
}

// NewIterator returns a key-sorted ascending scan over [start, end) in
// namespace. end == "" means unbounded.
func (ds *DataStore) NewIterator(namespace, start, end string) (store.Iterator, error) {
	s, err := ds.namespace(namespace)
	if err != nil {
		return nil, err
	}
	var endKey []byte
	if end != "" {
		endKey = []byte(end)
	}
	return s.NewIterator([]byte(start), endKey)
}

// EncodeValue prepends the one-byte op tag to value, per spec.md §3.
func EncodeValue(op Op, value []byte) []byte {
	out := make([]byte, 1+len(value))
	out[0] = byte(op)
	copy(out[1:], value)
	return out
}

// DecodeValue strips the op tag. It rejects any prefix byte other than
// the two the on-disk format freezes (spec.md §9).
func DecodeValue(raw []byte) (Op, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("datastore: empty tagged value")
	}
	op := Op(raw[0])
	if op != OpPut && op != OpLock {
		return 0, nil, fmt.Errorf("datastore: corrupt value, unknown op tag %d", raw[0])
	}
	return op, raw[1:], nil
}

// PutLastAppliedIndex durably advances last_applied_index, atomically
// with nothing else (spec.md §4.7).
func (ds *DataStore) PutLastAppliedIndex(index int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(index))
	return ds.Put(AnonymousNamespace, LastAppliedIndexKey, buf)
}

// LastAppliedIndex recovers last_applied_index, defaulting to -1 if
// never written (a fresh node).
func (ds *DataStore) LastAppliedIndex() (int64, error) {
	v, err := ds.Get(AnonymousNamespace, LastAppliedIndexKey)
	if err == inserr.ErrNotFound {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("datastore: corrupt last_applied_index record")
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// Close releases every open namespace.
func (ds *DataStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var firstErr error
	for name, s := range ds.namespaces {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
			logger.Errorf("close namespace %q: %v", name, err)
		}
	}
	ds.namespaces = make(map[string]store.Store)
	return firstErr
}
