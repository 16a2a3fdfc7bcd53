// Package binlog implements spec.md §4.1: the append-only indexed log
// of LogEntry, backed by its own ordered keyed store instance (spec.md
// §6: "<ins_binlog_dir>/<id>/#binlog/").
package binlog

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/tyronecai/ins/internal/fileutil"
	"github.com/tyronecai/ins/internal/store"
)

// lengthKey is the reserved key carrying the current log length,
// spec.md §6's "#BINLOG_LEN#".
var lengthKey = []byte("#BINLOG_LEN#")

// Binlog is the durable indexed log. Index 0 is the first entry ever
// appended; length() is one past the highest index appended. Truncate
// lowers it; RemovePrefix leaves it unchanged and only raises the
// smallest readable index.
type Binlog struct {
	mu sync.RWMutex

	s Store

	length      int64
	lastLogTerm int64
	firstIndex  int64 // smallest index still present, after remove_prefix
}

// Store is the subset of store.Store the binlog needs; kept as its own
// interface so tests can substitute an in-memory fake without pulling
// in boltdb.
type Store interface {
	Get(key []byte) (value []byte, ok bool, err error)
	Write(b *store.Batch) error
	NewIterator(start, end []byte) (store.Iterator, error)
	Close() error
}

// Open opens the binlog's dedicated store under dir (the
// "#binlog" subdirectory is the caller's responsibility to pass in, so
// tests can point Open at a tmp dir directly).
func Open(dir string) (*Binlog, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	s, err := store.Open(filepath.Join(dir, "binlog.db"))
	if err != nil {
		return nil, err
	}
	return OpenWithStore(s)
}

// OpenWithStore wraps an already-open Store (used by Open, and
// directly by tests).
func OpenWithStore(s Store) (*Binlog, error) {
	b := &Binlog{s: s}

	raw, ok, err := s.Get(lengthKey)
	if err != nil {
		return nil, fmt.Errorf("binlog: read length: %v", err)
	}
	if ok {
		if len(raw) != 8 {
			return nil, fmt.Errorf("binlog: corrupt length record")
		}
		b.length = int64(binary.BigEndian.Uint64(raw))
	}

	if b.length > 0 {
		e, err := b.readLocked(b.length - 1)
		if err != nil {
			return nil, fmt.Errorf("binlog: read last entry: %v", err)
		}
		b.lastLogTerm = e.Term
	} else {
		b.lastLogTerm = -1
	}

	b.firstIndex = 0
	// lengthKey ("#BINLOG_LEN#") sorts as the exclusive upper bound
	// here because every index key's leading byte is its big-endian
	// index's top byte, which never reaches '#' (0x23) for any index
	// this binlog will hold in practice.
	it, err := s.NewIterator(nil, lengthKey)
	if err == nil {
		if it.Next() {
			b.firstIndex = indexOfKey(it.Key())
		}
		it.Close()
	}

	return b, nil
}

func indexKey(index int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(index))
	return k[:]
}

func indexOfKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// Length returns the current log length.
func (b *Binlog) Length() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.length
}

// LastIndexAndTerm returns (length-1, lastLogTerm), or (-1, -1) when empty.
func (b *Binlog) LastIndexAndTerm() (int64, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.length == 0 {
		return -1, -1
	}
	return b.length - 1, b.lastLogTerm
}

// Read performs a direct lookup; out-of-range reads are errors.
func (b *Binlog) Read(index int64) (Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readLocked(index)
}

func (b *Binlog) readLocked(index int64) (Entry, error) {
	if index < b.firstIndex || index >= b.length {
		return Entry{}, fmt.Errorf("binlog: index %d out of range [%d, %d)", index, b.firstIndex, b.length)
	}
	raw, ok, err := b.s.Get(indexKey(index))
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("binlog: missing entry at index %d", index)
	}
	return Decode(raw)
}

// Append appends a single entry, atomic with the length-cursor update.
func (b *Binlog) Append(e Entry) (int64, error) {
	first, err := b.AppendBatch([]Entry{e})
	return first, err
}

// AppendBatch appends entries atomically with the length-cursor
// update, returning the index of the first appended entry.
func (b *Binlog) AppendBatch(entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return -1, fmt.Errorf("binlog: empty batch")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	first := b.length
	var batch store.Batch
	for i, e := range entries {
		batch.Put(indexKey(first+int64(i)), Encode(e))
	}
	newLength := first + int64(len(entries))
	batch.Put(lengthKey, lengthBytes(newLength))

	if err := b.s.Write(&batch); err != nil {
		return -1, fmt.Errorf("binlog: append: %v", err)
	}

	b.length = newLength
	b.lastLogTerm = entries[len(entries)-1].Term
	return first, nil
}

func lengthBytes(n int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return buf[:]
}

// Truncate drops every entry strictly after lastKeepIndex and refreshes
// lastLogTerm from the new tail (or -1 if the log becomes empty).
func (b *Binlog) Truncate(lastKeepIndex int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	newLength := lastKeepIndex + 1
	if newLength < b.firstIndex {
		newLength = b.firstIndex
	}
	if newLength >= b.length {
		return nil
	}

	var batch store.Batch
	for i := newLength; i < b.length; i++ {
		batch.Delete(indexKey(i))
	}
	batch.Put(lengthKey, lengthBytes(newLength))
	if err := b.s.Write(&batch); err != nil {
		return fmt.Errorf("binlog: truncate: %v", err)
	}

	b.length = newLength
	if newLength > b.firstIndex {
		e, err := b.readLocked(newLength - 1)
		if err != nil {
			return err
		}
		b.lastLogTerm = e.Term
	} else {
		b.lastLogTerm = -1
	}
	return nil
}

// RemovePrefix deletes every entry with index <= upToIndex. This is the
// only form of garbage collection spec.md permits (no snapshotting).
func (b *Binlog) RemovePrefix(upToIndex int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if upToIndex < b.firstIndex {
		return nil
	}
	if upToIndex >= b.length {
		upToIndex = b.length - 1
	}

	var batch store.Batch
	for i := b.firstIndex; i <= upToIndex; i++ {
		batch.Delete(indexKey(i))
	}
	if err := b.s.Write(&batch); err != nil {
		return fmt.Errorf("binlog: remove_prefix: %v", err)
	}

	b.firstIndex = upToIndex + 1
	return nil
}

// Close releases the underlying store.
func (b *Binlog) Close() error {
	return b.s.Close()
}
