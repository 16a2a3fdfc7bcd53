package binlog

import (
	"bytes"
	"reflect"
	"sort"
	"testing"

	"github.com/tyronecai/ins/internal/store"
)

// memStore is an in-memory Store fake for tests, grounded on the
// raft.StorageStableInMemory pattern the teacher uses to test raft
// node logic without touching disk.
type memStore struct {
	kv map[string][]byte
}

func newMemStore() *memStore { return &memStore{kv: make(map[string][]byte)} }

func (m *memStore) Get(key []byte) ([]byte, bool, error) {
	v, ok := m.kv[string(key)]
	return v, ok, nil
}

func (m *memStore) Write(b *store.Batch) error {
	b.Each(func(del bool, key, val []byte) {
		if del {
			delete(m.kv, string(key))
			return
		}
		m.kv[string(key)] = append([]byte(nil), val...)
	})
	return nil
}

func (m *memStore) NewIterator(start, end []byte) (store.Iterator, error) {
	keys := make([]string, 0, len(m.kv))
	for k := range m.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &memIterator{keys: keys, kv: m.kv, start: start, end: end}, nil
}

func (m *memStore) Close() error { return nil }

type memIterator struct {
	keys       []string
	kv         map[string][]byte
	start, end []byte
	i          int
	curKey     string
}

func (it *memIterator) Next() bool {
	for {
		if it.i >= len(it.keys) {
			return false
		}
		k := it.keys[it.i]
		it.i++
		if len(it.start) > 0 && bytes.Compare([]byte(k), it.start) < 0 {
			continue
		}
		if len(it.end) > 0 && bytes.Compare([]byte(k), it.end) >= 0 {
			return false
		}
		it.curKey = k
		return true
	}
}

func (it *memIterator) Key() []byte   { return []byte(it.curKey) }
func (it *memIterator) Value() []byte { return it.kv[it.curKey] }
func (it *memIterator) Err() error    { return nil }
func (it *memIterator) Close() error  { return nil }

func TestAppendReadLaw(t *testing.T) {
	b, err := OpenWithStore(newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	e := Entry{Op: OpPut, User: "u1", Key: "/k", Value: []byte("v"), Term: 1}
	idx, err := b.Append(e)
	if err != nil {
		t.Fatal(err)
	}

	if got := b.Length(); got != idx+1 {
		t.Fatalf("length: want %d, got %d", idx+1, got)
	}

	got, err := b.Read(idx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("read(length-1): want %+v, got %+v", e, got)
	}
}

func TestTruncateLaw(t *testing.T) {
	b, err := OpenWithStore(newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(0); i < 5; i++ {
		if _, err := b.Append(Entry{Op: OpPut, Term: i}); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.Truncate(2); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Length(), int64(3); got != want {
		t.Fatalf("length after truncate(2): want %d, got %d", want, got)
	}

	if _, err := b.Read(3); err == nil {
		t.Fatal("expected error reading truncated index")
	}
}

func TestRemovePrefixGC(t *testing.T) {
	b, err := OpenWithStore(newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(0); i < 10; i++ {
		if _, err := b.Append(Entry{Op: OpPut, Term: i}); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.RemovePrefix(4); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Read(4); err == nil {
		t.Fatal("expected error reading pruned index")
	}
	if _, err := b.Read(5); err != nil {
		t.Fatalf("index 5 should still be readable: %v", err)
	}
	if got, want := b.Length(), int64(10); got != want {
		t.Fatalf("remove_prefix must not change length: want %d, got %d", want, got)
	}
}

func TestAppendBatchAtomicWithLength(t *testing.T) {
	b, err := OpenWithStore(newMemStore())
	if err != nil {
		t.Fatal(err)
	}

	first, err := b.AppendBatch([]Entry{
		{Op: OpPut, Term: 1},
		{Op: OpPut, Term: 1},
		{Op: OpPut, Term: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != 0 {
		t.Fatalf("first index: want 0, got %d", first)
	}
	if got, want := b.Length(), int64(3); got != want {
		t.Fatalf("length: want %d, got %d", want, got)
	}

	lastIdx, lastTerm := b.LastIndexAndTerm()
	if lastIdx != 2 || lastTerm != 1 {
		t.Fatalf("last index/term: want (2,1), got (%d,%d)", lastIdx, lastTerm)
	}
}
