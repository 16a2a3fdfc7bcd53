// Package watch implements the watch table of spec.md §4.5: one-shot
// triggers indexed by watched key and by session id.
package watch

import "sync"

// FireResult is delivered to a watch's handle exactly once. WatchKey
// is the table key the waiter was registered under; Key is the key
// the firing call reports as changed: FireByKey takes it as a separate
// argument (for a directory watch, the child key that changed —
// spec.md §4.5's parent-key fan-out, TriggerEventWithParent in the
// original), while FireBySessionAndKey and RemoveBySession report
// WatchKey itself.
type FireResult struct {
	WatchKey string
	Key      string
	Value    []byte
	Deleted  bool
	// Canceled is set when the session backing the watch expired
	// instead of the watched key changing (spec.md §4.8).
	Canceled bool
}

// Handle receives a watch's one-shot result.
type Handle func(FireResult)

type entry struct {
	watchKey  string
	sessionID string
	handle    Handle
}

// Table is the watch table (spec.md §4.5).
type Table struct {
	mu sync.Mutex

	byKey     map[string]map[string]*entry // watchKey -> sessionID -> entry
	bySession map[string]map[string]*entry // sessionID -> watchKey -> entry
}

// New returns an empty watch table.
func New() *Table {
	return &Table{
		byKey:     make(map[string]map[string]*entry),
		bySession: make(map[string]map[string]*entry),
	}
}

// Insert registers a one-shot waiter, replacing any existing entry for
// the same (sessionID, watchKey) pair.
func (t *Table) Insert(watchKey, sessionID string, handle Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(sessionID, watchKey)

	e := &entry{watchKey: watchKey, sessionID: sessionID, handle: handle}

	if t.byKey[watchKey] == nil {
		t.byKey[watchKey] = make(map[string]*entry)
	}
	t.byKey[watchKey][sessionID] = e

	if t.bySession[sessionID] == nil {
		t.bySession[sessionID] = make(map[string]*entry)
	}
	t.bySession[sessionID][watchKey] = e
}

func (t *Table) removeLocked(sessionID, watchKey string) {
	if m, ok := t.byKey[watchKey]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(t.byKey, watchKey)
		}
	}
	if m, ok := t.bySession[sessionID]; ok {
		delete(m, watchKey)
		if len(m) == 0 {
			delete(t.bySession, sessionID)
		}
	}
}

// FireByKey delivers to every waiter indexed under watchKey and
// removes them, reporting whether anyone fired. changedKey is the key
// that actually changed, reported as FireResult.Key; it need not equal
// watchKey (internal/apply passes a user-bound watchKey and the plain
// key).
func (t *Table) FireByKey(watchKey, changedKey string, value []byte, deleted bool) bool {
	t.mu.Lock()
	waiters := t.takeByKeyLocked(watchKey)
	t.mu.Unlock()

	for _, e := range waiters {
		e.handle(FireResult{WatchKey: watchKey, Key: changedKey, Value: value, Deleted: deleted})
	}
	return len(waiters) > 0
}

// FireBySessionAndKey delivers to the single waiter (if any) for
// (sessionID, watchKey).
func (t *Table) FireBySessionAndKey(sessionID, watchKey string, value []byte, deleted bool) bool {
	t.mu.Lock()
	e, ok := t.bySession[sessionID][watchKey]
	if ok {
		t.removeLocked(sessionID, watchKey)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.handle(FireResult{WatchKey: watchKey, Key: watchKey, Value: value, Deleted: deleted})
	return true
}

// RemoveBySession cancels every watch held by sessionID, delivering
// Canceled=true to each (used when a session expires, spec.md §4.8).
func (t *Table) RemoveBySession(sessionID string) {
	t.mu.Lock()
	waiters := make([]*entry, 0, len(t.bySession[sessionID]))
	for _, e := range t.bySession[sessionID] {
		waiters = append(waiters, e)
	}
	for _, e := range waiters {
		t.removeLocked(e.sessionID, e.watchKey)
	}
	t.mu.Unlock()

	for _, e := range waiters {
		e.handle(FireResult{WatchKey: e.watchKey, Key: e.watchKey, Canceled: true})
	}
}

func (t *Table) takeByKeyLocked(watchKey string) []*entry {
	m, ok := t.byKey[watchKey]
	if !ok {
		return nil
	}
	waiters := make([]*entry, 0, len(m))
	for sessionID, e := range m {
		waiters = append(waiters, e)
		t.removeLocked(sessionID, watchKey)
	}
	return waiters
}
