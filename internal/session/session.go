// Package session implements the session table of spec.md §4.4:
// indexed by session id (unique) and by last-report timestamp (for
// expiry sweeps).
//
// Grounded on _examples/gyuho-db/mvcc/01_tree_index.go's pattern of an
// authoritative map plus a github.com/google/btree ordered index for
// the secondary attribute (spec.md §9's "secondary-indexed container"
// design note).
package session

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Session is a client heartbeat lease (spec.md §3).
type Session struct {
	SessionID      string
	UUID           string
	LastReportTime time.Time
}

// byTimeItem orders sessions by (LastReportTime, SessionID) so ties on
// the same timestamp still order deterministically.
type byTimeItem struct {
	t  time.Time
	id string
}

func (a byTimeItem) Less(than btree.Item) bool {
	b := than.(byTimeItem)
	if a.t.Equal(b.t) {
		return a.id < b.id
	}
	return a.t.Before(b.t)
}

// Table is the session table.
type Table struct {
	mu sync.Mutex

	byID   map[string]*Session
	byTime *btree.BTree
}

// New returns an empty session table.
func New() *Table {
	return &Table{
		byID:   make(map[string]*Session),
		byTime: btree.New(32),
	}
}

// Upsert creates or refreshes a session's last-report time.
func (t *Table) Upsert(sessionID, uuid string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byID[sessionID]; ok {
		t.byTime.Delete(byTimeItem{t: s.LastReportTime, id: sessionID})
		s.LastReportTime = now
		s.UUID = uuid
		t.byTime.ReplaceOrInsert(byTimeItem{t: now, id: sessionID})
		return
	}

	s := &Session{SessionID: sessionID, UUID: uuid, LastReportTime: now}
	t.byID[sessionID] = s
	t.byTime.ReplaceOrInsert(byTimeItem{t: now, id: sessionID})
}

// Lookup returns the session, if present.
func (t *Table) Lookup(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ExpiredBefore returns every session whose LastReportTime is strictly
// before cutoff, ascending by report time.
func (t *Table) ExpiredBefore(cutoff time.Time) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Session
	t.byTime.AscendLessThan(byTimeItem{t: cutoff}, func(item btree.Item) bool {
		it := item.(byTimeItem)
		if s, ok := t.byID[it.id]; ok {
			expired = append(expired, *s)
		}
		return true
	})
	return expired
}

// Erase removes a session entirely.
func (t *Table) Erase(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[sessionID]
	if !ok {
		return
	}
	t.byTime.Delete(byTimeItem{t: s.LastReportTime, id: sessionID})
	delete(t.byID, sessionID)
}

// Len reports the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
