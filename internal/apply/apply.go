// Package apply implements spec.md §4.7: the single apply loop that
// drains committed binlog entries in order and turns them into
// data-store mutations, session-lock bookkeeping, watch fan-out, and
// user-manager transitions, then completes whichever client request
// is waiting on that index.
//
// Grounded on _examples/original_source/server/ins_node_impl.cc's
// CommitIndexObserv (the apply loop itself) and TriggerEventWithParent
// / TouchParentKey / client_ack_ handling, with the client-ack pattern
// named the way TEACHER's rsm/doc.go describes
// processInternalRaftRequestOnce: a per-index completion a single
// applier goroutine fulfills once its entry is applied.
package apply

import (
	"strings"
	"sync"

	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/user"
	"github.com/tyronecai/ins/internal/watch"
	"github.com/tyronecai/ins/internal/xlog"
)

var logger = xlog.NewLogger("apply", xlog.INFO)

// Result is delivered to a client once the entry it proposed has been
// applied. It is a union over every RPC's possible outcome, the way
// the original's ClientAck held one of several response pointers.
type Result struct {
	Success bool
	Value   []byte

	// Login/Logout/Register report their outcome in LoginOK (and a
	// successful Login its uuid in LoginUUID); internal/server maps it
	// onto its three-way LoginStatus.
	LoginOK  bool
	LoginUUID string
}

// SessionLocks tracks which keys a session currently holds a lock on,
// so the GC reaper (spec.md §4.8) can release them all on expiry
// without scanning the data store.
type SessionLocks struct {
	mu   sync.Mutex
	byID map[string]map[string]struct{}
}

func newSessionLocks() *SessionLocks {
	return &SessionLocks{byID: make(map[string]map[string]struct{})}
}

func (s *SessionLocks) add(sessionID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[sessionID] == nil {
		s.byID[sessionID] = make(map[string]struct{})
	}
	s.byID[sessionID][key] = struct{}{}
}

// Reset replaces the held-lock set for sessionID, used by KeepAlive's
// client-reported lock list (spec.md §4.9).
func (s *SessionLocks) Reset(sessionID string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	s.byID[sessionID] = set
}

// TakeAll removes and returns every key sessionID held a lock on.
func (s *SessionLocks) TakeAll(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byID[sessionID]
	if !ok {
		return nil
	}
	delete(s.byID, sessionID)
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// Loop is the apply loop. Exactly one Loop runs per node.
type Loop struct {
	node  *raftnode.Node
	b     *binlog.Binlog
	ds    *datastore.DataStore
	users *user.Manager
	watches *watch.Table
	locks *SessionLocks

	mu          sync.Mutex
	lastApplied int64
	pending     map[int64]chan Result
}

// New builds a Loop. recoveredLastApplied is the durable
// last_applied_index read at startup (spec.md §3); the loop will not
// re-apply anything at or before it.
func New(node *raftnode.Node, b *binlog.Binlog, ds *datastore.DataStore, users *user.Manager, watches *watch.Table, recoveredLastApplied int64) *Loop {
	return &Loop{
		node:        node,
		b:           b,
		ds:          ds,
		users:       users,
		watches:     watches,
		locks:       newSessionLocks(),
		lastApplied: recoveredLastApplied,
		pending:     make(map[int64]chan Result),
	}
}

// SessionLocks exposes the session-lock index for internal/gc's reaper.
func (l *Loop) SessionLocks() *SessionLocks { return l.locks }

// LastApplied reports the highest index applied so far.
func (l *Loop) LastApplied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastApplied
}

// PendingCount reports how many proposed entries are still awaiting
// apply, the Go equivalent of the original's client_ack_.size() used
// to enforce max_write_pending backpressure (spec.md §4.9).
func (l *Loop) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Await registers index for a completion notification and returns the
// channel it will be delivered on exactly once. Callers must call this
// before the index can possibly be applied, i.e. from Propose's
// onAppend callback (a single-node cluster can apply the entry before
// Propose returns), and must always receive from the channel (closed,
// never sent, if the node stops first).
func (l *Loop) Await(index int64) <-chan Result {
	ch := make(chan Result, 1)
	l.mu.Lock()
	l.pending[index] = ch
	l.mu.Unlock()
	return ch
}

// Run blocks draining commits until the node stops. Call it from its
// own goroutine.
func (l *Loop) Run() {
	for {
		toIndex, ok := l.node.WaitForCommit(l.LastApplied())
		if !ok {
			l.closeAllPending()
			return
		}
		from := l.LastApplied()
		for i := from + 1; i <= toIndex; i++ {
			l.applyOne(i)
		}
	}
}

func (l *Loop) closeAllPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx, ch := range l.pending {
		close(ch)
		delete(l.pending, idx)
	}
}

func (l *Loop) applyOne(index int64) {
	e, err := l.b.Read(index)
	if err != nil {
		logger.Fatalf("apply: read index %d: %v", index, err)
	}

	var result Result
	switch e.Op {
	case binlog.OpPut:
		result.Success = l.applyPutOrLock(e, datastore.OpPut)
	case binlog.OpLock:
		result.Success = l.applyPutOrLock(e, datastore.OpLock)
	case binlog.OpDel:
		result.Success = l.applyDelete(e)
	case binlog.OpUnlock:
		result.Success = l.applyUnlock(e)
	case binlog.OpNop:
		l.node.NotifyNopCommitted(e.Term)
	case binlog.OpLogin:
		ok := l.users.Login(e.Key, string(e.Value), e.User)
		if ok {
			if err := l.ds.OpenNamespace(e.Key); err != nil {
				logger.Errorf("open namespace for %s: %v", e.Key, err)
			}
		}
		result.LoginOK = ok
		if ok {
			result.LoginUUID = e.User
		}
	case binlog.OpLogout:
		l.users.Logout(e.User)
		result.LoginOK = true
	case binlog.OpRegister:
		l.users.Register(e.Key, string(e.Value))
		result.LoginOK = true
	default:
		logger.Warningf("unknown op: %v", e.Op)
	}

	l.mu.Lock()
	ch, hasAck := l.pending[index]
	if hasAck {
		delete(l.pending, index)
	}
	l.lastApplied = index
	l.mu.Unlock()

	if hasAck {
		ch <- result
		close(ch)
	}

	if err := l.ds.PutLastAppliedIndex(index); err != nil {
		logger.Fatalf("persist last_applied_index: %v", err)
	}
	l.node.SetLastApplied(index)
}

func (l *Loop) applyPutOrLock(e binlog.Entry, op datastore.Op) bool {
	tagged := datastore.EncodeValue(op, e.Value)
	if err := l.putRetryingUnknownUser(e.User, e.Key, tagged); err != nil {
		logger.Errorf("put %s/%s: %v", e.User, e.Key, err)
		return false
	}
	if op == datastore.OpLock {
		l.touchParentKey(e.User, e.Key, e.Value, "lock")
		l.locks.add(string(e.Value), e.Key)
	}
	l.fireWatchWithParent(e.User, e.Key, e.Value, false)
	return true
}

func (l *Loop) applyDelete(e binlog.Entry) bool {
	if err := l.deleteRetryingUnknownUser(e.User, e.Key); err != nil {
		logger.Errorf("delete %s/%s: %v", e.User, e.Key, err)
		return false
	}
	l.fireWatchWithParent(e.User, e.Key, e.Value, true)
	return true
}

// applyUnlock is UnLock's apply-time half: delete-if-matches, a
// compare-and-delete on the session id that took the lock (spec.md
// §4.7). A stale unlock (session no longer holds it) is a silent
// no-op, matching the original's "if op == kLock && cur_session ==
// old_session" guard.
func (l *Loop) applyUnlock(e binlog.Entry) bool {
	raw, err := l.ds.Get(e.User, e.Key)
	if err != nil {
		return true // nothing to unlock; not an error for the client
	}
	op, cur, err := datastore.DecodeValue(raw)
	if err != nil || op != datastore.OpLock || string(cur) != string(e.Value) {
		return true
	}
	if err := l.deleteRetryingUnknownUser(e.User, e.Key); err != nil {
		logger.Errorf("unlock delete %s/%s: %v", e.User, e.Key, err)
		return false
	}
	l.touchParentKey(e.User, e.Key, e.Value, "unlock")
	l.fireWatchWithParent(e.User, e.Key, e.Value, true)
	return true
}

func (l *Loop) putRetryingUnknownUser(namespace, key string, value []byte) error {
	err := l.ds.Put(namespace, key, value)
	if err == nil {
		return nil
	}
	if openErr := l.ds.OpenNamespace(namespace); openErr != nil {
		return err
	}
	return l.ds.Put(namespace, key, value)
}

func (l *Loop) deleteRetryingUnknownUser(namespace, key string) error {
	err := l.ds.Delete(namespace, key)
	if err == nil {
		return nil
	}
	if openErr := l.ds.OpenNamespace(namespace); openErr != nil {
		return err
	}
	return l.ds.Delete(namespace, key)
}

// getParentKey is GetParentKey: a key's parent is everything before
// its last "/", spec.md §4.5.
func getParentKey(key string) (string, bool) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", false
	}
	return key[:idx], true
}

// touchParentKey is TouchParentKey: writing to key also writes a
// synthetic "<action>,<session>" marker at its parent, purely to give
// parent-directory watchers something to observe. It is never a
// distinct LogEntry (spec.md §12's supplemented-feature note).
func (l *Loop) touchParentKey(namespace, key string, session []byte, action string) {
	parent, ok := getParentKey(key)
	if !ok {
		return
	}
	marker := action + "," + string(session)
	tagged := datastore.EncodeValue(datastore.OpPut, []byte(marker))
	if err := l.putRetryingUnknownUser(namespace, parent, tagged); err != nil {
		logger.Errorf("touch parent key %s/%s: %v", namespace, parent, err)
	}
}

// bindKeyAndUser is BindKeyAndUser: the watch table is indexed per
// user so two users watching the same key name never cross-fire.
func bindKeyAndUser(user, key string) string {
	return user + "::" + key
}

// fireWatchWithParent is TriggerEventWithParent: a changed key fires
// its own watchers, and its parent directory's watchers (if any),
// carrying the changed key as Key and the watched key as WatchKey.
func (l *Loop) fireWatchWithParent(namespace, key string, value []byte, deleted bool) {
	l.watches.FireByKey(bindKeyAndUser(namespace, key), key, value, deleted)

	if parent, ok := getParentKey(key); ok {
		l.watches.FireByKey(bindKeyAndUser(namespace, parent), key, value, deleted)
	}
}

// Watches exposes the watch table so internal/server's Watch handler
// can register new one-shot waiters and check for an immediate fire
// (spec.md §4.9: a Watch call whose value already differs from the
// client's last known value fires immediately instead of blocking).
func (l *Loop) Watches() *watch.Table { return l.watches }
