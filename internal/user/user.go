// Package user implements the user manager of spec.md §4.3: a pure
// function of the applied log (register/login/logout), plus the
// deterministic uuid<->username mapping that lets every replica derive
// the same acting principal for a given username.
package user

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tyronecai/ins/internal/meta"
)

// uuidNamespace fixes the SHA1 namespace so CalcUUID is reproducible
// across processes and replicas (spec.md §9: "Deterministic UUID from
// username"). Grounded on _examples/minio-kes's use of
// github.com/google/uuid for content-derived identifiers.
var uuidNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// CalcUUID deterministically derives a uuid from username.
func CalcUUID(username string) string {
	return uuid.NewSHA1(uuidNamespace, []byte(username)).String()
}

type record struct {
	username string
	passwd   string
	loggedIn bool
}

// Manager is the user manager. All mutation happens by applying
// committed LogEntry values (Register/Login/Logout); it holds no state
// that isn't derivable from the log plus the bootstrap root credential.
type Manager struct {
	mu sync.RWMutex

	byUsername map[string]*record
	byUUID     map[string]string // uuid -> username, only while logged in
}

// New creates a Manager pre-seeded with the root user loaded from meta.
func New(m *meta.Meta) *Manager {
	mgr := &Manager{
		byUsername: make(map[string]*record),
		byUUID:     make(map[string]string),
	}

	rootUser, rootPasswd := m.RootCredential()
	if rootUser != "" {
		mgr.byUsername[rootUser] = &record{username: rootUser, passwd: rootPasswd}
	}
	return mgr
}

// Register creates username with passwd. Re-registering an existing
// username overwrites its password, matching the original's
// unconditional user-table upsert.
func (mgr *Manager) Register(username, passwd string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.byUsername[username] = &record{username: username, passwd: passwd}
}

// Login validates username/passwd and, on success, marks uuid as
// logged in for that username.
func (mgr *Manager) Login(username, passwd, uuidStr string) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	r, ok := mgr.byUsername[username]
	if !ok || r.passwd != passwd {
		return false
	}
	r.loggedIn = true
	mgr.byUUID[uuidStr] = username
	return true
}

// Logout clears the logged-in uuid, regardless of which username it
// mapped to.
func (mgr *Manager) Logout(uuidStr string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	username, ok := mgr.byUUID[uuidStr]
	if !ok {
		return
	}
	delete(mgr.byUUID, uuidStr)
	if r, ok := mgr.byUsername[username]; ok {
		r.loggedIn = false
	}
}

// IsLoggedIn reports whether uuid currently has an active session.
// The empty uuid (anonymous user) is always considered logged in.
func (mgr *Manager) IsLoggedIn(uuidStr string) bool {
	if uuidStr == "" {
		return true
	}
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	_, ok := mgr.byUUID[uuidStr]
	return ok
}

// IsValidUser reports whether username is registered.
func (mgr *Manager) IsValidUser(username string) bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	_, ok := mgr.byUsername[username]
	return ok
}

// UsernameFromUUID resolves the username backing uuid, if logged in.
func (mgr *Manager) UsernameFromUUID(uuidStr string) (string, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	name, ok := mgr.byUUID[uuidStr]
	return name, ok
}
