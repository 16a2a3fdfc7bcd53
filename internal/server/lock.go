package server

import (
	"context"
	"time"

	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/perfcounter"
)

// lockIsAvailable implements LockIsAvailable: a lock can be taken if
// the key holds no value yet (and the requesting session is still
// alive), if the key's current value is a lock whose holding session
// has expired, or if the requesting session already holds it (allowing
// reentry).
func (s *Server) lockIsAvailable(namespace, key, sessionID string) bool {
	raw, err := s.ds.Get(namespace, key)
	if err != nil {
		_, selfAlive := s.sessions.Lookup(sessionID)
		return selfAlive
	}

	op, holder, err := datastore.DecodeValue(raw)
	if err != nil || op != datastore.OpLock {
		return false
	}

	if string(holder) == sessionID {
		return true // reentry
	}
	_, holderAlive := s.sessions.Lookup(string(holder))
	return !holderAlive
}

// Lock implements spec.md §4.5's Lock, an advisory, session-scoped
// mutual-exclusion acquire. Unlike the original, which optimistically
// writes the lock value directly into the data store inside the RPC
// handler ahead of consensus, this implementation relies solely on
// internal/apply.Loop as the sole mutator: it proposes the Lock entry
// and waits for the apply result like every other mutating call
// (DESIGN.md).
func (s *Server) Lock(ctx context.Context, req LockRequest) (LockResponse, error) {
	s.perf.Record(perfcounter.OpLock)

	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return LockResponse{LeaderID: leaderID}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return LockResponse{UUIDExpired: true}, nil
	}
	if s.node.InSafeMode() {
		logger.Info("leader is still in safe mode")
		return LockResponse{}, nil
	}
	if time.Since(s.startTime) < s.cfg.SessionExpireTimeout {
		logger.Info("leader is still in safe mode for lock")
		return LockResponse{}, nil
	}

	namespace := s.namespaceFromUUID(req.UUID)
	if !s.lockIsAvailable(namespace, req.Key, req.SessionID) {
		logger.Infof("the lock %s is held by another session", req.Key)
		return LockResponse{}, nil
	}

	entry := binlog.Entry{Op: binlog.OpLock, User: namespace, Key: req.Key, Value: []byte(req.SessionID)}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return LockResponse{}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return LockResponse{LeaderID: leaderID}, nil
	}
	return LockResponse{Success: res.Success}, nil
}

// Unlock implements spec.md §4.5's Unlock: a compare-and-delete the
// apply loop performs (applyUnlock); a stale unlock silently no-ops.
func (s *Server) Unlock(ctx context.Context, req UnlockRequest) (UnlockResponse, error) {
	s.perf.Record(perfcounter.OpUnlock)

	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return UnlockResponse{LeaderID: leaderID}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return UnlockResponse{UUIDExpired: true}, nil
	}

	entry := binlog.Entry{Op: binlog.OpUnlock, User: s.namespaceFromUUID(req.UUID), Key: req.Key, Value: []byte(req.SessionID)}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return UnlockResponse{}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return UnlockResponse{LeaderID: leaderID}, nil
	}
	return UnlockResponse{Success: res.Success}, nil
}
