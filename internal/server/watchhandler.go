package server

import (
	"context"
	"time"

	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/perfcounter"
	"github.com/tyronecai/ins/internal/watch"
)

// bindKeyAndUser mirrors internal/apply's watch-table key binding so
// the two packages fire on the same watchKey for a given (namespace, key).
func bindKeyAndUser(namespace, key string) string {
	return namespace + "::" + key
}

// Watch implements spec.md §4.5's Watch: it registers a one-shot
// waiter and returns a channel the caller blocks on for the result.
// Past the startup safe window (spec.md §4.8), it also performs an
// immediate comparison against the current value so a change that
// happened before the registration still fires right away instead of
// waiting for the next mutation.
func (s *Server) Watch(ctx context.Context, req WatchRequest) (<-chan WatchResponse, error) {
	s.perf.Record(perfcounter.OpWatch)

	ch := make(chan WatchResponse, 1)

	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		ch <- WatchResponse{LeaderID: leaderID}
		close(ch)
		return ch, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		ch <- WatchResponse{UUIDExpired: true}
		close(ch)
		return ch, nil
	}

	namespace := s.namespaceFromUUID(req.UUID)
	watchKey := bindKeyAndUser(namespace, req.Key)

	s.watches.Insert(watchKey, req.SessionID, func(r watch.FireResult) {
		ch <- WatchResponse{
			Success:  true,
			WatchKey: r.WatchKey,
			Key:      r.Key,
			Value:    r.Value,
			Deleted:  r.Deleted,
			Canceled: r.Canceled,
		}
		close(ch)
	})

	if time.Since(s.startTime) > s.cfg.SessionExpireTimeout {
		s.checkImmediateFire(namespace, req, watchKey)
	}

	return ch, nil
}

// checkImmediateFire is Watch's tm_now - server_start_timestamp_ >
// session_expire_timeout branch: if the key's current value already
// differs from what the client last observed, fire right away instead
// of waiting for a future mutation to trigger it.
func (s *Server) checkImmediateFire(namespace string, req WatchRequest, watchKey string) {
	raw, err := s.ds.Get(namespace, req.Key)
	keyExist := err == nil

	var realValue []byte
	var op datastore.Op
	if keyExist {
		op, realValue, err = datastore.DecodeValue(raw)
		if err != nil {
			keyExist = false
		}
	}

	if string(realValue) != req.OldValue || keyExist != req.KeyExist {
		s.watches.FireBySessionAndKey(req.SessionID, watchKey, realValue, !keyExist)
		return
	}

	if keyExist && op == datastore.OpLock {
		if _, alive := s.sessions.Lookup(string(realValue)); !alive {
			s.watches.FireBySessionAndKey(req.SessionID, watchKey, nil, true)
		}
	}
}
