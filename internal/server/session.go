package server

import (
	"context"
	"time"

	"github.com/tyronecai/ins/internal/perfcounter"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/transport"
)

// KeepAlive implements spec.md §4.4's KeepAlive: a client heartbeat
// that refreshes a session's expiry and reports which keys it still
// holds locks on, letting the GC reaper release the rest on expiry
// without scanning the data store. A follower only accepts it when
// ForwardFromLeader is set (the leader is relaying its own clients'
// heartbeats to every follower so each keeps the session table and
// lock sets should it become leader, ForwardKeepAlive in the original).
func (s *Server) KeepAlive(ctx context.Context, req KeepAliveRequest) (KeepAliveResponse, error) {
	s.perf.Record(perfcounter.OpKeepAlive)

	if !req.ForwardFromLeader {
		leaderID, isLeader := s.leaderGuard()
		if !isLeader {
			return KeepAliveResponse{LeaderID: leaderID}, nil
		}
	}

	s.sessions.Upsert(req.SessionID, req.UUID, time.Now())
	s.loop.SessionLocks().Reset(req.SessionID, req.Locks)

	if s.node.Status() == raftnode.Leader {
		s.forwardKeepAlive(req)
	}

	return KeepAliveResponse{Success: true}, nil
}

// forwardKeepAlive relays a leader-received heartbeat to every
// follower so their session tables stay in sync without each client
// having to heartbeat every member individually.
func (s *Server) forwardKeepAlive(req KeepAliveRequest) {
	for _, peer := range s.others {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), heartbeatProbeTimeout)
			defer cancel()
			fwd := req
			fwd.ForwardFromLeader = true
			if _, err := s.tr.KeepAlive(ctx, peer, transport.KeepAliveRequest{
				SessionID:         fwd.SessionID,
				UUID:              fwd.UUID,
				Locks:             fwd.Locks,
				ForwardFromLeader: true,
			}); err != nil {
				logger.Infof("forward keepalive to %s: %v", peer, err)
			}
		}(peer)
	}
}

// HandleKeepAlive implements the inbound half of transport.Handler.
func (s *Server) HandleKeepAlive(ctx context.Context, req transport.KeepAliveRequest) (transport.KeepAliveResponse, error) {
	resp, err := s.KeepAlive(ctx, KeepAliveRequest{
		SessionID:         req.SessionID,
		UUID:              req.UUID,
		Locks:             req.Locks,
		ForwardFromLeader: req.ForwardFromLeader,
	})
	if err != nil {
		return transport.KeepAliveResponse{}, err
	}
	return transport.KeepAliveResponse{Success: resp.Success, LeaderID: resp.LeaderID}, nil
}
