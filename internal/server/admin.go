package server

import (
	"context"

	"github.com/tyronecai/ins/internal/transport"
)

// ShowStatus implements spec.md §12's supplemented status RPC, used by
// internal/gc's binlog GC to learn every member's last_applied_index.
func (s *Server) ShowStatus(ctx context.Context) (ShowStatusResponse, error) {
	lastLogIndex, lastLogTerm := s.b.LastIndexAndTerm()
	return ShowStatusResponse{
		Status:       s.node.Status().String(),
		Term:         s.node.CurrentTerm(),
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
		CommitIndex:  s.node.CommitIndex(),
		LastApplied:  s.loop.LastApplied(),
	}, nil
}

// HandleShowStatus implements the inbound half of transport.Handler.
func (s *Server) HandleShowStatus(ctx context.Context) (transport.ShowStatusResponse, error) {
	resp, err := s.ShowStatus(ctx)
	if err != nil {
		return transport.ShowStatusResponse{}, err
	}
	return transport.ShowStatusResponse{
		Status:       s.node.Status().ToTransport(),
		Term:         resp.Term,
		LastLogIndex: resp.LastLogIndex,
		LastLogTerm:  resp.LastLogTerm,
		CommitIndex:  resp.CommitIndex,
		LastApplied:  resp.LastApplied,
	}, nil
}

// HandleCleanBinlog implements spec.md §4.8's leader-driven binlog GC:
// a node only prunes its own prefix once it has itself applied at
// least up to the requested end index (del_end_index in the original),
// never trusting the leader's bound blindly. req.EndIndex already is
// the cluster's safe bound (min_applied-1, computed by internal/gc),
// so it is itself the highest index safe to remove — RemovePrefix's
// <= semantics need no further adjustment, matching the original's
// DelBinlog(del_end_index-1)'s strictly-before-min_applied result.
func (s *Server) HandleCleanBinlog(ctx context.Context, req transport.CleanBinlogRequest) (transport.CleanBinlogResponse, error) {
	if s.loop.LastApplied() < req.EndIndex {
		logger.Warningf("del log request: %d > last_applied_index: %d is unsafe", req.EndIndex, s.loop.LastApplied())
		return transport.CleanBinlogResponse{Success: false}, nil
	}
	if err := s.b.RemovePrefix(req.EndIndex); err != nil {
		logger.Errorf("remove binlog prefix up to %d: %v", req.EndIndex, err)
		return transport.CleanBinlogResponse{Success: false}, nil
	}
	return transport.CleanBinlogResponse{Success: true}, nil
}

// RpcStat implements spec.md §4.9's RpcStat: per-op current/average
// counters, reported for every op when the request names none.
func (s *Server) RpcStat(ctx context.Context, req RpcStatRequest) (RpcStatResponse, error) {
	return RpcStatResponse{
		Stats:  s.perf.Snapshot(req.Ops),
		Status: s.node.Status().String(),
	}, nil
}
