// Package transport defines the RPC surface between ins nodes
// (spec.md §6's method list) as a thin Go interface. spec.md §1 puts
// wire transport and codec explicitly out of scope; this package
// carries only the *shape* of TEACHER's rafthttp.Peer callback
// interface (_examples/gyuho-db/rafthttp/17_peer.go) — request/response
// structs and a Transport/Handler pair — plus an in-process fake
// good enough to drive internal/raftnode and internal/server in tests,
// grounded on _examples/virajbhartiya-raft/pkg/transport/inproc.go's
// registry-of-nodes, simulated drop/delay/partition pattern.
package transport

import (
	"context"

	"github.com/tyronecai/ins/internal/binlog"
)

// NodeStatus mirrors internal/raftnode.Status without importing it
// (raftnode depends on transport, not the reverse).
type NodeStatus int

const (
	Follower NodeStatus = iota
	Candidate
	Leader
)

func (s NodeStatus) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// VoteRequest is the Vote RPC (spec.md §4.6).
type VoteRequest struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

// VoteResponse is the Vote RPC's reply.
type VoteResponse struct {
	Term        int64
	VoteGranted bool
}

// AppendEntriesRequest is the AppendEntries RPC (heartbeat when
// Entries is empty, spec.md §4.6).
type AppendEntriesRequest struct {
	Term              int64
	LeaderID          string
	PrevLogIndex      int64
	PrevLogTerm       int64
	LeaderCommitIndex int64
	Entries           []binlog.Entry
}

// AppendEntriesResponse is the AppendEntries RPC's reply.
type AppendEntriesResponse struct {
	CurrentTerm int64
	Success     bool
	LogLength   int64
	IsBusy      bool
}

// KeepAliveRequest is the KeepAlive RPC (spec.md §4.9), also used by a
// leader to forward a heartbeat it received to every follower
// (ForwardKeepAlive in the original).
type KeepAliveRequest struct {
	SessionID         string
	UUID              string
	Locks             []string
	ForwardFromLeader bool
}

// KeepAliveResponse is the KeepAlive RPC's reply.
type KeepAliveResponse struct {
	Success  bool
	LeaderID string
}

// ShowStatusResponse is the ShowStatus RPC's reply (spec.md §12
// supplemented feature).
type ShowStatusResponse struct {
	Status       NodeStatus
	Term         int64
	LastLogIndex int64
	LastLogTerm  int64
	CommitIndex  int64
	LastApplied  int64
}

// CleanBinlogRequest is the CleanBinlog RPC (spec.md §4.8): a
// leader-driven request to prune the local binlog prefix up to and
// including EndIndex.
type CleanBinlogRequest struct {
	EndIndex int64
}

// CleanBinlogResponse is the CleanBinlog RPC's reply.
type CleanBinlogResponse struct {
	Success bool
}

// Transport is the outbound RPC surface a node uses to reach its peers.
type Transport interface {
	Vote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	KeepAlive(ctx context.Context, peerID string, req KeepAliveRequest) (KeepAliveResponse, error)
	ShowStatus(ctx context.Context, peerID string) (ShowStatusResponse, error)
	CleanBinlog(ctx context.Context, peerID string, req CleanBinlogRequest) (CleanBinlogResponse, error)
}

// Handler is the inbound RPC surface a node exposes to its peers.
// internal/raftnode.Node implements the Vote/AppendEntries half;
// internal/server.Server implements the rest.
type Handler interface {
	HandleVote(ctx context.Context, req VoteRequest) (VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleKeepAlive(ctx context.Context, req KeepAliveRequest) (KeepAliveResponse, error)
	HandleShowStatus(ctx context.Context) (ShowStatusResponse, error)
	HandleCleanBinlog(ctx context.Context, req CleanBinlogRequest) (CleanBinlogResponse, error)
}
