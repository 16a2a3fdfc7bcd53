// Package server wires internal/raftnode, internal/apply,
// internal/datastore, internal/user, internal/session and
// internal/watch together behind the request handlers of types.go
// (spec.md §4.9), and implements the non-raft half of
// internal/transport.Handler (KeepAlive/ShowStatus/CleanBinlog —
// Vote/AppendEntries are handled directly by *raftnode.Node).
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tyronecai/ins/internal/apply"
	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/config"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/inserr"
	"github.com/tyronecai/ins/internal/perfcounter"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/session"
	"github.com/tyronecai/ins/internal/transport"
	"github.com/tyronecai/ins/internal/user"
	"github.com/tyronecai/ins/internal/watch"
	"github.com/tyronecai/ins/internal/xlog"
)

var logger = xlog.NewLogger("server", xlog.INFO)

// errStopped means the node stopped before a proposed entry was applied.
var errStopped = errors.New("server: node stopped before entry was applied")

const heartbeatProbeTimeout = 300 * time.Millisecond

// Server holds every collaborator a request handler needs.
type Server struct {
	cfg      config.Config
	node     *raftnode.Node
	b        *binlog.Binlog
	loop     *apply.Loop
	ds       *datastore.DataStore
	users    *user.Manager
	sessions *session.Table
	watches  *watch.Table
	tr       transport.Transport
	perf     *perfcounter.Set

	members []string // every member's id, including self
	others  []string // members, excluding self

	startTime time.Time

	readMu                 sync.Mutex
	heartbeatReadTimestamp time.Time
}

// New builds a Server. members is the full cluster membership
// (spec.md §6's cluster_members); selfID must be one of its entries.
func New(cfg config.Config, node *raftnode.Node, b *binlog.Binlog, loop *apply.Loop, ds *datastore.DataStore, users *user.Manager, sessions *session.Table, watches *watch.Table, tr transport.Transport, members []string, selfID string) *Server {
	others := make([]string, 0, len(members))
	for _, m := range members {
		if m != selfID {
			others = append(others, m)
		}
	}
	return &Server{
		cfg:       cfg,
		node:      node,
		b:         b,
		loop:      loop,
		ds:        ds,
		users:     users,
		sessions:  sessions,
		watches:   watches,
		tr:        tr,
		perf:      perfcounter.New(),
		members:   members,
		others:    others,
		startTime: time.Now(),
	}
}

// HandleVote and HandleAppendEntries delegate straight to the raft node.
func (s *Server) HandleVote(ctx context.Context, req transport.VoteRequest) (transport.VoteResponse, error) {
	return s.node.HandleVote(ctx, req)
}

func (s *Server) HandleAppendEntries(ctx context.Context, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	return s.node.HandleAppendEntries(ctx, req)
}

// leaderGuard reports the current_leader_ redirect hint and whether
// this node may serve the request at all (spec.md §4.9's repeated
// "reject if not leader" preamble).
func (s *Server) leaderGuard() (leaderID string, isLeader bool) {
	switch s.node.Status() {
	case raftnode.Follower:
		return s.node.CurrentLeader(), false
	case raftnode.Candidate:
		return "", false
	default:
		return "", true
	}
}

// namespaceFromUUID resolves the acting data-store namespace for uuid,
// the anonymous namespace for an empty (unauthenticated) uuid.
func (s *Server) namespaceFromUUID(uuid string) string {
	if uuid == "" {
		return datastore.AnonymousNamespace
	}
	name, _ := s.users.UsernameFromUUID(uuid)
	return name
}

// proposeAndAwait proposes entry and waits for the apply loop to
// process it. stillLeader is false (err nil) when this node lost
// leadership between the caller's leaderGuard check and the propose
// call — an ordinary rejection, not a Go error.
func (s *Server) proposeAndAwait(ctx context.Context, entry binlog.Entry) (result apply.Result, stillLeader bool, err error) {
	var ch <-chan apply.Result
	_, proposeErr := s.node.Propose(entry, func(idx int64) {
		ch = s.loop.Await(idx)
	})
	if proposeErr != nil {
		if errors.Is(proposeErr, inserr.ErrNotLeader) {
			return apply.Result{}, false, nil
		}
		return apply.Result{}, true, proposeErr
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return apply.Result{}, true, errStopped
		}
		return res, true, nil
	case <-ctx.Done():
		return apply.Result{}, true, ctx.Err()
	}
}
