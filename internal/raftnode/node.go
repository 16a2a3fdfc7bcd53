// Package raftnode implements spec.md §4.6: leader election, log
// replication, and commit-index advancement over internal/binlog.
//
// Grounded on _examples/original_source/server/ins_node_impl.cc's
// threaded, mutex/condvar design (TryToBeLeader, VoteCallback,
// DoAppendEntries, ReplicateLog, UpdateCommitIndex) rather than
// TEACHER's generic etcd-style raft package: spec.md's variant is a
// simpler fixed-membership, single-log-type design, and TEACHER's
// raft/raftpb/rafthttp stack models a detached Ready()/Advance()
// library plus a protobuf wire format neither of which spec.md needs
// (transport and codec are explicitly out of scope, spec.md §1).
// TEACHER's raft.Config plain-struct shape is carried over below.
package raftnode

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/config"
	"github.com/tyronecai/ins/internal/inserr"
	"github.com/tyronecai/ins/internal/meta"
	"github.com/tyronecai/ins/internal/transport"
	"github.com/tyronecai/ins/internal/xlog"
)

var logger = xlog.NewLogger("raftnode", xlog.INFO)

const rpcTimeout = 300 * time.Millisecond

// Status is a node's Raft role.
type Status int

const (
	Follower Status = iota
	Candidate
	Leader
)

func (s Status) String() string {
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

// ToTransport converts a Status to the wire-level transport.NodeStatus
// used by ShowStatus responses.
func (s Status) ToTransport() transport.NodeStatus {
	return transport.NodeStatus(s)
}

// Config carries the subset of internal/config.Config the node needs,
// named the way TEACHER's raft.Config struct is (a plain struct of
// tunables). It has no Logger field; the node logs through this
// package's own logger.
type Config struct {
	SelfID           string
	Peers            []string // every other member's id; SelfID is not included
	SingleNodeMode   bool
	LogRepBatchMax   int
	ReplicationRetry time.Duration
	ElectTimeoutMin  time.Duration
	ElectTimeoutMax  time.Duration
	MaxCommitPending int64
}

// FromConfig builds a raftnode.Config from the full node configuration.
func FromConfig(c config.Config) Config {
	self := c.SelfAddr()
	var peers []string
	for _, id := range c.PeerIDs() {
		peers = append(peers, c.ClusterMembers[id-1])
	}
	return Config{
		SelfID:           self,
		Peers:            peers,
		SingleNodeMode:   len(c.ClusterMembers) <= 1,
		LogRepBatchMax:   c.LogRepBatchMax,
		ReplicationRetry: c.ReplicationRetryTimespan,
		ElectTimeoutMin:  c.ElectTimeoutMin,
		ElectTimeoutMax:  c.ElectTimeoutMax,
		MaxCommitPending: int64(c.MaxCommitPending),
	}
}

// Node is a single Raft-replicated node's election/replication/commit
// state machine. It owns no data-store or session state; spec.md
// §4.7's apply loop consumes WaitForCommit to learn what to apply.
type Node struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast on commitIndex change; apply loop waits on this
	repl *sync.Cond // broadcast on new binlog entries or status change; replicators wait on this

	cfg Config
	m   *meta.Meta
	b   *binlog.Binlog
	tr  transport.Transport

	status        Status
	currentTerm   int64
	currentLeader string
	inSafeMode    bool
	heartbeatCount int
	stopped       bool
	stopCh        chan struct{}

	voteGrant map[int64]int // term -> count of votes granted to self

	nextIndex   map[string]int64
	matchIndex  map[string]int64
	replicating map[string]bool

	commitIndex      int64
	lastAppliedHint  int64 // fed by SetLastApplied; used by the AppendEntries busy check and to seed commitIndex in single-node mode

	electionTimer *time.Timer
}

// New constructs a Node from its durable meta and binlog; the caller
// is responsible for having already recovered lastApplied (spec.md
// §4.7) and passing it in so single-node bootstrap can seed
// commit_index the way TryToBeLeader's single-node branch does.
func New(cfg Config, m *meta.Meta, b *binlog.Binlog, tr transport.Transport, recoveredLastApplied int64) *Node {
	n := &Node{
		cfg:             cfg,
		m:               m,
		b:               b,
		tr:              tr,
		status:          Follower,
		currentTerm:     m.CurrentTerm(),
		voteGrant:       make(map[int64]int),
		nextIndex:       make(map[string]int64),
		matchIndex:      make(map[string]int64),
		replicating:     make(map[string]bool),
		commitIndex:     -1,
		lastAppliedHint: recoveredLastApplied,
		stopCh:          make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	n.repl = sync.NewCond(&n.mu)
	return n
}

// Start arms the election timer (CheckLeaderCrash). A single-node
// cluster promotes itself to leader the first time the timer fires,
// exactly as the original's TryToBeLeader single-node branch does.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.armElectionTimerLocked()
}

// Stop halts the election timer and releases every goroutine blocked
// on the node's condition variables.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	close(n.stopCh)
	n.cond.Broadcast()
	n.repl.Broadcast()
}

func (n *Node) armElectionTimerLocked() {
	if n.stopped {
		return
	}
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	timeout := randomTimeout(n.cfg.ElectTimeoutMin, n.cfg.ElectTimeoutMax)
	n.electionTimer = time.AfterFunc(timeout, n.tryToBeLeader)
}

func randomTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Status reports the node's current Raft role.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// CurrentTerm reports the current term.
func (n *Node) CurrentTerm() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// CurrentLeader reports the last known leader id, "" if unknown
// (candidate, or a follower that has never heard from a leader).
func (n *Node) CurrentLeader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentLeader
}

// InSafeMode reports whether the node is within its post-election
// safe window (spec.md §4.8): Lock and Scan are rejected while true.
func (n *Node) InSafeMode() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status == Leader && n.inSafeMode
}

// CommitIndex reports the current commit index, -1 if nothing is committed yet.
func (n *Node) CommitIndex() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// WaitForCommit blocks until commitIndex advances past after, or the
// node stops, returning the new commit index and whether the node is
// still running (spec.md §4.7's CommitIndexObserv wait loop).
func (n *Node) WaitForCommit(after int64) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for !n.stopped && n.commitIndex <= after {
		n.cond.Wait()
	}
	if n.stopped {
		return n.commitIndex, false
	}
	return n.commitIndex, true
}

// SetLastApplied records how far the apply loop has progressed, so
// HandleAppendEntries can enforce max_commit_pending backpressure and
// so TryToBeLeader's single-node branch has a correct baseline for
// commit_index (spec.md §4.6, §4.7).
func (n *Node) SetLastApplied(index int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastAppliedHint = index
}

// NotifyNopCommitted clears in_safe_mode once a Nop entry from the
// current leadership term has been applied (spec.md §4.6's "Nop
// commits prior terms indirectly" rule; safe mode only lifts once the
// new leader's own Nop is durably applied).
func (n *Node) NotifyNopCommitted(entryTerm int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == Leader && entryTerm == n.currentTerm && n.inSafeMode {
		n.inSafeMode = false
		logger.Info("leave safe mode now")
	}
}

// SelfID returns this node's own cluster address.
func (n *Node) SelfID() string { return n.cfg.SelfID }

// Propose appends e (with Term set to the current term) to the
// binlog and wakes the replicators. It fails with inserr.ErrNotLeader
// if this node is not currently leader.
//
// onAppend, if given, runs synchronously under the node's lock right
// after the entry is appended and before commitIndex can advance past
// it — the caller's chance to register a completion waiter (e.g.
// apply.Loop.Await) atomically with the append, the way the original
// sets client_ack_[cur_index] under the same mu_ that
// AppendEntry/UpdateCommitIndex hold (ins_node_impl.cc). Without this,
// a single-node cluster can commit and apply the entry before the
// caller ever registers to wait for it, and the wait then hangs until
// ctx times out instead of observing the result.
func (n *Node) Propose(e binlog.Entry, onAppend ...func(index int64)) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != Leader {
		return -1, inserr.ErrNotLeader
	}
	e.Term = n.currentTerm
	idx, err := n.b.Append(e)
	if err != nil {
		return -1, fmt.Errorf("raftnode: propose: %v", err)
	}
	for _, f := range onAppend {
		f(idx)
	}
	n.repl.Broadcast()
	// Harmless in cluster mode (matchCount among peers won't yet
	// reach idx); in single-node mode there are no peers so this is
	// the only path that ever advances commit_index.
	n.updateCommitIndexLocked(idx)
	return idx, nil
}

func (n *Node) updateCommitIndexLocked(index int64) {
	matchCount := 0
	for _, p := range n.cfg.Peers {
		if n.matchIndex[p] >= index {
			matchCount++
		}
	}
	// strict majority of the whole cluster, counting self as matched
	if 2*(matchCount+1) > len(n.cfg.Peers)+1 && index > n.commitIndex {
		n.commitIndex = index
		logger.Infof("update to new commit index: %d", n.commitIndex)
		n.cond.Broadcast()
	}
}

// nopEntry builds the Nop log entry a new leader appends on election
// (spec.md §4.6); its sole purpose is to give the leader something
// from its own term to commit, which is what lifts in_safe_mode.
func nopEntry(term int64) binlog.Entry {
	return binlog.Entry{Op: binlog.OpNop, Key: "Ping", Term: term}
}

func (n *Node) transToFollowerLocked(newTerm int64) {
	logger.Infof("term outdated (%d < %d), trans to follower", n.currentTerm, newTerm)
	n.status = Follower
	n.currentTerm = newTerm
	if err := n.m.SetCurrentTerm(newTerm); err != nil {
		logger.Fatalf("persist current_term: %v", err)
	}
	n.repl.Broadcast()
}
