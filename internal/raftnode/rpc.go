package raftnode

import (
	"context"

	"github.com/tyronecai/ins/internal/transport"
)

// HandleVote is the Vote RPC (spec.md §4.6): grants at most one vote
// per term, persisting the grant durably before replying, and never
// votes for a candidate whose log is less up to date than this
// node's.
func (n *Node) HandleVote(ctx context.Context, req transport.VoteRequest) (transport.VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return transport.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	lastIndex, lastTerm := n.b.LastIndexAndTerm()
	if req.LastLogTerm < lastTerm {
		return transport.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}
	if req.LastLogTerm == lastTerm && req.LastLogIndex < lastIndex {
		return transport.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	if req.Term > n.currentTerm {
		n.transToFollowerLocked(req.Term)
	}

	if votedFor, ok := n.m.VotedFor(n.currentTerm); ok {
		if votedFor != req.CandidateID {
			logger.Warningf("already voted for %s at term %d", votedFor, n.currentTerm)
			return transport.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
		}
	} else {
		logger.Warningf("voted for %s at term %d", req.CandidateID, n.currentTerm)
		if err := n.m.SetVotedFor(n.currentTerm, req.CandidateID); err != nil {
			logger.Fatalf("persist voted_for: %v", err)
		}
	}

	return transport.VoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}

// HandleAppendEntries is the AppendEntries RPC (spec.md §4.6): the
// same RPC serves as heartbeat (Entries empty) and replication.
func (n *Node) HandleAppendEntries(ctx context.Context, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return transport.AppendEntriesResponse{
			CurrentTerm: n.currentTerm,
			Success:     false,
			LogLength:   n.b.Length(),
		}, nil
	}

	if n.status != Follower {
		n.status = Follower
		n.repl.Broadcast()
	}
	if req.Term > n.currentTerm {
		n.currentTerm = req.Term
		if err := n.m.SetCurrentTerm(req.Term); err != nil {
			logger.Fatalf("persist current_term: %v", err)
		}
	}
	n.currentLeader = req.LeaderID
	n.heartbeatCount++

	if len(req.Entries) > 0 {
		if req.PrevLogIndex >= n.b.Length() {
			return transport.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: false, LogLength: n.b.Length()}, nil
		}

		prevTerm := int64(-1)
		if req.PrevLogIndex >= 0 {
			e, err := n.b.Read(req.PrevLogIndex)
			if err != nil {
				return transport.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: false, LogLength: n.b.Length()}, nil
			}
			prevTerm = e.Term
		}
		if prevTerm != req.PrevLogTerm {
			logger.Infof("term mismatch at index %d: %d != %d", req.PrevLogIndex, prevTerm, req.PrevLogTerm)
			if err := n.b.Truncate(req.PrevLogIndex - 1); err != nil {
				logger.Errorf("truncate: %v", err)
			}
			return transport.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: false, LogLength: n.b.Length()}, nil
		}

		if n.commitIndex-n.lastAppliedHint > n.cfg.MaxCommitPending {
			logger.Infof("speed too fast, %d > %d", req.PrevLogIndex, n.lastAppliedHint)
			return transport.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: false, LogLength: n.b.Length(), IsBusy: true}, nil
		}

		if n.b.Length() > req.PrevLogIndex+1 {
			if err := n.b.Truncate(req.PrevLogIndex); err != nil {
				logger.Errorf("truncate: %v", err)
			}
		}
		if _, err := n.b.AppendBatch(req.Entries); err != nil {
			logger.Errorf("append batch: %v", err)
			return transport.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: false, LogLength: n.b.Length()}, nil
		}
	}

	oldCommit := n.commitIndex
	lastIndex, _ := n.b.LastIndexAndTerm()
	newCommit := req.LeaderCommitIndex
	if lastIndex < newCommit {
		newCommit = lastIndex
	}
	if newCommit > oldCommit {
		n.commitIndex = newCommit
		logger.Infof("follower: update my commit index to %d", n.commitIndex)
		n.cond.Broadcast()
	}

	return transport.AppendEntriesResponse{CurrentTerm: n.currentTerm, Success: true, LogLength: n.b.Length()}, nil
}
