package raftnode

import (
	"context"

	"github.com/tyronecai/ins/internal/transport"
)

// tryToBeLeader is CheckLeaderCrash's delayed task (the original's
// TryToBeLeader): it either notices a still-healthy leadership and
// reschedules itself, or starts a new election.
func (n *Node) tryToBeLeader() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	if n.cfg.SingleNodeMode {
		logger.Info("single node mode, self is leader")
		n.status = Leader
		n.currentLeader = n.cfg.SelfID
		n.inSafeMode = false
		n.commitIndex = n.lastAppliedHint
		n.currentTerm++
		if err := n.m.SetCurrentTerm(n.currentTerm); err != nil {
			logger.Fatalf("persist current_term: %v", err)
		}
		return
	}

	if n.status == Leader {
		n.armElectionTimerLocked()
		return
	}

	if n.status == Follower && n.heartbeatCount > 0 {
		n.heartbeatCount = 0
		n.armElectionTimerLocked()
		return
	}

	logger.Infof("try to be leader, status %s, broadcast vote", n.status)
	n.currentTerm++
	if err := n.m.SetCurrentTerm(n.currentTerm); err != nil {
		logger.Fatalf("persist current_term: %v", err)
	}
	n.status = Candidate
	n.voteGrant = make(map[int64]int)
	if err := n.m.SetVotedFor(n.currentTerm, n.cfg.SelfID); err != nil {
		logger.Fatalf("persist voted_for: %v", err)
	}
	n.voteGrant[n.currentTerm] = 1

	lastIndex, lastTerm := n.b.LastIndexAndTerm()
	term := n.currentTerm
	req := transport.VoteRequest{
		Term:         term,
		CandidateID:  n.cfg.SelfID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	logger.Infof("broadcast vote request with term: %d", term)

	for _, peer := range n.cfg.Peers {
		peer := peer
		go n.sendVote(peer, req)
	}

	n.armElectionTimerLocked()
}

func (n *Node) sendVote(peer string, req transport.VoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	resp, err := n.tr.Vote(ctx, peer, req)
	if err != nil {
		logger.Warningf("vote request to %s failed: %v", peer, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != Candidate {
		return
	}
	if resp.VoteGranted && resp.Term == n.currentTerm {
		n.voteGrant[n.currentTerm]++
		if 2*n.voteGrant[n.currentTerm] > len(n.cfg.Peers)+1 {
			n.transToLeaderLocked()
		}
	} else if resp.Term > n.currentTerm {
		n.transToFollowerLocked(resp.Term)
	}
}

func (n *Node) transToLeaderLocked() {
	n.inSafeMode = true
	n.status = Leader
	n.currentLeader = n.cfg.SelfID
	logger.Infof("I win the election, term: %d", n.currentTerm)

	go n.heartbeatLoop()
	n.startReplicateLogLocked()
}

// startReplicateLogLocked is StartReplicateLog: it starts one
// replicator goroutine per peer not already replicating, and appends
// a Nop entry so the new leader can detect once it has committed
// something in its own term (the only way in_safe_mode clears).
func (n *Node) startReplicateLogLocked() {
	logger.Info("start replicate log to followers")
	for _, peer := range n.cfg.Peers {
		if n.replicating[peer] {
			continue
		}
		n.nextIndex[peer] = n.b.Length()
		n.matchIndex[peer] = -1
		n.replicating[peer] = true
		go n.replicateLog(peer)
	}

	idx, err := n.b.Append(nopEntry(n.currentTerm))
	if err != nil {
		logger.Errorf("append nop entry: %v", err)
		return
	}
	n.repl.Broadcast()
	n.updateCommitIndexLocked(idx)
}
