package raftnode

import (
	"context"
	"time"

	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/transport"
)

const heartbeatInterval = 50 * time.Millisecond

// heartbeatLoop is BroadCastHeartbeat's self-rescheduling task: every
// 50ms, while still leader, it pings every peer with an empty
// AppendEntries and steps down if any peer reports a higher term.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		if n.status != Leader {
			n.mu.Unlock()
			return
		}
		term, commit, self := n.currentTerm, n.commitIndex, n.cfg.SelfID
		peers := append([]string(nil), n.cfg.Peers...)
		n.mu.Unlock()

		for _, peer := range peers {
			peer := peer
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
				defer cancel()
				resp, err := n.tr.AppendEntries(ctx, peer, transport.AppendEntriesRequest{
					Term:              term,
					LeaderID:          self,
					PrevLogIndex:      -1,
					PrevLogTerm:       -1,
					LeaderCommitIndex: commit,
				})
				if err != nil {
					return
				}
				n.mu.Lock()
				if resp.CurrentTerm > n.currentTerm {
					n.transToFollowerLocked(resp.CurrentTerm)
				}
				n.mu.Unlock()
			}()
		}
	}
}

// replicateLog is ReplicateLog: one goroutine per peer, continuously
// shipping whatever binlog entries the peer is missing while this
// node remains leader.
func (n *Node) replicateLog(peer string) {
	n.mu.Lock()
	lastOK := true

	for {
		for !n.stopped && n.status == Leader && n.b.Length() <= n.nextIndex[peer] {
			n.repl.Wait()
		}
		if n.stopped || n.status != Leader {
			break
		}

		index := n.nextIndex[peer]
		curTerm := n.currentTerm
		curCommit := n.commitIndex
		prevIndex := index - 1

		batchSpan := n.b.Length() - index
		if batchSpan > int64(n.cfg.LogRepBatchMax) {
			batchSpan = int64(n.cfg.LogRepBatchMax)
		}
		if !lastOK && batchSpan > 1 {
			batchSpan = 1
		}

		prevTerm := int64(-1)
		if prevIndex > -1 {
			e, err := n.b.Read(prevIndex)
			if err != nil {
				logger.Warningf("bad slot [%d], can't replicate on %s", prevIndex, peer)
				break
			}
			prevTerm = e.Term
		}

		entries := make([]binlog.Entry, 0, batchSpan)
		badSlot := false
		maxTerm := int64(-1)
		for idx := index; idx < index+batchSpan; idx++ {
			e, err := n.b.Read(idx)
			if err != nil {
				badSlot = true
				break
			}
			entries = append(entries, e)
			if e.Term > maxTerm {
				maxTerm = e.Term
			}
		}
		if badSlot {
			logger.Errorf("bad slot, can't replicate on %s", peer)
			break
		}

		n.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		resp, err := n.tr.AppendEntries(ctx, peer, transport.AppendEntriesRequest{
			Term:              curTerm,
			LeaderID:          n.cfg.SelfID,
			PrevLogIndex:      prevIndex,
			PrevLogTerm:       prevTerm,
			LeaderCommitIndex: curCommit,
			Entries:           entries,
		})
		cancel()
		n.mu.Lock()

		if err == nil && resp.CurrentTerm > n.currentTerm {
			n.transToFollowerLocked(resp.CurrentTerm)
		}
		if n.status != Leader {
			break
		}

		switch {
		case err != nil:
			logger.Warningf("failed to send replicate-rpc to %s: %v", peer, err)
			n.mu.Unlock()
			time.Sleep(n.cfg.ReplicationRetry)
			lastOK = false
			n.mu.Lock()
		case resp.Success:
			n.nextIndex[peer] = index + batchSpan
			n.matchIndex[peer] = index + batchSpan - 1
			if len(entries) > 0 && maxTerm == n.currentTerm {
				n.updateCommitIndexLocked(index + batchSpan - 1)
			}
			lastOK = true
		case resp.IsBusy:
			logger.Warningf("delay replicate-rpc to %s [busy]", peer)
			n.mu.Unlock()
			time.Sleep(n.cfg.ReplicationRetry)
			lastOK = true
			n.mu.Lock()
		default:
			next := n.nextIndex[peer] - 1
			if resp.LogLength < next {
				next = resp.LogLength
			}
			if next < 0 {
				next = 0
			}
			n.nextIndex[peer] = next
			logger.Infof("adjust next_index of %s to %d", peer, next)
		}
	}

	delete(n.replicating, peer)
	n.mu.Unlock()
}
