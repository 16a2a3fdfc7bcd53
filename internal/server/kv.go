package server

import (
	"context"
	"sync"
	"time"

	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/perfcounter"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/transport"
)

// maxScanResponseBytes mirrors the original's sMaxPBSize, the
// serialized-response size past which Scan reports has_more instead of
// continuing to accumulate items.
const maxScanResponseBytes = 26 << 20

// Put implements spec.md §4.2's Put.
func (s *Server) Put(ctx context.Context, req PutRequest) (PutResponse, error) {
	s.perf.Record(perfcounter.OpPut)

	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return PutResponse{LeaderID: leaderID}, nil
	}
	if s.loop.PendingCount() > s.cfg.MaxWritePending {
		logger.Warningf("too much pending write: %d > %d", s.loop.PendingCount(), s.cfg.MaxWritePending)
		return PutResponse{}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return PutResponse{UUIDExpired: true}, nil
	}

	entry := binlog.Entry{Op: binlog.OpPut, User: s.namespaceFromUUID(req.UUID), Key: req.Key, Value: req.Value}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return PutResponse{}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return PutResponse{LeaderID: leaderID}, nil
	}
	return PutResponse{Success: res.Success}, nil
}

// Delete implements spec.md §4.2's Delete.
func (s *Server) Delete(ctx context.Context, req DelRequest) (DelResponse, error) {
	s.perf.Record(perfcounter.OpDelete)

	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return DelResponse{LeaderID: leaderID}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return DelResponse{UUIDExpired: true}, nil
	}

	entry := binlog.Entry{Op: binlog.OpDel, User: s.namespaceFromUUID(req.UUID), Key: req.Key}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return DelResponse{}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return DelResponse{LeaderID: leaderID}, nil
	}
	return DelResponse{Success: res.Success}, nil
}

// Get implements spec.md §4.2's Get, including the quorum-read probe
// that guards a stale leader (one that lost contact with a majority of
// peers but hasn't yet stepped down) from serving a local read.
func (s *Server) Get(ctx context.Context, req GetRequest) (GetResponse, error) {
	s.perf.Record(perfcounter.OpGet)

	status := s.node.Status()
	if status == raftnode.Follower {
		return GetResponse{LeaderID: s.node.CurrentLeader()}, nil
	}
	if status == raftnode.Candidate {
		return GetResponse{}, nil
	}
	if s.node.InSafeMode() {
		return GetResponse{}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return GetResponse{UUIDExpired: true}, nil
	}

	if len(s.others) > 0 && time.Since(s.lastHeartbeatRead()) > s.cfg.ElectTimeoutMin {
		logger.Info("broadcast for read")
		if !s.quorumReadProbe(ctx) {
			return GetResponse{}, nil
		}
		s.setLastHeartbeatRead(time.Now())
	}

	return s.localGet(req), nil
}

func (s *Server) lastHeartbeatRead() time.Time {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.heartbeatReadTimestamp
}

func (s *Server) setLastHeartbeatRead(t time.Time) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.heartbeatReadTimestamp = t
}

// quorumReadProbe confirms this node can still reach a majority of the
// cluster by sending a heartbeat-style AppendEntries (no entries) to
// every peer, counting itself as already succeeded (BroadCastHeartbeat
// / HeartbeatForReadCallback in the original).
func (s *Server) quorumReadProbe(ctx context.Context) bool {
	needed := len(s.members) / 2

	var mu sync.Mutex
	var wg sync.WaitGroup
	succ := 1 // self
	for _, peer := range s.others {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, heartbeatProbeTimeout)
			defer cancel()
			resp, err := s.tr.AppendEntries(pctx, peer, transport.AppendEntriesRequest{
				Term:              s.node.CurrentTerm(),
				LeaderID:          s.node.SelfID(),
				LeaderCommitIndex: s.node.CommitIndex(),
			})
			if err != nil || !resp.Success {
				return
			}
			mu.Lock()
			succ++
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	return succ > needed
}

// localGet is Get's data-store read, shared by the direct and
// quorum-confirmed paths. A lock value whose holding session has
// already expired reads as a miss (IsExpiredSession in the original).
func (s *Server) localGet(req GetRequest) GetResponse {
	namespace := s.namespaceFromUUID(req.UUID)
	raw, err := s.ds.Get(namespace, req.Key)
	if err != nil {
		return GetResponse{Success: true, Hit: false}
	}
	op, value, err := datastore.DecodeValue(raw)
	if err != nil {
		return GetResponse{Success: true, Hit: false}
	}
	if op == datastore.OpLock {
		if _, ok := s.sessions.Lookup(string(value)); !ok {
			return GetResponse{Success: true, Hit: false}
		}
	}
	return GetResponse{Success: true, Hit: true, Value: value}
}

// Scan implements spec.md §4.2's Scan: an ascending range read capped
// by SizeLimit and by a serialized-size ceiling, skipping the reserved
// last-applied-index bookkeeping key and any expired lock.
func (s *Server) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	s.perf.Record(perfcounter.OpScan)

	status := s.node.Status()
	if status == raftnode.Follower {
		return ScanResponse{LeaderID: s.node.CurrentLeader()}, nil
	}
	if status == raftnode.Candidate {
		return ScanResponse{}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return ScanResponse{UUIDExpired: true}, nil
	}
	if s.node.InSafeMode() {
		return ScanResponse{}, nil
	}
	if status == raftnode.Leader && time.Since(s.startTime) < s.cfg.SessionExpireTimeout {
		logger.Info("leader is still in safe mode for scan")
		return ScanResponse{}, nil
	}

	namespace := s.namespaceFromUUID(req.UUID)
	it, err := s.ds.NewIterator(namespace, req.StartKey, req.EndKey)
	if err != nil {
		return ScanResponse{Success: true, UUIDExpired: true}, nil
	}
	defer it.Close()

	var items []ScanItem
	hasMore := false
	count := int32(0)
	pbSize := 0
	for it.Next() {
		if count >= req.SizeLimit {
			hasMore = true
			break
		}
		if pbSize > maxScanResponseBytes {
			hasMore = true
			break
		}
		key := string(it.Key())
		if key == datastore.LastAppliedIndexKey {
			continue
		}
		op, value, err := datastore.DecodeValue(it.Value())
		if err != nil {
			continue
		}
		if op == datastore.OpLock {
			if _, ok := s.sessions.Lookup(string(value)); !ok {
				continue
			}
		}
		items = append(items, ScanItem{Key: key, Value: value})
		pbSize += len(key) + len(value)
		count++
	}

	return ScanResponse{Success: true, Items: items, HasMore: hasMore}, nil
}
