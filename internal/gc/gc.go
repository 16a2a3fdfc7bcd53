// Package gc implements spec.md §4.8: the periodic session reaper and
// the leader-driven binlog garbage collector. The startup safe-mode
// guard is not here; internal/server's Lock and Scan handlers apply it.
//
// Grounded on _examples/original_source/server/ins_node_impl.cc's
// RemoveExpiredSessions (reaper) and GarbageClean (binlog GC). gcOnce
// broadcasts a safe_clean_index only when it is greater than the last
// one broadcast.
package gc

import (
	"context"
	"time"

	"github.com/tyronecai/ins/internal/apply"
	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/config"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/session"
	"github.com/tyronecai/ins/internal/transport"
	"github.com/tyronecai/ins/internal/user"
	"github.com/tyronecai/ins/internal/xlog"
)

var logger = xlog.NewLogger("gc", xlog.INFO)

const reapInterval = 2 * time.Second
const rpcTimeout = 2 * time.Second

// Collector runs the session reaper and the binlog GC loop.
type Collector struct {
	cfg      config.Config
	node     *raftnode.Node
	sessions *session.Table
	loop     *apply.Loop
	users    *user.Manager
	tr       transport.Transport
	members  []string // every member's id, including self

	lastSafeCleanIndex int64
	stopCh             chan struct{}
}

// New builds a Collector. members is the full cluster membership
// (spec.md §6's cluster_members), including this node's own id.
func New(cfg config.Config, node *raftnode.Node, sessions *session.Table, loop *apply.Loop, users *user.Manager, tr transport.Transport, members []string) *Collector {
	return &Collector{
		cfg:                cfg,
		node:               node,
		sessions:           sessions,
		loop:               loop,
		users:              users,
		tr:                 tr,
		members:            members,
		lastSafeCleanIndex: -1,
		stopCh:             make(chan struct{}),
	}
}

// Stop halts both background loops.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// RunSessionReaper blocks, expiring sessions every 2 seconds until Stop.
func (c *Collector) RunSessionReaper() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reapOnce()
		}
	}
}

// usernameFromUUID resolves the acting namespace for a lock-holding
// session's uuid (GetUsernameFromUuid in the original), falling back
// to the anonymous namespace for an anonymous (empty-uuid) session or
// a uuid that already logged out.
func (c *Collector) usernameFromUUID(uuid string) string {
	if uuid == "" {
		return datastore.AnonymousNamespace
	}
	name, _ := c.users.UsernameFromUUID(uuid)
	return name
}

func (c *Collector) reapOnce() {
	cutoff := time.Now().Add(-c.cfg.SessionExpireTimeout)
	expired := c.sessions.ExpiredBefore(cutoff)
	if len(expired) == 0 {
		return
	}

	isLeader := c.node.Status() == raftnode.Leader

	for _, s := range expired {
		c.loop.Watches().RemoveBySession(s.SessionID)
		keys := c.loop.SessionLocks().TakeAll(s.SessionID)

		if isLeader {
			namespace := c.usernameFromUUID(s.UUID)
			for _, key := range keys {
				_, err := c.node.Propose(binlog.Entry{
					Op:    binlog.OpUnlock,
					User:  namespace,
					Key:   key,
					Value: []byte(s.SessionID),
				})
				if err != nil {
					logger.Warningf("propose expiry unlock for %s: %v", key, err)
				}
			}
			if s.UUID != "" {
				if _, err := c.node.Propose(binlog.Entry{Op: binlog.OpLogout, User: s.UUID}); err != nil {
					logger.Warningf("propose expiry logout for %s: %v", s.UUID, err)
				}
			}
		}

		c.sessions.Erase(s.SessionID)
		logger.Infof("removed expired session %s", s.SessionID)
	}
}

// RunBinlogGC blocks, pruning the binlog prefix every
// cfg.InsGCInterval until Stop. Only the leader performs work; every
// other node's tick is a no-op (it still has to run so it becomes
// active the moment it wins an election).
func (c *Collector) RunBinlogGC() {
	interval := c.cfg.InsGCInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.gcOnce()
		}
	}
}

func (c *Collector) gcOnce() {
	if c.node.Status() != raftnode.Leader {
		return
	}

	minApplied := int64(-1)
	gotAll := true
	for _, member := range c.members {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		resp, err := c.tr.ShowStatus(ctx, member)
		cancel()
		if err != nil {
			logger.Infof("failed to get last_applied_index from %s: %v", member, err)
			gotAll = false
			break
		}
		if minApplied == -1 || resp.LastApplied < minApplied {
			minApplied = resp.LastApplied
		}
	}
	if !gotAll {
		return
	}

	safeCleanIndex := minApplied - 1
	// Monotonic-increase guard (spec.md §12): the safe bound must
	// never move backward, and re-issuing the same bound is wasted
	// work.
	if safeCleanIndex <= c.lastSafeCleanIndex {
		return
	}
	c.lastSafeCleanIndex = safeCleanIndex
	logger.Infof("[gc] safe clean index is: %d", safeCleanIndex)

	for _, member := range c.members {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		_, err := c.tr.CleanBinlog(ctx, member, transport.CleanBinlogRequest{EndIndex: safeCleanIndex})
		cancel()
		if err != nil {
			logger.Infof("failed to clean binlog request to %s: %v", member, err)
		}
	}
}
