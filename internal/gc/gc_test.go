package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyronecai/ins/internal/apply"
	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/config"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/meta"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/session"
	"github.com/tyronecai/ins/internal/transport"
	"github.com/tyronecai/ins/internal/user"
	"github.com/tyronecai/ins/internal/watch"
)

// singleNodeFixture builds a single-member, single-node-mode raft node
// wired to a real binlog/meta/datastore under a temp dir, the way
// spec.md's single-command bring-up runs (no peers to talk to).
func singleNodeFixture(t *testing.T) (*raftnode.Node, *apply.Loop, *user.Manager) {
	t.Helper()

	dir := t.TempDir()
	m, err := meta.Open(dir, "root", "root")
	require.NoError(t, err)
	b, err := binlog.Open(dir)
	require.NoError(t, err)
	ds, err := datastore.Open(dir)
	require.NoError(t, err)

	cfg := raftnode.Config{
		SelfID:           "node1",
		SingleNodeMode:   true,
		LogRepBatchMax:   128,
		ReplicationRetry: 10 * time.Millisecond,
		ElectTimeoutMin:  20 * time.Millisecond,
		ElectTimeoutMax:  30 * time.Millisecond,
		MaxCommitPending: 2000,
	}
	node := raftnode.New(cfg, m, b, nil, -1)
	users := user.New(m)
	watches := watch.New()
	loop := apply.New(node, b, ds, users, watches, -1)

	node.Start()
	go loop.Run()

	t.Cleanup(func() { node.Stop() })

	return node, loop, users
}

func waitForLeader(t *testing.T, node *raftnode.Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		return node.Status() == raftnode.Leader
	}, time.Second, time.Millisecond)
}

func TestReapOnceReleasesLocksAndLogsOutExpiredLeader(t *testing.T) {
	node, loop, users := singleNodeFixture(t)
	waitForLeader(t, node)

	users.Register("u1", "pw")
	require.True(t, users.Login("u1", "pw", "uuid-1"))

	var ch <-chan apply.Result
	idx, err := node.Propose(binlog.Entry{Op: binlog.OpLock, User: "u1", Key: "/a/b", Value: []byte("sess1")}, func(i int64) {
		ch = loop.Await(i)
	})
	require.NoError(t, err)
	res := <-ch
	require.True(t, res.Success)

	sessions := session.New()
	sessions.Upsert("sess1", "uuid-1", time.Now().Add(-time.Hour))

	c := New(config.Config{SessionExpireTimeout: time.Minute}, node, sessions, loop, users, nil, []string{"node1"})
	c.reapOnce()

	_, ok := sessions.Lookup("sess1")
	require.False(t, ok, "expired session should be erased")

	require.Empty(t, loop.SessionLocks().TakeAll("sess1"), "expired session's locks must be drained")

	// reapOnce must have proposed and the apply loop applied both an
	// Unlock (releasing "/a/b") and a Logout (the session's uuid was
	// logged in), advancing the last applied index by two past the Lock.
	require.Eventually(t, func() bool {
		return loop.LastApplied() >= idx+2
	}, time.Second, 5*time.Millisecond)

	require.False(t, users.IsLoggedIn("uuid-1"), "the expired session's uuid must be logged out")
}

func TestReapOnceSkipsUnexpiredSessions(t *testing.T) {
	node, loop, users := singleNodeFixture(t)
	waitForLeader(t, node)

	sessions := session.New()
	sessions.Upsert("sess1", "uuid-1", time.Now())

	c := New(config.Config{SessionExpireTimeout: time.Minute}, node, sessions, loop, users, nil, []string{"node1"})
	c.reapOnce()

	_, ok := sessions.Lookup("sess1")
	require.True(t, ok, "unexpired session must survive a reap pass")
}

// fakeShowStatusTransport answers ShowStatus with a fixed last_applied
// per peer and records every CleanBinlog broadcast it receives.
type fakeShowStatusTransport struct {
	transport.Transport
	lastApplied map[string]int64
	cleaned     []transport.CleanBinlogRequest
}

func (f *fakeShowStatusTransport) ShowStatus(ctx context.Context, peerID string) (transport.ShowStatusResponse, error) {
	return transport.ShowStatusResponse{LastApplied: f.lastApplied[peerID]}, nil
}

func (f *fakeShowStatusTransport) CleanBinlog(ctx context.Context, peerID string, req transport.CleanBinlogRequest) (transport.CleanBinlogResponse, error) {
	f.cleaned = append(f.cleaned, req)
	return transport.CleanBinlogResponse{Success: true}, nil
}

func TestGCOnceBroadcastsOnlyWhenSafeIndexChanges(t *testing.T) {
	node, _, users := singleNodeFixture(t)
	waitForLeader(t, node)

	tr := &fakeShowStatusTransport{lastApplied: map[string]int64{"node1": 10, "node2": 8}}
	sessions := session.New()
	c := New(config.Config{}, node, sessions, nil, users, tr, []string{"node1", "node2"})

	c.gcOnce()
	require.Len(t, tr.cleaned, 2, "first pass with a new safe index must broadcast to every member")
	require.Equal(t, int64(7), tr.cleaned[0].EndIndex)

	c.gcOnce()
	require.Len(t, tr.cleaned, 2, "an unchanged safe index must not re-broadcast")

	tr.lastApplied["node2"] = 9
	c.gcOnce()
	require.Len(t, tr.cleaned, 4, "an advanced safe index must broadcast again")
	require.Equal(t, int64(8), tr.cleaned[2].EndIndex)
}

func TestGCOnceSkipsWhenAnyMemberUnreachable(t *testing.T) {
	node, _, users := singleNodeFixture(t)
	waitForLeader(t, node)

	tr := &fakeShowStatusTransport{lastApplied: map[string]int64{"node1": 10}}
	// node2 has no entry in lastApplied, but ShowStatus still "succeeds"
	// here; simulate an unreachable peer via a transport that errors.
	errTr := &erroringShowStatusTransport{fakeShowStatusTransport: tr, failPeer: "node2"}

	sessions := session.New()
	c := New(config.Config{}, node, sessions, nil, users, errTr, []string{"node1", "node2"})
	c.gcOnce()

	require.Empty(t, tr.cleaned, "a failed ShowStatus must abort the whole GC pass")
}

type erroringShowStatusTransport struct {
	*fakeShowStatusTransport
	failPeer string
}

func (e *erroringShowStatusTransport) ShowStatus(ctx context.Context, peerID string) (transport.ShowStatusResponse, error) {
	if peerID == e.failPeer {
		return transport.ShowStatusResponse{}, context.DeadlineExceeded
	}
	return e.fakeShowStatusTransport.ShowStatus(ctx, peerID)
}
