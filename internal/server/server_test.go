package server

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

// compile-time check that *Server satisfies transport.Handler's
// non-raft half (HandleVote/HandleAppendEntries delegate to
// raftnode.Node).
var _ transport.Handler = (*Server)(nil)

// singleNodeFixture mirrors internal/gc's fixture of the same name: a
// single-member, single-node-mode cluster with a real binlog/meta/
// datastore under a temp dir, wired all the way up to a *Server with
// no peers to talk to.
func singleNodeFixture(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	m, err := meta.Open(dir, "root", "root")
	require.NoError(t, err)
	b, err := binlog.Open(dir)
	require.NoError(t, err)
	ds, err := datastore.Open(dir)
	require.NoError(t, err)

	cfg := config.Config{
		ClusterMembers:       []string{"node1"},
		ServerID:             1,
		MaxWritePending:      1000,
		SessionExpireTimeout: time.Millisecond,
		ElectTimeoutMin:      20 * time.Millisecond,
	}

	rncfg := raftnode.Config{
		SelfID:           "node1",
		SingleNodeMode:   true,
		LogRepBatchMax:   128,
		ReplicationRetry: 10 * time.Millisecond,
		ElectTimeoutMin:  20 * time.Millisecond,
		ElectTimeoutMax:  30 * time.Millisecond,
		MaxCommitPending: 2000,
	}
	node := raftnode.New(rncfg, m, b, nil, -1)
	users := user.New(m)
	sessions := session.New()
	watches := watch.New()
	loop := apply.New(node, b, ds, users, watches, -1)

	node.Start()
	go loop.Run()
	t.Cleanup(node.Stop)

	srv := New(cfg, node, b, loop, ds, users, sessions, watches, nil, cfg.ClusterMembers, "node1")

	waitForLeader(t, node)
	// let the startup safe window (SessionExpireTimeout) lapse so Lock
	// and Scan don't reject every call in this fixture.
	time.Sleep(5 * time.Millisecond)

	return srv
}

func waitForLeader(t *testing.T, node *raftnode.Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		return node.Status() == raftnode.Leader
	}, time.Second, time.Millisecond)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	putRes, err := srv.Put(ctx, PutRequest{Key: "/a", Value: []byte("v1")})
	require.NoError(t, err)
	require.True(t, putRes.Success)

	getRes, err := srv.Get(ctx, GetRequest{Key: "/a"})
	require.NoError(t, err)
	require.True(t, getRes.Success)
	require.True(t, getRes.Hit)
	require.Equal(t, []byte("v1"), getRes.Value)
}

func TestGetMissingKeyIsAMissNotAnError(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	getRes, err := srv.Get(ctx, GetRequest{Key: "/nope"})
	require.NoError(t, err)
	require.True(t, getRes.Success)
	require.False(t, getRes.Hit)
}

func TestDeleteRemovesKey(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	_, err := srv.Put(ctx, PutRequest{Key: "/a", Value: []byte("v1")})
	require.NoError(t, err)

	delRes, err := srv.Delete(ctx, DelRequest{Key: "/a"})
	require.NoError(t, err)
	require.True(t, delRes.Success)

	getRes, err := srv.Get(ctx, GetRequest{Key: "/a"})
	require.NoError(t, err)
	require.False(t, getRes.Hit)
}

func TestPutRejectsUnknownUUID(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	res, err := srv.Put(ctx, PutRequest{UUID: "not-logged-in", Key: "/a", Value: []byte("v1")})
	require.NoError(t, err)
	require.True(t, res.UUIDExpired)
	require.False(t, res.Success)
}

func TestScanReturnsKeysInRangeSkippingBookkeepingKey(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	for _, k := range []string{"/a", "/b", "/c"} {
		_, err := srv.Put(ctx, PutRequest{Key: k, Value: []byte(k)})
		require.NoError(t, err)
	}

	scanRes, err := srv.Scan(ctx, ScanRequest{StartKey: "/a", EndKey: "/z", SizeLimit: 100})
	require.NoError(t, err)
	require.True(t, scanRes.Success)
	require.Len(t, scanRes.Items, 3)
	require.False(t, scanRes.HasMore)
}

func TestLockThenLockAgainFromAnotherSessionFails(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()
	// locks are granted to, and held by, live sessions only
	srv.sessions.Upsert("sess1", "", time.Now())
	srv.sessions.Upsert("sess2", "", time.Now())

	lockRes, err := srv.Lock(ctx, LockRequest{Key: "/mutex", SessionID: "sess1"})
	require.NoError(t, err)
	require.True(t, lockRes.Success)

	again, err := srv.Lock(ctx, LockRequest{Key: "/mutex", SessionID: "sess2"})
	require.NoError(t, err)
	require.False(t, again.Success)
}

func TestLockReentryFromSameSessionSucceeds(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()
	srv.sessions.Upsert("sess1", "", time.Now())

	first, err := srv.Lock(ctx, LockRequest{Key: "/mutex", SessionID: "sess1"})
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := srv.Lock(ctx, LockRequest{Key: "/mutex", SessionID: "sess1"})
	require.NoError(t, err)
	require.True(t, second.Success)
}

func TestUnlockThenLockFromAnotherSessionSucceeds(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()
	srv.sessions.Upsert("sess1", "", time.Now())
	srv.sessions.Upsert("sess2", "", time.Now())

	_, err := srv.Lock(ctx, LockRequest{Key: "/mutex", SessionID: "sess1"})
	require.NoError(t, err)

	unlockRes, err := srv.Unlock(ctx, UnlockRequest{Key: "/mutex", SessionID: "sess1"})
	require.NoError(t, err)
	require.True(t, unlockRes.Success)

	lockRes, err := srv.Lock(ctx, LockRequest{Key: "/mutex", SessionID: "sess2"})
	require.NoError(t, err)
	require.True(t, lockRes.Success)
}

func TestRegisterLoginLogout(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	regRes, err := srv.Register(ctx, RegisterRequest{Username: "alice", Passwd: "pw"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, regRes.Status)

	loginRes, err := srv.Login(ctx, LoginRequest{Username: "alice", Passwd: "pw"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, loginRes.Status)
	require.NotEmpty(t, loginRes.UUID)

	logoutRes, err := srv.Logout(ctx, LogoutRequest{UUID: loginRes.UUID})
	require.NoError(t, err)
	require.Equal(t, StatusOK, logoutRes.Status)

	// the uuid is no longer logged in, so a Put under it is rejected.
	putRes, err := srv.Put(ctx, PutRequest{UUID: loginRes.UUID, Key: "/a", Value: []byte("v")})
	require.NoError(t, err)
	require.True(t, putRes.UUIDExpired)
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	res, err := srv.Login(ctx, LoginRequest{Username: "nobody", Passwd: "pw"})
	require.NoError(t, err)
	require.Equal(t, StatusUnknownUser, res.Status)
}

func TestWatchFiresOnSubsequentPut(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	ch, err := srv.Watch(ctx, WatchRequest{Key: "/a", SessionID: "sess1", KeyExist: false})
	require.NoError(t, err)

	_, err = srv.Put(ctx, PutRequest{Key: "/a", Value: []byte("v1")})
	require.NoError(t, err)

	select {
	case resp := <-ch:
		require.True(t, resp.Success)
		require.Equal(t, []byte("v1"), resp.Value)
		require.False(t, resp.Deleted)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestWatchFiresImmediatelyWhenValueAlreadyChanged(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	_, err := srv.Put(ctx, PutRequest{Key: "/a", Value: []byte("v1")})
	require.NoError(t, err)

	ch, err := srv.Watch(ctx, WatchRequest{Key: "/a", SessionID: "sess1", KeyExist: false})
	require.NoError(t, err)

	select {
	case resp := <-ch:
		require.True(t, resp.Success)
		require.Equal(t, []byte("v1"), resp.Value)
	case <-time.After(time.Second):
		t.Fatal("watch should have fired immediately on the stale baseline")
	}
}

func TestKeepAliveUpsertsSessionAndLocks(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	res, err := srv.KeepAlive(ctx, KeepAliveRequest{SessionID: "sess1", Locks: []string{"/a"}})
	require.NoError(t, err)
	require.True(t, res.Success)

	_, ok := srv.sessions.Lookup("sess1")
	require.True(t, ok)
}

func TestShowStatusReportsLeaderState(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	status, err := srv.ShowStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "leader", status.Status)
}

func TestHandleCleanBinlogRejectsUnsafeEndIndex(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	resp, err := srv.HandleCleanBinlog(ctx, transport.CleanBinlogRequest{EndIndex: srv.loop.LastApplied() + 1000})
	require.NoError(t, err)
	require.False(t, resp.Success, "a bound past what this node has applied must be rejected as unsafe")
}

func TestHandleShowStatusReportsLeader(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	resp, err := srv.HandleShowStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, transport.Leader, resp.Status)
}

func TestRpcStatReportsPutCount(t *testing.T) {
	srv := singleNodeFixture(t)
	ctx := context.Background()

	_, err := srv.Put(ctx, PutRequest{Key: "/a", Value: []byte("v1")})
	require.NoError(t, err)

	stat, err := srv.RpcStat(ctx, RpcStatRequest{})
	require.NoError(t, err)
	require.Equal(t, "leader", stat.Status)
	require.NotEmpty(t, stat.Stats)
}
