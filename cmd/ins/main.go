// Command ins brings up a fixed-membership ins cluster in a single
// process. Grounded on raft-example/main.go's three-goroutine
// single-process demo (start(id), osutil.RegisterInterruptHandler,
// osutil.WaitForInterruptSignals, <-donec): real network transport is
// out of scope (spec.md §1), so every node here talks to its peers
// through internal/transport's in-process Registry instead of the
// teacher's rafthttp peer dialer.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/tyronecai/ins/internal/apply"
	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/config"
	"github.com/tyronecai/ins/internal/datastore"
	"github.com/tyronecai/ins/internal/gc"
	"github.com/tyronecai/ins/internal/meta"
	"github.com/tyronecai/ins/internal/raftnode"
	"github.com/tyronecai/ins/internal/server"
	"github.com/tyronecai/ins/internal/session"
	"github.com/tyronecai/ins/internal/transport"
	"github.com/tyronecai/ins/internal/user"
	"github.com/tyronecai/ins/internal/watch"
	"github.com/tyronecai/ins/internal/xlog"
	"github.com/tyronecai/ins/pkg/osutil"
)

var logger = xlog.NewLogger("main", xlog.INFO)

func init() {
	xlog.SetGlobalMaxLogLevel(xlog.INFO)
}

// clusterMembers is the fixed membership of this demo cluster
// (spec.md §6's cluster_members); a real deployment would read this
// from a config file instead, which flag/file parsing is out of scope
// to provide (spec.md §1).
var clusterMembers = []string{
	"127.0.0.1:8001",
	"127.0.0.1:8002",
	"127.0.0.1:8003",
}

func main() {
	reg := transport.NewRegistry()

	nodes := make([]*nodeRuntime, len(clusterMembers))
	for i := range clusterMembers {
		nodes[i] = start(i+1, reg)
	}

	for _, rt := range nodes {
		rt := rt
		osutil.RegisterInterruptHandler(rt.stop)
	}
	osutil.WaitForInterruptSignals(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var wg sync.WaitGroup
	wg.Add(len(nodes))
	for _, rt := range nodes {
		rt := rt
		go func() {
			defer wg.Done()
			<-rt.donec
		}()
	}
	wg.Wait()
	logger.Info("all nodes stopped")
}

// nodeRuntime bundles one node's background loops and its stop/wait hooks.
type nodeRuntime struct {
	srv   *server.Server
	node  *raftnode.Node
	loop  *apply.Loop
	coll  *gc.Collector
	donec chan struct{}
}

func (rt *nodeRuntime) stop() {
	rt.coll.Stop()
	rt.node.Stop()
	close(rt.donec)
}

// start brings up the serverID'th member (1-based, indexing
// clusterMembers) and registers it in reg under its own cluster
// address, the way raft-example's start(id) builds one node's full
// stack before returning it to main.
func start(serverID int, reg *transport.Registry) *nodeRuntime {
	dataDir, err := ioutil.TempDir(os.TempDir(), fmt.Sprintf("ins.data.%d.", serverID))
	if err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	cfg := config.Default()
	cfg.ClusterMembers = clusterMembers
	cfg.ServerID = serverID
	cfg.InsDataDir = filepath.Join(dataDir, "data")
	cfg.InsBinlogDir = filepath.Join(dataDir, "binlog")
	cfg.RootUser = "root"
	cfg.RootPasswd = "root"

	m, err := meta.Open(cfg.InsDataDir, cfg.RootUser, cfg.RootPasswd)
	if err != nil {
		logger.Fatalf("open meta: %v", err)
	}

	b, err := binlog.Open(cfg.InsBinlogDir)
	if err != nil {
		logger.Fatalf("open binlog: %v", err)
	}

	ds, err := datastore.Open(cfg.InsDataDir)
	if err != nil {
		logger.Fatalf("open data store: %v", err)
	}

	recoveredLastApplied, err := ds.LastAppliedIndex()
	if err != nil {
		logger.Fatalf("read last_applied_index: %v", err)
	}

	users := user.New(m)
	sessions := session.New()
	watches := watch.New()

	selfAddr := cfg.SelfAddr()
	tr := transport.NewInProc(selfAddr, reg)

	node := raftnode.New(raftnode.FromConfig(cfg), m, b, tr, recoveredLastApplied)
	loop := apply.New(node, b, ds, users, watches, recoveredLastApplied)
	coll := gc.New(cfg, node, sessions, loop, users, tr, cfg.ClusterMembers)
	srv := server.New(cfg, node, b, loop, ds, users, sessions, watches, tr, cfg.ClusterMembers, selfAddr)

	reg.Register(selfAddr, srv)

	node.Start()
	go loop.Run()
	go coll.RunSessionReaper()
	go coll.RunBinlogGC()

	rt := &nodeRuntime{srv: srv, node: node, loop: loop, coll: coll, donec: make(chan struct{})}

	return rt
}
