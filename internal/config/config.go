// Package config holds the enumerated configuration of spec.md §6.
// Flag/config-file parsing is out of scope (spec.md §1); callers build
// a Config by hand, the way raft-example/main.go's config struct does.
package config

import "time"

// Config is the full set of per-node configuration fields named in
// spec.md §6.
type Config struct {
	// ClusterMembers is the fixed cluster membership, "host:port" per
	// member, ordered so that ServerID can index into it.
	ClusterMembers []string

	// ServerID is this node's 1-based index into ClusterMembers.
	ServerID int

	InsPort int

	InsDataDir   string
	InsBinlogDir string

	MaxClusterSize int

	LogRepBatchMax           int
	ReplicationRetryTimespan time.Duration

	ElectTimeoutMin time.Duration
	ElectTimeoutMax time.Duration

	SessionExpireTimeout time.Duration

	InsGCInterval time.Duration

	MaxWritePending  int
	MaxCommitPending int

	InsBinlogCompress      bool
	InsBinlogBlockSizeKB   int
	InsBinlogWriteBufferMB int

	InsDataCompress      bool
	InsDataBlockSizeKB   int
	InsDataWriteBufferMB int

	PerformanceBufferSize int
	InsTraceRatio         float64

	InsMaxThroughputIn  int64
	InsMaxThroughputOut int64

	// RootUser/RootPasswd bootstrap root.data on first startup only,
	// per spec.md §9: the file is never rewritten afterward.
	RootUser   string
	RootPasswd string
}

// Default returns a Config with the values the original ins defaults to,
// suitable for tests and single-command bring-up.
func Default() Config {
	return Config{
		MaxClusterSize:           7,
		LogRepBatchMax:           128,
		ReplicationRetryTimespan: 10 * time.Millisecond,
		ElectTimeoutMin:          150 * time.Millisecond,
		ElectTimeoutMax:          300 * time.Millisecond,
		SessionExpireTimeout:     6 * time.Second,
		InsGCInterval:            10 * time.Second,
		MaxWritePending:          1000,
		MaxCommitPending:         2000,
		InsBinlogBlockSizeKB:     4,
		InsBinlogWriteBufferMB:  4,
		InsDataBlockSizeKB:      4,
		InsDataWriteBufferMB:    4,
		PerformanceBufferSize:   1000,
		InsTraceRatio:           1.0,
	}
}

// SelfID returns the 1-based server id (ServerID) as a uint64, the form
// PeerIDs compares member ids in.
func (c Config) SelfID() uint64 { return uint64(c.ServerID) }

// SelfAddr returns this node's own cluster_members entry.
func (c Config) SelfAddr() string {
	if c.ServerID < 1 || c.ServerID > len(c.ClusterMembers) {
		return ""
	}
	return c.ClusterMembers[c.ServerID-1]
}

// PeerIDs returns the 1-based ids of every other member.
func (c Config) PeerIDs() []uint64 {
	ids := make([]uint64, 0, len(c.ClusterMembers)-1)
	for i := range c.ClusterMembers {
		id := uint64(i + 1)
		if id != c.SelfID() {
			ids = append(ids, id)
		}
	}
	return ids
}
