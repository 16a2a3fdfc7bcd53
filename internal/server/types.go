// Package server implements spec.md §4.9: the client-facing request
// handlers (Put/Get/Delete/Scan/Lock/Unlock/Watch/KeepAlive/Login/
// Logout/Register/ShowStatus/CleanBinlog/RpcStat), wired to
// internal/raftnode.Node.Propose plus internal/apply.Loop.Await the
// way TEACHER's raft-example client handler proposes-then-waits
// (08_raft_node_client_handler.go), generalized from a single
// propose(kv) to spec.md's full op set plus the quorum-read probe and
// safe-mode gating the original adds on top.
//
// Wire transport and request/response codec are explicitly out of
// scope (spec.md §1): every handler here is a plain Go method taking a
// typed request struct and returning a typed response struct, the
// struct fields carrying ordinary rejections (not leader, uuid
// expired, safe mode) the way the original's response objects do —
// a Go error is returned only when a proposed entry's outcome is
// unknown: the Context is done, the node stopped before applying it,
// or the append itself failed.
package server

import "github.com/tyronecai/ins/internal/perfcounter"

// LoginStatus mirrors spec.md §4.3's three-way login/logout/register
// result (kOk, kUnknownUser, kError in the original).
type LoginStatus int

const (
	StatusOK LoginStatus = iota
	StatusUnknownUser
	StatusError
)

// PutRequest/PutResponse implement spec.md §4.2's Put.
type PutRequest struct {
	UUID  string
	Key   string
	Value []byte
}

type PutResponse struct {
	Success     bool
	LeaderID    string
	UUIDExpired bool
}

// GetRequest/GetResponse implement spec.md §4.2's Get.
type GetRequest struct {
	UUID string
	Key  string
}

type GetResponse struct {
	Success     bool
	Hit         bool
	Value       []byte
	LeaderID    string
	UUIDExpired bool
}

// DelRequest/DelResponse implement spec.md §4.2's Delete.
type DelRequest struct {
	UUID string
	Key  string
}

type DelResponse struct {
	Success     bool
	LeaderID    string
	UUIDExpired bool
}

// ScanItem is one entry of a Scan response.
type ScanItem struct {
	Key   string
	Value []byte
}

// ScanRequest/ScanResponse implement spec.md §4.2's Scan.
type ScanRequest struct {
	UUID      string
	StartKey  string
	EndKey    string
	SizeLimit int32
}

type ScanResponse struct {
	Success     bool
	Items       []ScanItem
	HasMore     bool
	LeaderID    string
	UUIDExpired bool
}

// LockRequest/LockResponse implement spec.md §4.5's Lock.
type LockRequest struct {
	UUID      string
	Key       string
	SessionID string
}

type LockResponse struct {
	Success     bool
	LeaderID    string
	UUIDExpired bool
}

// UnlockRequest/UnlockResponse implement spec.md §4.5's Unlock.
type UnlockRequest struct {
	UUID      string
	Key       string
	SessionID string
}

type UnlockResponse struct {
	Success     bool
	LeaderID    string
	UUIDExpired bool
}

// WatchRequest/WatchResponse implement spec.md §4.5's Watch: it blocks
// (via the returned channel) until the key changes or the session
// expires. Stopping the server does not close the channel.
type WatchRequest struct {
	UUID      string
	Key       string
	SessionID string
	OldValue  string
	KeyExist  bool
}

type WatchResponse struct {
	Success     bool
	LeaderID    string
	UUIDExpired bool
	WatchKey    string
	Key         string
	Value       []byte
	Deleted     bool
	Canceled    bool
}

// KeepAliveRequest/KeepAliveResponse implement spec.md §4.4's KeepAlive.
type KeepAliveRequest struct {
	SessionID         string
	UUID              string
	Locks             []string
	ForwardFromLeader bool
}

type KeepAliveResponse struct {
	Success  bool
	LeaderID string
}

// LoginRequest/LoginResponse implement spec.md §4.3's Login.
type LoginRequest struct {
	Username string
	Passwd   string
}

type LoginResponse struct {
	Status   LoginStatus
	LeaderID string
	UUID     string
}

// LogoutRequest/LogoutResponse implement spec.md §4.3's Logout.
type LogoutRequest struct {
	UUID string
}

type LogoutResponse struct {
	Status   LoginStatus
	LeaderID string
}

// RegisterRequest/RegisterResponse implement spec.md §4.3's Register.
type RegisterRequest struct {
	Username string
	Passwd   string
}

type RegisterResponse struct {
	Status   LoginStatus
	LeaderID string
}

// ShowStatusResponse implements spec.md §12's supplemented ShowStatus.
type ShowStatusResponse struct {
	Status       string
	Term         int64
	LastLogIndex int64
	LastLogTerm  int64
	CommitIndex  int64
	LastApplied  int64
}

// RpcStatRequest/RpcStatResponse implement spec.md §4.9's RpcStat.
type RpcStatRequest struct {
	Ops []perfcounter.Op
}

type RpcStatResponse struct {
	Stats  []perfcounter.Stat
	Status string
}
