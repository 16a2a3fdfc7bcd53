package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Registry is an in-process fake of the cluster's RPC fabric: every
// node registers its Handler under its own peer id, and an InProc
// bound to a given node dispatches directly to the target's Handler
// instead of going over the network. Grounded on
// _examples/virajbhartiya-raft/pkg/transport/inproc.go's
// registry-of-nodes-plus-handlers pattern, typed against this
// package's RPC structs instead of that example's interface{} dispatch.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	partitions map[string]bool

	dropRate float64
	delayMin time.Duration
	delayMax time.Duration
}

// NewRegistry returns an empty registry with no simulated faults.
func NewRegistry() *Registry {
	return &Registry{
		handlers:   make(map[string]Handler),
		partitions: make(map[string]bool),
	}
}

// Register binds peerID's inbound Handler.
func (r *Registry) Register(peerID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[peerID] = h
}

// SetFaults configures a uniform message-drop probability and a
// delay range applied to every call, for exercising replication's
// busy/transport-error handling in tests.
func (r *Registry) SetFaults(dropRate float64, delayMin, delayMax time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropRate = dropRate
	r.delayMin = delayMin
	r.delayMax = delayMax
}

// Partition isolates peerID: every call to or from it fails until
// Heal is called.
func (r *Registry) Partition(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions[peerID] = true
}

// Heal clears a partition set by Partition.
func (r *Registry) Heal(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.partitions, peerID)
}

var errPartitioned = errors.New("transport: peer partitioned")
var errDropped = errors.New("transport: message dropped")
var errUnknownPeer = errors.New("transport: unknown peer")

func (r *Registry) dispatch(peerID string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[peerID]
	isolated := r.partitions[peerID]
	dropRate := r.dropRate
	delayMin, delayMax := r.delayMin, r.delayMax
	r.mu.RUnlock()

	if !ok {
		return nil, errUnknownPeer
	}
	if isolated {
		return nil, errPartitioned
	}
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil, errDropped
	}
	if delayMax > delayMin {
		time.Sleep(delayMin + time.Duration(rand.Int63n(int64(delayMax-delayMin))))
	} else if delayMin > 0 {
		time.Sleep(delayMin)
	}
	return h, nil
}

// InProc is a Transport bound to a caller node id, used to apply the
// caller's own partition state symmetrically.
type InProc struct {
	selfID string
	reg    *Registry
}

// NewInProc returns a Transport that routes through reg as selfID.
func NewInProc(selfID string, reg *Registry) *InProc {
	return &InProc{selfID: selfID, reg: reg}
}

func (t *InProc) selfPartitioned() bool {
	t.reg.mu.RLock()
	defer t.reg.mu.RUnlock()
	return t.reg.partitions[t.selfID]
}

func (t *InProc) Vote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error) {
	if t.selfPartitioned() {
		return VoteResponse{}, errPartitioned
	}
	h, err := t.reg.dispatch(peerID)
	if err != nil {
		return VoteResponse{}, err
	}
	return h.HandleVote(ctx, req)
}

func (t *InProc) AppendEntries(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	if t.selfPartitioned() {
		return AppendEntriesResponse{}, errPartitioned
	}
	h, err := t.reg.dispatch(peerID)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *InProc) KeepAlive(ctx context.Context, peerID string, req KeepAliveRequest) (KeepAliveResponse, error) {
	if t.selfPartitioned() {
		return KeepAliveResponse{}, errPartitioned
	}
	h, err := t.reg.dispatch(peerID)
	if err != nil {
		return KeepAliveResponse{}, err
	}
	return h.HandleKeepAlive(ctx, req)
}

func (t *InProc) ShowStatus(ctx context.Context, peerID string) (ShowStatusResponse, error) {
	if t.selfPartitioned() {
		return ShowStatusResponse{}, errPartitioned
	}
	h, err := t.reg.dispatch(peerID)
	if err != nil {
		return ShowStatusResponse{}, err
	}
	return h.HandleShowStatus(ctx)
}

func (t *InProc) CleanBinlog(ctx context.Context, peerID string, req CleanBinlogRequest) (CleanBinlogResponse, error) {
	if t.selfPartitioned() {
		return CleanBinlogResponse{}, errPartitioned
	}
	h, err := t.reg.dispatch(peerID)
	if err != nil {
		return CleanBinlogResponse{}, err
	}
	return h.HandleCleanBinlog(ctx, req)
}
