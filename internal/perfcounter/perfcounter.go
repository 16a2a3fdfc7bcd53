// Package perfcounter implements the minimal per-RPC counters RpcStat
// reports (spec.md §1/§12): a current count and a running average,
// kept as a thin collaborator rather than a first-class metrics
// surface. No pack repo wires a metrics library into a component this
// spec treats as out of scope, so this stays on sync/atomic rather
// than pulling in prometheus/client_golang (DESIGN.md).
package perfcounter

import "sync/atomic"

// Op names an RPC kind RpcStat can report on (spec.md §4.9).
type Op int

const (
	OpPut Op = iota
	OpGet
	OpDelete
	OpScan
	OpKeepAlive
	OpLock
	OpUnlock
	OpWatch
	opCount
)

type counter struct {
	current atomic.Int64
	total   atomic.Int64
	calls   atomic.Int64
}

// Set is the full collection of per-op counters a node keeps.
type Set struct {
	counters [opCount]counter
}

// New returns a zeroed counter set.
func New() *Set {
	return &Set{}
}

// Record increments op's current count and folds it into the running
// average (total/calls), the way perform_.Put()/CurrentPut()/AveragePut()
// are paired in the original.
func (s *Set) Record(op Op) {
	if op < 0 || op >= opCount {
		return
	}
	c := &s.counters[op]
	c.current.Add(1)
	c.total.Add(1)
	c.calls.Add(1)
}

// Stat is one op's reported current/average pair.
type Stat struct {
	Op      Op
	Current int64
	Average int64
}

// Snapshot reports current+average for every op in ops, in order. An
// empty ops reports every op (RpcStatRequest with no op filter, spec.md
// §4.9).
func (s *Set) Snapshot(ops []Op) []Stat {
	if len(ops) == 0 {
		ops = make([]Op, opCount)
		for i := range ops {
			ops[i] = Op(i)
		}
	}
	stats := make([]Stat, 0, len(ops))
	for _, op := range ops {
		if op < 0 || op >= opCount {
			continue
		}
		c := &s.counters[op]
		calls := c.calls.Load()
		var avg int64
		if calls > 0 {
			avg = c.total.Load() / calls
		}
		stats = append(stats, Stat{Op: op, Current: c.current.Load(), Average: avg})
	}
	return stats
}
