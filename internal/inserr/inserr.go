// Package inserr collects the client- and internal-facing error kinds of
// spec.md §7.
package inserr

import "errors"

// Client-facing error kinds. Handlers translate these into RPC status
// fields; none of them carry a stack trace, matching the rest of the
// pack's plain-error idiom.
var (
	// ErrNotLeader is returned by a non-leader node; callers should
	// redirect to CurrentLeader().
	ErrNotLeader = errors.New("ins: not leader")

	// ErrUuidExpired means the request's uuid is non-empty but not
	// currently logged in.
	ErrUuidExpired = errors.New("ins: uuid expired")

	// ErrUnknownUser means the data store has no namespace open for
	// the given user yet.
	ErrUnknownUser = errors.New("ins: unknown user")

	// ErrSafeMode means the node is still within its post-election or
	// startup safe window and cannot grant locks or scans.
	ErrSafeMode = errors.New("ins: safe mode")

	// ErrBusy means write backpressure rejected the request.
	ErrBusy = errors.New("ins: busy")

	// ErrNotFound means the requested key has no value.
	ErrNotFound = errors.New("ins: not found")
)

// Internal error kinds. These never cross the RPC boundary directly;
// they drive retry/backoff decisions inside the raft node and apply loop.
var (
	// ErrLogMismatch means an AppendEntries prev-log check failed.
	ErrLogMismatch = errors.New("ins: log mismatch")

	// ErrTransportFailure means an outbound RPC could not be completed.
	ErrTransportFailure = errors.New("ins: transport failure")

	// ErrStorageError means a persistence write failed; callers treat
	// this as fatal per spec.md §7.
	ErrStorageError = errors.New("ins: storage error")
)
