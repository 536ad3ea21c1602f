// Package broker defines the small interface the core depends on to reach
// the KVS and the wider message bus. Per spec.md §1, the KVS transport,
// authentication, and resource-discovery layers are external collaborators;
// this package is the seam between them and the core logic, plus a
// file-backed implementation (LocalStore) used by tests and single-node
// deployments.
package broker

import (
	"context"
)

// Txn is an opaque KVS transaction handle. A Store implementation commits
// all operations staged on a Txn atomically.
type Txn interface {
	// Append stages an atomic append of data to path within this
	// transaction.
	Append(path string, data []byte)
}

// CommitFuture resolves once a transaction has committed or failed.
type CommitFuture interface {
	// Wait blocks until the transaction resolves, returning its error (if
	// any).
	Wait(ctx context.Context) error
}

// AppendEvent carries one append-append event observed by a Watch stream,
// along with the entry index assigned by the store (used by §4.J's
// initial_update_count bookkeeping).
type AppendEvent struct {
	Data  []byte
	Index int
	// EOF is true when the store has reached the logical end of the log
	// (analogous to real KVS watch termination semantics); the watcher
	// relies on job-state events (e.g. "clean") rather than this flag in
	// practice, but the store may still surface it.
	EOF bool
}

// Store is the KVS surface the core requires: transactional append, a
// point-in-time read, and a live tail of append operations.
type Store interface {
	// Txn begins a new transaction.
	Txn() Txn
	// Commit commits txn and returns a future for its completion.
	Commit(txn Txn) CommitFuture
	// Get performs a single snapshot read of path. Returns an error wrapping
	// errors.NotFound if the key does not exist.
	Get(ctx context.Context, path string) ([]byte, error)
	// WatchAppend streams every append made to path from the beginning of
	// the log, delivering one AppendEvent per commit in commit order. The returned
	// channel is closed when ctx is cancelled or the watch is cancelled via
	// the returned CancelFunc.
	WatchAppend(ctx context.Context, path string, opts WatchOptions) (<-chan AppendEvent, CancelFunc, error)
	// Remove deletes path (and, for namespaces, everything beneath it).
	Remove(ctx context.Context, path string) error
	// Copy duplicates everything beneath src to dst, used when the leader
	// shell releases a guest namespace back into the job's main KVS
	// directory (§4.I case 3).
	Copy(ctx context.Context, src, dst string) error
}

// CancelFunc cancels an in-flight watch.
type CancelFunc func()

// WatchOptions tunes a WatchAppend call.
type WatchOptions struct {
	// WaitCreate, when true, blocks until path is created instead of
	// failing NotFound immediately (mirrors job-info.eventlog-watch's
	// WAITCREATE flag, §6).
	WaitCreate bool
}
