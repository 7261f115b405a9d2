// Package vnode defines the vnode service the exchange engine and Merkle
// helper consume. The vnode fold and per-key get algorithms are external
// collaborators; this package declares the interface, a goleveldb-backed
// reference implementation (LevelDBVnode), and the in-memory FakeService
// that the tests and the demo binary use.
package vnode

import (
	"context"

	"github.com/riak-tools/aaefullsync/internal/vclock"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

// Folder is called once per key owned by the folded preflist.
type Folder func(bkey []byte, value []byte) error

// Service is the external vnode service.
type Service interface {
	// Fold iterates every key in preflist, invoking folder for each.
	Fold(ctx context.Context, preflist wire.IndexN, folder Folder) error

	// Get fetches a single object by bucket/key. ok is false if the key
	// does not exist; a missing key is logged and skipped, not treated
	// as fatal.
	Get(ctx context.Context, bucket, key string) (value []byte, ok bool, err error)

	// GetVClocks fetches the current vector clock for each of the given
	// bkeys, for preflist.
	GetVClocks(ctx context.Context, preflist wire.IndexN, bkeys [][]byte) (map[string]*vclock.VectorClock, error)

	// ResponsiblePreflists returns the IndexN tags partition is
	// responsible for, computed once at engine start.
	ResponsiblePreflists(partition uint64) ([]wire.IndexN, error)

	// IndexOwner returns the node that owns partition, used by the
	// node-reachability pre-check every partition-scoped Merkle helper
	// operation runs.
	IndexOwner(partition uint64) (string, error)

	// NodeID returns this vnode service's own node identifier, used to
	// mint "fresh" vector clocks during diff.
	NodeID() string

	// Reachable reports whether nodeID is currently reachable, the
	// pre-check every partition-scoped Merkle helper operation runs
	// against a partition's owner before doing any work.
	Reachable(nodeID string) bool
}
