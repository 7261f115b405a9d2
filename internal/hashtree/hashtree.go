// Package hashtree defines the hash-tree service the exchange engine
// consumes. The real hash-tree construction algorithm lives elsewhere;
// this package only declares the interface the engine programs against,
// plus an in-memory FakeService used by tests and the demo binary so the
// engine can be exercised end to end.
package hashtree

import (
	"context"

	"github.com/riak-tools/aaefullsync/internal/wire"
)

// Handle is an opaque identifier for a local hash tree managing one
// partition. The engine only observes its liveness (via Monitor) and
// passes it back into Service calls.
type Handle interface {
	// Partition returns the partition this handle manages.
	Partition() uint64
}

// CompareRequest is the argument passed to a RemoteCallback during
// Compare: exactly one of the kinds below is populated per invocation.
type CompareRequest struct {
	Kind    CompareRequestKind
	Bucket  wire.BucketQuery
	Segment wire.SegmentQuery
}

type CompareRequestKind int

const (
	ReqInit CompareRequestKind = iota
	ReqGetBucket
	ReqKeyHashes
	ReqFinal
)

// BucketHash is one (bucket, hash) pair returned by GET_AAE_BUCKET.
type BucketHash struct {
	Bucket int
	Hash   []byte
}

// KeyHash is one (bkey, hash) pair returned by GET_AAE_SEGMENT.
type KeyHash struct {
	BKey []byte
	Hash []byte
}

// CompareReply is the RemoteCallback's response to one CompareRequest.
type CompareReply struct {
	Buckets []BucketHash
	Keys    []KeyHash
}

// RemoteCallback issues the GET_AAE_BUCKET/GET_AAE_SEGMENT requests that
// drive a tree comparison, bracketed by an Init call (first invocation,
// used to signal socket-ownership handoff to the engine) and a Final call
// (last invocation, used to hand the socket back), marking the socket
// ownership handoff to and from the engine.
type RemoteCallback func(CompareRequest) (CompareReply, error)

// AccumulateFunc folds a batch of KeyDiffs into a running accumulator,
// returning the updated accumulator.
type AccumulateFunc func(acc interface{}, diffs []wire.KeyDiff) interface{}

// Service is the external hash-tree service the exchange engine depends
// on.
type Service interface {
	// HashtreePID returns the handle for the local tree managing
	// partition.
	HashtreePID(partition uint64) (Handle, error)

	// GetLock acquires a named lock on h (e.g. the fullsync-source lock).
	GetLock(h Handle, tag string) error

	// Update brings the tree for idxn up to date. It may run
	// asynchronously; built is true if the tree was (or already is)
	// built, and notResponsible is true if this node is no longer
	// responsible for idxn.
	Update(ctx context.Context, idxn wire.IndexN, h Handle) (built bool, notResponsible bool, err error)

	// Compare drives a segmented comparison of idxn against a remote
	// side via cb, folding divergent keys into acc via accumulate, and
	// returns the final accumulator value.
	Compare(ctx context.Context, idxn wire.IndexN, cb RemoteCallback, accumulate AccumulateFunc, h Handle) (interface{}, error)

	// Monitor returns a channel that is closed if/when the tree process
	// behind h terminates, mirroring an Erlang process monitor.
	Monitor(h Handle) <-chan struct{}
}
