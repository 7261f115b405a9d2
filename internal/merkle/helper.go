// Package merkle implements the Merkle Helper subsystem: the four
// one-shot operations (make_merkle, make_keylist, merkle_to_keylist,
// diff), each run as a background goroutine reporting progress through a
// shared result channel, identified by an opaque OpRef returned
// immediately at dispatch.
package merkle

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/riak-tools/aaefullsync/internal/config"
	"github.com/riak-tools/aaefullsync/internal/logx"
	"github.com/riak-tools/aaefullsync/internal/objectutil"
	"github.com/riak-tools/aaefullsync/internal/vclock"
	"github.com/riak-tools/aaefullsync/internal/vnode"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

// hashOverhead is the per-entry accounting byte count the flush threshold
// charges for a packed key's hash, independent of the digest's actual
// length.
const hashOverhead = 4

// EventKind classifies one Event posted during an operation's lifetime.
type EventKind int

const (
	EvMerkleBuilt EventKind = iota
	EvKeylistBuilt
	EvConverted
	EvMerkleDiff
	EvDiffDone
	EvFailed
)

// Event is one progress record posted to a Helper's Results channel.
type Event struct {
	Kind EventKind

	// BKey/VClock are populated for EvMerkleDiff: the divergent key and
	// the vector clock the sink should use when deciding how to
	// reconcile it.
	BKey   []byte
	VClock *vclock.VectorClock

	// ReadErrors, RemoteReadCount, LocalReadCount are populated for
	// EvDiffDone.
	ReadErrors      map[string]int
	RemoteReadCount int
	LocalReadCount  int

	// Err is populated for EvFailed.
	Err error
}

// Result pairs an Event with the operation it belongs to.
type Result struct {
	Ref   OpRef
	Event Event
}

// Helper runs the four Merkle operations against a vnode service,
// reporting each operation's progress and outcome back on a shared
// channel.
type Helper struct {
	vnodeSvc vnode.Service
	cfg      *config.Merkle
	log      *logx.Logger
	results  chan Result
}

// NewHelper constructs a Helper. If cfg is nil, config.DefaultMerkleConfig
// is used.
func NewHelper(vnodeSvc vnode.Service, cfg *config.Merkle) *Helper {
	if cfg == nil {
		cfg = config.DefaultMerkleConfig()
	}
	return &Helper{
		vnodeSvc: vnodeSvc,
		cfg:      cfg,
		log:      logx.New("merkle"),
		results:  make(chan Result, 64),
	}
}

// Results returns the channel every operation posts its Events to.
func (h *Helper) Results() <-chan Result {
	return h.results
}

// post delivers ev for ref, blocking so delivery is guaranteed even if
// the consumer is momentarily behind.
func (h *Helper) post(ref OpRef, ev Event) {
	h.results <- Result{Ref: ref, Event: ev}
}

// checkReachable is the node-reachability pre-check required before any
// operation touching partition begins doing work.
func (h *Helper) checkReachable(partition uint64) error {
	owner, err := h.vnodeSvc.IndexOwner(partition)
	if err != nil {
		return fmt.Errorf("merkle: index_owner: %w", err)
	}
	if !h.vnodeSvc.Reachable(owner) {
		return fmt.Errorf("%w: %s", ErrNodeNotAvailable, owner)
	}
	return nil
}

// MakeMerkle folds every preflist partition is responsible for into a
// fresh external key-ordered map at filename, hashing each object's
// value as it goes.
func (h *Helper) MakeMerkle(ctx context.Context, partition uint64, filename string) OpRef {
	ref := newOpRef()
	go h.runMakeMerkle(ctx, ref, partition, filename)
	return ref
}

func (h *Helper) runMakeMerkle(ctx context.Context, ref OpRef, partition uint64, filename string) {
	if err := h.checkReachable(partition); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: err})
		return
	}

	preflists, err := h.vnodeSvc.ResponsiblePreflists(partition)
	if err != nil || len(preflists) == 0 {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: responsible_preflists: %v", ErrMerkleFailed, err)})
		return
	}

	tree, err := OpenBTreeMap(filename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: open btree map: %v", ErrMerkleFailed, err)})
		return
	}
	defer tree.Close()

	var buffered []KVPair
	bufferedBytes := 0
	flush := func() error {
		if len(buffered) == 0 {
			return nil
		}
		if err := tree.PutBatch(buffered); err != nil {
			return err
		}
		buffered = buffered[:0]
		bufferedBytes = 0
		return nil
	}

	for _, preflist := range preflists {
		err := h.vnodeSvc.Fold(ctx, preflist, func(bkey, value []byte) error {
			hash := objectutil.HashObject(value)
			buffered = append(buffered, KVPair{BKey: bkey, Hash: hash})
			bufferedBytes += len(bkey) + hashOverhead
			if bufferedBytes >= h.cfg.BufferSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: fold: %v", ErrMerkleFailed, err)})
			return
		}
	}
	if err := flush(); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: flush: %v", ErrMerkleFailed, err)})
		return
	}

	h.post(ref, Event{Kind: EvMerkleBuilt})
}

// MakeKeylist folds every preflist partition is responsible for straight
// into a sorted KeyHash file at filename, skipping the external map
// entirely.
func (h *Helper) MakeKeylist(ctx context.Context, partition uint64, filename string) OpRef {
	ref := newOpRef()
	go h.runMakeKeylist(ctx, ref, partition, filename)
	return ref
}

func (h *Helper) runMakeKeylist(ctx context.Context, ref OpRef, partition uint64, filename string) {
	if err := h.checkReachable(partition); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: err})
		return
	}

	preflists, err := h.vnodeSvc.ResponsiblePreflists(partition)
	if err != nil || len(preflists) == 0 {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: responsible_preflists: %v", ErrMerkleFailed, err)})
		return
	}

	w, err := CreateKeyHashFile(filename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: create keyhash file: %v", ErrMerkleFailed, err)})
		return
	}

	for _, preflist := range preflists {
		err := h.vnodeSvc.Fold(ctx, preflist, func(bkey, value []byte) error {
			return w.Write(bkey, objectutil.HashObject(value))
		})
		if err != nil {
			w.Close()
			h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: fold: %v", ErrMerkleFailed, err)})
			return
		}
	}
	if err := w.Sync(); err != nil {
		w.Close()
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: sync: %v", ErrMerkleFailed, err)})
		return
	}
	if err := w.Close(); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: close: %v", ErrMerkleFailed, err)})
		return
	}

	if err := SortKeyHashFile(filename); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: sort: %v", ErrMerkleFailed, err)})
		return
	}

	h.post(ref, Event{Kind: EvKeylistBuilt})
}

// MerkleToKeylist converts the external key-ordered map at mapFilename
// into a sorted KeyHash file at keylistFilename. Unlike MakeMerkle and
// MakeKeylist this operation has no partition argument: it only touches a
// map already built locally, so there is nothing to pre-check.
func (h *Helper) MerkleToKeylist(mapFilename, keylistFilename string) OpRef {
	ref := newOpRef()
	go h.runMerkleToKeylist(ref, mapFilename, keylistFilename)
	return ref
}

func (h *Helper) runMerkleToKeylist(ref OpRef, mapFilename, keylistFilename string) {
	tree, err := OpenBTreeMap(mapFilename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: open btree map: %v", ErrMerkleFailed, err)})
		return
	}
	defer tree.Close()

	w, err := CreateKeyHashFile(keylistFilename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: create keyhash file: %v", ErrMerkleFailed, err)})
		return
	}

	writeErr := tree.AscendAll(func(bkey, hash []byte) error {
		return w.Write(bkey, hash)
	})
	if writeErr != nil {
		w.Close()
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: ascend: %v", ErrMerkleFailed, writeErr)})
		return
	}
	if err := w.Sync(); err != nil {
		w.Close()
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: sync: %v", ErrMerkleFailed, err)})
		return
	}
	if err := w.Close(); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: close: %v", ErrMerkleFailed, err)})
		return
	}

	sorted, details, err := VerifySorted(keylistFilename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: verify sorted: %v", ErrMerkleFailed, err)})
		return
	}
	if !sorted {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: %s", ErrUnsorted, details)})
		return
	}

	h.post(ref, Event{Kind: EvConverted})
}

// Diff walks remoteFilename and ourFilename (both sorted KeyHash files)
// in lockstep, posting one EvMerkleDiff per divergent key and a final
// EvDiffDone summary. Both input files are removed once the walk ends,
// regardless of outcome.
func (h *Helper) Diff(partition uint64, remoteFilename, ourFilename string) OpRef {
	ref := newOpRef()
	go h.runDiff(ref, partition, remoteFilename, ourFilename)
	return ref
}

func (h *Helper) runDiff(ref OpRef, partition uint64, remoteFilename, ourFilename string) {
	defer os.Remove(remoteFilename)
	defer os.Remove(ourFilename)

	if err := h.checkReachable(partition); err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: err})
		return
	}

	preflists, err := h.vnodeSvc.ResponsiblePreflists(partition)
	if err != nil || len(preflists) == 0 {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: responsible_preflists: %v", ErrMerkleFailed, err)})
		return
	}
	preflist := preflists[0]

	remote, err := OpenKeyHashFile(remoteFilename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: open remote keyhash file: %v", ErrMerkleFailed, err)})
		return
	}
	defer remote.Close()

	local, err := OpenKeyHashFile(ourFilename)
	if err != nil {
		h.post(ref, Event{Kind: EvFailed, Err: fmt.Errorf("%w: open local keyhash file: %v", ErrMerkleFailed, err)})
		return
	}
	defer local.Close()

	readErrors := make(map[string]int)
	remoteCount, localCount := 0, 0

	remoteBKey, remoteHash, remoteOK := diffReadNext(remote, "remote", readErrors, &remoteCount)
	localBKey, localHash, localOK := diffReadNext(local, "local", readErrors, &localCount)

	// The merge-walk: equal hashes advance both sides with no event;
	// equal keys with different hashes, a remote key
	// strictly less than the next local key, and an exhausted local side
	// all surface a diff with a vector clock looked up (or freshly
	// minted) for that key; a remote key strictly greater than the next
	// local key means the local side may simply have deleted it, so only
	// the local side advances, with no event.
	for remoteOK {
		switch {
		case !localOK:
			h.emitDiff(ref, remoteBKey, preflist)
			remoteBKey, remoteHash, remoteOK = diffReadNext(remote, "remote", readErrors, &remoteCount)

		case string(remoteBKey) == string(localBKey):
			if string(remoteHash) != string(localHash) {
				h.emitDiff(ref, remoteBKey, preflist)
			}
			remoteBKey, remoteHash, remoteOK = diffReadNext(remote, "remote", readErrors, &remoteCount)
			localBKey, localHash, localOK = diffReadNext(local, "local", readErrors, &localCount)

		case string(remoteBKey) < string(localBKey):
			h.emitDiff(ref, remoteBKey, preflist)
			remoteBKey, remoteHash, remoteOK = diffReadNext(remote, "remote", readErrors, &remoteCount)

		default:
			localBKey, localHash, localOK = diffReadNext(local, "local", readErrors, &localCount)
		}
	}

	h.post(ref, Event{
		Kind:            EvDiffDone,
		ReadErrors:      readErrors,
		RemoteReadCount: remoteCount,
		LocalReadCount:  localCount,
	})
}

// emitDiff looks up the local vector clock for bkey under preflist (or
// mints a fresh one if we never tracked it) and posts the EvMerkleDiff
// event.
func (h *Helper) emitDiff(ref OpRef, bkey []byte, preflist wire.IndexN) {
	clocks, err := h.vnodeSvc.GetVClocks(context.Background(), preflist, [][]byte{bkey})
	var vc *vclock.VectorClock
	if err == nil {
		vc = clocks[string(bkey)]
	}
	if vc == nil {
		vc = vclock.Fresh(h.vnodeSvc.NodeID())
	}
	h.post(ref, Event{Kind: EvMerkleDiff, BKey: bkey, VClock: vc})
}

// diffReadNext reads the next record from r, treating any non-EOF read
// error as end-of-stream for this side after tallying it in readErrors:
// a read failure on either side ends that side's walk, after being
// counted.
func diffReadNext(r *KeyHashReader, side string, readErrors map[string]int, count *int) (bkey, hash []byte, ok bool) {
	bkey, hash, err := r.Read()
	if err != nil {
		if err != io.EOF {
			readErrors[side]++
		}
		return nil, nil, false
	}
	*count++
	return bkey, hash, true
}
