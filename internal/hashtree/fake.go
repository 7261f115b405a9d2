package hashtree

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/riak-tools/aaefullsync/internal/wire"
)

// fakeHandle is the Handle implementation returned by FakeService.
type fakeHandle struct {
	partition uint64
}

func (h *fakeHandle) Partition() uint64 { return h.partition }

// FakeService is an in-memory Service used by tests and the demo binary.
// It models a single flat bucket (bucket 0) holding one segment (segment
// 0) of (bkey, hash) pairs per partition, enough structure to exercise
// the bucket-then-segment comparison protocol without implementing a real
// on-disk Merkle tree.
type FakeService struct {
	mu         sync.Mutex
	data       map[uint64]map[string][]byte // partition -> packed bkey -> hash
	locked     map[uint64]bool
	monitors   map[uint64]chan struct{}
	lockShould func(partition uint64) error // optional: force GetLock failures in tests
}

// NewFakeService creates an empty FakeService.
func NewFakeService() *FakeService {
	return &FakeService{
		data:     make(map[uint64]map[string][]byte),
		locked:   make(map[uint64]bool),
		monitors: make(map[uint64]chan struct{}),
	}
}

// Put seeds a (bkey, hash) pair for partition, for use by tests setting up
// scenario fixtures.
func (s *FakeService) Put(partition uint64, bkey []byte, hash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[partition] == nil {
		s.data[partition] = make(map[string][]byte)
	}
	s.data[partition][string(bkey)] = hash
}

// FailLockWith makes GetLock fail for partition with err.
func (s *FakeService) FailLockWith(partition uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockShould = func(p uint64) error {
		if p == partition {
			return err
		}
		return nil
	}
}

// Kill closes partition's monitor channel, simulating the tree process
// dying.
func (s *FakeService) Kill(partition uint64) {
	s.mu.Lock()
	ch, ok := s.monitors[partition]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *FakeService) HashtreePID(partition uint64) (Handle, error) {
	s.mu.Lock()
	if s.monitors[partition] == nil {
		s.monitors[partition] = make(chan struct{})
	}
	s.mu.Unlock()
	return &fakeHandle{partition: partition}, nil
}

func (s *FakeService) GetLock(h Handle, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := h.(*fakeHandle).partition
	if s.lockShould != nil {
		if err := s.lockShould(p); err != nil {
			return err
		}
	}
	s.locked[p] = true
	return nil
}

func (s *FakeService) Update(ctx context.Context, idxn wire.IndexN, h Handle) (bool, bool, error) {
	// The fake tree is always already built: there is no real on-disk
	// structure to rebuild.
	return true, false, nil
}

func (s *FakeService) Monitor(h Handle) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := h.(*fakeHandle).partition
	if s.monitors[p] == nil {
		s.monitors[p] = make(chan struct{})
	}
	return s.monitors[p]
}

// Compare walks the single local bucket/segment, asking cb for the
// matching remote hashes, and diffs the two key sets. It follows the
// bucket-then-segment protocol: an Init call to signal socket handoff, a
// bucket-level comparison, a segment-level comparison only on bucket
// mismatch, and a Final call to hand the socket back.
func (s *FakeService) Compare(ctx context.Context, idxn wire.IndexN, cb RemoteCallback, accumulate AccumulateFunc, h Handle) (interface{}, error) {
	p := h.(*fakeHandle).partition

	if _, err := cb(CompareRequest{Kind: ReqInit}); err != nil {
		return nil, fmt.Errorf("hashtree: init callback: %w", err)
	}

	s.mu.Lock()
	local := s.data[p]
	s.mu.Unlock()

	localBucketHash := bucketHash(local)

	bucketReply, err := cb(CompareRequest{
		Kind:   ReqGetBucket,
		Bucket: wire.BucketQuery{Level: 0, Bucket: 0, IndexN: idxn},
	})
	if err != nil {
		return nil, fmt.Errorf("hashtree: get_bucket callback: %w", err)
	}

	var acc interface{}

	remoteBucketHash := []byte(nil)
	for _, bh := range bucketReply.Buckets {
		if bh.Bucket == 0 {
			remoteBucketHash = bh.Hash
		}
	}

	if !hashEqual(localBucketHash, remoteBucketHash) {
		segReply, err := cb(CompareRequest{
			Kind:    ReqKeyHashes,
			Segment: wire.SegmentQuery{Segment: 0, IndexN: idxn},
		})
		if err != nil {
			return nil, fmt.Errorf("hashtree: key_hashes callback: %w", err)
		}

		diffs := diffKeys(local, segReply.Keys)
		if len(diffs) > 0 {
			acc = accumulate(acc, diffs)
		}
	}

	if _, err := cb(CompareRequest{Kind: ReqFinal}); err != nil {
		return nil, fmt.Errorf("hashtree: final callback: %w", err)
	}

	return acc, nil
}

func bucketHash(keys map[string][]byte) []byte {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, k := range names {
		h.Write([]byte(k))
		h.Write(keys[k])
	}
	return h.Sum(nil)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diffKeys(local map[string][]byte, remote []KeyHash) []wire.KeyDiff {
	remoteByKey := make(map[string][]byte, len(remote))
	for _, kh := range remote {
		remoteByKey[string(kh.BKey)] = kh.Hash
	}

	var diffs []wire.KeyDiff

	for bkey, localHash := range local {
		remoteHash, ok := remoteByKey[bkey]
		if !ok {
			diffs = append(diffs, wire.KeyDiff{Kind: wire.Missing, BKey: []byte(bkey)})
			continue
		}
		if !hashEqual(localHash, remoteHash) {
			diffs = append(diffs, wire.KeyDiff{Kind: wire.Different, BKey: []byte(bkey)})
		}
	}

	for bkey := range remoteByKey {
		if _, ok := local[bkey]; !ok {
			diffs = append(diffs, wire.KeyDiff{Kind: wire.RemoteMissing, BKey: []byte(bkey)})
		}
	}

	// Sort for deterministic test assertions.
	sort.Slice(diffs, func(i, j int) bool {
		return string(diffs[i].BKey) < string(diffs[j].BKey)
	})

	return diffs
}
