package vnode

import (
	"context"
	"sync"

	"github.com/riak-tools/aaefullsync/internal/vclock"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

// FakeService is an in-memory Service used by tests, mirroring
// hashtree.FakeService's role: enough structure to exercise the engine and
// the Merkle helper end to end without the real on-disk vnode storage.
type FakeService struct {
	mu      sync.Mutex
	nodeID  string
	objects map[string][]byte // packed bkey -> value
	clocks  map[string]*vclock.VectorClock
	owners  map[uint64]string
	indices map[uint64][]wire.IndexN
	down    map[string]bool
}

// NewFakeService creates an empty FakeService identifying itself as
// nodeID.
func NewFakeService(nodeID string) *FakeService {
	return &FakeService{
		nodeID:  nodeID,
		objects: make(map[string][]byte),
		clocks:  make(map[string]*vclock.VectorClock),
		owners:  make(map[uint64]string),
		indices: make(map[uint64][]wire.IndexN),
		down:    make(map[string]bool),
	}
}

// SetReachable marks nodeID as down (reachable=false) or back up
// (reachable=true), for tests exercising the Merkle helper's
// node-reachability pre-check.
func (s *FakeService) SetReachable(nodeID string, reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[nodeID] = !reachable
}

func (s *FakeService) Reachable(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down[nodeID]
}

// Put seeds bucket/key with value, ticking its vector clock.
func (s *FakeService) Put(bucket, key string, value []byte) {
	bkey := wire.BinpackBKey(bucket, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[string(bkey)] = value
	vc, ok := s.clocks[string(bkey)]
	if !ok {
		vc = vclock.New()
	}
	vc.Tick(s.nodeID)
	s.clocks[string(bkey)] = vc
}

func (s *FakeService) SetOwner(partition uint64, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[partition] = nodeID
}

func (s *FakeService) SetResponsiblePreflists(partition uint64, idxns []wire.IndexN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[partition] = idxns
}

func (s *FakeService) NodeID() string { return s.nodeID }

func (s *FakeService) Fold(ctx context.Context, preflist wire.IndexN, folder Folder) error {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.objects))
	for k, v := range s.objects {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for bkey, value := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := folder([]byte(bkey), value); err != nil {
			return err
		}
	}
	return nil
}

func (s *FakeService) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	bkey := wire.BinpackBKey(bucket, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.objects[string(bkey)]
	return value, ok, nil
}

func (s *FakeService) GetVClocks(ctx context.Context, preflist wire.IndexN, bkeys [][]byte) (map[string]*vclock.VectorClock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*vclock.VectorClock, len(bkeys))
	for _, bkey := range bkeys {
		if vc, ok := s.clocks[string(bkey)]; ok {
			out[string(bkey)] = vc.Copy()
		} else {
			out[string(bkey)] = vclock.Fresh(s.nodeID)
		}
	}
	return out, nil
}

func (s *FakeService) ResponsiblePreflists(partition uint64) ([]wire.IndexN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idxns, ok := s.indices[partition]; ok {
		return idxns, nil
	}
	return []wire.IndexN{{Index: partition, N: 3}}, nil
}

func (s *FakeService) IndexOwner(partition uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[partition]; ok {
		return owner, nil
	}
	return s.nodeID, nil
}
