package vnode

import (
	"context"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"

	"github.com/riak-tools/aaefullsync/internal/logx"
	"github.com/riak-tools/aaefullsync/internal/vclock"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

var log = logx.New("vnode")

// LevelDBVnode is a reference Service implementation backed by goleveldb
// (OpenFile-with-recovery, iterator-based key enumeration), folding over
// a preflist's keys and returning per-key vector clocks.
type LevelDBVnode struct {
	db     *leveldb.DB
	nodeID string

	mu      sync.RWMutex
	clocks  map[string]*vclock.VectorClock // packed bkey -> vclock
	owners  map[uint64]string              // partition -> owning node
	indices map[uint64][]wire.IndexN       // partition -> responsible preflists
}

// NewLevelDBVnode opens (or freshly creates) a LevelDB database at path,
// falling back to leveldb.RecoverFile when the open reports corruption.
func NewLevelDBVnode(nodeID, path string) (*LevelDBVnode, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if errors.IsCorrupted(err) {
			log.Warnf("database at %s corrupted, attempting recovery", path)
			db, err = leveldb.RecoverFile(path, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("vnode: open leveldb at %s: %w", path, err)
		}
	}

	v := &LevelDBVnode{
		db:      db,
		nodeID:  nodeID,
		clocks:  make(map[string]*vclock.VectorClock),
		owners:  make(map[uint64]string),
		indices: make(map[uint64][]wire.IndexN),
	}
	log.Infof("vnode store initialized at %s for node %s", path, nodeID)
	return v, nil
}

// Close closes the underlying database.
func (v *LevelDBVnode) Close() error {
	return v.db.Close()
}

// Put stores value under the packed bkey, ticking that key's vector
// clock, for seeding data.
func (v *LevelDBVnode) Put(bucket, key string, value []byte) error {
	bkey := wire.BinpackBKey(bucket, key)
	if err := v.db.Put(bkey, value, nil); err != nil {
		return fmt.Errorf("vnode: put %s/%s: %w", bucket, key, err)
	}

	v.mu.Lock()
	vc, ok := v.clocks[string(bkey)]
	if !ok {
		vc = vclock.New()
	}
	vc.Tick(v.nodeID)
	v.clocks[string(bkey)] = vc
	v.mu.Unlock()

	return nil
}

// SetOwner configures which node owns partition, for IndexOwner.
func (v *LevelDBVnode) SetOwner(partition uint64, nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.owners[partition] = nodeID
}

// SetResponsiblePreflists configures the IndexN list ResponsiblePreflists
// returns for partition.
func (v *LevelDBVnode) SetResponsiblePreflists(partition uint64, idxns []wire.IndexN) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indices[partition] = idxns
}

func (v *LevelDBVnode) NodeID() string { return v.nodeID }

func (v *LevelDBVnode) Fold(ctx context.Context, preflist wire.IndexN, folder Folder) error {
	iter := v.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := folder(key, value); err != nil {
			return fmt.Errorf("vnode: fold preflist %s: %w", preflist, err)
		}
	}
	return iter.Error()
}

func (v *LevelDBVnode) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	bkey := wire.BinpackBKey(bucket, key)
	value, err := v.db.Get(bkey, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("vnode: get %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

func (v *LevelDBVnode) GetVClocks(ctx context.Context, preflist wire.IndexN, bkeys [][]byte) (map[string]*vclock.VectorClock, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string]*vclock.VectorClock, len(bkeys))
	for _, bkey := range bkeys {
		if vc, ok := v.clocks[string(bkey)]; ok {
			out[string(bkey)] = vc.Copy()
		} else {
			out[string(bkey)] = vclock.Fresh(v.nodeID)
		}
	}
	return out, nil
}

func (v *LevelDBVnode) ResponsiblePreflists(partition uint64) ([]wire.IndexN, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if idxns, ok := v.indices[partition]; ok {
		return idxns, nil
	}
	return []wire.IndexN{{Index: partition, N: 3}}, nil
}

// Reachable always reports true: this reference implementation runs a
// single local node with no cluster membership tracking, so there is
// never an unreachable peer to model.
func (v *LevelDBVnode) Reachable(nodeID string) bool {
	return true
}

func (v *LevelDBVnode) IndexOwner(partition uint64) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if owner, ok := v.owners[partition]; ok {
		return owner, nil
	}
	return v.nodeID, nil
}
