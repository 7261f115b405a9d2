package merkle

import (
	"github.com/tidwall/buntdb"
)

// KVPair is one buffered (bkey, hash) pair awaiting a flush to the
// external key-ordered map.
type KVPair struct {
	BKey []byte
	Hash []byte
}

// BTreeMap is the external key-ordered map that make_merkle opens and
// merkle_to_keylist iterates: a buntdb database, whose default key
// ordering is byte-wise string comparison, the same ordering
// wire.BKeyLess and the KeyHash file format use.
type BTreeMap struct {
	db *buntdb.DB
}

// OpenBTreeMap opens (or creates) the map at filename.
func OpenBTreeMap(filename string) (*BTreeMap, error) {
	db, err := buntdb.Open(filename)
	if err != nil {
		return nil, err
	}
	return &BTreeMap{db: db}, nil
}

// PutBatch writes pairs in a single transaction, flushing make_merkle's
// buffered pairs.
func (m *BTreeMap) PutBatch(pairs []KVPair) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		for _, p := range pairs {
			if _, _, err := tx.Set(string(p.BKey), string(p.Hash), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// AscendAll iterates every (bkey, hash) pair in ascending key order,
// calling visit for each. Iteration stops at the first error visit
// returns.
func (m *BTreeMap) AscendAll(visit func(bkey, hash []byte) error) error {
	var visitErr error
	err := m.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("*", func(key, value string) bool {
			if err := visit([]byte(key), []byte(value)); err != nil {
				visitErr = err
				return false
			}
			return true
		})
	})
	if visitErr != nil {
		return visitErr
	}
	return err
}

// Close closes the underlying database.
func (m *BTreeMap) Close() error {
	return m.db.Close()
}
