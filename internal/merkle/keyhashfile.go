package merkle

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/riak-tools/aaefullsync/internal/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// keyHashRecord is one (bkey, hash) pair as it appears, length-prefixed,
// in a KeyHash file.
type keyHashRecord struct {
	BKey []byte `json:"bkey"`
	Hash []byte `json:"hash"`
}

// KeyHashWriter appends length-prefixed (bkey, hash) records to a file.
type KeyHashWriter struct {
	f *os.File
	w *bufio.Writer
}

// CreateKeyHashFile truncates (or creates) filename for writing.
func CreateKeyHashFile(filename string) (*KeyHashWriter, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &KeyHashWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one (bkey, hash) record.
func (w *KeyHashWriter) Write(bkey, hash []byte) error {
	payload, err := json.Marshal(keyHashRecord{BKey: bkey, Hash: hash})
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.w.Write(payload)
	return err
}

// Sync flushes buffered writes to the underlying file.
func (w *KeyHashWriter) Sync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close closes the underlying file. Callers should Sync first.
func (w *KeyHashWriter) Close() error {
	return w.f.Close()
}

// KeyHashReader reads length-prefixed (bkey, hash) records in file order.
type KeyHashReader struct {
	f *os.File
	r *bufio.Reader
}

// OpenKeyHashFile opens filename for sequential reading.
func OpenKeyHashFile(filename string) (*KeyHashReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	return &KeyHashReader{f: f, r: bufio.NewReader(f)}, nil
}

// Read returns the next (bkey, hash) record, or io.EOF once the file is
// exhausted.
func (r *KeyHashReader) Read() (bkey, hash []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, nil, io.EOF
		}
		return nil, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, nil, err
	}
	var rec keyHashRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, nil, err
	}
	return rec.BKey, rec.Hash, nil
}

func (r *KeyHashReader) Close() error {
	return r.f.Close()
}

// SortKeyHashFile rewrites filename with its records sorted by bkey. This
// is make_keylist's external sort step, done in memory rather than with
// a true external merge sort: the demo-scale KeyHash files this repo
// ever produces fit in memory, and no pack dependency offers an external
// file sort primitive.
func SortKeyHashFile(filename string) error {
	r, err := OpenKeyHashFile(filename)
	if err != nil {
		return err
	}
	var records []keyHashRecord
	for {
		bkey, hash, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.Close()
			return err
		}
		records = append(records, keyHashRecord{BKey: bkey, Hash: hash})
	}
	r.Close()

	sort.Slice(records, func(i, j int) bool {
		return wire.BKeyLess(records[i].BKey, records[j].BKey)
	})

	w, err := CreateKeyHashFile(filename)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := w.Write(rec.BKey, rec.Hash); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// VerifySorted reports whether filename's records are in non-decreasing
// bkey order, and a description of the first violation if not.
func VerifySorted(filename string) (sorted bool, details string, err error) {
	r, openErr := OpenKeyHashFile(filename)
	if openErr != nil {
		return false, "", openErr
	}
	defer r.Close()

	var prev []byte
	index := 0
	for {
		bkey, _, readErr := r.Read()
		if readErr == io.EOF {
			return true, "", nil
		}
		if readErr != nil {
			return false, "", readErr
		}
		if prev != nil && !wire.BKeyLess(prev, bkey) && string(prev) != string(bkey) {
			return false, fmt.Sprintf("record %d: bkey %q follows %q out of order", index, bkey, prev), nil
		}
		prev = bkey
		index++
	}
}
