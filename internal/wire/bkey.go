package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BinpackBKey packs a (bucket, key) pair into a single length-prefixed
// byte string: a 4-byte big-endian bucket length, the bucket bytes, then
// the key bytes (the key runs to the end of the buffer, so it needs no
// length prefix of its own).
func BinpackBKey(bucket, key string) []byte {
	buf := make([]byte, 4+len(bucket)+len(key))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(bucket)))
	copy(buf[4:4+len(bucket)], bucket)
	copy(buf[4+len(bucket):], key)
	return buf
}

// BinunpackBKey is the inverse of BinpackBKey.
func BinunpackBKey(b []byte) (bucket, key string, err error) {
	if len(b) < 4 {
		return "", "", fmt.Errorf("wire: bkey too short: %d bytes", len(b))
	}
	bucketLen := binary.BigEndian.Uint32(b[0:4])
	if uint64(4+bucketLen) > uint64(len(b)) {
		return "", "", fmt.Errorf("wire: bkey bucket length %d exceeds buffer of %d bytes", bucketLen, len(b))
	}
	bucket = string(b[4 : 4+bucketLen])
	key = string(b[4+bucketLen:])
	return bucket, key, nil
}

// BKeyLess orders two packed bkeys by byte value, which is the order the
// Merkle helper's KeyHash files are expected to be sorted in.
func BKeyLess(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}
