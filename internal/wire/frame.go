package wire

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame is one on-the-wire message: a tag plus its (possibly empty)
// payload bytes.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// EncodeTerm marshals a Go value into an "encoded term" payload used for
// REPLY bodies and request payloads: opaque bytes whose meaning is
// defined per request. Uses jsoniter rather than a bespoke binary
// encoder for a fast, drop-in encoding/json replacement.
func EncodeTerm(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeTerm is the inverse of EncodeTerm.
func DecodeTerm(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
