// Package objectutil implements the object-helper collaborator the
// exchange engine consumes: the wire envelope for PUT_OBJ payloads, a
// content-hash primitive for building leaf hashes, and a replication
// helper interface that decides what supplementary objects ride along
// with a replicated key.
package objectutil

import (
	"crypto/sha256"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ObjMsg is the (tag, object) envelope sent as a PUT_OBJ payload: a
// replication-reason tag ("fs_diff_obj" for both Missing and Different
// diffs) plus the wire-version-tagged object bytes.
type ObjMsg struct {
	WireVersion string `json:"wire_version"`
	Tag         string `json:"tag"`
	Object      []byte `json:"object"`
}

// TagFSDiffObj tags both Missing and Different diffs: one PUT_OBJ
// carrying the encoded (fs_diff_obj, object).
const TagFSDiffObj = "fs_diff_obj"

// EncodeObjMsg marshals an (tag, object) pair for the wire, stamped with
// the wire version in effect for this exchange.
func EncodeObjMsg(wireVersion string, tag string, object []byte) ([]byte, error) {
	return json.Marshal(ObjMsg{WireVersion: wireVersion, Tag: tag, Object: object})
}

// DecodeObjMsg is the inverse of EncodeObjMsg, used by test sinks to
// assert on what the engine sent.
func DecodeObjMsg(b []byte) (ObjMsg, error) {
	var m ObjMsg
	err := json.Unmarshal(b, &m)
	return m, err
}

// HashObject computes a content hash for an object's bytes: sha256 over
// a delimited "leaf:value" string. This is only the hash primitive the
// Merkle helper's make_merkle needs, not a real on-disk object format.
func HashObject(value []byte) []byte {
	h := sha256.New()
	h.Write([]byte("leaf:"))
	h.Write(value)
	return h.Sum(nil)
}

// ReplHelperResult is the outcome of a repl_helper_send call: either the
// replication is cancelled, or zero-or-more supplementary objects should
// be replicated alongside the primary one.
type ReplHelperResult struct {
	Cancel  bool
	Related [][]byte
}

// ReplHelper decides, for a given object about to be replicated to a
// client (the remote cluster name), whether to cancel the replication or
// which supplementary objects should accompany it.
type ReplHelper interface {
	Send(object []byte, client string) (ReplHelperResult, error)
}

// NoopReplHelper never cancels and never adds supplementary objects,
// the default behavior when no post-commit hooks are configured.
type NoopReplHelper struct{}

func (NoopReplHelper) Send(object []byte, client string) (ReplHelperResult, error) {
	return ReplHelperResult{}, nil
}
