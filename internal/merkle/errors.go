package merkle

import "errors"

// ErrNodeNotAvailable is returned when an operation's partition-owner
// reachability pre-check fails.
var ErrNodeNotAvailable = errors.New("merkle: node_not_available")

// ErrMerkleFailed wraps a folder, external-map, or file I/O failure
// during make_merkle/make_keylist/merkle_to_keylist/diff.
var ErrMerkleFailed = errors.New("merkle: merkle_failed")

// ErrUnsorted is the merkle_to_keylist failure reason when the written
// keylist file fails its post-write sortedness check.
var ErrUnsorted = errors.New("merkle: unsorted")
