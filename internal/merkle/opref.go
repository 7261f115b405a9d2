package merkle

import "github.com/google/uuid"

// OpRef is the opaque reference every operation is registered under and
// returns immediately, before any of its work has happened.
type OpRef string

func newOpRef() OpRef {
	return OpRef(uuid.NewString())
}
