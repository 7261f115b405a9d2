package exchange

import "github.com/riak-tools/aaefullsync/internal/wire"

type eventKind int

const (
	evCancelFullsync eventKind = iota
	evTreeBuilt
	evNotResponsible
	evTransportFault
)

// event is the engine's single mailbox message type. Only one of idxn/err
// is meaningful per kind.
type event struct {
	kind eventKind
	idxn wire.IndexN
	err  error
}

type statusRequest struct {
	reply chan Status
}

// Status is a point-in-time snapshot returned by Engine.Status.
type Status struct {
	Partition   uint64
	State       string
	WireVersion string
	BuiltCount  int
	QueueDepth  int
}
