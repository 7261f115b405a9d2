package exchange

import "errors"

// Sentinel errors covering the exchange engine's failure taxonomy,
// reaching the owner as a typed reason rather than a bare string.
var (
	// ErrLockFailed covers both "local get_lock rejected" and "remote
	// LOCK_TREE rejected".
	ErrLockFailed = errors.New("exchange: lock failed")

	// ErrNotResponsible is returned when the tree service (local or
	// remote) reports not_responsible for the in-flight IndexN.
	ErrNotResponsible = errors.New("exchange: not responsible")

	// ErrSomethingWentDown is the reason surfaced when the monitored
	// tree process exits.
	ErrSomethingWentDown = errors.New("exchange: something_went_down")

	// ErrTransportFault covers reply frames carrying an error and read
	// failures on the shared socket.
	ErrTransportFault = errors.New("exchange: transport fault")
)
