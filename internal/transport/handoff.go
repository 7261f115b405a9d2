package transport

// Handoff is a single-slot capability channel carrying ownership of a
// *Socket between the engine goroutine and the comparison-worker
// goroutine. Exactly one side holds the Socket at a time; the holder
// sends it down the channel to transfer ownership and must not touch the
// Socket again until it receives ownership back.
type Handoff struct {
	ch chan *Socket
}

// NewHandoff creates an empty handoff channel.
func NewHandoff() *Handoff {
	return &Handoff{ch: make(chan *Socket, 1)}
}

// Give transfers ownership of sock to whichever goroutine next calls Take.
func (h *Handoff) Give(sock *Socket) {
	h.ch <- sock
}

// Take blocks until ownership of a Socket is transferred to the caller.
func (h *Handoff) Take() *Socket {
	return <-h.ch
}
