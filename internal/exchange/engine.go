// Package exchange implements the fullsync source engine: the Prepare /
// UpdateTrees / KeyExchange / Stopped state machine that drives one
// partition's worth of hash-tree comparison against a remote sink over a
// single shared transport.Socket.
//
// The engine is a cooperative single-threaded actor: exactly one
// goroutine runs Engine.Run at a time, and all external interaction
// (cancellation, status queries) happens by sending it a message rather
// than taking a lock on its fields.
package exchange

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/riak-tools/aaefullsync/internal/config"
	"github.com/riak-tools/aaefullsync/internal/hashtree"
	"github.com/riak-tools/aaefullsync/internal/logx"
	"github.com/riak-tools/aaefullsync/internal/objectutil"
	"github.com/riak-tools/aaefullsync/internal/transport"
	"github.com/riak-tools/aaefullsync/internal/vnode"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

// State names the engine's current FSM state.
type State int

const (
	StatePrepare State = iota
	StateUpdateTrees
	StateKeyExchange
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePrepare:
		return "prepare"
	case StateUpdateTrees:
		return "update_trees"
	case StateKeyExchange:
		return "key_exchange"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine runs one partition's fullsync session. Construct with New, then
// call Run from its own goroutine; interact with Cancel and Status from
// any other goroutine.
type Engine struct {
	partition     uint64
	queue         []wire.IndexN
	currentIdxn   wire.IndexN
	remoteCluster string
	wireVersion   string

	handle      hashtree.Handle
	hashtreeSvc hashtree.Service
	vnodeSvc    vnode.Service
	replHelper  objectutil.ReplHelper

	sock     *transport.Socket
	handoff  *transport.Handoff
	remoteWG sync.WaitGroup

	owner Owner
	cfg   *config.Exchange
	log   *logx.Logger

	ctx    context.Context
	events chan event
	status chan statusRequest
	stopCh chan struct{}

	state      State
	builtCount int
}

// New constructs an Engine for partition, bound to conn as the shared
// transport with the remote sink, driving queue (the ResponsiblePreflists
// result for partition) through the comparison pipeline.
func New(
	partition uint64,
	queue []wire.IndexN,
	conn net.Conn,
	remoteCluster string,
	hashtreeSvc hashtree.Service,
	vnodeSvc vnode.Service,
	replHelper objectutil.ReplHelper,
	owner Owner,
	cfg *config.Exchange,
) (*Engine, error) {
	sock, err := transport.Configure(conn)
	if err != nil {
		return nil, fmt.Errorf("exchange: configuring transport: %w", err)
	}
	handle, err := hashtreeSvc.HashtreePID(partition)
	if err != nil {
		return nil, fmt.Errorf("exchange: resolving hashtree handle for partition %d: %w", partition, err)
	}
	if replHelper == nil {
		replHelper = objectutil.NoopReplHelper{}
	}
	if cfg == nil {
		cfg = config.DefaultExchangeConfig()
	}

	queueCopy := append([]wire.IndexN(nil), queue...)

	return &Engine{
		partition:     partition,
		queue:         queueCopy,
		remoteCluster: remoteCluster,
		wireVersion:   config.WireVersion,
		handle:        handle,
		hashtreeSvc:   hashtreeSvc,
		vnodeSvc:      vnodeSvc,
		replHelper:    replHelper,
		sock:          sock,
		handoff:       transport.NewHandoff(),
		owner:         owner,
		cfg:           cfg,
		log:           logx.New(fmt.Sprintf("exchange/%d", partition)),
		events:        make(chan event, 4),
		status:        make(chan statusRequest),
		stopCh:        make(chan struct{}),
		state:         StatePrepare,
	}, nil
}

// Run drives the engine to completion. It blocks until the session
// reaches StateStopped, so callers invoke it in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.ctx = ctx
	defer close(e.stopCh)
	defer e.sock.Close()

	treeDown := e.hashtreeSvc.Monitor(e.handle)

	if !e.prepare(treeDown) {
		return
	}
	for {
		var cont bool
		switch e.state {
		case StateUpdateTrees:
			cont = e.updateTrees(treeDown)
		case StateKeyExchange:
			cont = e.keyExchange(treeDown)
		default:
			return
		}
		if !cont {
			return
		}
	}
}

// Cancel requests that the session stop as soon as it next checks its
// mailbox. Valid to call in any state.
func (e *Engine) Cancel() {
	select {
	case e.events <- event{kind: evCancelFullsync}:
	case <-e.stopCh:
	}
}

// Status returns a snapshot of the engine's state, or ok=false if the
// engine has already stopped.
func (e *Engine) Status() (snap Status, ok bool) {
	req := statusRequest{reply: make(chan Status, 1)}
	select {
	case e.status <- req:
	case <-e.stopCh:
		return Status{}, false
	}
	select {
	case s := <-req.reply:
		return s, true
	case <-e.stopCh:
		return Status{}, false
	}
}

func (e *Engine) snapshot() Status {
	return Status{
		Partition:   e.partition,
		State:       e.state.String(),
		WireVersion: e.wireVersion,
		BuiltCount:  e.builtCount,
		QueueDepth:  len(e.queue),
	}
}

// sendComplete best-effort sends the terminal COMPLETE frame before the
// engine stops, on every path except a transport fault (there is no
// point writing to a socket already known broken). It waits for any
// in-flight runRemoteUpdate goroutine to return first, since that
// goroutine is the only other writer e.sock ever has; without the wait,
// a cancel_fullsync or tree-down event arriving mid-UpdateTrees could
// race sendComplete's SendAsync against runRemoteUpdate's SendSync on
// the same connection.
func (e *Engine) sendComplete() {
	e.remoteWG.Wait()
	if err := e.sock.SendAsync(wire.TagComplete, nil); err != nil {
		e.log.Warnf("sending COMPLETE: %v", err)
	}
}

func (e *Engine) stopWith(outcome func()) bool {
	e.state = StateStopped
	outcome()
	return false
}
