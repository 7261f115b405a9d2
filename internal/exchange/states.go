package exchange

import (
	"fmt"

	"github.com/riak-tools/aaefullsync/internal/wire"
)

// prepare runs the Prepare state: acquire the local lock, send INIT,
// send LOCK_TREE, then move to UpdateTrees. Prepare is a synchronous
// sequence of blocking sends rather than an event loop: a
// cancel_fullsync arriving during Prepare sits in e.events until the next
// state's mailbox read, matching a gen_fsm's per-state-function
// semantics (a selective receive inside a state function defers anything
// that function doesn't explicitly read).
func (e *Engine) prepare(treeDown <-chan struct{}) bool {
	if err := e.hashtreeSvc.GetLock(e.handle, "fullsync_source"); err != nil {
		e.sendComplete()
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: local lock: %v", ErrLockFailed, err)) })
	}

	partitionPayload, err := wire.EncodeTerm(e.partition)
	if err != nil {
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: %v", ErrTransportFault, err)) })
	}
	if _, err := e.sock.SendSync(wire.TagInit, partitionPayload, e.cfg.AntiEntropyTimeout); err != nil {
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: %v", ErrTransportFault, err)) })
	}

	reply, err := e.sock.SendSync(wire.TagLockTree, nil, e.cfg.AntiEntropyTimeout)
	if err != nil {
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: %v", ErrTransportFault, err)) })
	}
	var resp string
	if err := wire.DecodeTerm(reply.Payload, &resp); err != nil {
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: %v", ErrTransportFault, err)) })
	}
	if resp != "ok" {
		e.sendComplete()
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: remote lock_tree replied %q", ErrLockFailed, resp)) })
	}

	e.builtCount = 0
	e.state = StateUpdateTrees
	return true
}

// updateTrees runs one pass of the UpdateTrees state: kick off the local
// and remote tree update for the head of e.queue concurrently, and wait
// for both to report built before advancing to KeyExchange. If the queue
// is empty, the session is done and the engine stops.
func (e *Engine) updateTrees(treeDown <-chan struct{}) bool {
	if len(e.queue) == 0 {
		e.sendComplete()
		return e.stopWith(func() { e.owner.Complete(e.partition) })
	}

	idxn := e.queue[0]
	e.builtCount = 0

	e.remoteWG.Add(1)
	go e.runLocalUpdate(idxn)
	go e.runRemoteUpdate(idxn)

	for {
		ev, live := e.recv(treeDown, evTreeBuilt, evNotResponsible)
		if !live {
			return false
		}
		if ev.kind == evNotResponsible {
			e.sendComplete()
			return e.stopWith(func() {
				e.owner.Error(e.partition, fmt.Errorf("%w: partition %d idxn %s", ErrNotResponsible, e.partition, idxn))
			})
		}

		e.builtCount++
		if e.builtCount == 2 {
			e.builtCount = 0
			e.currentIdxn = idxn
			e.state = StateKeyExchange
			return true
		}
	}
}

func (e *Engine) runLocalUpdate(idxn wire.IndexN) {
	built, notResponsible, err := e.hashtreeSvc.Update(e.ctx, idxn, e.handle)
	if err != nil {
		e.log.Errorf("local tree update for %s: %v", idxn, err)
		e.sendEvent(event{kind: evNotResponsible, idxn: idxn})
		return
	}
	if notResponsible {
		e.sendEvent(event{kind: evNotResponsible, idxn: idxn})
		return
	}
	if built {
		e.sendEvent(event{kind: evTreeBuilt, idxn: idxn})
	}
}

func (e *Engine) runRemoteUpdate(idxn wire.IndexN) {
	defer e.remoteWG.Done()
	payload, err := wire.EncodeTerm(idxn)
	if err != nil {
		e.sendEvent(event{kind: evTransportFault, err: err})
		return
	}
	reply, err := e.sock.SendSync(wire.TagUpdateTree, payload, e.cfg.AntiEntropyTimeout)
	if err != nil {
		e.sendEvent(event{kind: evTransportFault, err: err})
		return
	}
	var resp string
	if err := wire.DecodeTerm(reply.Payload, &resp); err != nil {
		e.sendEvent(event{kind: evTransportFault, err: err})
		return
	}
	if resp == "ok" {
		e.sendEvent(event{kind: evTreeBuilt, idxn: idxn})
	} else {
		e.sendEvent(event{kind: evNotResponsible, idxn: idxn})
	}
}

// keyExchange runs the KeyExchange state: spawn the comparison worker
// (hashtreeSvc.Compare running on its own goroutine), wait through a
// tight worker-done selective receive, then pop the queue and loop back
// to UpdateTrees.
func (e *Engine) keyExchange(treeDown <-chan struct{}) bool {
	idxn := e.currentIdxn
	slot := &socketSlot{}
	readyCh := make(chan struct{})
	doneCh := make(chan compareOutcome, 1)

	cb := e.newCompareCallback(readyCh, slot)
	accumulate := e.accumulateFor(slot)

	go func() {
		acc, err := e.hashtreeSvc.Compare(e.ctx, idxn, cb, accumulate, e.handle)
		doneCh <- compareOutcome{acc: acc, err: err}
	}()

	// This loop is a tight selective receive: only the worker's done
	// message advances it. Unlike the generic recv loop used elsewhere, it
	// deliberately does not also watch for cancel_fullsync or tree-down:
	// those remain queued in e.events/treeDown and are picked up by the
	// next state's ordinary mailbox read, exactly as a narrowly-scoped
	// receive in a gen_fsm would leave them unmatched in its mailbox.
	// When this was the last IndexN, UpdateTrees finds the queue empty and
	// completes without reading the mailbox, so such a message is not
	// acted on.
	var outcome compareOutcome
waitForWorker:
	for {
		select {
		case <-readyCh:
			e.handoff.Give(e.sock)
			e.sock = nil
		case outcome = <-doneCh:
			e.sock = e.handoff.Take()
			break waitForWorker
		}
	}

	if outcome.err != nil {
		return e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: comparing %s: %v", ErrTransportFault, idxn, outcome.err)) })
	}

	acc, _ := outcome.acc.(Accumulator)
	if acc.Present {
		e.log.Infof("repaired %d keys for %s", acc.Count, idxn)
	} else {
		e.log.Infof("no differences for %s", idxn)
	}

	e.queue = e.queue[1:]
	e.builtCount = 0
	e.state = StateUpdateTrees
	return true
}

type compareOutcome struct {
	acc interface{}
	err error
}

func (e *Engine) sendEvent(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopCh:
	}
}

// recv waits for the first event matching accept, transparently servicing
// status queries and handling the two mailbox messages valid in any state
// (cancel_fullsync, tree-process death) along the way. It returns
// live=false once the engine has stopped, in which case the caller's
// updateTrees/keyExchange loop should return immediately.
func (e *Engine) recv(treeDown <-chan struct{}, accept ...eventKind) (event, bool) {
	for {
		select {
		case ev := <-e.events:
			switch ev.kind {
			case evCancelFullsync:
				e.sendComplete()
				e.stopWith(func() { e.owner.Cancelled(e.partition) })
				return event{}, false
			case evTransportFault:
				e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: %v", ErrTransportFault, ev.err)) })
				return event{}, false
			default:
				if acceptsKind(accept, ev.kind) {
					return ev, true
				}
				e.log.Warnf("dropping unexpected event %d in state %s", ev.kind, e.state)
			}
		case <-treeDown:
			e.sendComplete()
			e.stopWith(func() { e.owner.Error(e.partition, fmt.Errorf("%w: partition %d", ErrSomethingWentDown, e.partition)) })
			return event{}, false
		case req := <-e.status:
			req.reply <- e.snapshot()
		case <-e.ctx.Done():
			e.sendComplete()
			e.stopWith(func() { e.owner.Cancelled(e.partition) })
			return event{}, false
		}
	}
}

func acceptsKind(accept []eventKind, kind eventKind) bool {
	for _, k := range accept {
		if k == kind {
			return true
		}
	}
	return false
}
