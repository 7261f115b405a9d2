package exchange

import (
	"github.com/riak-tools/aaefullsync/internal/objectutil"
	"github.com/riak-tools/aaefullsync/internal/transport"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

// Accumulator is a sum type for the running diff-accumulation result:
// None, or a Count of objects actually sent. Every diff batch folds into
// this same shape, so there is no "unrecognized accumulator shape"
// fallback to handle.
//
// Count grows by the number of objects sent, not by the number of keys:
// a diff whose repl_helper_send returns related objects adds
// 1 + len(related), so the logged "repaired" figure can exceed the count
// of divergent keys.
type Accumulator struct {
	Present bool
	Count   uint64
}

// accumulateDiffs is the hashtree.AccumulateFunc bound to one KeyExchange
// comparison. It runs on the comparison-worker goroutine while that
// goroutine holds sock, so PUT_OBJ frames for a given diff go out in the
// same order the diff was produced.
func (e *Engine) accumulateDiffs(sock *transport.Socket, acc interface{}, diffs []wire.KeyDiff) interface{} {
	current, _ := acc.(Accumulator)
	for _, d := range diffs {
		n := e.replicateDiff(sock, d)
		current.Present = true
		current.Count += n
	}
	return current
}

// replicateDiff resolves one KeyDiff into zero or more PUT_OBJ frames and
// returns how many objects were actually sent:
//
//	Missing/Different: fetch locally, ask repl_helper_send, send related
//	objects then the primary object, unless the helper cancels.
//	RemoteMissing: no action, the remote is authoritative for keys we lack.
func (e *Engine) replicateDiff(sock *transport.Socket, d wire.KeyDiff) uint64 {
	switch d.Kind {
	case wire.RemoteMissing:
		return 0
	case wire.Missing, wire.Different:
		return e.replicateObject(sock, d.BKey)
	default:
		e.log.Warnf("skipping key diff with unrecognized kind %d", d.Kind)
		return 0
	}
}

func (e *Engine) replicateObject(sock *transport.Socket, bkey []byte) uint64 {
	bucket, key, err := wire.BinunpackBKey(bkey)
	if err != nil {
		e.log.Errorf("unpacking bkey for replication: %v", err)
		return 0
	}

	value, ok, err := e.vnodeSvc.Get(e.ctx, bucket, key)
	if err != nil {
		e.log.Errorf("fetching %s/%s for replication: %v", bucket, key, err)
		return 0
	}
	if !ok {
		e.log.Warnf("object %s/%s not found locally, skipping", bucket, key)
		return 0
	}

	result, err := e.replHelper.Send(value, e.remoteCluster)
	if err != nil {
		e.log.Errorf("repl_helper_send for %s/%s: %v", bucket, key, err)
		return 0
	}
	if result.Cancel {
		return 0
	}

	sent := uint64(0)
	for _, related := range result.Related {
		if err := e.sendPutObj(sock, related); err != nil {
			e.log.Errorf("sending related object for %s/%s: %v", bucket, key, err)
			continue
		}
		sent++
	}
	if err := e.sendPutObj(sock, value); err != nil {
		e.log.Errorf("sending object %s/%s: %v", bucket, key, err)
		return sent
	}
	return sent + 1
}

func (e *Engine) sendPutObj(sock *transport.Socket, object []byte) error {
	payload, err := objectutil.EncodeObjMsg(e.wireVersion, objectutil.TagFSDiffObj, object)
	if err != nil {
		return err
	}
	return sock.SendAsync(wire.TagPutObj, payload)
}
