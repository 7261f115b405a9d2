package exchange

import (
	"fmt"

	"github.com/riak-tools/aaefullsync/internal/hashtree"
	"github.com/riak-tools/aaefullsync/internal/transport"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

// socketSlot holds the socket currently owned by the comparison worker,
// shared between newCompareCallback and accumulateFor so a PUT_OBJ frame
// sent while accumulating goes out over the same connection the worker
// just took ownership of.
type socketSlot struct {
	sock *transport.Socket
}

// newCompareCallback builds the hashtree.RemoteCallback for one
// comparison. This is the socket-ownership handoff: the socket is owned
// by the engine goroutine except for the window between Init and Final,
// during which the comparison-worker goroutine (running Compare) owns it
// exclusively. readyCh receives exactly one signal, at Init, telling the
// engine to Give() the socket over; the engine must do that Give before
// this callback's Take() can return.
func (e *Engine) newCompareCallback(readyCh chan<- struct{}, slot *socketSlot) hashtree.RemoteCallback {
	return func(req hashtree.CompareRequest) (hashtree.CompareReply, error) {
		switch req.Kind {
		case hashtree.ReqInit:
			readyCh <- struct{}{}
			slot.sock = e.handoff.Take()
			return hashtree.CompareReply{}, nil

		case hashtree.ReqFinal:
			e.handoff.Give(slot.sock)
			slot.sock = nil
			return hashtree.CompareReply{}, nil

		case hashtree.ReqGetBucket:
			payload, err := wire.EncodeTerm(req.Bucket)
			if err != nil {
				return hashtree.CompareReply{}, err
			}
			reply, err := slot.sock.SendSync(wire.TagGetBucket, payload, e.cfg.AntiEntropyTimeout)
			if err != nil {
				return hashtree.CompareReply{}, err
			}
			var buckets []hashtree.BucketHash
			if err := wire.DecodeTerm(reply.Payload, &buckets); err != nil {
				return hashtree.CompareReply{}, err
			}
			return hashtree.CompareReply{Buckets: buckets}, nil

		case hashtree.ReqKeyHashes:
			payload, err := wire.EncodeTerm(req.Segment)
			if err != nil {
				return hashtree.CompareReply{}, err
			}
			reply, err := slot.sock.SendSync(wire.TagGetSegment, payload, e.cfg.AntiEntropyTimeout)
			if err != nil {
				return hashtree.CompareReply{}, err
			}
			var keys []hashtree.KeyHash
			if err := wire.DecodeTerm(reply.Payload, &keys); err != nil {
				return hashtree.CompareReply{}, err
			}
			return hashtree.CompareReply{Keys: keys}, nil

		default:
			return hashtree.CompareReply{}, fmt.Errorf("exchange: unrecognized compare request kind %d", req.Kind)
		}
	}
}

// accumulateFor adapts e.accumulateDiffs into a hashtree.AccumulateFunc
// reading the socket out of the same slot newCompareCallback populates.
func (e *Engine) accumulateFor(slot *socketSlot) hashtree.AccumulateFunc {
	return func(acc interface{}, diffs []wire.KeyDiff) interface{} {
		return e.accumulateDiffs(slot.sock, acc, diffs)
	}
}
