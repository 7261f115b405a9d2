package exchange_test

import (
	"context"
	"crypto/sha256"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riak-tools/aaefullsync/internal/exchange"
	"github.com/riak-tools/aaefullsync/internal/hashtree"
	"github.com/riak-tools/aaefullsync/internal/objectutil"
	"github.com/riak-tools/aaefullsync/internal/transport"
	"github.com/riak-tools/aaefullsync/internal/vnode"
	"github.com/riak-tools/aaefullsync/internal/wire"
)

const testPartition = uint64(42)

var testIdxn = wire.IndexN{Index: testPartition, N: 3}

// recordingOwner captures the single terminal callback an Engine makes
// (Complete, Error, or Cancelled), closing doneCh so tests can wait on it.
type recordingOwner struct {
	mu        sync.Mutex
	completed []uint64
	errs      []error
	cancelled []uint64
	doneCh    chan struct{}
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{doneCh: make(chan struct{})}
}

func (o *recordingOwner) Complete(partition uint64) {
	o.mu.Lock()
	o.completed = append(o.completed, partition)
	o.mu.Unlock()
	close(o.doneCh)
}

func (o *recordingOwner) Error(partition uint64, reason error) {
	o.mu.Lock()
	o.errs = append(o.errs, reason)
	o.mu.Unlock()
	close(o.doneCh)
}

func (o *recordingOwner) Cancelled(partition uint64) {
	o.mu.Lock()
	o.cancelled = append(o.cancelled, partition)
	o.mu.Unlock()
	close(o.doneCh)
}

func (o *recordingOwner) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-o.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine to terminate")
	}
}

// fakeSink speaks the sink side of the wire protocol directly over a
// transport.Socket, standing in for the remote cluster the engine talks
// to. It is the test-only counterpart to hashtree.FakeService.
type fakeSink struct {
	sock *transport.Socket

	mu               sync.Mutex
	remote           map[string][]byte // packed bkey -> hash
	lockTreeReply    string
	notResponsibleOn map[string]bool
	updateDelay      time.Duration
	received         []objectutil.ObjMsg
	completed        bool
}

func newFakeSink(sock *transport.Socket) *fakeSink {
	return &fakeSink{
		sock:             sock,
		remote:           make(map[string][]byte),
		lockTreeReply:    "ok",
		notResponsibleOn: make(map[string]bool),
	}
}

func (s *fakeSink) seed(bucket, key string, hash []byte) {
	s.remote[string(wire.BinpackBKey(bucket, key))] = hash
}

func (s *fakeSink) run() {
	for {
		frame, err := s.sock.ReadFrame()
		if err != nil {
			return
		}
		switch frame.Tag {
		case wire.TagInit:
			s.reply("ok")
		case wire.TagLockTree:
			s.reply(s.lockTreeReply)
		case wire.TagUpdateTree:
			if s.updateDelay > 0 {
				time.Sleep(s.updateDelay)
			}
			var idxn wire.IndexN
			_ = wire.DecodeTerm(frame.Payload, &idxn)
			s.mu.Lock()
			notResp := s.notResponsibleOn[idxn.String()]
			s.mu.Unlock()
			if notResp {
				s.reply("not_responsible")
			} else {
				s.reply("ok")
			}
		case wire.TagGetBucket:
			s.mu.Lock()
			hash := sinkBucketHash(s.remote)
			s.mu.Unlock()
			payload, _ := wire.EncodeTerm([]hashtree.BucketHash{{Bucket: 0, Hash: hash}})
			_ = s.sock.Reply(payload)
		case wire.TagGetSegment:
			s.mu.Lock()
			keys := make([]hashtree.KeyHash, 0, len(s.remote))
			for bkey, hash := range s.remote {
				keys = append(keys, hashtree.KeyHash{BKey: []byte(bkey), Hash: hash})
			}
			s.mu.Unlock()
			payload, _ := wire.EncodeTerm(keys)
			_ = s.sock.Reply(payload)
		case wire.TagPutObj:
			msg, err := objectutil.DecodeObjMsg(frame.Payload)
			if err == nil {
				s.mu.Lock()
				s.received = append(s.received, msg)
				s.mu.Unlock()
			}
		case wire.TagComplete:
			s.mu.Lock()
			s.completed = true
			s.mu.Unlock()
			return
		}
	}
}

func (s *fakeSink) reply(v interface{}) {
	payload, _ := wire.EncodeTerm(v)
	_ = s.sock.Reply(payload)
}

func (s *fakeSink) receivedObjects() []objectutil.ObjMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]objectutil.ObjMsg(nil), s.received...)
}

func (s *fakeSink) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// sinkBucketHash mirrors hashtree.FakeService's unexported bucketHash
// exactly, so a sink seeded with the same (bkey, hash) pairs as the local
// FakeService produces a matching bucket digest.
func sinkBucketHash(keys map[string][]byte) []byte {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, k := range names {
		h.Write([]byte(k))
		h.Write(keys[k])
	}
	return h.Sum(nil)
}

// newEngineFixture wires up a net.Pipe-connected Engine and fakeSink pair
// sharing a single partition/IndexN queue.
func newEngineFixture(t *testing.T, local hashtree.Service, vn vnode.Service, repl objectutil.ReplHelper, owner exchange.Owner) (*exchange.Engine, *fakeSink) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	sinkSock, err := transport.Configure(serverConn)
	require.NoError(t, err)
	sink := newFakeSink(sinkSock)

	eng, err := exchange.New(testPartition, []wire.IndexN{testIdxn}, clientConn, "remote-cluster", local, vn, repl, owner, nil)
	require.NoError(t, err)

	return eng, sink
}

func TestEngineEmptyDiffCompletesWithNoPutObj(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")
	hash := objectutil.HashObject([]byte("value-a"))
	local.Put(testPartition, wire.BinpackBKey("b", "a"), hash)
	vn.Put("b", "a", []byte("value-a"))

	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, objectutil.NoopReplHelper{}, owner)
	sink.seed("b", "a", hash)

	go sink.run()
	go eng.Run(context.Background())

	owner.waitDone(t)

	assert.Equal(t, []uint64{testPartition}, owner.completed)
	assert.Empty(t, owner.errs)
	assert.Empty(t, sink.receivedObjects())
	assert.True(t, sink.isCompleted())
}

func TestEngineSingleMissingKeyIsReplicated(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")
	value := []byte("value-a")
	hash := objectutil.HashObject(value)
	local.Put(testPartition, wire.BinpackBKey("b", "a"), hash)
	vn.Put("b", "a", value)

	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, objectutil.NoopReplHelper{}, owner)
	// sink has nothing seeded: local has a key the remote lacks (Missing).

	go sink.run()
	go eng.Run(context.Background())

	owner.waitDone(t)

	assert.Equal(t, []uint64{testPartition}, owner.completed)
	received := sink.receivedObjects()
	require.Len(t, received, 1)
	assert.Equal(t, objectutil.TagFSDiffObj, received[0].Tag)
	assert.Equal(t, value, received[0].Object)
	assert.True(t, sink.isCompleted())
}

// relatedObjectHelper is a ReplHelper that always attaches two
// supplementary objects ahead of the primary one.
type relatedObjectHelper struct {
	related [][]byte
}

func (h relatedObjectHelper) Send(object []byte, client string) (objectutil.ReplHelperResult, error) {
	return objectutil.ReplHelperResult{Related: h.related}, nil
}

func TestEngineReplHelperSupplementaryObjectsSentInOrder(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")
	value := []byte("primary")
	hash := objectutil.HashObject(value)
	local.Put(testPartition, wire.BinpackBKey("b", "a"), hash)
	vn.Put("b", "a", value)

	related := [][]byte{[]byte("related-1"), []byte("related-2")}
	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, relatedObjectHelper{related: related}, owner)

	go sink.run()
	go eng.Run(context.Background())

	owner.waitDone(t)

	received := sink.receivedObjects()
	require.Len(t, received, 3)
	assert.Equal(t, related[0], received[0].Object)
	assert.Equal(t, related[1], received[1].Object)
	assert.Equal(t, value, received[2].Object)
}

func TestEngineRemoteNotResponsibleStopsWithError(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")

	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, objectutil.NoopReplHelper{}, owner)
	sink.notResponsibleOn[testIdxn.String()] = true

	go sink.run()
	go eng.Run(context.Background())

	owner.waitDone(t)

	require.Len(t, owner.errs, 1)
	assert.ErrorIs(t, owner.errs[0], exchange.ErrNotResponsible)
	assert.Empty(t, sink.receivedObjects())
	assert.True(t, sink.isCompleted())
}

func TestEngineCancelMidUpdateStopsCleanly(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")

	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, objectutil.NoopReplHelper{}, owner)
	sink.updateDelay = 150 * time.Millisecond

	go sink.run()
	go eng.Run(context.Background())

	time.Sleep(30 * time.Millisecond)
	eng.Cancel()

	owner.waitDone(t)

	assert.Equal(t, []uint64{testPartition}, owner.cancelled)
	assert.Empty(t, owner.errs)
	assert.Empty(t, owner.completed)
	assert.Empty(t, sink.receivedObjects())
	assert.True(t, sink.isCompleted())
}

func TestEngineTreeProcessDeathStopsWithError(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")

	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, objectutil.NoopReplHelper{}, owner)
	sink.updateDelay = 150 * time.Millisecond

	go sink.run()
	go eng.Run(context.Background())

	time.Sleep(30 * time.Millisecond)
	local.Kill(testPartition)

	owner.waitDone(t)

	require.Len(t, owner.errs, 1)
	assert.ErrorIs(t, owner.errs[0], exchange.ErrSomethingWentDown)
	assert.True(t, sink.isCompleted())
}

func TestEngineStatusAfterStopReportsNotOK(t *testing.T) {
	local := hashtree.NewFakeService()
	vn := vnode.NewFakeService("node1")
	hash := objectutil.HashObject([]byte("value-a"))
	local.Put(testPartition, wire.BinpackBKey("b", "a"), hash)
	sinkHash := hash // identical, so the exchange completes with no diff

	owner := newRecordingOwner()
	eng, sink := newEngineFixture(t, local, vn, objectutil.NoopReplHelper{}, owner)
	sink.seed("b", "a", sinkHash)

	go sink.run()
	go eng.Run(context.Background())

	owner.waitDone(t)

	_, ok := eng.Status()
	assert.False(t, ok, "status query after the engine stops should report ok=false")
}

