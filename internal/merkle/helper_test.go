package merkle_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riak-tools/aaefullsync/internal/config"
	"github.com/riak-tools/aaefullsync/internal/merkle"
	"github.com/riak-tools/aaefullsync/internal/vnode"
)

const testPartition = uint64(7)

func waitForResult(t *testing.T, h *merkle.Helper, ref merkle.OpRef) merkle.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-h.Results():
			if res.Ref != ref {
				continue
			}
			return res.Event
		case <-deadline:
			t.Fatal("timed out waiting for helper result")
			return merkle.Event{}
		}
	}
}

func newFixture(t *testing.T) (*vnode.FakeService, *merkle.Helper) {
	t.Helper()
	fake := vnode.NewFakeService("node1")
	fake.SetOwner(testPartition, "node1")
	fake.Put("bucket", "alpha", []byte("alpha-value"))
	fake.Put("bucket", "beta", []byte("beta-value"))
	h := merkle.NewHelper(fake, &config.Merkle{BufferSize: 1 << 20})
	return fake, h
}

func TestMakeMerkleBuildsExternalMap(t *testing.T) {
	_, h := newFixture(t)
	filename := filepath.Join(t.TempDir(), "merkle.db")

	ref := h.MakeMerkle(context.Background(), testPartition, filename)
	ev := waitForResult(t, h, ref)

	require.Equal(t, merkle.EvMerkleBuilt, ev.Kind, "%v", ev.Err)

	tree, err := merkle.OpenBTreeMap(filename)
	require.NoError(t, err)
	defer tree.Close()

	count := 0
	require.NoError(t, tree.AscendAll(func(bkey, hash []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}

func TestMakeKeylistWritesSortedFile(t *testing.T) {
	_, h := newFixture(t)
	filename := filepath.Join(t.TempDir(), "keylist.khf")

	ref := h.MakeKeylist(context.Background(), testPartition, filename)
	ev := waitForResult(t, h, ref)
	require.Equal(t, merkle.EvKeylistBuilt, ev.Kind, "%v", ev.Err)

	sorted, details, err := merkle.VerifySorted(filename)
	require.NoError(t, err)
	assert.True(t, sorted, details)
}

func TestMerkleToKeylistConvertsMap(t *testing.T) {
	_, h := newFixture(t)
	mapFile := filepath.Join(t.TempDir(), "merkle.db")
	keylistFile := filepath.Join(t.TempDir(), "converted.khf")

	ref := h.MakeMerkle(context.Background(), testPartition, mapFile)
	require.Equal(t, merkle.EvMerkleBuilt, waitForResult(t, h, ref).Kind)

	ref2 := h.MerkleToKeylist(mapFile, keylistFile)
	ev := waitForResult(t, h, ref2)
	require.Equal(t, merkle.EvConverted, ev.Kind, "%v", ev.Err)

	sorted, details, err := merkle.VerifySorted(keylistFile)
	require.NoError(t, err)
	assert.True(t, sorted, details)
}

func TestDiffReportsDifferentKeyAndSkipsLocalOnlyKey(t *testing.T) {
	_, h := newFixture(t)

	// Build a real local keylist via MakeKeylist so the test diffs against
	// the actual packed bkeys the helper produces, rather than guessing at
	// the packing format.
	localFile := filepath.Join(t.TempDir(), "local.khf")
	ref := h.MakeKeylist(context.Background(), testPartition, localFile)
	require.Equal(t, merkle.EvKeylistBuilt, waitForResult(t, h, ref).Kind)

	lr, err := merkle.OpenKeyHashFile(localFile)
	require.NoError(t, err)
	var localBKeys [][]byte
	for {
		bkey, _, err := lr.Read()
		if err != nil {
			break
		}
		localBKeys = append(localBKeys, bkey)
	}
	lr.Close()
	require.Len(t, localBKeys, 2)

	// remote has only one of the two local keys, with a mismatching hash.
	remoteFile := filepath.Join(t.TempDir(), "remote.khf")
	w, err := merkle.CreateKeyHashFile(remoteFile)
	require.NoError(t, err)
	require.NoError(t, w.Write(localBKeys[0], []byte("mismatching-hash")))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	require.NoError(t, merkle.SortKeyHashFile(remoteFile))

	diffRef := h.Diff(testPartition, remoteFile, localFile)

	var diffs []merkle.Event
	var done merkle.Event
	for {
		ev := waitForResult(t, h, diffRef)
		if ev.Kind == merkle.EvDiffDone {
			done = ev
			break
		}
		diffs = append(diffs, ev)
	}

	require.Len(t, diffs, 1)
	assert.Equal(t, localBKeys[0], diffs[0].BKey)
	require.NotNil(t, diffs[0].VClock)
	assert.Equal(t, 0, done.ReadErrors["remote"])
	assert.Equal(t, 0, done.ReadErrors["local"])
}

func TestDiffRejectsUnreachablePartitionOwner(t *testing.T) {
	fake := vnode.NewFakeService("node1")
	fake.SetOwner(testPartition, "node2")
	fake.SetReachable("node2", false)
	h := merkle.NewHelper(fake, nil)

	ref := h.Diff(testPartition, "unused-remote", "unused-local")
	ev := waitForResult(t, h, ref)

	require.Equal(t, merkle.EvFailed, ev.Kind)
	assert.True(t, errors.Is(ev.Err, merkle.ErrNodeNotAvailable))
}
