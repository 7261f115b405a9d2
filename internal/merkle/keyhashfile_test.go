package merkle_test

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riak-tools/aaefullsync/internal/merkle"
)

func TestKeyHashFileRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "keys.khf")

	w, err := merkle.CreateKeyHashFile(filename)
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("bkey-a"), []byte("hash-a")))
	require.NoError(t, w.Write([]byte("bkey-b"), []byte("hash-b")))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	r, err := merkle.OpenKeyHashFile(filename)
	require.NoError(t, err)
	defer r.Close()

	bkey, hash, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("bkey-a"), bkey)
	assert.Equal(t, []byte("hash-a"), hash)

	bkey, hash, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("bkey-b"), bkey)
	assert.Equal(t, []byte("hash-b"), hash)

	_, _, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestSortKeyHashFileOrdersRecords(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "unsorted.khf")

	w, err := merkle.CreateKeyHashFile(filename)
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("c"), []byte("3")))
	require.NoError(t, w.Write([]byte("a"), []byte("1")))
	require.NoError(t, w.Write([]byte("b"), []byte("2")))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	sorted, _, err := merkle.VerifySorted(filename)
	require.NoError(t, err)
	assert.False(t, sorted)

	require.NoError(t, merkle.SortKeyHashFile(filename))

	sorted, details, err := merkle.VerifySorted(filename)
	require.NoError(t, err)
	assert.True(t, sorted, details)

	r, err := merkle.OpenKeyHashFile(filename)
	require.NoError(t, err)
	defer r.Close()

	var keys []string
	for {
		bkey, _, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		keys = append(keys, string(bkey))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestVerifySortedReportsFirstViolation(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "broken.khf")

	w, err := merkle.CreateKeyHashFile(filename)
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("a"), []byte("1")))
	require.NoError(t, w.Write([]byte("z"), []byte("2")))
	require.NoError(t, w.Write([]byte("m"), []byte("3")))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	sorted, details, err := merkle.VerifySorted(filename)
	require.NoError(t, err)
	assert.False(t, sorted)
	assert.Contains(t, details, `"m"`)
	assert.Contains(t, details, `"z"`)
}
