package pinset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
	"github.com/i5heu/ouroboros-pin/internal/keyValStore"
)

func newTestCodec(t testing.TB) (*Codec, *dagStore.DAGStore) {
	t.Helper()

	lr := logrus.New()
	lr.SetOutput(io.Discard)

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{t.TempDir()},
		MinimumFreeSpace: 0,
		Logger:           lr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dag := dagStore.New(kv, logger)
	return New(dag, logger), dag
}

func makeIds(n int) []cid.Cid {
	ids := make([]cid.Cid, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, merkledag.NodeWithData([]byte(fmt.Sprintf("item-%d", i))).Cid())
	}
	return ids
}

func asStrings(ids []cid.Cid) []string {
	out := make([]string, 0, len(ids))
	for _, c := range ids {
		out = append(out, c.String())
	}
	return out
}

// storeUnderLabel wraps an encoded set in a root record the way the pinner
// does, so LoadSet can resolve it by label.
func storeUnderLabel(t testing.TB, s *Codec, dag *dagStore.DAGStore, ids []cid.Cid, label string) *merkledag.ProtoNode {
	t.Helper()
	ctx := context.Background()

	nd, err := s.StoreSet(ctx, ids)
	require.NoError(t, err)

	lnk, err := dagStore.LinkToNode(label, nd)
	require.NoError(t, err)

	root := new(merkledag.ProtoNode)
	require.NoError(t, root.AddRawLink(label, lnk))
	_, err = dag.Put(ctx, root)
	require.NoError(t, err)
	return root
}

func TestRoundTripSmall(t *testing.T) {
	ctx := context.Background()
	s, dag := newTestCodec(t)

	ids := makeIds(50)
	root := storeUnderLabel(t, s, dag, ids, "recursive")

	got, err := s.LoadSet(ctx, root, "recursive")
	require.NoError(t, err)
	assert.ElementsMatch(t, asStrings(ids), asStrings(got))
}

func TestRoundTripEmpty(t *testing.T) {
	ctx := context.Background()
	s, dag := newTestCodec(t)

	root := storeUnderLabel(t, s, dag, nil, "direct")

	got, err := s.LoadSet(ctx, root, "direct")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRoundTripSharded(t *testing.T) {
	if testing.Short() {
		t.Skip("sharded round trip is slow")
	}

	ctx := context.Background()
	s, dag := newTestCodec(t)

	ids := makeIds(maxItems + 1000)
	root := storeUnderLabel(t, s, dag, ids, "recursive")

	got, err := s.LoadSet(ctx, root, "recursive")
	require.NoError(t, err)
	assert.ElementsMatch(t, asStrings(ids), asStrings(got))

	// sharding must actually have produced bucket nodes
	internal, err := s.InternalCids(ctx, root)
	require.NoError(t, err)
	assert.Greater(t, len(internal), 2)
}

func TestLoadSetUnknownLabel(t *testing.T) {
	ctx := context.Background()
	s, dag := newTestCodec(t)

	root := storeUnderLabel(t, s, dag, makeIds(3), "direct")

	_, err := s.LoadSet(ctx, root, "recursive")
	require.Error(t, err)
}

func TestInternalCidsExcludesItems(t *testing.T) {
	ctx := context.Background()
	s, dag := newTestCodec(t)

	ids := makeIds(10)
	root := storeUnderLabel(t, s, dag, ids, "direct")

	internal, err := s.InternalCids(ctx, root)
	require.NoError(t, err)

	got := asStrings(internal)
	assert.Contains(t, got, EmptyNodeCid().String())
	for _, id := range ids {
		assert.NotContains(t, got, id.String(), "item links are logical pins, not structure")
	}
}

func TestEnsureEmptyNode(t *testing.T) {
	ctx := context.Background()
	s, dag := newTestCodec(t)

	c, err := s.EnsureEmptyNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmptyNodeCid().String(), c.String())

	ok, err := dag.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasDescendant(t *testing.T) {
	ctx := context.Background()
	s, dag := newTestCodec(t)

	leaf, err := dag.Put(ctx, merkledag.NodeWithData([]byte("leaf")))
	require.NoError(t, err)

	mid := merkledag.NodeWithData([]byte("mid"))
	leafNode, err := dag.Get(ctx, leaf)
	require.NoError(t, err)
	lnk, err := dagStore.LinkToNode("", leafNode)
	require.NoError(t, err)
	require.NoError(t, mid.AddRawLink("", lnk))
	midCid, err := dag.Put(ctx, mid)
	require.NoError(t, err)

	ok, err := s.HasDescendant(ctx, midCid, leaf.String())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasDescendant(ctx, midCid, midCid.String())
	require.NoError(t, err)
	assert.True(t, ok, "a root is its own descendant for retention purposes")

	other := merkledag.NodeWithData([]byte("unrelated")).Cid()
	ok, err = s.HasDescendant(ctx, midCid, other.String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBucketOfStableAndBounded(t *testing.T) {
	ids := makeIds(200)
	for _, id := range ids {
		b := bucketOf(7, id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, defaultFanout)
		assert.Equal(t, b, bucketOf(7, id))
	}
}
