package backup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
	"github.com/i5heu/ouroboros-pin/internal/keyValStore"
	"github.com/i5heu/ouroboros-pin/internal/pinner"
	"github.com/i5heu/ouroboros-pin/pkg/pinset"
)

type repo struct {
	dag    *dagStore.DAGStore
	pin    *pinner.Pinner
	backup *Manager
}

func newTestRepo(t testing.TB) *repo {
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
	pin := pinner.New(dag, pinset.New(dag, logger), kv, nil, logger)
	return &repo{
		dag:    dag,
		pin:    pin,
		backup: New(pin, dag, logger),
	}
}

func (r *repo) putNode(t testing.TB, data string, children ...cid.Cid) cid.Cid {
	t.Helper()

	nd := merkledag.NodeWithData([]byte(data))
	for _, c := range children {
		require.NoError(t, nd.AddRawLink("", &format.Link{Cid: c}))
	}
	c, err := r.dag.Put(context.Background(), nd)
	require.NoError(t, err)
	return c
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestRepo(t)

	leaf := src.putNode(t, "leaf")
	mid := src.putNode(t, "mid", leaf)
	root := src.putNode(t, "root", mid)
	direct := src.putNode(t, "standalone")

	_, _, err := src.pin.PinRecursive(ctx, root)
	require.NoError(t, err)
	_, _, err = src.pin.PinDirect(ctx, direct)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.backup.Export(ctx, &buf))
	require.NotZero(t, buf.Len())

	dst := newTestRepo(t)
	restored, err := dst.backup.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Greater(t, restored, 0)

	for _, c := range []cid.Cid{root, mid, leaf, direct} {
		ok, err := dst.dag.Has(ctx, c)
		require.NoError(t, err)
		assert.True(t, ok, "block %s must be restored", c)
	}
}

func TestExportSkipsAbsentDirectPin(t *testing.T) {
	ctx := context.Background()
	src := newTestRepo(t)

	absent := merkledag.NodeWithData([]byte("never stored")).Cid()
	_, _, err := src.pin.PinDirect(ctx, absent)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.backup.Export(ctx, &buf), "an absent direct pin is skipped, not an error")
}

func TestImportRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	dst := newTestRepo(t)

	_, err := dst.backup.Import(ctx, bytes.NewReader([]byte("not an lzma stream")))
	require.Error(t, err)
}
