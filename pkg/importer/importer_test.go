package importer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
	"github.com/i5heu/ouroboros-pin/internal/keyValStore"
)

func newTestImporter(t testing.TB) (*Importer, *dagStore.DAGStore) {
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

func randomData(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

func TestImportSmallInput(t *testing.T) {
	ctx := context.Background()
	im, dag := newTestImporter(t)

	data := []byte("small enough for a single chunk")

	root, err := im.ImportBytes(ctx, data)
	require.NoError(t, err)

	// a single chunk is stored as one leaf, no wrapping root
	nd, err := dag.Get(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, data, nd.Data())
	assert.Empty(t, nd.Links())
}

func TestImportLargeInput(t *testing.T) {
	ctx := context.Background()
	im, dag := newTestImporter(t)

	data := randomData(2 << 20)

	root, err := im.ImportBytes(ctx, data)
	require.NoError(t, err)

	nd, err := dag.Get(ctx, root)
	require.NoError(t, err)
	require.Greater(t, len(nd.Links()), 1, "2 MiB must not fit one chunk")

	// concatenating the leaves in link order restores the input
	var got bytes.Buffer
	for _, lnk := range nd.Links() {
		leaf, err := dag.Get(ctx, lnk.Cid)
		require.NoError(t, err)
		got.Write(leaf.Data())
	}
	assert.Equal(t, data, got.Bytes())
}

func TestImportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	im, _ := newTestImporter(t)

	data := randomData(1 << 20)

	root1, err := im.ImportBytes(ctx, data)
	require.NoError(t, err)
	root2, err := im.ImportReader(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, root1.String(), root2.String())
}
