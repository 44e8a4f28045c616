package ouroborospin_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ouroborospin "github.com/i5heu/ouroboros-pin"
	"github.com/i5heu/ouroboros-pin/pkg/pintype"
)

func newStarted(t testing.TB, dir string) *ouroborospin.OuroborosPin {
	t.Helper()

	op, err := ouroborospin.New(ouroborospin.Config{
		Paths:  []string{dir},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, op.Start(context.Background()))
	t.Cleanup(func() { op.Close(context.Background()) })
	return op
}

func TestNewRequiresPath(t *testing.T) {
	_, err := ouroborospin.New(ouroborospin.Config{})
	require.Error(t, err)
}

func TestMethodsBeforeStart(t *testing.T) {
	op, err := ouroborospin.New(ouroborospin.Config{
		Paths:  []string{t.TempDir()},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	_, err = op.DirectKeys(context.Background())
	assert.ErrorIs(t, err, ouroborospin.ErrNotStarted)
}

func TestPinLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	op := newStarted(t, dir)

	data := make([]byte, 2<<20)
	rand.New(rand.NewSource(7)).Read(data)

	root, err := op.ImportBytes(ctx, data)
	require.NoError(t, err)

	added, err := op.PinRecursive(ctx, root)
	require.NoError(t, err)
	require.Len(t, added, 1)

	status, err := op.IsPinned(ctx, root)
	require.NoError(t, err)
	assert.True(t, status.Pinned)
	assert.Equal(t, pintype.Recursive, status.Mode)

	// every leaf of the imported DAG is retained indirectly
	indirect, err := op.IndirectKeys(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, indirect)

	status, err = op.IsPinnedWithType(ctx, indirect[0], pintype.Indirect)
	require.NoError(t, err)
	assert.True(t, status.Pinned)
	assert.Equal(t, root.String(), status.Via.String())

	internal, err := op.InternalPins(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, internal)
}

func TestPinsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	op := newStarted(t, dir)
	root, err := op.ImportBytes(ctx, []byte("durable"))
	require.NoError(t, err)
	_, err = op.PinRecursive(ctx, root)
	require.NoError(t, err)
	require.NoError(t, op.Close(ctx))

	op2 := newStarted(t, dir)
	keys, err := op2.RecursiveKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, root.String(), keys[0].String())

	status, err := op2.IsPinned(ctx, root)
	require.NoError(t, err)
	assert.True(t, status.Pinned)
}

func TestUnpin(t *testing.T) {
	ctx := context.Background()
	op := newStarted(t, t.TempDir())

	root, err := op.ImportBytes(ctx, []byte("transient"))
	require.NoError(t, err)
	_, err = op.PinRecursive(ctx, root)
	require.NoError(t, err)

	require.NoError(t, op.Unpin(ctx, nil, true), "an empty unpin is a no-op")

	status, err := op.IsPinned(ctx, root)
	require.NoError(t, err)
	require.True(t, status.Pinned)

	keys, err := op.RecursiveKeys(ctx)
	require.NoError(t, err)
	require.NoError(t, op.Unpin(ctx, keys, true))

	status, err = op.IsPinned(ctx, root)
	require.NoError(t, err)
	assert.False(t, status.Pinned)
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStarted(t, t.TempDir())

	root, err := src.ImportBytes(ctx, []byte("carry me over"))
	require.NoError(t, err)
	_, err = src.PinRecursive(ctx, root)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))

	dst := newStarted(t, t.TempDir())
	restored, err := dst.ImportBackup(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Greater(t, restored, 0)
}
