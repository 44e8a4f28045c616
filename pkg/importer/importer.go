// Package importer turns raw data into a pinnable DAG: the input is
// buzhash-chunked, every chunk becomes a leaf node, and one root node links
// all leaves in order.
package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
)

type Importer struct {
	dag *dagStore.DAGStore
	log *slog.Logger
}

func New(dag *dagStore.DAGStore, logger *slog.Logger) *Importer {
	return &Importer{
		dag: dag,
		log: logger,
	}
}

func (im *Importer) ImportBytes(ctx context.Context, data []byte) (cid.Cid, error) {
	return im.ImportReader(ctx, bytes.NewReader(data))
}

// ImportReader chunks the reader, stores one leaf per chunk and a root
// linking them, and returns the root address. A single-chunk input is
// returned as that leaf directly, without a wrapping root.
func (im *Importer) ImportReader(ctx context.Context, reader io.Reader) (cid.Cid, error) {
	bz := chunker.NewBuzhash(reader)

	root := new(merkledag.ProtoNode)
	var leaves int
	var lastLeaf *merkledag.ProtoNode

	for {
		if err := ctx.Err(); err != nil {
			return cid.Undef, err
		}

		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cid.Undef, fmt.Errorf("error reading chunk: %w", err)
		}

		leaf := merkledag.NodeWithData(chunk)
		if _, err := im.dag.Put(ctx, leaf); err != nil {
			return cid.Undef, fmt.Errorf("store leaf: %w", err)
		}

		lnk, err := dagStore.LinkToNode("", leaf)
		if err != nil {
			return cid.Undef, fmt.Errorf("link leaf: %w", err)
		}
		if err := root.AddRawLink("", lnk); err != nil {
			return cid.Undef, fmt.Errorf("add leaf link: %w", err)
		}

		leaves++
		lastLeaf = leaf
	}

	if leaves == 1 {
		return lastLeaf.Cid(), nil
	}

	rootCid, err := im.dag.Put(ctx, root)
	if err != nil {
		return cid.Undef, fmt.Errorf("store file root: %w", err)
	}

	im.log.Debug("data imported", "root", rootCid.String(), "leaves", leaves)
	return rootCid, nil
}
