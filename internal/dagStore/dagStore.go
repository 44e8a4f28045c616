// Package dagStore is the content-addressed node store of the pin manager.
// It keeps merkledag nodes in the shared badger instance, keyed by their
// CID, and can fetch the full closure below a node with bounded fan-out.
package dagStore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-pin/internal/keyValStore"
)

// ErrNotFound is wrapped by Get for addresses with no stored node.
var ErrNotFound = errors.New("node not found")

// FetchConcurrency bounds the number of in-flight node reads during a
// recursive closure fetch.
const FetchConcurrency = 256

var blockPrefix = []byte("b/")

type DAGStore struct {
	kv  *keyValStore.KeyValStore
	log *slog.Logger
}

func New(kv *keyValStore.KeyValStore, logger *slog.Logger) *DAGStore {
	return &DAGStore{
		kv:  kv,
		log: logger,
	}
}

func blockKey(c cid.Cid) []byte {
	return append(blockPrefix, c.Bytes()...)
}

// Put stores a node under its content address and returns that address.
// Storing the same bytes twice yields the same address.
func (d *DAGStore) Put(ctx context.Context, nd *merkledag.ProtoNode) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}

	c := nd.Cid()
	if err := d.kv.Write(blockKey(c), nd.RawData()); err != nil {
		return cid.Undef, fmt.Errorf("store node %s: %w", c, err)
	}
	return c, nil
}

// PutRaw re-derives the content address of an encoded node and stores it.
// Used when re-inserting blocks from a backup stream.
func (d *DAGStore) PutRaw(ctx context.Context, raw []byte) (cid.Cid, error) {
	nd, err := merkledag.DecodeProtobuf(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("decode raw node: %w", err)
	}
	return d.Put(ctx, nd)
}

func (d *DAGStore) Get(ctx context.Context, c cid.Cid) (*merkledag.ProtoNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := d.kv.Read(blockKey(c))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
		}
		return nil, fmt.Errorf("read node %s: %w", c, err)
	}

	nd, err := merkledag.DecodeProtobuf(raw)
	if err != nil {
		return nil, fmt.Errorf("decode node %s: %w", c, err)
	}
	return nd, nil
}

func (d *DAGStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.kv.Has(blockKey(c))
}

// GetRecursive returns every node reachable from c, c's own node included.
// The walk proceeds level by level; reads within a level run concurrently
// up to FetchConcurrency. The first failing read aborts the whole fetch.
func (d *DAGStore) GetRecursive(ctx context.Context, c cid.Cid) ([]*merkledag.ProtoNode, error) {
	visited := map[string]struct{}{}
	var nodes []*merkledag.ProtoNode

	frontier := []cid.Cid{c}
	visited[c.KeyString()] = struct{}{}

	for len(frontier) > 0 {
		fetched := make([]*merkledag.ProtoNode, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(FetchConcurrency)
		for i, fc := range frontier {
			i, fc := i, fc
			g.Go(func() error {
				nd, err := d.Get(gctx, fc)
				if err != nil {
					return err
				}
				fetched[i] = nd
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("fetch closure of %s: %w", c, err)
		}

		var next []cid.Cid
		for _, nd := range fetched {
			nodes = append(nodes, nd)
			for _, lnk := range nd.Links() {
				key := lnk.Cid.KeyString()
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}
				next = append(next, lnk.Cid)
			}
		}
		frontier = next
	}

	return nodes, nil
}

// Walk visits every CID reachable from the roots with bounded concurrency,
// calling visit under an internal lock. Shared by the descendant test and
// the backup exporter.
func (d *DAGStore) Walk(ctx context.Context, roots []cid.Cid, visit func(cid.Cid, *merkledag.ProtoNode) bool) error {
	var mu sync.Mutex
	visited := map[string]struct{}{}

	frontier := make([]cid.Cid, 0, len(roots))
	for _, r := range roots {
		key := r.KeyString()
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		frontier = append(frontier, r)
	}

	for len(frontier) > 0 {
		var next []cid.Cid

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(FetchConcurrency)
		for _, fc := range frontier {
			fc := fc
			g.Go(func() error {
				nd, err := d.Get(gctx, fc)
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				if !visit(fc, nd) {
					return nil
				}
				for _, lnk := range nd.Links() {
					key := lnk.Cid.KeyString()
					if _, seen := visited[key]; seen {
						continue
					}
					visited[key] = struct{}{}
					next = append(next, lnk.Cid)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		frontier = next
	}

	return nil
}

// linkToNode builds a named link to a stored node, carrying its cumulative
// size the way merkledag links do.
func LinkToNode(name string, nd format.Node) (*format.Link, error) {
	lnk, err := format.MakeLink(nd)
	if err != nil {
		return nil, err
	}
	lnk.Name = name
	return lnk, nil
}
