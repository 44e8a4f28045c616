// Package pinset encodes sets of CIDs as sharded merkledag structures so
// that very large pin sets stay addressable as a single node.
//
// Layout contract: every set node carries a protowire header (version,
// fanout, seed) as payload and exactly fanout bucket links first, followed
// by item links. Small sets keep all items on one node; larger sets are
// distributed into buckets by a seeded fnv1a hash, each non-empty bucket
// pointing at a child set node built with seed+1. Empty buckets point at
// the shared empty node.
package pinset

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
)

const (
	setVersion = 1
	// defaultFanout is the bucket count per set node.
	defaultFanout = 256
	// maxItems is the largest number of ids kept inline on one node before
	// the set is sharded into buckets.
	maxItems = 8192
)

var (
	emptyNodeOnce sync.Once
	emptyNodeCid  cid.Cid
)

// EmptyNodeCid is the address of the shared zero-length node every set
// encoding references as its bucket base case.
func EmptyNodeCid() cid.Cid {
	emptyNodeOnce.Do(func() {
		emptyNodeCid = new(merkledag.ProtoNode).Cid()
	})
	return emptyNodeCid
}

type Codec struct {
	dag *dagStore.DAGStore
	log *slog.Logger
}

func New(dag *dagStore.DAGStore, logger *slog.Logger) *Codec {
	return &Codec{
		dag: dag,
		log: logger,
	}
}

// EnsureEmptyNode stores the shared empty node. Safe to call on every
// flush; the write is idempotent because the address only depends on the
// bytes.
func (s *Codec) EnsureEmptyNode(ctx context.Context) (cid.Cid, error) {
	c, err := s.dag.Put(ctx, new(merkledag.ProtoNode))
	if err != nil {
		return cid.Undef, fmt.Errorf("ensure empty node: %w", err)
	}
	return c, nil
}

// StoreSet encodes ids into one or more set nodes, persists every internal
// node it creates, and returns the root of the encoding. The caller wraps
// the returned node in a named link.
func (s *Codec) StoreSet(ctx context.Context, ids []cid.Cid) (*merkledag.ProtoNode, error) {
	nd, err := s.storeItems(ctx, ids, 0)
	if err != nil {
		return nil, err
	}
	if _, err := s.dag.Put(ctx, nd); err != nil {
		return nil, fmt.Errorf("store set root: %w", err)
	}
	return nd, nil
}

func (s *Codec) storeItems(ctx context.Context, ids []cid.Cid, seed uint64) (*merkledag.ProtoNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nd := merkledag.NodeWithData(encodeHeader(setHeader{
		version: setVersion,
		fanout:  defaultFanout,
		seed:    seed,
	}))

	empty := EmptyNodeCid()
	for i := 0; i < defaultFanout; i++ {
		if err := nd.AddRawLink("", &format.Link{Cid: empty}); err != nil {
			return nil, fmt.Errorf("add bucket link: %w", err)
		}
	}

	if len(ids) <= maxItems {
		for _, id := range ids {
			if err := nd.AddRawLink("", &format.Link{Cid: id}); err != nil {
				return nil, fmt.Errorf("add item link: %w", err)
			}
		}
		return nd, nil
	}

	buckets := make([][]cid.Cid, defaultFanout)
	for _, id := range ids {
		b := bucketOf(seed, id)
		buckets[b] = append(buckets[b], id)
	}

	links := nd.Links()
	for b, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		child, err := s.storeItems(ctx, bucket, seed+1)
		if err != nil {
			return nil, err
		}
		if _, err := s.dag.Put(ctx, child); err != nil {
			return nil, fmt.Errorf("store bucket node: %w", err)
		}
		lnk, err := dagStore.LinkToNode("", child)
		if err != nil {
			return nil, fmt.Errorf("link bucket node: %w", err)
		}
		links[b] = lnk
	}
	if err := nd.SetLinks(links); err != nil {
		return nil, fmt.Errorf("set bucket links: %w", err)
	}

	return nd, nil
}

// LoadSet decodes the set reachable through the named link of a root
// record.
func (s *Codec) LoadSet(ctx context.Context, root *merkledag.ProtoNode, label string) ([]cid.Cid, error) {
	lnk, err := root.GetNodeLink(label)
	if err != nil {
		return nil, fmt.Errorf("get link %q: %w", label, err)
	}

	var ids []cid.Cid
	err = s.walkSet(ctx, lnk.Cid, func(item cid.Cid) {
		ids = append(ids, item)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("load set %q: %w", label, err)
	}
	return ids, nil
}

// walkSet traverses the set structure below a set node address. Item links
// are reported through onItem, structure nodes (set nodes and the empty
// node) through onInternal. Either callback may be nil.
func (s *Codec) walkSet(ctx context.Context, c cid.Cid, onItem func(cid.Cid), onInternal func(cid.Cid)) error {
	if onInternal != nil {
		onInternal(c)
	}

	nd, err := s.dag.Get(ctx, c)
	if err != nil {
		return err
	}

	hdr, err := decodeHeader(nd.Data())
	if err != nil {
		return fmt.Errorf("set node %s: %w", c, err)
	}

	links := nd.Links()
	if uint64(len(links)) < hdr.fanout {
		return fmt.Errorf("set node %s: %d links, fanout %d", c, len(links), hdr.fanout)
	}

	empty := EmptyNodeCid()
	seenEmpty := false

	for i, lnk := range links {
		if uint64(i) < hdr.fanout {
			if lnk.Cid.Equals(empty) {
				seenEmpty = true
				continue
			}
			if err := s.walkSet(ctx, lnk.Cid, onItem, onInternal); err != nil {
				return err
			}
			continue
		}
		if onItem != nil {
			onItem(lnk.Cid)
		}
	}

	if seenEmpty && onInternal != nil {
		onInternal(empty)
	}

	return nil
}

// InternalCids returns every block address the encodings below a root
// record use for their own structure: the two set roots, all bucket nodes
// and the shared empty node. Item links are logical pins and not included.
func (s *Codec) InternalCids(ctx context.Context, root *merkledag.ProtoNode) ([]cid.Cid, error) {
	seen := map[string]struct{}{}
	var out []cid.Cid

	collect := func(c cid.Cid) {
		key := c.KeyString()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}

	for _, lnk := range root.Links() {
		if err := s.walkSet(ctx, lnk.Cid, nil, collect); err != nil {
			return nil, fmt.Errorf("enumerate internal blocks: %w", err)
		}
	}
	return out, nil
}

// HasDescendant reports whether the canonical id target is reachable from
// the content DAG below root. The scan fans out with bounded concurrency
// and stops expanding once a match is recorded.
func (s *Codec) HasDescendant(ctx context.Context, root cid.Cid, target string) (bool, error) {
	if root.String() == target {
		return true, nil
	}

	found := false
	err := s.dag.Walk(ctx, []cid.Cid{root}, func(c cid.Cid, nd *merkledag.ProtoNode) bool {
		if found {
			return false
		}
		for _, lnk := range nd.Links() {
			if lnk.Cid.String() == target {
				found = true
				return false
			}
		}
		return true
	})
	if err != nil {
		return false, fmt.Errorf("descendant scan below %s: %w", root, err)
	}
	return found, nil
}

func bucketOf(seed uint64, id cid.Cid) int {
	h := fnv.New32a()
	var seedBytes [8]byte
	for i := 0; i < 8; i++ {
		seedBytes[i] = byte(seed >> (8 * i))
	}
	h.Write(seedBytes[:])
	h.Write(id.Bytes())
	return int(h.Sum32() % defaultFanout)
}
