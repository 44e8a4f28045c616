// Package pinner tracks which content-addressed nodes must survive garbage
// collection. It owns the direct and recursive pin sets, persists them
// through the pinset codec as a two-link root record, and answers
// membership queries including derived indirect retention.
package pinner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
	"github.com/i5heu/ouroboros-pin/internal/keyValStore"
	"github.com/i5heu/ouroboros-pin/pkg/pinset"
	"github.com/i5heu/ouroboros-pin/pkg/pintype"
)

const (
	linkDirect    = "direct"
	linkRecursive = "recursive"

	// scanConcurrency bounds how many recursive roots are checked at once
	// during indirect resolution.
	scanConcurrency = 32
)

// rootKey is the one well-known datastore key. Its value is the binary
// content address of the current pin sets root record.
var rootKey = []byte("/local/pins")

// RWLocker is the shared-exclusive lock service the pinner runs under.
// *sync.RWMutex satisfies it; tests may inject their own.
type RWLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// cidSet maps canonical id strings to their CIDs. Published snapshots are
// immutable; mutation builds a fresh map under the write lock.
type cidSet map[string]cid.Cid

func (s cidSet) clone() cidSet {
	out := make(cidSet, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s cidSet) keys() []cid.Cid {
	out := make([]cid.Cid, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	return out
}

// Pinner is the pin manager core. All mutation runs under the write lock;
// traversal-based reads take the read lock; plain membership checks read
// the published snapshots without locking, accepting a narrow staleness
// window against a concurrent mutation.
type Pinner struct {
	lock RWLocker
	log  *slog.Logger

	directPin  atomic.Pointer[cidSet]
	recursePin atomic.Pointer[cidSet]

	// link cache for the two encoded sets, valid only between a flush and
	// the next membership change of the respective set. Never reused
	// across a load.
	directLink  *format.Link
	recurseLink *format.Link

	dag    *dagStore.DAGStore
	set    *pinset.Codec
	dstore *keyValStore.KeyValStore
}

// New builds a pinner over its collaborators. A nil locker falls back to a
// private RWMutex.
func New(dag *dagStore.DAGStore, set *pinset.Codec, dstore *keyValStore.KeyValStore, locker RWLocker, logger *slog.Logger) *Pinner {
	if locker == nil {
		locker = &sync.RWMutex{}
	}
	p := &Pinner{
		lock:   locker,
		log:    logger,
		dag:    dag,
		set:    set,
		dstore: dstore,
	}
	empty := cidSet{}
	p.directPin.Store(&empty)
	p.recursePin.Store(&empty)
	return p
}

func (p *Pinner) direct() cidSet  { return *p.directPin.Load() }
func (p *Pinner) recurse() cidSet { return *p.recursePin.Load() }

// PinDirect pins keys non-recursively. Keys already pinned, directly or
// recursively, are skipped; a recursive pin subsumes a direct one and is
// never downgraded. Returns the newly added keys and the persisted root
// address after the flush.
func (p *Pinner) PinDirect(ctx context.Context, keys ...cid.Cid) ([]cid.Cid, cid.Cid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	direct := p.direct()
	recurse := p.recurse()

	var fresh []cid.Cid
	seen := map[string]struct{}{}
	for _, c := range keys {
		key := c.String()
		if _, ok := direct[key]; ok {
			continue
		}
		if _, ok := recurse[key]; ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		root, err := p.persistedRoot()
		return nil, root, err
	}

	next := direct.clone()
	for _, c := range fresh {
		next[c.String()] = c
	}
	p.directPin.Store(&next)
	p.directLink = nil

	root, err := p.flush(ctx)
	if err != nil {
		return fresh, cid.Undef, err
	}
	return fresh, root, nil
}

// PinRecursive pins keys together with their whole descendant closure.
// Keys already recursively pinned are skipped; a direct pin on the same key
// is upgraded in the same critical section, so a key is never stored under
// both modes.
func (p *Pinner) PinRecursive(ctx context.Context, keys ...cid.Cid) ([]cid.Cid, cid.Cid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	recurse := p.recurse()

	var fresh []cid.Cid
	seen := map[string]struct{}{}
	for _, c := range keys {
		key := c.String()
		if _, ok := recurse[key]; ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		root, err := p.persistedRoot()
		return nil, root, err
	}

	nextRecurse := recurse.clone()
	for _, c := range fresh {
		nextRecurse[c.String()] = c
	}
	p.recursePin.Store(&nextRecurse)
	p.recurseLink = nil

	direct := p.direct()
	directChanged := false
	var nextDirect cidSet
	for _, c := range fresh {
		key := c.String()
		if _, ok := direct[key]; !ok {
			continue
		}
		if !directChanged {
			nextDirect = direct.clone()
			directChanged = true
		}
		delete(nextDirect, key)
	}
	if directChanged {
		p.directPin.Store(&nextDirect)
		p.directLink = nil
	}

	root, err := p.flush(ctx)
	if err != nil {
		return fresh, cid.Undef, err
	}
	return fresh, root, nil
}

// Unpin removes keys. With recursive set, a key held as a recursive pin is
// removed from the recursive set; otherwise removal targets the direct set.
// Keys absent from both sets are silently skipped. An empty key list is a
// successful no-op that takes no lock.
func (p *Pinner) Unpin(ctx context.Context, keys []cid.Cid, recursive bool) (cid.Cid, error) {
	if len(keys) == 0 {
		return cid.Undef, nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	direct := p.direct()
	recurse := p.recurse()

	directChanged := false
	recurseChanged := false
	nextDirect := direct
	nextRecurse := recurse

	for _, c := range keys {
		key := c.String()
		if recursive {
			if _, ok := nextRecurse[key]; ok {
				if !recurseChanged {
					nextRecurse = recurse.clone()
					recurseChanged = true
				}
				delete(nextRecurse, key)
				continue
			}
		}
		if _, ok := nextDirect[key]; ok {
			if !directChanged {
				nextDirect = direct.clone()
				directChanged = true
			}
			delete(nextDirect, key)
		}
	}

	if !directChanged && !recurseChanged {
		return p.persistedRoot()
	}

	if directChanged {
		p.directPin.Store(&nextDirect)
		p.directLink = nil
	}
	if recurseChanged {
		p.recursePin.Store(&nextRecurse)
		p.recurseLink = nil
	}

	return p.flush(ctx)
}

// flush persists the current pin sets. Caller must hold the write lock.
// The two set encodings and the empty-node write are independent and run
// concurrently; the root build and the pointer write depend on all three.
func (p *Pinner) flush(ctx context.Context) (cid.Cid, error) {
	if err := p.dstore.EnsureOpen(); err != nil {
		return cid.Undef, fmt.Errorf("could not reopen datastore for flush: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if p.directLink == nil {
		g.Go(func() error {
			nd, err := p.set.StoreSet(gctx, p.direct().keys())
			if err != nil {
				return fmt.Errorf("could not encode direct pin set: %w", err)
			}
			lnk, err := dagStore.LinkToNode(linkDirect, nd)
			if err != nil {
				return fmt.Errorf("could not link direct pin set: %w", err)
			}
			p.directLink = lnk
			return nil
		})
	}
	if p.recurseLink == nil {
		g.Go(func() error {
			nd, err := p.set.StoreSet(gctx, p.recurse().keys())
			if err != nil {
				return fmt.Errorf("could not encode recursive pin set: %w", err)
			}
			lnk, err := dagStore.LinkToNode(linkRecursive, nd)
			if err != nil {
				return fmt.Errorf("could not link recursive pin set: %w", err)
			}
			p.recurseLink = lnk
			return nil
		})
	}
	g.Go(func() error {
		if _, err := p.set.EnsureEmptyNode(gctx); err != nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return cid.Undef, err
	}

	root := new(merkledag.ProtoNode)
	if err := root.AddRawLink(linkDirect, p.directLink); err != nil {
		return cid.Undef, fmt.Errorf("could not build pin sets root: %w", err)
	}
	if err := root.AddRawLink(linkRecursive, p.recurseLink); err != nil {
		return cid.Undef, fmt.Errorf("could not build pin sets root: %w", err)
	}

	rootCid, err := p.dag.Put(ctx, root)
	if err != nil {
		return cid.Undef, fmt.Errorf("could not store pin sets root: %w", err)
	}

	if err := p.dstore.Write(rootKey, rootCid.Bytes()); err != nil {
		return cid.Undef, fmt.Errorf("could not persist pin sets root to datastore: %w", err)
	}

	p.log.Debug("pin sets flushed", "root", rootCid.String(),
		"direct", len(p.direct()), "recursive", len(p.recurse()))

	return rootCid, nil
}

// Load replaces the in-memory pin sets with the persisted state. A missing
// root key is the normal first-run outcome and yields empty sets. The link
// cache is dropped and rebuilt lazily on the next flush.
func (p *Pinner) Load(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.dstore.EnsureOpen(); err != nil {
		return fmt.Errorf("could not reopen datastore for load: %w", err)
	}

	ok, err := p.dstore.Has(rootKey)
	if err != nil {
		return fmt.Errorf("could not check pin sets root key: %w", err)
	}

	empty := cidSet{}
	p.directLink = nil
	p.recurseLink = nil

	if !ok {
		p.directPin.Store(&empty)
		p.recursePin.Store(&empty)
		p.log.Info("no pins were found in the datastore, starting empty")
		return nil
	}

	rootBytes, err := p.dstore.Read(rootKey)
	if err != nil {
		return fmt.Errorf("could not get pin sets root from datastore: %w", err)
	}
	rootCid, err := cid.Cast(rootBytes)
	if err != nil {
		return fmt.Errorf("could not parse pin sets root address: %w", err)
	}

	root, err := p.dag.Get(ctx, rootCid)
	if err != nil {
		return fmt.Errorf("could not load pin sets root node %s: %w", rootCid, err)
	}

	var directIds, recurseIds []cid.Cid
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := p.set.LoadSet(gctx, root, linkDirect)
		if err != nil {
			return fmt.Errorf("could not decode direct pin set: %w", err)
		}
		directIds = ids
		return nil
	})
	g.Go(func() error {
		ids, err := p.set.LoadSet(gctx, root, linkRecursive)
		if err != nil {
			return fmt.Errorf("could not decode recursive pin set: %w", err)
		}
		recurseIds = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	direct := make(cidSet, len(directIds))
	for _, c := range directIds {
		direct[c.String()] = c
	}
	recurse := make(cidSet, len(recurseIds))
	for _, c := range recurseIds {
		recurse[c.String()] = c
	}
	p.directPin.Store(&direct)
	p.recursePin.Store(&recurse)

	p.log.Info("pin sets loaded", "root", rootCid.String(),
		"direct", len(direct), "recursive", len(recurse))

	return nil
}

// IsPinnedWithType answers whether c is retained under the requested mode.
// Direct and recursive checks read the current snapshots without locking;
// indirect resolution scans the recursive roots under the read lock with
// bounded concurrency and stops at the first match. Which qualifying root
// is reported is not deterministic.
func (p *Pinner) IsPinnedWithType(ctx context.Context, c cid.Cid, mode pintype.Type) (pintype.Pinned, error) {
	key := c.String()

	if mode == pintype.Recursive || mode == pintype.All {
		if rc, ok := p.recurse()[key]; ok {
			return pintype.Pinned{Key: rc, Mode: pintype.Recursive, Pinned: true}, nil
		}
	}
	if mode == pintype.Recursive {
		return pintype.Pinned{Key: c, Mode: pintype.Recursive}, nil
	}

	if mode == pintype.Direct || mode == pintype.All {
		if dc, ok := p.direct()[key]; ok {
			return pintype.Pinned{Key: dc, Mode: pintype.Direct, Pinned: true}, nil
		}
	}
	if mode == pintype.Direct {
		return pintype.Pinned{Key: c, Mode: pintype.Direct}, nil
	}

	// recursive status pre-empts indirect status; without this guard the
	// scan below would self-match the key among the recursive roots
	if _, ok := p.recurse()[key]; ok {
		return pintype.Pinned{Key: c, Mode: mode}, nil
	}

	via, found, err := p.indirectMatch(ctx, key)
	if err != nil {
		return pintype.Pinned{}, err
	}
	if !found {
		return pintype.Pinned{Key: c, Mode: mode}, nil
	}
	return pintype.Pinned{Key: c, Mode: pintype.Indirect, Pinned: true, Via: via}, nil
}

var errMatchFound = errors.New("match found")

// indirectMatch searches the recursive roots for one whose descendants
// include key. Any-of semantics: the scan short-circuits on the first
// positive answer.
func (p *Pinner) indirectMatch(ctx context.Context, key string) (cid.Cid, bool, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	roots := p.recurse().keys()

	var mu sync.Mutex
	var via cid.Cid
	found := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			mu.Lock()
			done := found
			mu.Unlock()
			if done {
				return nil
			}

			ok, err := p.set.HasDescendant(gctx, root, key)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			mu.Lock()
			if !found {
				found = true
				via = root
			}
			mu.Unlock()
			return errMatchFound
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errMatchFound) {
		return cid.Undef, false, fmt.Errorf("could not resolve indirect pin for %s: %w", key, err)
	}

	return via, found, nil
}

// IndirectKeys materializes the derived indirect set: every address
// reachable from a recursive pin, re-derived from the fetched node bytes,
// minus the recursive pins themselves. A fetch failure on any root aborts
// the whole operation. The result is ordered by canonical string.
func (p *Pinner) IndirectKeys(ctx context.Context) ([]cid.Cid, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	recurse := p.recurse()
	roots := recurse.keys()

	var mu sync.Mutex
	candidates := cidSet{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			nodes, err := p.dag.GetRecursive(gctx, root)
			if err != nil {
				return fmt.Errorf("could not fetch closure of recursive pin %s: %w", root, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, nd := range nodes {
				c := nd.Cid()
				candidates[c.String()] = c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// recursive status pre-empts indirect status
	for key := range recurse {
		delete(candidates, key)
	}

	out := make([]cid.Cid, 0, len(candidates))
	keys := make([]string, 0, len(candidates))
	for key := range candidates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, candidates[key])
	}
	return out, nil
}

// InternalPins lists the blocks the pin-set encoding itself occupies, plus
// the root record. This is the minimal set a garbage collector must keep;
// the pinned objects and their descendants are not part of it.
func (p *Pinner) InternalPins(ctx context.Context) ([]cid.Cid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.dstore.EnsureOpen(); err != nil {
		return nil, fmt.Errorf("could not reopen datastore: %w", err)
	}

	ok, err := p.dstore.Has(rootKey)
	if err != nil {
		return nil, fmt.Errorf("could not check pin sets root key: %w", err)
	}
	if !ok {
		return nil, nil
	}

	rootBytes, err := p.dstore.Read(rootKey)
	if err != nil {
		return nil, fmt.Errorf("could not get pin sets root from datastore: %w", err)
	}
	rootCid, err := cid.Cast(rootBytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse pin sets root address: %w", err)
	}

	root, err := p.dag.Get(ctx, rootCid)
	if err != nil {
		return nil, fmt.Errorf("could not load pin sets root node %s: %w", rootCid, err)
	}

	internal, err := p.set.InternalCids(ctx, root)
	if err != nil {
		return nil, err
	}
	return append(internal, rootCid), nil
}

// DirectKeys returns the current direct pins. Order is unspecified.
func (p *Pinner) DirectKeys() []cid.Cid {
	return p.direct().keys()
}

// RecursiveKeys returns the current recursive pins. Order is unspecified.
func (p *Pinner) RecursiveKeys() []cid.Cid {
	return p.recurse().keys()
}

// persistedRoot reads the current root pointer; Undef when nothing has been
// flushed yet.
func (p *Pinner) persistedRoot() (cid.Cid, error) {
	if err := p.dstore.EnsureOpen(); err != nil {
		return cid.Undef, fmt.Errorf("could not reopen datastore: %w", err)
	}
	ok, err := p.dstore.Has(rootKey)
	if err != nil {
		return cid.Undef, fmt.Errorf("could not check pin sets root key: %w", err)
	}
	if !ok {
		return cid.Undef, nil
	}
	rootBytes, err := p.dstore.Read(rootKey)
	if err != nil {
		return cid.Undef, fmt.Errorf("could not get pin sets root from datastore: %w", err)
	}
	return cid.Cast(rootBytes)
}
