// Package ouroborospin is a pin manager for content-addressed Merkle-DAG
// storage: it tracks which nodes must never be garbage-collected, keeps
// that record durable in a local badger store, and answers why a given
// address is retained, including retention implied by a recursive pin's
// descendants.
package ouroborospin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
	"github.com/i5heu/ouroboros-pin/internal/keyValStore"
	"github.com/i5heu/ouroboros-pin/internal/pinner"
	"github.com/i5heu/ouroboros-pin/pkg/backup"
	"github.com/i5heu/ouroboros-pin/pkg/importer"
	"github.com/i5heu/ouroboros-pin/pkg/pinset"
	"github.com/i5heu/ouroboros-pin/pkg/pintype"
)

var (
	ErrNotStarted = errors.New("ouroboros-pin: not started")
	ErrClosed     = errors.New("ouroboros-pin: closed")
)

// Config configures the pin manager instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for sharding or tiering.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold for opening the store.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
}

// OuroborosPin is the main handle. It owns the badger store, the DAG store
// over it, and the pinner core, plus import/backup helpers.
type OuroborosPin struct {
	log    *slog.Logger
	config Config

	kvMu sync.RWMutex
	kv   *keyValStore.KeyValStore

	dag      *dagStore.DAGStore
	pin      *pinner.Pinner
	importer *importer.Importer
	backup   *backup.Manager

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON, different
// levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a handle. New does not perform I/O; call Start to open the
// store and load the persisted pin sets.
func New(conf Config) (*OuroborosPin, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &OuroborosPin{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the store under Paths[0]/store, wires the pinner and loads
// the persisted pin sets. Safe to call multiple times; only the first call
// has effect.
func (op *OuroborosPin) Start(ctx context.Context) error {
	var startErr error
	op.startOnce.Do(func() {
		dataRoot := op.config.Paths[0]
		storePath := filepath.Join(dataRoot, "store")
		if err := os.MkdirAll(storePath, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", storePath, err)
			return
		}

		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            []string{storePath},
			MinimumFreeSpace: int(op.config.MinimumFreeGB),
			Logger:           logrus.New(),
		})
		if err != nil {
			startErr = fmt.Errorf("init store: %w", err)
			return
		}

		op.kvMu.Lock()
		op.kv = kv
		op.kvMu.Unlock()

		op.dag = dagStore.New(kv, op.log)
		codec := pinset.New(op.dag, op.log)
		op.pin = pinner.New(op.dag, codec, kv, nil, op.log)
		op.importer = importer.New(op.dag, op.log)
		op.backup = backup.New(op.pin, op.dag, op.log)

		if err := op.pin.Load(ctx); err != nil {
			startErr = fmt.Errorf("load pin sets: %w", err)
			return
		}

		op.started.Store(true)
		op.log.Info("ouroboros-pin started", "path", dataRoot)
	})
	return startErr
}

// Run starts the manager, blocks until ctx is canceled, then performs a
// bounded graceful shutdown. Convenience for services.
func (op *OuroborosPin) Run(ctx context.Context) error {
	if err := op.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return op.Close(shutdownCtx)
}

// Close releases the store. Idempotent.
func (op *OuroborosPin) Close(ctx context.Context) error {
	var closeErr error
	op.closeOnce.Do(func() {
		op.kvMu.Lock()
		kv := op.kv
		op.kv = nil
		op.kvMu.Unlock()
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
			}
		}
		op.started.Store(false)
		op.log.Info("ouroboros-pin closed")
	})
	return closeErr
}

func (op *OuroborosPin) handle() (*pinner.Pinner, error) {
	if !op.started.Load() {
		return nil, ErrNotStarted
	}
	op.kvMu.RLock()
	kv := op.kv
	op.kvMu.RUnlock()
	if kv == nil {
		return nil, ErrClosed
	}
	return op.pin, nil
}

// PinDirect pins keys non-recursively. Returns the newly pinned keys; keys
// already pinned are skipped without error.
func (op *OuroborosPin) PinDirect(ctx context.Context, keys ...cid.Cid) ([]cid.Cid, error) {
	pin, err := op.handle()
	if err != nil {
		return nil, err
	}
	added, _, err := pin.PinDirect(ctx, keys...)
	return added, err
}

// PinRecursive pins keys together with their whole descendant closure.
func (op *OuroborosPin) PinRecursive(ctx context.Context, keys ...cid.Cid) ([]cid.Cid, error) {
	pin, err := op.handle()
	if err != nil {
		return nil, err
	}
	added, _, err := pin.PinRecursive(ctx, keys...)
	return added, err
}

// Unpin removes pins. With recursive set, recursive pins are removed;
// otherwise removal targets the direct set. Unknown keys are skipped.
func (op *OuroborosPin) Unpin(ctx context.Context, keys []cid.Cid, recursive bool) error {
	pin, err := op.handle()
	if err != nil {
		return err
	}
	_, err = pin.Unpin(ctx, keys, recursive)
	return err
}

// IsPinned answers whether c is retained under any mode.
func (op *OuroborosPin) IsPinned(ctx context.Context, c cid.Cid) (pintype.Pinned, error) {
	return op.IsPinnedWithType(ctx, c, pintype.All)
}

// IsPinnedWithType answers whether c is retained under the given mode.
func (op *OuroborosPin) IsPinnedWithType(ctx context.Context, c cid.Cid, mode pintype.Type) (pintype.Pinned, error) {
	pin, err := op.handle()
	if err != nil {
		return pintype.Pinned{}, err
	}
	return pin.IsPinnedWithType(ctx, c, mode)
}

// DirectKeys lists the current direct pins.
func (op *OuroborosPin) DirectKeys(ctx context.Context) ([]cid.Cid, error) {
	pin, err := op.handle()
	if err != nil {
		return nil, err
	}
	return pin.DirectKeys(), nil
}

// RecursiveKeys lists the current recursive pins.
func (op *OuroborosPin) RecursiveKeys(ctx context.Context) ([]cid.Cid, error) {
	pin, err := op.handle()
	if err != nil {
		return nil, err
	}
	return pin.RecursiveKeys(), nil
}

// IndirectKeys materializes the derived indirect pin set.
func (op *OuroborosPin) IndirectKeys(ctx context.Context) ([]cid.Cid, error) {
	pin, err := op.handle()
	if err != nil {
		return nil, err
	}
	return pin.IndirectKeys(ctx)
}

// InternalPins lists the blocks the pin-set encoding itself occupies, plus
// the root record. A garbage collector must keep these in addition to the
// pinned objects themselves.
func (op *OuroborosPin) InternalPins(ctx context.Context) ([]cid.Cid, error) {
	pin, err := op.handle()
	if err != nil {
		return nil, err
	}
	return pin.InternalPins(ctx)
}

// Load re-reads the persisted pin sets, replacing the in-memory state.
func (op *OuroborosPin) Load(ctx context.Context) error {
	pin, err := op.handle()
	if err != nil {
		return err
	}
	return pin.Load(ctx)
}

// ImportBytes stores data as a chunked DAG and returns its root, ready to
// be pinned.
func (op *OuroborosPin) ImportBytes(ctx context.Context, data []byte) (cid.Cid, error) {
	if _, err := op.handle(); err != nil {
		return cid.Undef, err
	}
	return op.importer.ImportBytes(ctx, data)
}

// ImportReader stores the reader's content as a chunked DAG and returns its
// root.
func (op *OuroborosPin) ImportReader(ctx context.Context, r io.Reader) (cid.Cid, error) {
	if _, err := op.handle(); err != nil {
		return cid.Undef, err
	}
	return op.importer.ImportReader(ctx, r)
}

// Export writes all protected blocks to w as an lzma-compressed stream.
func (op *OuroborosPin) Export(ctx context.Context, w io.Writer) error {
	if _, err := op.handle(); err != nil {
		return err
	}
	return op.backup.Export(ctx, w)
}

// ImportBackup restores blocks from an Export stream and returns how many
// were stored.
func (op *OuroborosPin) ImportBackup(ctx context.Context, r io.Reader) (int, error) {
	if _, err := op.handle(); err != nil {
		return 0, err
	}
	return op.backup.Import(ctx, r)
}
