// Package backup streams the blocks protected by the pin sets in and out
// of a repository: the root record, the codec's internal blocks, directly
// pinned nodes that are present locally, and the full closure below every
// recursive pin. Frames are varint-length-prefixed raw node bytes inside
// an lzma stream.
package backup

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/ouroboros-pin/internal/dagStore"
	"github.com/i5heu/ouroboros-pin/internal/pinner"
)

// maxFrameSize rejects absurd length prefixes before allocating.
const maxFrameSize = 1 << 26

type Manager struct {
	pin *pinner.Pinner
	dag *dagStore.DAGStore
	log *slog.Logger
}

func New(pin *pinner.Pinner, dag *dagStore.DAGStore, logger *slog.Logger) *Manager {
	return &Manager{
		pin: pin,
		dag: dag,
		log: logger,
	}
}

// Export writes every protected block to w. Blocks referenced by a direct
// pin but absent from the local store are skipped; a missing block inside
// a recursive closure is an error.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	lw, err := lzma.NewWriter(w)
	if err != nil {
		return fmt.Errorf("open lzma stream: %w", err)
	}

	written := map[string]struct{}{}
	var frames int

	writeNode := func(c cid.Cid, nd *merkledag.ProtoNode) error {
		key := c.KeyString()
		if _, done := written[key]; done {
			return nil
		}
		written[key] = struct{}{}

		raw := nd.RawData()
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(raw)))
		if _, err := lw.Write(lenBuf[:n]); err != nil {
			return fmt.Errorf("write frame header: %w", err)
		}
		if _, err := lw.Write(raw); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		frames++
		return nil
	}

	internal, err := m.pin.InternalPins(ctx)
	if err != nil {
		return fmt.Errorf("collect internal pins: %w", err)
	}
	for _, c := range internal {
		nd, err := m.dag.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("export internal block: %w", err)
		}
		if err := writeNode(c, nd); err != nil {
			return err
		}
	}

	for _, c := range m.pin.DirectKeys() {
		ok, err := m.dag.Has(ctx, c)
		if err != nil {
			return fmt.Errorf("check direct pin %s: %w", c, err)
		}
		if !ok {
			m.log.Warn("direct pin not present locally, skipping", "cid", c.String())
			continue
		}
		nd, err := m.dag.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("export direct pin %s: %w", c, err)
		}
		if err := writeNode(c, nd); err != nil {
			return err
		}
	}

	var walkErr error
	err = m.dag.Walk(ctx, m.pin.RecursiveKeys(), func(c cid.Cid, nd *merkledag.ProtoNode) bool {
		if walkErr != nil {
			return false
		}
		walkErr = writeNode(c, nd)
		return walkErr == nil
	})
	if err != nil {
		return fmt.Errorf("export recursive closure: %w", err)
	}
	if walkErr != nil {
		return walkErr
	}

	if err := lw.Close(); err != nil {
		return fmt.Errorf("close lzma stream: %w", err)
	}

	m.log.Info("pin backup exported", "blocks", frames)
	return nil
}

// Import reads frames from r and stores each block under its re-derived
// content address. Pin set membership is not changed; call Load afterwards
// if the stream also carried a newer root record pointer.
func (m *Manager) Import(ctx context.Context, r io.Reader) (int, error) {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open lzma stream: %w", err)
	}
	br := bufio.NewReader(lr)

	var restored int
	for {
		if err := ctx.Err(); err != nil {
			return restored, err
		}

		size, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read frame header: %w", err)
		}
		if size > maxFrameSize {
			return restored, fmt.Errorf("frame of %d bytes exceeds limit", size)
		}

		raw := make([]byte, size)
		if _, err := io.ReadFull(br, raw); err != nil {
			return restored, fmt.Errorf("read frame: %w", err)
		}

		if _, err := m.dag.PutRaw(ctx, raw); err != nil {
			return restored, fmt.Errorf("restore block: %w", err)
		}
		restored++
	}

	m.log.Info("pin backup imported", "blocks", restored)
	return restored, nil
}
