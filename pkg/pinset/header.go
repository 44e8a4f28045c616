package pinset

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// setHeader is the payload of every set node. Encoded with protowire
// directly; three varint fields are not worth a generated message.
type setHeader struct {
	version uint64
	fanout  uint64
	seed    uint64
}

const (
	fieldVersion = 1
	fieldFanout  = 2
	fieldSeed    = 3
)

func encodeHeader(h setHeader) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, h.version)
	b = protowire.AppendTag(b, fieldFanout, protowire.VarintType)
	b = protowire.AppendVarint(b, h.fanout)
	b = protowire.AppendTag(b, fieldSeed, protowire.VarintType)
	b = protowire.AppendVarint(b, h.seed)
	return b
}

func decodeHeader(raw []byte) (setHeader, error) {
	var h setHeader
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return h, fmt.Errorf("decode set header: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		if typ != protowire.VarintType {
			return h, fmt.Errorf("decode set header: field %d has wire type %d", num, typ)
		}

		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return h, fmt.Errorf("decode set header: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch num {
		case fieldVersion:
			h.version = v
		case fieldFanout:
			h.fanout = v
		case fieldSeed:
			h.seed = v
		}
	}

	if h.version != setVersion {
		return h, fmt.Errorf("unsupported set version %d", h.version)
	}
	if h.fanout == 0 {
		return h, fmt.Errorf("set header without fanout")
	}
	return h, nil
}
