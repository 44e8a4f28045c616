// Package pintype defines the pin modes and the result of a pin status
// query.
package pintype

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Type is a pin mode selector. Direct, Recursive and Indirect name the
// three retention modes; All matches any of them.
type Type int

const (
	Direct Type = iota
	Recursive
	Indirect
	All
)

const (
	nameDirect    = "direct"
	nameRecursive = "recursive"
	nameIndirect  = "indirect"
	nameAll       = "all"
)

var ErrInvalidType = errors.New("invalid pin type")

// Parse maps a mode name to its Type. Only the four exact names are
// accepted.
func Parse(s string) (Type, error) {
	switch s {
	case nameDirect:
		return Direct, nil
	case nameRecursive:
		return Recursive, nil
	case nameIndirect:
		return Indirect, nil
	case nameAll:
		return All, nil
	}
	return All, fmt.Errorf("%w: %q, must be one of {direct, indirect, recursive, all}", ErrInvalidType, s)
}

func (t Type) String() string {
	switch t {
	case Direct:
		return nameDirect
	case Recursive:
		return nameRecursive
	case Indirect:
		return nameIndirect
	case All:
		return nameAll
	}
	return "unknown"
}

// Pinned is the answer to a pin status query.
type Pinned struct {
	Key    cid.Cid
	Mode   Type
	Pinned bool
	// Via names the recursive pin whose closure retains Key. Only set for
	// indirect answers; which qualifying root is reported is not
	// deterministic.
	Via cid.Cid
}

// Reason renders a human-readable explanation of the status, matching the
// query result line a CLI prints.
func (p Pinned) Reason() string {
	if !p.Pinned {
		return "not pinned"
	}
	switch p.Mode {
	case Indirect:
		if p.Via.Defined() {
			return fmt.Sprintf("pinned via %s", p.Via)
		}
		return "pinned indirectly"
	default:
		return fmt.Sprintf("pinned: %s", p.Mode)
	}
}
