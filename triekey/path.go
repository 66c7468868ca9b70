// Package triekey implements the canonical key encoding this core
// consumes from its key-encoding collaborator: a Path is a
// nibble sequence derived from a content Hash, and a Key tags a Path with
// the kind of tree entry it addresses. Cryptographic hashing itself is out
// of scope; this package only knows how to turn a Hash into nibbles and
// back, and how to serialize a Key canonically.
package triekey

import (
	"bytes"

	"github.com/teenager-ETH/blockstate/common"
)

// MaxPathLength is the longest a Path can be: two nibbles per byte of a
// 32-byte Hash.
const MaxPathLength = 2 * len(common.Hash{})

// Path is a variable-length nibble sequence, one nibble per byte (values
// 0-15), carrying a length up to MaxPathLength.
type Path struct {
	nibbles []byte
}

// FullPath converts a Hash into its full 64-nibble Path.
func FullPath(h common.Hash) Path {
	b := h.Bytes()
	nibbles := make([]byte, 0, MaxPathLength)
	for _, v := range b {
		nibbles = append(nibbles, v>>4, v&0x0f)
	}
	return Path{nibbles: nibbles}
}

// Len returns the number of nibbles in the path.
func (p Path) Len() int { return len(p.nibbles) }

// Full reports whether the path spans a complete Hash (64 nibbles) -- the
// condition a "path not full length" check gates on.
func (p Path) Full() bool { return len(p.nibbles) == MaxPathLength }

// Nibble returns the nibble at index i.
func (p Path) Nibble(i int) byte { return p.nibbles[i] }

// Slice returns the sub-path [from:to).
func (p Path) Slice(from, to int) Path {
	return Path{nibbles: p.nibbles[from:to]}
}

// Equal reports whether two paths are identical.
func (p Path) Equal(o Path) bool { return bytes.Equal(p.nibbles, o.nibbles) }

// Bytes returns the raw nibble slice. Callers must not mutate it.
func (p Path) Bytes() []byte { return p.nibbles }

// ToHash packs a full-length Path back into a Hash. ok is false if p is
// not full length (the inverse only makes sense for a complete path).
func (p Path) ToHash() (common.Hash, bool) {
	if !p.Full() {
		return common.Hash{}, false
	}
	var b [32]byte
	for i := 0; i < 32; i++ {
		b[i] = p.nibbles[2*i]<<4 | p.nibbles[2*i+1]
	}
	var h common.Hash
	h.SetBytes(b[:])
	return h, true
}

// HasPrefix reports whether p starts with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.nibbles) > len(p.nibbles) {
		return false
	}
	return bytes.Equal(p.nibbles[:len(prefix.nibbles)], prefix.nibbles)
}

// writeTo appends the canonical byte encoding of the path to buf: a
// single length byte followed by the nibbles packed two-per-byte (the
// last nibble is padded with 0 if the length is odd, matching the
// standard "hex prefix" trie encoding).
func (p Path) writeTo(buf []byte) []byte {
	buf = append(buf, byte(len(p.nibbles)))
	for i := 0; i < len(p.nibbles); i += 2 {
		hi := p.nibbles[i]
		var lo byte
		if i+1 < len(p.nibbles) {
			lo = p.nibbles[i+1]
		}
		buf = append(buf, hi<<4|lo)
	}
	return buf
}

// readPathFrom decodes a Path written by writeTo, returning the path and
// the remaining bytes.
func readPathFrom(b []byte) (Path, []byte, error) {
	if len(b) < 1 {
		return Path{}, nil, errShortBuffer
	}
	n := int(b[0])
	b = b[1:]
	packed := (n + 1) / 2
	if len(b) < packed {
		return Path{}, nil, errShortBuffer
	}
	nibbles := make([]byte, 0, n)
	for i := 0; i < packed; i++ {
		nibbles = append(nibbles, b[i]>>4)
		if len(nibbles) == n {
			break
		}
		nibbles = append(nibbles, b[i]&0x0f)
	}
	return Path{nibbles: nibbles[:n]}, b[packed:], nil
}
