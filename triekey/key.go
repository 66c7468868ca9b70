package triekey

import (
	"errors"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/teenager-ETH/blockstate/common"
)

var errShortBuffer = errors.New("triekey: short buffer")

// Type tags the kind of tree entry a Key addresses.
type Type uint8

const (
	// Account addresses the account record itself: Path is the full
	// nibble path of the account's address, Owner is the zero hash.
	Account Type = iota
	// StorageCell addresses a storage slot belonging to Owner: Path is
	// the full nibble path of the slot hash.
	StorageCell
	// Merkle addresses an internal pre-commit/Merkle scratch node, which
	// may sit at any depth (Path need not be full length).
	Merkle
)

func (t Type) String() string {
	switch t {
	case Account:
		return "Account"
	case StorageCell:
		return "StorageCell"
	case Merkle:
		return "Merkle"
	default:
		return "Unknown"
	}
}

// Key is a tagged (Type, Owner, Path) triple, the canonical address of one
// entry in the state tree. Owner is the account address a StorageCell or
// nested Merkle node belongs to (ZERO for Account keys and top-level
// Merkle nodes); "Key.Path.head equals A" is realized
// here as Owner == A, mirroring the (owner, path) addressing go-ethereum
// uses for trie nodes.
type Key struct {
	Type  Type
	Owner common.Address
	Path  Path
}

// AccountKey builds the Key for an account record.
func AccountKey(addr common.Address) Key {
	return Key{Type: Account, Path: FullPath(addr)}
}

// StorageKey builds the Key for a storage cell.
func StorageKey(addr common.Address, slot common.Slot) Key {
	return Key{Type: StorageCell, Owner: addr, Path: FullPath(slot)}
}

// MerkleKey builds the Key for an internal pre-commit scratch node at an
// arbitrary path depth under owner (ZERO for the top-level trie).
func MerkleKey(owner common.Address, path Path) Key {
	return Key{Type: Merkle, Owner: owner, Path: path}
}

// MaxByteLength is an upper bound on the canonical encoding of any Key:
// 1 tag byte + 32 owner bytes + 1 length byte + 32 packed-nibble bytes.
const MaxByteLength = 1 + 32 + 1 + 32

// WriteTo appends the canonical byte encoding of k to buf and returns the
// extended slice.
func (k Key) WriteTo(buf []byte) []byte {
	buf = append(buf, byte(k.Type))
	buf = append(buf, k.Owner.Bytes()...)
	buf = k.Path.writeTo(buf)
	return buf
}

// ReadFrom decodes a Key written by WriteTo, returning the key and the
// remaining bytes.
func ReadFrom(b []byte) (Key, []byte, error) {
	if len(b) < 1+32 {
		return Key{}, nil, errShortBuffer
	}
	typ := Type(b[0])
	owner := common.Hash{}
	owner.SetBytes(b[1 : 1+32])
	rest := b[1+32:]
	path, rest, err := readPathFrom(rest)
	if err != nil {
		return Key{}, nil, err
	}
	return Key{Type: typ, Owner: owner, Path: path}, rest, nil
}

// Encode returns the canonical byte form of the key.
func (k Key) Encode() []byte {
	return k.WriteTo(make([]byte, 0, MaxByteLength))
}

// Hash64 computes the KeyHash64 used as the BitFilter seed and the
// SpanDict probe hash: a 64-bit hash of the key's canonical encoding.
// Every caller passing the same logical key must pass an identical
// Hash64 value, per the SpanDict invariant.
func (k Key) Hash64() uint64 {
	return xxhash.Sum64(k.Encode())
}

// HashBytes is the general-purpose 64-bit hash used wherever a component
// needs a BitFilter seed that isn't a full Key (e.g. the prefetcher's
// own dedup filter, keyed on raw address/slot bytes).
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

var destroyedCRCTable = crc32.MakeTable(crc32.Castagnoli)

// destroyedHashSeed salts the address before hashing so a destroyed-hash
// can never collide with a KeyHash64 derived from the same bytes through
// a different tag.
const destroyedHashSeed = "blockstate/destroyed-hash/v1"

// DestroyedHash64 computes the 32-bit CRC32C of addr (salted with a
// constant seed) zero-extended to 64 bits, used to mark whole-subtree
// deletion in a CommittedBlock's filter. Only meaningful for full-length
// paths; 0 is reserved for "not applicable".
func DestroyedHash64(addr common.Address) uint64 {
	h := crc32.New(destroyedCRCTable)
	h.Write([]byte(destroyedHashSeed))
	h.Write(addr.Bytes())
	return uint64(h.Sum32())
}
