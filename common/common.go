// Package common defines the primitive value types shared across the
// blockstate module: content hashes, the account record, and the sentinel
// values the Blockchain core treats specially.
package common

import (
	"io"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Hash is a 32-byte content hash, the state-root kind of hash used
// throughout the core: state roots, account hashes and storage-slot
// hashes are all Hash values.
type Hash = ethcommon.Hash

// Address identifies an account. It is already a content hash (the keccak
// of the raw account address, or whatever scheme the importer used)
// rather than a raw 20-byte EVM address; external importers own that
// hashing step.
type Address = Hash

// Slot identifies a storage cell within an account.
type Slot = Hash

// ZERO is the distinguished hash meaning "empty tree / no parent".
var ZERO = Hash{}

// EmptyTreeHash is the canonical hash of an empty Merkle tree (the RLP
// hash of nil). All consumers of this package normalize EmptyTreeHash to
// ZERO before using it as a parent hash or comparing state roots.
var EmptyTreeHash = ethcommon.HexToHash("56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")

// Normalize maps EmptyTreeHash to ZERO; every other hash passes through
// unchanged. Call sites that receive a parent or root hash from outside
// the core must normalize it before comparing against ZERO.
func Normalize(h Hash) Hash {
	if h == EmptyTreeHash {
		return ZERO
	}
	return h
}

// Account is the tuple carried at Key(Account, addr): balance, nonce, code
// hash and storage root. StorageRoot is recomputed by the pre-commit
// behavior on every commit; external (raw) importers must write it as
// EmptyTreeHash, per spec.
type Account struct {
	Balance     *uint256.Int
	Nonce       uint64
	CodeHash    Hash
	StorageRoot Hash
}

// rlpAccount is the wire-compatible shape of Account: go-ethereum's
// core/types.StateAccount layout, reused here so accounts written by this
// core can be read back by any tooling that already speaks that RLP
// encoding.
type rlpAccount struct {
	Nonce       uint64
	Balance     *uint256.Int
	StorageRoot Hash
	CodeHash    []byte
}

// EncodeRLP implements rlp.Encoder.
func (a *Account) EncodeRLP(w io.Writer) error {
	balance := a.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}
	return rlp.Encode(w, &rlpAccount{
		Nonce:       a.Nonce,
		Balance:     balance,
		StorageRoot: a.StorageRoot,
		CodeHash:    a.CodeHash.Bytes(),
	})
}

// DecodeRLP implements rlp.Decoder.
func (a *Account) DecodeRLP(s *rlp.Stream) error {
	var dec rlpAccount
	if err := s.Decode(&dec); err != nil {
		return err
	}
	a.Nonce = dec.Nonce
	a.Balance = dec.Balance
	a.StorageRoot = dec.StorageRoot
	a.CodeHash = ethcommon.BytesToHash(dec.CodeHash)
	return nil
}

// IsEmpty reports whether the account is the "destroyed/never written"
// sentinel value: zero balance, zero nonce, empty code and empty storage
// root.
func (a Account) IsEmpty() bool {
	return (a.Balance == nil || a.Balance.IsZero()) &&
		a.Nonce == 0 &&
		a.CodeHash == ZERO &&
		(a.StorageRoot == ZERO || a.StorageRoot == EmptyTreeHash)
}

// EmptyAccount returns the sentinel value written at Key::Account(A) by
// DestroyAccount.
func EmptyAccount() Account {
	return Account{Balance: new(uint256.Int), StorageRoot: EmptyTreeHash}
}
