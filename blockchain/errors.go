package blockchain

import "errors"

// Sentinel errors this core can return. Programming-error conditions
// (a ProgrammingError) are not returned as errors at all
// -- they panic, since by definition no caller can recover from them
// meaningfully -- matching go-ethereum's own treatment of such conditions
// (triedb/pathdb's layertree.go and database.go panic on "unknown layer
// type"/state corruption rather than returning an error).
var (
	// ErrMissingParent is returned synchronously from StartNew/StartReadOnly
	// when the ancestor chain required to build a LiveBlock or ReadOnlyView
	// cannot be assembled because a parent hash is neither a known
	// in-memory block nor present on disk.
	ErrMissingParent = errors.New("blockstate: missing parent")

	// ErrRawStateNotFinalized is returned by RawState.Dispose when the
	// RawState is disposed before Finalize was called on its committed
	// block number -- a programming error surfaced as an error rather
	// than a panic because raw import is an external, script-driven path
	// where a caller may reasonably want to recover and retry.
	ErrRawStateNotFinalized = errors.New("blockstate: raw state disposed before finalize")

	// ErrFlusherFailed is returned by any call that discovers the
	// background flusher has already terminated after an I/O error.
	ErrFlusherFailed = errors.New("blockstate: flusher failed, blockchain is stuck")

	// ErrUnknownState is returned when a requested state root is neither
	// a live in-memory block nor reconstructable from the paged store.
	ErrUnknownState = errors.New("blockstate: unknown state root")
)
