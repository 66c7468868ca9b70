package blockchain

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	defaultMinFlushDelay         = time.Second
	defaultCacheBudgetStateStore = 4096
	defaultCacheBudgetPreCommit  = 4096
	maxFinalizationQueueLimit    = 1 << 20
)

// Options configures a Blockchain instance, following go-ethereum's
// Config/sanitize pattern (triedb/pathdb.Config): a plain struct with
// documented defaults and a sanitize step that clamps anything
// unreasonable and logs when it does.
type Options struct {
	// MinFlushDelay bounds how long the Flusher keeps adding blocks that
	// are already queued to the run it started with its first block. It
	// does not wait for new blocks: a run ends as soon as the queue is
	// empty. Each block is committed in its own paged-store write.
	// Default 1s.
	MinFlushDelay time.Duration

	// CacheBudgetStateAndStorage bounds how many values LiveBlock's read
	// path will cache back into state/storage per block (entries per
	// block).
	CacheBudgetStateAndStorage int

	// CacheBudgetPreCommit bounds the same for the pre_commit dict.
	CacheBudgetPreCommit int

	// FinalizationQueueLimit bounds the Flusher's input queue. Nil means
	// unbounded; a non-nil value makes Finalize block (FullMode=Wait)
	// once the queue is full.
	FinalizationQueueLimit *uint32

	// FilterPages sizes every BitFilter allocated by this Blockchain, in
	// Pool pages. Zero uses DefaultFilterPages.
	FilterPages int

	// VerifyDBPagesOnCommit enables the paged store's page-verification
	// pass on every Flusher commit; expensive, intended for testing.
	VerifyDBPagesOnCommit bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MinFlushDelay:              defaultMinFlushDelay,
		CacheBudgetStateAndStorage: defaultCacheBudgetStateStore,
		CacheBudgetPreCommit:       defaultCacheBudgetPreCommit,
		FilterPages:                DefaultFilterPages,
	}
}

// sanitize clamps anything unreasonable, logging when it changes a value,
// exactly as triedb/pathdb.Config.sanitize does.
func (o Options) sanitize() Options {
	out := o
	if out.MinFlushDelay <= 0 {
		log.Warn("Sanitizing invalid min flush delay", "provided", out.MinFlushDelay, "updated", defaultMinFlushDelay)
		out.MinFlushDelay = defaultMinFlushDelay
	}
	if out.CacheBudgetStateAndStorage <= 0 {
		out.CacheBudgetStateAndStorage = defaultCacheBudgetStateStore
	}
	if out.CacheBudgetPreCommit <= 0 {
		out.CacheBudgetPreCommit = defaultCacheBudgetPreCommit
	}
	if out.FilterPages <= 0 {
		out.FilterPages = DefaultFilterPages
	}
	if out.FinalizationQueueLimit != nil && *out.FinalizationQueueLimit > maxFinalizationQueueLimit {
		log.Warn("Sanitizing invalid finalization queue limit", "provided", *out.FinalizationQueueLimit, "updated", uint32(maxFinalizationQueueLimit))
		limit := uint32(maxFinalizationQueueLimit)
		out.FinalizationQueueLimit = &limit
	}
	return out
}

// fields returns a list of attributes for structured logging, mirroring
// Config.fields in triedb/pathdb.
func (o Options) fields() []interface{} {
	list := []interface{}{"minFlushDelay", o.MinFlushDelay, "cacheStateStorage", o.CacheBudgetStateAndStorage, "cachePreCommit", o.CacheBudgetPreCommit}
	if o.FinalizationQueueLimit != nil {
		list = append(list, "queueLimit", *o.FinalizationQueueLimit)
	} else {
		list = append(list, "queueLimit", "unbounded")
	}
	return list
}
