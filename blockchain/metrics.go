package blockchain

import "github.com/ethereum/go-ethereum/metrics"

// Metrics owned by the Blockchain instance: the worker pool and the
// Pool are process-wide, but metrics sinks are owned by the Blockchain
// too. Registered the same way go-ethereum registers its own pathdb
// metrics.
var (
	readOwnHitMeter      = metrics.NewRegisteredMeter("blockstate/read/own/hit", nil)
	readAncestorHitMeter = metrics.NewRegisteredMeter("blockstate/read/ancestor/hit", nil)
	readDiskHitMeter     = metrics.NewRegisteredMeter("blockstate/read/disk/hit", nil)
	readMissMeter        = metrics.NewRegisteredMeter("blockstate/read/miss", nil)

	commitTimeTimer     = metrics.NewRegisteredTimer("blockstate/commit/time", nil)
	commitAccountsMeter = metrics.NewRegisteredMeter("blockstate/commit/accounts", nil)
	commitStoragesMeter = metrics.NewRegisteredMeter("blockstate/commit/slots", nil)

	flushBytesMeter  = metrics.NewRegisteredMeter("blockstate/flush/bytes", nil)
	flushBlocksMeter = metrics.NewRegisteredMeter("blockstate/flush/blocks", nil)
	flushTimeTimer   = metrics.NewRegisteredTimer("blockstate/flush/time", nil)

	finalizeQueueGauge = metrics.NewRegisteredGauge("blockstate/finalize/queue", nil)

	prefetchHintMeter = metrics.NewRegisteredMeter("blockstate/prefetch/hint", nil)
	prefetchDedupMeter = metrics.NewRegisteredMeter("blockstate/prefetch/dedup", nil)
)
