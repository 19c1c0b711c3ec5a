package transaction

// The transaction package holds the handle of a catalog write transaction. A transaction is opened by a read-write
// session on the catalog version the session is pinned to. Every write made through the catalog while the transaction
// is open is recorded as a layer in the transaction's memory (see txmem) instead of touching the shared structures,
// so concurrent readers of the same catalog version never observe it.
//
// There is no implicit, goroutine bound "current transaction". Code that can run inside or outside a transaction
// takes the *Transaction (or its *txmem.Memory) as a parameter; a nil transaction means the catalog is warming up and
// writes are applied directly.
//
// A transaction is single-writer. Bind guards against two goroutines driving the same transaction at once: the second
// caller gets an internal error instead of silently racing on the layers.
//
// At commit, the catalog appends the registered root mutations to its WAL, merges the memory bottom-up into a new
// catalog version and publishes it (see catalog.Commit). Rolling back discards the memory without merging anything.
//
// Within this package, `txmem` contains the layer machinery and the versioned map, reference and set types; `latches`
// contains per-key latches used by the engine to serialize structural operations on the same catalog.
