// Package broadcast implements the segmented broadcast delivery engine.
//
// A campaign is created from a prepared draft plus an audience filter,
// persisted in the ledger as "pending", and handed to a worker pool. One
// worker drives one campaign at a time: it resolves the audience once,
// partitions it into fixed-size batches, dispatches each batch's sends
// concurrently under a shared rate limiter, folds the batch's outcomes into
// a single ledger increment, reports progress, and pauses between batches.
// Cancellation is cooperative and observed only at batch boundaries.
//
// The ledger record of a campaign has exactly one writer for its entire run:
// the worker goroutine that owns it. No other component mutates counters or
// status, so no campaign-level locking is needed.
package broadcast
