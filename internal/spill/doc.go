// Package spill implements the persistent ordered store for overflow records.
//
// Each queue owns one store: an append-only log of (seq, envelope) pairs in
// Pebble, where seq is a strictly increasing uint64 allocated at insertion.
// Iteration order equals insertion order, which gives the queue its FIFO
// contract for records that touched disk. The next key after reopen is
// max(existing)+1, so keys never regress across a process lifetime.
//
// Entries are framed as envelopes carrying the record bytes plus retry
// metadata (tryCount, firstAttempt) with a Castagnoli checksum, so retry
// state round-trips through a restart.
package spill
