package audit

import (
	"context"
	"errors"
)

// Sentinel errors. Callers classify with errors.Is.
var (
	// ErrUninitialized is returned by Append and Verify when no chain state
	// exists yet. Bootstrapping is an explicit operator action; the log
	// never initializes itself implicitly.
	ErrUninitialized = errors.New("audit log not initialized")

	// ErrConflict is returned by a Store when a conditional commit lost the
	// race: the chain state no longer holds the key the caller read. It is
	// recoverable by re-reading and retrying.
	ErrConflict = errors.New("chain state changed concurrently")

	// ErrConflictRetryExhausted is returned by Append when every attempt in
	// the retry budget lost the race. Nothing was committed; the caller may
	// retry at a higher level.
	ErrConflictRetryExhausted = errors.New("append conflict retry budget exhausted")

	// ErrStoreUnavailable wraps any persistence failure other than a
	// conflict. Append never falls back to an unconditional write.
	ErrStoreUnavailable = errors.New("audit store unavailable")

	// ErrOrphanedEntries is returned by bootstrap when entries exist but the
	// chain state record does not. Reseeding such a log would hide the loss.
	ErrOrphanedEntries = errors.New("entries exist without chain state")

	// ErrGenesisKeyRequired is returned by operations that replay or create
	// the chain when the log was opened without a genesis key.
	ErrGenesisKeyRequired = errors.New("genesis key not configured")
)

// State is a consistent snapshot of the chain tail: the newest committed
// entry and the key that will sign the next one. LastSeq is 0 and LastHash
// is the genesis value when the log has no entries.
type State struct {
	LastSeq  uint64
	LastHash []byte
	Key      []byte
}

// Store is the persistence contract behind the audit log: an append-only
// ordered entry relation plus a single-row key-state relation. All writes
// go through Commit so both relations advance together.
type Store interface {
	// Init creates the chain state with genesisKey if it does not exist.
	// Reports whether this call created it. Safe under concurrent callers.
	Init(ctx context.Context, genesisKey []byte) (bool, error)

	// Snapshot reads the tail hash, tail sequence and current key in one
	// read transaction. Returns ErrUninitialized if no chain state exists.
	Snapshot(ctx context.Context) (State, error)

	// Commit replaces the current key from expectedKey to nextKey and
	// appends e as one atomic unit, returning e with its assigned sequence.
	// Returns ErrConflict (possibly wrapped) when the current key is no
	// longer expectedKey.
	Commit(ctx context.Context, expectedKey, nextKey []byte, e Entry) (Entry, error)

	// Range returns entries with from <= seq <= to in ascending order, at
	// most limit of them (limit <= 0 means no limit).
	Range(ctx context.Context, from, to uint64, limit int) ([]Entry, error)

	// Tail returns the newest limit entries in ascending order.
	Tail(ctx context.Context, limit int) ([]Entry, error)

	Close() error
}
