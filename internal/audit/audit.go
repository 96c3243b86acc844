// Package audit implements the tamper-evident audit log of the bookstore
// backend.
//
// Every audited action is recorded as an Entry. Each entry's hash is
// computed from the previous entry's hash plus its own timestamp and
// message, and each entry is sealed under a key that evolves one-way after
// every commit. Modifying, deleting or reordering any entry breaks the
// chain from that point forward, and a leaked current key cannot re-sign
// earlier entries.
//
// Concurrent appenders (goroutines or whole processes sharing one store)
// are serialized by a compare-and-swap on the single chain-state record:
// an append commits only if the key it read is still current, otherwise it
// backs off, re-reads and tries again.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bookapi/bookaudit/internal/chain"
	"github.com/bookapi/bookaudit/internal/query"
)

// Entry is a single committed audit record. Entries are immutable once
// committed; Seq is assigned by the store.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Message   string
	Hash      []byte // entry_hash: chains to the previous entry
	Signature []byte // Hash sealed under the key in effect before this entry
}

// entryJSON is the wire/export form of an Entry: hex digests and an
// RFC3339Nano UTC timestamp.
type entryJSON struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"ts"`
	Message   string `json:"message"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

// MarshalJSON encodes the entry in its export form.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Message:   e.Message,
		Hash:      hex.EncodeToString(e.Hash),
		Signature: hex.EncodeToString(e.Signature),
	})
}

// UnmarshalJSON decodes the export form produced by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("parsing entry timestamp: %w", err)
	}
	hash, err := hex.DecodeString(raw.Hash)
	if err != nil {
		return fmt.Errorf("decoding entry hash: %w", err)
	}
	sig, err := hex.DecodeString(raw.Signature)
	if err != nil {
		return fmt.Errorf("decoding entry signature: %w", err)
	}
	*e = Entry{Seq: raw.Seq, Timestamp: ts.UTC(), Message: raw.Message, Hash: hash, Signature: sig}
	return nil
}

// Options configures a Log.
type Options struct {
	// GenesisKey is the deployment's out-of-band initial key. Required by
	// EnsureInitialized and Verify; read-only commands may leave it empty.
	GenesisKey []byte

	// Retry bounds the conflict-retry loop. Zero value uses DefaultRetryPolicy.
	Retry RetryPolicy

	// Clock stamps entry timestamps. Defaults to time.Now.
	Clock func() time.Time

	// OnAppend is called after every successful commit (e.g. to feed the
	// websocket broadcast). It must not block.
	OnAppend func(Entry)
}

// Stats holds cumulative counters for one Log instance.
type Stats struct {
	Appends   uint64 `json:"appends"`
	Conflicts uint64 `json:"conflicts"`
	Exhausted uint64 `json:"exhausted"`
}

// Log is the audit log: the appender, verifier and bootstrap over a Store.
// Safe for concurrent use by multiple goroutines; other processes sharing
// the same store are serialized by the store's conditional commit.
type Log struct {
	store      Store
	genesisKey []byte
	clock      func() time.Time
	onAppend   func(Entry)

	mu    sync.RWMutex
	retry RetryPolicy

	appends   atomic.Uint64
	conflicts atomic.Uint64
	exhausted atomic.Uint64
}

// New wraps store in a Log.
func New(store Store, opts Options) (*Log, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}

	retry := opts.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy
	}
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Log{
		store:      store,
		genesisKey: append([]byte(nil), opts.GenesisKey...),
		clock:      clock,
		onAppend:   opts.OnAppend,
		retry:      retry,
	}, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}

// SetRetryPolicy replaces the retry policy for subsequent appends.
// Called by the config watcher on hot reload.
func (l *Log) SetRetryPolicy(p RetryPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.retry = p
	l.mu.Unlock()
	slog.Info("audit retry policy updated",
		"max_attempts", p.MaxAttempts, "base_delay", p.BaseDelay,
		"max_delay", p.MaxDelay, "timeout", p.Timeout)
	return nil
}

// RetryPolicy returns the policy currently in effect.
func (l *Log) RetryPolicy() RetryPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.retry
}

// Stats returns a snapshot of the log's counters.
func (l *Log) Stats() Stats {
	return Stats{
		Appends:   l.appends.Load(),
		Conflicts: l.conflicts.Load(),
		Exhausted: l.exhausted.Load(),
	}
}

// EnsureInitialized creates the genesis chain state if it does not exist.
// Reports whether this call created it; concurrent callers race safely
// and exactly one of them observes true.
func (l *Log) EnsureInitialized(ctx context.Context) (bool, error) {
	if len(l.genesisKey) == 0 {
		return false, ErrGenesisKeyRequired
	}

	b := l.RetryPolicy().newBackOff()
	for {
		created, err := l.store.Init(ctx, l.genesisKey)
		if err == nil {
			if created {
				slog.Info("audit genesis state created")
			}
			return created, nil
		}
		if errors.Is(err, ErrOrphanedEntries) {
			return false, err
		}
		if !errors.Is(err, ErrConflict) {
			return false, l.storeErr(ctx, err)
		}
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return false, err
		}
	}
}

// Append records message as a new entry chained to the current tail and
// advances the chain key, or fails with nothing committed.
//
// The timestamp is assigned here, never by the caller. Each attempt reads a
// fresh snapshot and re-stamps, so committed timestamps follow commit order.
func (l *Log) Append(ctx context.Context, message string) (Entry, error) {
	policy := l.RetryPolicy()

	loopCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	b := policy.newBackOff()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}

		committed, err := l.tryAppend(loopCtx, message)
		if err == nil {
			l.appends.Add(1)
			if attempt > 1 {
				slog.Debug("audit append committed after retries", "seq", committed.Seq, "attempts", attempt)
			}
			if l.onAppend != nil {
				l.onAppend(committed)
			}
			return committed, nil
		}

		if errors.Is(err, ErrUninitialized) {
			return Entry{}, err
		}
		if !errors.Is(err, ErrConflict) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Entry{}, ctxErr
			}
			// The loop timeout can fire while the store waits on a write
			// lock held by another appender; that is contention too.
			if loopErr := loopCtx.Err(); loopErr != nil {
				l.exhausted.Add(1)
				slog.Warn("audit append retry timeout", "attempts", attempt, "timeout", policy.Timeout)
				return Entry{}, fmt.Errorf("%w after %d attempts: %w", ErrConflictRetryExhausted, attempt, loopErr)
			}
			slog.Error("audit append failed", "attempt", attempt, "error", err)
			return Entry{}, l.storeErr(loopCtx, err)
		}

		l.conflicts.Add(1)
		slog.Debug("audit append lost commit race", "attempt", attempt)

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			l.exhausted.Add(1)
			slog.Warn("audit append retry budget exhausted", "attempts", attempt)
			return Entry{}, fmt.Errorf("%w after %d attempts", ErrConflictRetryExhausted, attempt)
		}

		if err := sleep(loopCtx, b.NextBackOff()); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Entry{}, ctxErr
			}
			l.exhausted.Add(1)
			slog.Warn("audit append retry timeout", "attempts", attempt, "timeout", policy.Timeout)
			return Entry{}, fmt.Errorf("%w after %d attempts: %w", ErrConflictRetryExhausted, attempt, err)
		}
	}
}

// tryAppend runs one read-compute-commit attempt.
func (l *Log) tryAppend(ctx context.Context, message string) (Entry, error) {
	st, err := l.store.Snapshot(ctx)
	if err != nil {
		return Entry{}, err
	}

	ts := l.clock().UTC()
	e := Entry{
		Timestamp: ts,
		Message:   message,
		Hash:      chain.EntryHash(st.LastHash, ts, message),
	}
	e.Signature = chain.Seal(e.Hash, st.Key)
	next := chain.NextKey(st.Key, ts, message)

	return l.store.Commit(ctx, st.Key, next, e)
}

// storeErr classifies a non-conflict store error for callers.
func (l *Log) storeErr(ctx context.Context, err error) error {
	if errors.Is(err, ErrUninitialized) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Tail returns the limit most recent entries, oldest first.
func (l *Log) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("tail limit must be positive, got %d", limit)
	}
	entries, err := l.store.Tail(ctx, limit)
	if err != nil {
		return nil, l.storeErr(ctx, err)
	}
	return entries, nil
}

// ExportRange returns the committed entries with from <= seq <= to in
// sequence order. to == 0 means "up to the current tail". Read-only.
func (l *Log) ExportRange(ctx context.Context, from, to uint64) ([]Entry, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		st, err := l.store.Snapshot(ctx)
		if err != nil {
			return nil, l.storeErr(ctx, err)
		}
		to = st.LastSeq
	}
	if to < from {
		return nil, nil
	}

	var out []Entry
	err := l.scan(ctx, from, to, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Query returns entries matching params, oldest first. With a limit, only
// the most recent matching entries are kept.
func (l *Log) Query(ctx context.Context, params query.Params) ([]Entry, error) {
	m, err := query.Compile(params)
	if err != nil {
		return nil, err
	}

	st, err := l.store.Snapshot(ctx)
	if err != nil {
		return nil, l.storeErr(ctx, err)
	}

	var out []Entry
	err = l.scan(ctx, 1, st.LastSeq, func(e Entry) error {
		if !m.Matches(e.Timestamp, e.Message) {
			return nil
		}
		out = append(out, e)
		if lim := m.Limit(); lim > 0 && len(out) > lim {
			out = out[1:]
		}
		return nil
	})
	return out, err
}

// Follow polls for entries after afterSeq and calls fn for each new one,
// in order. Blocks until ctx is cancelled.
func (l *Log) Follow(ctx context.Context, afterSeq uint64, interval time.Duration, fn func(Entry)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := afterSeq
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := l.store.Range(ctx, last+1, maxSeq, pageSize)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			for _, e := range entries {
				fn(e)
				last = e.Seq
			}
		}
	}
}

const (
	// pageSize bounds how many entries a single store read returns while
	// scanning, so long scans never hold one read transaction open.
	pageSize = 500

	// maxSeq is the largest sequence a store can hold (SQLite INTEGER).
	maxSeq = math.MaxInt64
)

// scan walks entries from..to in pages, calling fn for each. Stops early
// on the first error from fn or the store, or when ctx is cancelled.
func (l *Log) scan(ctx context.Context, from, to uint64, fn func(Entry) error) error {
	next := from
	for next <= to {
		page, err := l.store.Range(ctx, next, to, pageSize)
		if err != nil {
			return l.storeErr(ctx, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		next = page[len(page)-1].Seq + 1
	}
	return nil
}
