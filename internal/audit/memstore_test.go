package audit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookapi/bookaudit/internal/chain"
)

var testGenesisKey = []byte("K0-test-genesis-key")

// memStore is an in-memory Store with the same conditional-commit
// semantics as the SQLite store.
type memStore struct {
	mu      sync.Mutex
	key     []byte
	entries []Entry
	closed  bool
}

func (m *memStore) Init(_ context.Context, genesisKey []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		return false, nil
	}
	if len(m.entries) > 0 {
		return false, ErrOrphanedEntries
	}
	m.key = append([]byte(nil), genesisKey...)
	return true, nil
}

func (m *memStore) Snapshot(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return State{}, ErrUninitialized
	}
	st := State{LastHash: chain.Genesis(), Key: append([]byte(nil), m.key...)}
	if n := len(m.entries); n > 0 {
		st.LastSeq = m.entries[n-1].Seq
		st.LastHash = m.entries[n-1].Hash
	}
	return st, nil
}

func (m *memStore) Commit(_ context.Context, expectedKey, nextKey []byte, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil || !bytes.Equal(m.key, expectedKey) {
		return Entry{}, ErrConflict
	}
	m.key = append([]byte(nil), nextKey...)
	e.Seq = uint64(len(m.entries)) + 1
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memStore) Range(_ context.Context, from, to uint64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Seq < from || e.Seq > to {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Tail(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.entries) - limit
	if start < 0 {
		start = 0
	}
	return append([]Entry(nil), m.entries[start:]...), nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// racingStore lets a competing appender commit between the first
// Snapshot and the first Commit of the wrapped Log.
type racingStore struct {
	Store
	once  sync.Once
	race  func()
	calls atomic.Int32
}

func (r *racingStore) Commit(ctx context.Context, expectedKey, nextKey []byte, e Entry) (Entry, error) {
	r.calls.Add(1)
	r.once.Do(r.race)
	return r.Store.Commit(ctx, expectedKey, nextKey, e)
}

// conflictStore rejects every commit as if another writer always won.
type conflictStore struct {
	Store
	commits atomic.Int32
}

func (c *conflictStore) Commit(context.Context, []byte, []byte, Entry) (Entry, error) {
	c.commits.Add(1)
	return Entry{}, ErrConflict
}

// failingStore fails every snapshot with a non-conflict error.
type failingStore struct {
	Store
	snapshots atomic.Int32
}

var errDiskGone = errors.New("disk gone")

func (f *failingStore) Snapshot(context.Context) (State, error) {
	f.snapshots.Add(1)
	return State{}, errDiskGone
}

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestLog(t *testing.T, store Store, opts Options) *Log {
	t.Helper()
	if opts.GenesisKey == nil {
		opts.GenesisKey = testGenesisKey
	}
	l, err := New(store, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// newSQLiteLog opens an initialized log over a fresh SQLite file.
func newSQLiteLog(t *testing.T) (*Log, *sqliteStore) {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	l := newTestLog(t, store, Options{
		Clock: stepClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(func() { l.Close() })

	if _, err := l.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	return l, store.(*sqliteStore)
}

func appendN(t *testing.T, l *Log, msgs ...string) []Entry {
	t.Helper()
	var out []Entry
	for _, m := range msgs {
		e, err := l.Append(context.Background(), m)
		if err != nil {
			t.Fatalf("Append(%q): %v", m, err)
		}
		out = append(out, e)
	}
	return out
}
