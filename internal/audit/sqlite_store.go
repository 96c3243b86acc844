package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/bookapi/bookaudit/internal/chain"
)

// sqliteStore is the durable Store: an append-only entries table plus the
// single-row chain_state table, both in one SQLite database.
//
// WAL mode lets readers (verify, export, tail) run alongside a writer.
// Writers are serialized by SQLite's write lock; the busy timeout makes a
// second writer wait for the lock instead of failing at once. The
// conditional UPDATE on chain_state is what turns that serialization into
// a correct chain: a writer whose snapshot went stale affects zero rows.
type sqliteStore struct {
	db   *sql.DB
	path string
}

// sqlitePragmas are applied to every pooled connection. busy_timeout comes
// first so the journal mode switch itself waits on a busy database.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq        INTEGER PRIMARY KEY,
	ts         INTEGER NOT NULL,
	message    TEXT    NOT NULL,
	entry_hash BLOB    NOT NULL,
	signature  BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);

CREATE TABLE IF NOT EXISTS chain_state (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	current_key BLOB    NOT NULL
);

CREATE TRIGGER IF NOT EXISTS entries_immutable
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are immutable');
END;

CREATE TRIGGER IF NOT EXISTS entries_append_only
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are append-only');
END;
`

// OpenSQLite opens (or creates) the audit database at path and ensures the
// schema exists.
func OpenSQLite(path string) (Store, error) {
	dsn := path + "?_pragma=" + strings.Join(sqlitePragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to audit database %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	slog.Debug("audit database opened", "path", path)
	return &sqliteStore{db: db, path: path}, nil
}

// Init inserts the genesis key unless chain_state already has its row.
// The insert comes first so the transaction takes the write lock before
// reading anything; a second bootstrapper waits and then inserts nothing.
func (s *sqliteStore) Init(ctx context.Context, genesisKey []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classifySQLiteErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chain_state (id, current_key) VALUES (1, ?) ON CONFLICT(id) DO NOTHING`,
		genesisKey)
	if err != nil {
		return false, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		return false, classifySQLiteErr(err)
	}
	if count > 0 {
		return false, fmt.Errorf("%w: %d entries in %s", ErrOrphanedEntries, count, s.path)
	}

	if err := tx.Commit(); err != nil {
		return false, classifySQLiteErr(err)
	}
	return true, nil
}

// Snapshot reads the chain key and the tail entry inside one read
// transaction, so both come from the same committed state.
func (s *sqliteStore) Snapshot(ctx context.Context) (State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, classifySQLiteErr(err)
	}
	defer tx.Rollback()

	var st State
	err = tx.QueryRowContext(ctx, `SELECT current_key FROM chain_state WHERE id = 1`).Scan(&st.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrUninitialized
	}
	if err != nil {
		return State{}, classifySQLiteErr(err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM entries ORDER BY seq DESC LIMIT 1`).Scan(&seq, &st.LastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		st.LastHash = chain.Genesis()
	case err != nil:
		return State{}, classifySQLiteErr(err)
	default:
		st.LastSeq = uint64(seq)
	}
	return st, nil
}

// Commit runs the compare-and-swap on chain_state and the entry insert in
// one transaction. The UPDATE is the first statement, so the transaction
// takes the write lock before it reads anything and always compares
// against the latest committed key.
func (s *sqliteStore) Commit(ctx context.Context, expectedKey, nextKey []byte, e Entry) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, classifySQLiteErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chain_state SET current_key = ? WHERE id = 1 AND current_key = ?`,
		nextKey, expectedKey)
	if err != nil {
		return Entry{}, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		return Entry{}, ErrConflict
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO entries (ts, message, entry_hash, signature) VALUES (?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.Message, e.Hash, e.Signature)
	if err != nil {
		return Entry{}, classifySQLiteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, classifySQLiteErr(err)
	}

	e.Seq = uint64(id)
	return e, nil
}

// Range returns entries with from <= seq <= to, ascending.
func (s *sqliteStore) Range(ctx context.Context, from, to uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if to > maxSeq {
		to = maxSeq
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, message, entry_hash, signature FROM entries
		 WHERE seq >= ? AND seq <= ? ORDER BY seq ASC LIMIT ?`,
		int64(from), int64(to), limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Tail returns the newest limit entries, oldest first.
func (s *sqliteStore) Tail(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, message, entry_hash, signature FROM entries
		 ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit tail: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close closes the database connection pool.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			seq, ts int64
			e       Entry
		)
		if err := rows.Scan(&seq, &ts, &e.Message, &e.Hash, &e.Signature); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Seq = uint64(seq)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// classifySQLiteErr maps lock contention to ErrConflict so the appender
// backs off and retries; every other error is returned unchanged.
func classifySQLiteErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
