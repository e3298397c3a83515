package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder and locking syntax for the SQL log.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate returns the row locking suffix, empty where the engine locks
// the whole database for writers.
func (d Dialect) ForUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// SQLSchema returns the statements that create the log tables. They are
// idempotent.
func SQLSchema(d Dialect) []string {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
	` + seqColumn + `,
	id TEXT NOT NULL UNIQUE,
	action TEXT NOT NULL,
	package_id TEXT NOT NULL,
	chain_seq BIGINT NOT NULL,
	data TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	ttl BIGINT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE (package_id, chain_seq)
)`,
		`CREATE INDEX IF NOT EXISTS audit_entries_ttl ON audit_entries (ttl)`,
		`CREATE TABLE IF NOT EXISTS audit_heads (
	package_id TEXT PRIMARY KEY,
	chain_seq BIGINT NOT NULL,
	hash TEXT NOT NULL,
	ttl BIGINT NOT NULL
)`,
	}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	querySweep = `DELETE FROM audit_entries WHERE ttl < ?`
	// Concurrent sweepers skip rows another transaction is already
	// deleting instead of waiting on it.
	querySweepSkipLocked = `DELETE FROM audit_entries WHERE seq IN (SELECT seq FROM audit_entries WHERE ttl < ? FOR UPDATE SKIP LOCKED)`
	queryHead            = `SELECT chain_seq, hash FROM audit_heads WHERE package_id = ?`
	queryHeads           = `SELECT package_id, chain_seq, hash, ttl FROM audit_heads`
	queryInsert          = `INSERT INTO audit_entries (id, action, package_id, chain_seq, data, created_at, ttl, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`
	queryHeadUpsert      = `INSERT INTO audit_heads (package_id, chain_seq, hash, ttl) VALUES (?, ?, ?, ?) ` +
		`ON CONFLICT (package_id) DO UPDATE SET chain_seq = excluded.chain_seq, hash = excluded.hash, ttl = excluded.ttl`
	querySelect = `SELECT seq, id, action, data, created_at, ttl, chain_seq, prev_hash, hash FROM audit_entries`
)

// SQLLog is a view of the log bound to a SQL transaction. Writes require a
// *sql.Tx; reads also work on a *sql.DB.
//
// Appends only lock the head row of the entry's own package, which the
// caller already serialises through the package row. Appends for different
// packages do not wait on each other.
type SQLLog struct {
	q       Querier
	dialect Dialect
}

// NewSQLLog binds the log to q.
func NewSQLLog(q Querier, dialect Dialect) *SQLLog {
	return &SQLLog{q: q, dialect: dialect}
}

// Sweep deletes every entry with ttl strictly before now. On postgres rows
// already being deleted by a concurrent sweep are left to that sweep.
func (l *SQLLog) Sweep(ctx context.Context, now time.Time) (int, error) {
	query := querySweep
	if l.dialect == DialectPostgres {
		query = querySweepSkipLocked
	}
	res, err := l.q.ExecContext(ctx, l.dialect.Rebind(query), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting expired entries: %w", err)
	}
	return int(n), nil
}

// Insert seals e onto its package's chain and stores it.
func (l *SQLLog) Insert(ctx context.Context, e *Entry) error {
	id := e.Data.PackageID()

	var prev Head
	row := l.q.QueryRowContext(ctx, l.dialect.Rebind(queryHead+l.dialect.ForUpdate()), id)
	switch err := row.Scan(&prev.ChainSeq, &prev.Hash); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading chain head of %s: %w", id, err)
	}

	if err := Seal(e, prev); err != nil {
		return err
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	row = l.q.QueryRowContext(ctx, l.dialect.Rebind(queryInsert),
		e.ID, string(e.Action), id, e.ChainSeq, string(data),
		e.CreatedAt.UnixNano(), e.TTL.UnixNano(), e.PrevHash, e.Hash)
	if err := row.Scan(&e.Seq); err != nil {
		return fmt.Errorf("storing entry: %w", err)
	}

	_, err = l.q.ExecContext(ctx, l.dialect.Rebind(queryHeadUpsert), id, e.ChainSeq, e.Hash, e.TTL.UnixNano())
	if err != nil {
		return fmt.Errorf("updating chain head of %s: %w", id, err)
	}
	return nil
}

// List returns matching entries ordered by sequence. It never sweeps.
func (l *SQLLog) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.PackageID != "" {
		where = append(where, "package_id = ?")
		args = append(args, f.PackageID)
	}

	query := querySelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := l.q.QueryContext(ctx, l.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			action, data       string
			createdAt, expires int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &action, &data, &createdAt, &expires, &e.ChainSeq, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Action = Action(action)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("decoding payload of entry %d: %w", e.Seq, err)
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		e.TTL = time.Unix(0, expires).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Heads returns the chain head of every package that ever had an entry.
func (l *SQLLog) Heads(ctx context.Context) (map[string]Head, error) {
	rows, err := l.q.QueryContext(ctx, queryHeads)
	if err != nil {
		return nil, fmt.Errorf("querying chain heads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	heads := make(map[string]Head)
	for rows.Next() {
		var (
			id      string
			h       Head
			expires int64
		)
		if err := rows.Scan(&id, &h.ChainSeq, &h.Hash, &expires); err != nil {
			return nil, fmt.Errorf("scanning chain head: %w", err)
		}
		h.TTL = time.Unix(0, expires).UTC()
		heads[id] = h
	}
	return heads, rows.Err()
}

// Verify checks every stored entry against the package chain heads. Run it
// inside one transaction so entries and heads come from the same snapshot.
func (l *SQLLog) Verify(ctx context.Context, now time.Time) error {
	entries, err := l.List(ctx, Filter{})
	if err != nil {
		return err
	}
	heads, err := l.Heads(ctx)
	if err != nil {
		return err
	}
	return Verify(entries, heads, now)
}

var _ Writer = (*SQLLog)(nil)
