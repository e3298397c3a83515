package pkgdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	subatomic "github.com/FyraLabs/subatomic-ng"
	"github.com/FyraLabs/subatomic-ng/audit"
	"github.com/FyraLabs/subatomic-ng/trigger"
)

var packageSchema = []string{
	`CREATE TABLE IF NOT EXISTS packages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	epoch BIGINT NOT NULL,
	version TEXT NOT NULL,
	release TEXT NOT NULL,
	arch TEXT NOT NULL,
	tag TEXT NOT NULL,
	object_key TEXT NOT NULL,
	provides TEXT NOT NULL,
	requires TEXT NOT NULL,
	available BOOLEAN NOT NULL,
	created_at BIGINT NOT NULL,
	UNIQUE (name, epoch, version, release, arch, tag)
)`,
	`CREATE INDEX IF NOT EXISTS packages_group ON packages (name, arch, tag)`,
	`CREATE INDEX IF NOT EXISTS packages_object ON packages (object_key)`,
}

const packageColumns = `id, name, epoch, version, release, arch, tag, object_key, provides, requires, available, created_at`

const (
	queryPackageInsert = `INSERT INTO packages (` + packageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryPackageSelect = `SELECT ` + packageColumns + ` FROM packages`
	queryPackageByID   = queryPackageSelect + ` WHERE id = ?`
	queryPackageGroup  = queryPackageSelect + ` WHERE name = ? AND arch = ? AND tag = ? AND id <> ? ORDER BY id`
	queryAvailability  = `UPDATE packages SET available = ? WHERE id = ?`
)

// SQLStore implements Store on database/sql. It speaks the modernc sqlite
// driver ("sqlite") and lib/pq ("postgres").
type SQLStore struct {
	*core
	db      *sql.DB
	dialect audit.Dialect
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens a database with the named driver and creates the schema.
// For sqlite, dsn is a file path.
func OpenSQL(ctx context.Context, driverName, dsn string, opts ...Option) (*SQLStore, error) {
	var dialect audit.Dialect
	switch driverName {
	case "sqlite":
		dialect = audit.DialectSQLite
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
			dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
		}
	case "postgres":
		dialect = audit.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", driverName, err)
	}
	if dialect == audit.DialectSQLite {
		// One connection serializes writers.
		db.SetMaxOpenConns(1)
	}

	s, err := NewSQLStore(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("opened pkgdb", "driver", driverName)
	return s, nil
}

// NewSQLStore wraps an open database. The schema is not created; see Migrate.
func NewSQLStore(db *sql.DB, dialect audit.Dialect, opts ...Option) (*SQLStore, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &SQLStore{core: c, db: db, dialect: dialect}, nil
}

// Migrate creates the package and audit tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := append(append([]string{}, packageSchema...), audit.SQLSchema(s.dialect)...)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifySQLError(fmt.Errorf("creating schema: %w", err))
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Create inserts p and records its events in the same transaction.
func (s *SQLStore) Create(ctx context.Context, p Package, opts ...MutationOption) (_ *Package, err error) {
	ctx, end := s.startMutation(ctx, "Create", p.ID)
	defer func() { end(err) }()

	if err := p.Normalize(); err != nil {
		return nil, err
	}
	cfg := applyMutationOptions(opts)
	if cfg.markLatest {
		p.Available = true
	}

	var (
		entries []audit.Entry
		swept   int
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		p.Timestamp = now.UTC()

		muts := []trigger.Mutation{createMutation(&p)}
		if cfg.markLatest {
			demoted, err := s.demoteGroup(ctx, tx, &p)
			if err != nil {
				return err
			}
			muts = append(muts, demoted...)
		}

		args, err := packageArgs(&p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(queryPackageInsert), args...); err != nil {
			return fmt.Errorf("inserting %s: %w", p.NEVRA(), err)
		}

		entries, swept, err = s.record(ctx, audit.NewSQLLog(tx, s.dialect), muts, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, entries, swept)
	return &p, nil
}

// SetAvailable updates the availability flag of id.
func (s *SQLStore) SetAvailable(ctx context.Context, id string, available bool, opts ...MutationOption) (_ *Package, err error) {
	ctx, end := s.startMutation(ctx, "SetAvailable", id)
	defer func() { end(err) }()

	cfg := applyMutationOptions(opts)
	var (
		p       *Package
		entries []audit.Entry
		swept   int
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var err error
		p, err = scanPackage(tx.QueryRowContext(ctx, s.dialect.Rebind(queryPackageByID+s.dialect.ForUpdate()), id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("selecting %s: %w", id, err)
		}

		var muts []trigger.Mutation
		if available && cfg.markLatest {
			if muts, err = s.demoteGroup(ctx, tx, p); err != nil {
				return err
			}
		}
		if p.Available != available {
			before := p.Available
			p.Available = available
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(queryAvailability), available, id); err != nil {
				return fmt.Errorf("updating %s: %w", id, err)
			}
			muts = append([]trigger.Mutation{updateMutation(p, before)}, muts...)
		}
		if len(muts) == 0 {
			return nil
		}

		entries, swept, err = s.record(ctx, audit.NewSQLLog(tx, s.dialect), muts, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, entries, swept)
	return p, nil
}

func (s *SQLStore) demoteGroup(ctx context.Context, tx *sql.Tx, p *Package) ([]trigger.Mutation, error) {
	// The whole group is locked, not only its available members, so two
	// concurrent mark-latest calls in one group cannot both win.
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(queryPackageGroup+s.dialect.ForUpdate()),
		p.Name, p.Arch, p.Tag, p.ID)
	if err != nil {
		return nil, fmt.Errorf("selecting group: %w", err)
	}
	var others []*Package
	for rows.Next() {
		other, err := scanPackage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		if other.Available {
			others = append(others, other)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	muts := make([]trigger.Mutation, 0, len(others))
	for _, other := range others {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(queryAvailability), false, other.ID); err != nil {
			return nil, fmt.Errorf("disabling %s: %w", other.ID, err)
		}
		other.Available = false
		muts = append(muts, updateMutation(other, true))
	}
	return muts, nil
}

// Get returns the package with the given id.
func (s *SQLStore) Get(ctx context.Context, id string) (_ *Package, err error) {
	ctx, end := s.startSpan(ctx, "Get", id)
	defer func() { end(err) }()

	p, err := scanPackage(s.db.QueryRowContext(ctx, s.dialect.Rebind(queryPackageByID), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, classifySQLError(err)
	}
	return p, nil
}

// List returns packages matching f in id order.
func (s *SQLStore) List(ctx context.Context, f Filter) (_ []*Package, err error) {
	ctx, end := s.startSpan(ctx, "List", "")
	defer func() { end(err) }()

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.Name != "" {
		add("name = ?", normName(f.Name))
	}
	if f.Arch != "" {
		add("arch = ?", f.Arch)
	}
	if f.Tag != "" {
		add("tag = ?", f.Tag)
	}
	if f.ObjectKey != "" {
		add("object_key = ?", f.ObjectKey.String())
	}
	if f.Available != nil {
		add("available = ?", *f.Available)
	}

	query := queryPackageSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classifySQLError(rows.Err())
}

// ListAudit returns audit entries in append order without sweeping.
func (s *SQLStore) ListAudit(ctx context.Context, f audit.Filter) (_ []audit.Entry, err error) {
	ctx, end := s.startSpan(ctx, "ListAudit", f.PackageID)
	defer func() { end(err) }()

	entries, err := audit.NewSQLLog(s.db, s.dialect).List(ctx, f)
	return entries, classifySQLError(err)
}

// VerifyAudit checks the audit hash chains. Entries and heads are read in
// one transaction so a concurrent append cannot appear half done.
func (s *SQLStore) VerifyAudit(ctx context.Context) (err error) {
	ctx, end := s.startSpan(ctx, "VerifyAudit", "")
	defer func() { end(err) }()

	var opts *sql.TxOptions
	if s.dialect == audit.DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classifySQLError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	return classifySQLError(audit.NewSQLLog(tx, s.dialect).Verify(ctx, s.now()))
}

// SweepAudit removes expired audit entries.
func (s *SQLStore) SweepAudit(ctx context.Context) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = audit.NewSQLLog(tx, s.dialect).Sweep(ctx, s.now())
		return err
	})
	return n, err
}

// inTx runs fn in a transaction and commits if it returns nil.
//
// Postgres runs at its default READ COMMITTED level. Writers on the same
// package are ordered by SELECT ... FOR UPDATE on the package row, which
// also guards that package's audit chain head, so writers on different
// packages never wait on each other or fail with serialization errors.
// sqlite takes the write lock at BEGIN.
func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLError(fmt.Errorf("beginning transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rolling back transaction", "error", rbErr)
		}
		return classifySQLError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLError(fmt.Errorf("committing: %w", err))
	}
	return nil
}

func packageArgs(p *Package) ([]any, error) {
	provides, err := json.Marshal(nonNil(p.Provides))
	if err != nil {
		return nil, fmt.Errorf("%w: provides: %v", ErrInvalidPackage, err)
	}
	requires, err := json.Marshal(nonNil(p.Requires))
	if err != nil {
		return nil, fmt.Errorf("%w: requires: %v", ErrInvalidPackage, err)
	}
	return []any{
		p.ID, p.Name, int64(p.Epoch), p.Version, p.Release, p.Arch, p.Tag,
		p.ObjectKey.String(), string(provides), string(requires), p.Available, p.Timestamp.UnixNano(),
	}, nil
}

func nonNil(deps []Dependency) []Dependency {
	if deps == nil {
		return []Dependency{}
	}
	return deps
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*Package, error) {
	var (
		p                  Package
		epoch, createdAt   int64
		objectKey          string
		provides, requires string
	)
	err := row.Scan(&p.ID, &p.Name, &epoch, &p.Version, &p.Release, &p.Arch, &p.Tag,
		&objectKey, &provides, &requires, &p.Available, &createdAt)
	if err != nil {
		return nil, err
	}
	p.Epoch = uint32(epoch)
	p.ObjectKey = subatomic.ObjectKey(objectKey)
	p.Timestamp = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(provides), &p.Provides); err != nil {
		return nil, fmt.Errorf("decoding provides of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(requires), &p.Requires); err != nil {
		return nil, fmt.Errorf("decoding requires of %s: %w", p.ID, err)
	}
	return &p, nil
}

// classifySQLError maps driver errors onto the store's error taxonomy.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrDuplicateIdentity, ErrTransactionConflict, ErrStorageUnavailable, ErrInvalidPackage} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001" || pqErr.Code == "40P01":
			return fmt.Errorf("%w: %w", ErrTransactionConflict, err)
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %w", ErrDuplicateIdentity, err)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch code := liteErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %w", ErrDuplicateIdentity, err)
		case code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrTransactionConflict, err)
		case code&0xff == sqlite3.SQLITE_CANTOPEN || code&0xff == sqlite3.SQLITE_IOERR:
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "sql: database is closed") || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
