package pkgdb

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FyraLabs/subatomic-ng/audit"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLStore(db, audit.DialectPostgres)
	require.NoError(t, err)
	return s, mock
}

func packageRow(p Package) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "epoch", "version", "release", "arch", "tag",
		"object_key", "provides", "requires", "available", "created_at",
	}).AddRow(p.ID, p.Name, int64(p.Epoch), p.Version, p.Release, p.Arch, p.Tag,
		p.ObjectKey.String(), "[]", "[]", p.Available, time.Now().UnixNano())
}

func TestSQLStore_SweepFailureRollsBackMutation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(audit.DialectPostgres.Rebind(queryPackageByID + " FOR UPDATE")).
		WithArgs("p1").
		WillReturnRows(packageRow(testPackage("p1")))
	mock.ExpectExec(audit.DialectPostgres.Rebind(queryAvailability)).
		WithArgs(true, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM audit_entries WHERE seq IN (SELECT seq FROM audit_entries WHERE ttl < $1 FOR UPDATE SKIP LOCKED)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := s.SetAvailable(context.Background(), "p1", true)
	require.ErrorIs(t, err, audit.ErrSweepFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A postgres toggle locks its package row and that package's chain head,
// nothing shared with other packages.
func TestSQLStore_PostgresToggleTouchesOnlyItsPackage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(audit.DialectPostgres.Rebind(queryPackageByID + " FOR UPDATE")).
		WithArgs("p1").
		WillReturnRows(packageRow(testPackage("p1")))
	mock.ExpectExec(audit.DialectPostgres.Rebind(queryAvailability)).
		WithArgs(true, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM audit_entries WHERE seq IN (SELECT seq FROM audit_entries WHERE ttl < $1 FOR UPDATE SKIP LOCKED)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT chain_seq, hash FROM audit_heads WHERE package_id = $1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"chain_seq", "hash"}).AddRow(int64(1), "h1"))
	mock.ExpectQuery(`INSERT INTO audit_entries (id, action, package_id, chain_seq, data, created_at, ttl, prev_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING seq`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(9)))
	mock.ExpectExec(`INSERT INTO audit_heads (package_id, chain_seq, hash, ttl) VALUES ($1, $2, $3, $4) ON CONFLICT (package_id) DO UPDATE SET chain_seq = excluded.chain_seq, hash = excluded.hash, ttl = excluded.ttl`).
		WithArgs("p1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := s.SetAvailable(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.True(t, got.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_NoOpSkipsAudit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(audit.DialectPostgres.Rebind(queryPackageByID + " FOR UPDATE")).
		WithArgs("p1").
		WillReturnRows(packageRow(testPackage("p1")))
	mock.ExpectCommit()

	got, err := s.SetAvailable(context.Background(), "p1", false)
	require.NoError(t, err)
	assert.False(t, got.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UniqueViolationIsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(audit.DialectPostgres.Rebind(queryPackageInsert)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := s.Create(context.Background(), testPackage("p1"))
	require.ErrorIs(t, err, ErrDuplicateIdentity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SerializationFailureIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(audit.DialectPostgres.Rebind(queryPackageByID + " FOR UPDATE")).
		WithArgs("p1").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	_, err := s.SetAvailable(context.Background(), "p1", true)
	require.ErrorIs(t, err, ErrTransactionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClosedIsUnavailable(t *testing.T) {
	s := newTestSQLiteStore(t).(*SQLStore)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "p1")
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestOpenSQL_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "mysql", "")
	require.Error(t, err)
}

func TestClassifySQLError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization", &pq.Error{Code: "40001"}, ErrTransactionConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrTransactionConflict},
		{"unique", &pq.Error{Code: "23505"}, ErrDuplicateIdentity},
		{"connection", &pq.Error{Code: "08006"}, ErrStorageUnavailable},
		{"admin shutdown", &pq.Error{Code: "57P01"}, ErrStorageUnavailable},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), ErrStorageUnavailable},
		{"already classified", fmt.Errorf("wrap: %w", ErrNotFound), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, classifySQLError(tt.err), tt.want)
		})
	}

	plain := errors.New("syntax error")
	assert.Equal(t, plain, classifySQLError(plain))
	assert.NoError(t, classifySQLError(nil))
}
