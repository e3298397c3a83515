package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQL(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.sqlite"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range SQLSchema(DialectSQLite) {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func appendSQL(t *testing.T, db *sql.DB, e Entry, now time.Time) int {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	swept, err := Append(ctx, NewSQLLog(tx, DialectSQLite), &e, now)
	if err != nil {
		_ = tx.Rollback()
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	return swept
}

func TestSQLLogAppendSweepList(t *testing.T) {
	db := newTestSQL(t)
	ctx := context.Background()
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	appendSQL(t, db, newTestEntry(t, ActionPackageCreated, "p1", t0, time.Second), t0)
	appendSQL(t, db, newTestEntry(t, ActionPackageCreated, "p2", t0, time.Minute), t0)

	log := NewSQLLog(db, DialectSQLite)
	entries, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []uint64{1, 2}, []uint64{entries[0].Seq, entries[1].Seq})
	require.Equal(t, []uint64{1, 1}, []uint64{entries[0].ChainSeq, entries[1].ChainSeq})
	require.NoError(t, log.Verify(ctx, t0))

	byPackage, err := log.List(ctx, Filter{PackageID: "p2"})
	require.NoError(t, err)
	require.Len(t, byPackage, 1)
	require.Equal(t, "p2", byPackage[0].Data.PackageID())

	at := t0.Add(2 * time.Second)
	swept := appendSQL(t, db, newTestEntry(t, ActionPackageEnabled, "p2", at, time.Minute), at)
	require.Equal(t, 1, swept)

	entries, err = log.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []uint64{2, 3}, []uint64{entries[0].Seq, entries[1].Seq})
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.NoError(t, log.Verify(ctx, at))

	limited, err := log.List(ctx, Filter{Action: ActionPackageEnabled, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, ActionPackageEnabled, limited[0].Action)
}

func TestSQLLogRollbackLeavesHead(t *testing.T) {
	db := newTestSQL(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	appendSQL(t, db, newTestEntry(t, ActionPackageCreated, "p1", now, time.Minute), now)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	e := newTestEntry(t, ActionPackageEnabled, "p1", now, time.Minute)
	_, err = Append(ctx, NewSQLLog(tx, DialectSQLite), &e, now)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	appendSQL(t, db, newTestEntry(t, ActionPackageDisabled, "p1", now, time.Minute), now)

	log := NewSQLLog(db, DialectSQLite)
	entries, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(2), entries[1].Seq)
	require.Equal(t, uint64(2), entries[1].ChainSeq)
	require.NoError(t, log.Verify(ctx, now))
}

func TestSQLLogVerifyDetectsDeletion(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		seqs []int
	}{
		{"newest", []int{3}},
		{"middle", []int{2}},
		{"all but the oldest", []int{2, 3}},
		{"everything unexpired", []int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestSQL(t)
			for range 3 {
				appendSQL(t, db, newTestEntry(t, ActionPackageEnabled, "p1", now, time.Hour), now)
			}
			log := NewSQLLog(db, DialectSQLite)
			require.NoError(t, log.Verify(ctx, now))

			for _, seq := range tt.seqs {
				_, err := db.Exec(`DELETE FROM audit_entries WHERE seq = ?`, seq)
				require.NoError(t, err)
			}
			require.ErrorIs(t, log.Verify(ctx, now), ErrChainBroken)
		})
	}
}

func TestSQLLogChainsArePerPackage(t *testing.T) {
	db := newTestSQL(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	appendSQL(t, db, newTestEntry(t, ActionPackageCreated, "a", now, time.Minute), now)
	appendSQL(t, db, newTestEntry(t, ActionPackageCreated, "b", now, time.Minute), now)
	appendSQL(t, db, newTestEntry(t, ActionPackageEnabled, "a", now, time.Minute), now)

	log := NewSQLLog(db, DialectSQLite)
	heads, err := log.Heads(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), heads["a"].ChainSeq)
	require.Equal(t, uint64(1), heads["b"].ChainSeq)

	a, err := log.List(ctx, Filter{PackageID: "a"})
	require.NoError(t, err)
	require.Len(t, a, 2)
	require.Equal(t, a[0].Hash, a[1].PrevHash)
	require.Equal(t, a[1].Hash, heads["a"].Hash)
	require.Equal(t, now.Add(time.Minute), heads["a"].TTL)
}

// On postgres an append locks only its own package's head row, and the
// sweep skips rows a concurrent sweep already holds.
func TestSQLLogPostgresAppendLocksOwnHead(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEntry(t, ActionPackageEnabled, "b", now, time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM audit_entries WHERE seq IN (SELECT seq FROM audit_entries WHERE ttl < $1 FOR UPDATE SKIP LOCKED)`).
		WithArgs(now.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT chain_seq, hash FROM audit_heads WHERE package_id = $1 FOR UPDATE`).
		WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"chain_seq", "hash"}).AddRow(int64(4), "prevhash"))
	mock.ExpectQuery(DialectPostgres.Rebind(queryInsert)).
		WithArgs(e.ID, string(e.Action), "b", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "prevhash", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(17)))
	mock.ExpectExec(DialectPostgres.Rebind(queryHeadUpsert)).
		WithArgs("b", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = Append(ctx, NewSQLLog(tx, DialectPostgres), &e, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Equal(t, uint64(17), e.Seq)
	require.Equal(t, uint64(5), e.ChainSeq)
	require.Equal(t, "prevhash", e.PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE c = ?"
	require.Equal(t, q, DialectSQLite.Rebind(q))
	require.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE c = $3", DialectPostgres.Rebind(q))
	require.Equal(t, " FOR UPDATE", DialectPostgres.ForUpdate())
	require.Empty(t, DialectSQLite.ForUpdate())
}
