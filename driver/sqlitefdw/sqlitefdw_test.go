package sqlitefdw

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.fedxact.dev/core/driver"
)

func testTxn(t *testing.T) driver.Txn {
	return driver.Txn{
		XID:    77,
		Server: driver.Server{ID: 3, Name: "files", Driver: "sqlite_fdw"},
		UserMapping: driver.UserMapping{
			ID:       30,
			ServerID: 3,
			UserID:   5,
			DSN:      filepath.Join(t.TempDir(), "participant.db"),
		},
	}
}

func TestOnePhaseCommitAndRollback(t *testing.T) {
	var d = New(4)
	defer d.Close()

	var ctx = context.Background()
	var txn = testTxn(t)

	// Seed a table outside any distributed transaction.
	db, err := sql.Open("sqlite3", txn.UserMapping.DSN)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)

	// Case: a committed participant transaction is durable.
	require.NoError(t, d.Begin(ctx, txn))
	require.NoError(t, d.Begin(ctx, txn)) // Idempotent.
	require.NoError(t, d.Commit(ctx, txn))

	// Case: commit with no open transaction is a no-op.
	require.NoError(t, d.Commit(ctx, txn))

	// Case: a rolled-back participant transaction leaves no trace.
	require.NoError(t, d.Begin(ctx, txn))
	require.NoError(t, d.Rollback(ctx, txn))
	require.NoError(t, d.Rollback(ctx, txn))
}

func TestAdapterIsNotTwoPhaseCapable(t *testing.T) {
	var d = New(1)
	defer d.Close()

	var _, ok = driver.AsTwoPhase(d)
	require.False(t, ok)
	require.Equal(t, "sqlite_fdw", d.Name())

	id, err := d.MakePrepareID(testTxn(t))
	require.NoError(t, err)
	require.LessOrEqual(t, len(id), driver.MaxPrepareIDLen)
}
