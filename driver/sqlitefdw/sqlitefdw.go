// Package sqlitefdw adapts SQLite participants. SQLite has no prepared
// transactions, so the adapter is one-phase only: it can take part in
// distributed transactions, but never in two-phase commit.
package sqlitefdw

import (
	"context"
	"database/sql"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"go.fedxact.dev/core/driver"
)

// Driver is a one-phase SQLite participant adapter. Open database handles
// are cached per user mapping.
type Driver struct {
	mu   sync.Mutex
	dbs  *lru.Cache // driver.UMID -> *sql.DB
	txns map[txnKey]*sql.Tx
}

type txnKey struct {
	xid  driver.XID
	umid driver.UMID
}

var _ driver.Driver = (*Driver)(nil)

// New returns a Driver caching at most |maxConns| open handles.
func New(maxConns int) *Driver {
	var dbs, err = lru.NewWithEvict(maxConns, func(_, v interface{}) {
		v.(*sql.DB).Close()
	})
	if err != nil {
		panic(err)
	}
	return &Driver{dbs: dbs, txns: make(map[txnKey]*sql.Tx)}
}

// Name returns the adapter name.
func (d *Driver) Name() string { return "sqlite_fdw" }

// Begin opens the participant transaction under which statements of |txn|
// execute. It is a no-op if the transaction is already open.
func (d *Driver) Begin(ctx context.Context, txn driver.Txn) error {
	var key = txnKey{txn.XID, txn.UserMapping.ID}

	d.mu.Lock()
	var _, open = d.txns[key]
	d.mu.Unlock()
	if open {
		return nil
	}

	var db, err = d.db(txn.UserMapping)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(errors.Wrap(err, "beginning participant transaction"))
	}

	d.mu.Lock()
	d.txns[key] = tx
	d.mu.Unlock()
	return nil
}

// Commit one-phase commits the open participant transaction.
func (d *Driver) Commit(ctx context.Context, txn driver.Txn) error {
	var tx = d.take(txn)
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return classify(errors.Wrap(err, "committing participant"))
	}
	return nil
}

// Rollback one-phase rolls back the open participant transaction.
func (d *Driver) Rollback(ctx context.Context, txn driver.Txn) error {
	var tx = d.take(txn)
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return classify(errors.Wrap(err, "rolling back participant"))
	}
	return nil
}

// MakePrepareID returns a prepared-transaction identifier for |txn|.
// The adapter never prepares, so the identifier names no prepared
// transaction.
func (d *Driver) MakePrepareID(txn driver.Txn) ([]byte, error) {
	return driver.DefaultPrepareID(txn), nil
}

// Close closes all cached database handles.
func (d *Driver) Close() {
	d.dbs.Purge()
}

func (d *Driver) db(um driver.UserMapping) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.dbs.Get(um.ID); ok {
		return v.(*sql.DB), nil
	}
	var db, err = sql.Open("sqlite3", um.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening user mapping %d", um.ID)
	}
	d.dbs.Add(um.ID, db)
	return db, nil
}

func (d *Driver) take(txn driver.Txn) *sql.Tx {
	var key = txnKey{txn.XID, txn.UserMapping.ID}

	d.mu.Lock()
	defer d.mu.Unlock()

	var tx = d.txns[key]
	delete(d.txns, key)
	return tx
}

// classify marks lock-contention failures as retryable.
func classify(err error) error {
	if sqErr, ok := errors.Cause(err).(sqlite3.Error); ok {
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			return driver.MarkTransient(err)
		}
	}
	return err
}
