// Package postgresfdw adapts PostgreSQL participants. It carries the full
// capability set: PREPARE TRANSACTION for the prepare phase, and COMMIT
// PREPARED / ROLLBACK PREPARED for resolution.
package postgresfdw

import (
	"context"
	"database/sql"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"go.fedxact.dev/core/driver"
)

// undefinedObject is the SQLSTATE reported when a prepared transaction
// identifier is unknown to the participant.
const undefinedObject = "42704"

// Driver is a two-phase capable PostgreSQL participant adapter. Open
// database handles are cached per user mapping.
type Driver struct {
	mu   sync.Mutex
	dbs  *lru.Cache // driver.UMID -> *sql.DB
	txns map[txnKey]*sql.Tx
}

type txnKey struct {
	xid  driver.XID
	umid driver.UMID
}

var _ driver.TwoPhase = (*Driver)(nil)

// New returns a Driver caching at most |maxConns| open handles.
func New(maxConns int) *Driver {
	var dbs, err = lru.NewWithEvict(maxConns, func(_, v interface{}) {
		v.(*sql.DB).Close()
	})
	if err != nil {
		panic(err) // Non-positive |maxConns|.
	}
	return &Driver{dbs: dbs, txns: make(map[txnKey]*sql.Tx)}
}

// Name returns the adapter name.
func (d *Driver) Name() string { return "postgres_fdw" }

// Begin opens the participant transaction under which remote statements of
// |txn| execute. It is a no-op if the transaction is already open.
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
		return driver.MarkTransient(errors.Wrap(err, "beginning participant transaction"))
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
		return driver.MarkTransient(errors.Wrap(err, "committing participant"))
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
		return driver.MarkTransient(errors.Wrap(err, "rolling back participant"))
	}
	return nil
}

// Prepare writes the open participant transaction as a prepared
// transaction named |id|.
func (d *Driver) Prepare(ctx context.Context, txn driver.Txn, id []byte) error {
	var tx = d.take(txn)

	if tx == nil {
		// No remote statements ran. Prepare an empty transaction so that
		// resolution still finds a participant to finalize.
		var db, err = d.db(txn.UserMapping)
		if err != nil {
			return err
		}
		if tx, err = db.BeginTx(ctx, nil); err != nil {
			return driver.MarkTransient(errors.Wrap(err, "beginning participant transaction"))
		}
	}

	if _, err := tx.ExecContext(ctx, "PREPARE TRANSACTION "+pq.QuoteLiteral(string(id))); err != nil {
		tx.Rollback()
		return driver.MarkTransient(errors.Wrap(err, "preparing participant"))
	}
	// PREPARE TRANSACTION ended the session transaction. Commit releases
	// the pooled connection and is a no-op on the server.
	tx.Commit()
	return nil
}

// Resolve finalizes the prepared transaction named |id|.
func (d *Driver) Resolve(ctx context.Context, txn driver.Txn, id []byte, commit bool) error {
	var db, err = d.db(txn.UserMapping)
	if err != nil {
		return err
	}

	var stmt = "ROLLBACK PREPARED "
	if commit {
		stmt = "COMMIT PREPARED "
	}

	if _, err = db.ExecContext(ctx, stmt+pq.QuoteLiteral(string(id))); err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && string(pqErr.Code) == undefinedObject {
			return driver.ErrPreparedAbsent
		}
		return driver.MarkTransient(errors.Wrap(err, "resolving participant"))
	}
	return nil
}

// MakePrepareID returns a prepared-transaction identifier for |txn|.
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
	var db, err = sql.Open("postgres", um.DSN)
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
