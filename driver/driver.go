// Package driver defines the participant contract which a foreign data
// source adapter implements to take part in distributed commit, together
// with the static registry of adapters and the catalog of foreign servers
// and user mappings.
package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// XID is a local transaction identifier.
type XID uint32

// ServerID identifies a foreign server.
type ServerID uint32

// UserID identifies an authenticating principal.
type UserID uint32

// UMID identifies a user mapping, the unit an adapter connects with.
type UMID uint32

// Server describes one foreign server known to the catalog.
type Server struct {
	ID     ServerID
	Name   string
	Driver string // Registered adapter name.
	Addr   string // Adapter-interpreted server address.
}

// UserMapping binds a principal to connection credentials for one Server.
type UserMapping struct {
	ID       UMID
	ServerID ServerID
	UserID   UserID
	DSN      string // Adapter-interpreted connection string.
}

// Txn identifies one participant of a distributed transaction to an adapter.
type Txn struct {
	XID         XID
	Server      Server
	UserMapping UserMapping
}

// Driver is the required capability set of a participant adapter. Calls for
// a given user mapping are serialized by the caller; an adapter need not be
// safe for concurrent use of one mapping.
type Driver interface {
	// Name returns the adapter name under which the Driver registers.
	Name() string
	// Commit one-phase commits the participant's open transaction.
	Commit(ctx context.Context, txn Txn) error
	// Rollback one-phase rolls back the participant's open transaction.
	Rollback(ctx context.Context, txn Txn) error
	// MakePrepareID returns a participant-unique prepared-transaction
	// identifier of at most MaxPrepareIDLen bytes.
	MakePrepareID(txn Txn) ([]byte, error)
}

// TwoPhase is the optional capability set of adapters able to participate
// in two-phase commit.
type TwoPhase interface {
	Driver
	// Prepare writes a prepared transaction under |id|.
	Prepare(ctx context.Context, txn Txn, id []byte) error
	// Resolve finalizes a prepared transaction. Repeated calls with the
	// same |id| and |commit| converge to the same terminal state. A
	// participant which no longer knows |id| reports ErrPreparedAbsent.
	Resolve(ctx context.Context, txn Txn, id []byte, commit bool) error
}

// MaxPrepareIDLen bounds identifiers returned by MakePrepareID.
const MaxPrepareIDLen = 200

// AsTwoPhase returns the Driver's TwoPhase capability, if implemented.
func AsTwoPhase(d Driver) (TwoPhase, bool) {
	var tp, ok = d.(TwoPhase)
	return tp, ok
}

// DefaultPrepareID builds a prepared-transaction identifier from the
// transaction coordinates plus a random component, so that identifiers
// never collide across coordinator incarnations.
func DefaultPrepareID(txn Txn) []byte {
	return []byte(fmt.Sprintf("fx_%d_%d_%d_%s",
		txn.XID, txn.Server.ID, txn.UserMapping.UserID, uuid.NewString()[:8]))
}
