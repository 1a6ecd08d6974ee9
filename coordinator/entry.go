// Package coordinator implements the foreign-transaction manager: the
// durable registry of prepared foreign participants, commit-time
// orchestration across them, persistence to the write-ahead log and the
// state-file directory, and crash recovery.
package coordinator

import (
	"sync"

	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/xlog"
)

// Identifier types shared with participant drivers.
type (
	// XID is a local transaction identifier.
	XID = driver.XID
	// ServerID identifies a foreign server.
	ServerID = driver.ServerID
	// UserID identifies an authenticating principal.
	UserID = driver.UserID
	// UMID identifies a user mapping.
	UMID = driver.UMID
)

// DBID identifies the local database owning a distributed transaction.
type DBID uint32

// BackendID identifies a backend session attached to the Control.
type BackendID uint32

// Status is the resolution state of an Entry.
type Status uint16

const (
	// StatusInvalid marks a free or destroyed entry.
	StatusInvalid Status = iota
	// StatusPreparing is an entry whose insertion is in flight.
	StatusPreparing
	// StatusPrepared is a durably prepared participant awaiting resolution.
	StatusPrepared
	// StatusCommitting is a participant being committed.
	StatusCommitting
	// StatusAborting is a participant being aborted.
	StatusAborting
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommitting:
		return "committing"
	case StatusAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Entry is the durable record of one prepared foreign participant.
// Identity fields are immutable while the entry is allocated, except that
// log replay fills in the database of an entry recovered from a state
// file. The status
// and flag fields are guarded by the entry's own mutex, which nests inside
// the Control lock and must never be held across I/O.
type Entry struct {
	xid      XID
	dbid     DBID
	serverID ServerID
	userID   UserID
	umid     UMID
	id       []byte // Participant-unique prepared-transaction name.

	insertStartLSN xlog.LSN
	insertEndLSN   xlog.LSN

	mu           sync.Mutex
	status       Status
	valid        bool // Insertion record is WAL-flushed.
	ondisk       bool // Spilled to the state-file directory.
	inredo       bool // Reconstructed during recovery.
	indoubt      bool // Orphaned; no live owner.
	heldBy       BackendID
	inprocessing bool // Claimed by a resolution attempt.

	next int // Free-list link.
}

// XID returns the local transaction of the entry.
func (e *Entry) XID() XID { return e.xid }

// DBID returns the owning database of the entry.
func (e *Entry) DBID() DBID { return e.dbid }

// ServerID returns the foreign server of the entry.
func (e *Entry) ServerID() ServerID { return e.serverID }

// UserID returns the principal of the entry.
func (e *Entry) UserID() UserID { return e.userID }

// UMID returns the user mapping of the entry.
func (e *Entry) UMID() UMID { return e.umid }

// PrepareID returns the participant-unique prepared-transaction name.
func (e *Entry) PrepareID() []byte { return e.id }

// Status returns the current resolution state.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// InDoubt returns whether the entry is orphaned.
func (e *Entry) InDoubt() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indoubt
}

// ForeignXactRow is one row of the observability surface.
type ForeignXactRow struct {
	XID      XID      `json:"xid"`
	DBID     DBID     `json:"dbid"`
	ServerID ServerID `json:"serverid"`
	UserID   UserID   `json:"userid"`
	Status   string   `json:"status"`
	InDoubt  bool     `json:"indoubt"`
	OnDisk   bool     `json:"ondisk"`
}
