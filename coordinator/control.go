package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/metrics"
	"go.fedxact.dev/core/xlog"
)

// CommitMode selects how distributed transactions are committed.
type CommitMode int

const (
	// CommitDisabled never uses two-phase commit, and fails distributed
	// transactions which would require it.
	CommitDisabled CommitMode = iota
	// CommitRequired prepares every modifying participant, and fails if
	// any of them cannot prepare.
	CommitRequired
	// CommitPrefer prepares modifying participants which are able to, and
	// one-phase commits the rest.
	CommitPrefer
)

// ParseCommitMode maps a configuration string to its CommitMode.
func ParseCommitMode(s string) (CommitMode, error) {
	switch s {
	case "disabled":
		return CommitDisabled, nil
	case "required":
		return CommitRequired, nil
	case "prefer":
		return CommitPrefer, nil
	default:
		return 0, errors.Errorf("invalid foreign_twophase_commit value %q", s)
	}
}

// Config parameterizes a Control.
type Config struct {
	// MaxPreparedXacts bounds the entry pool.
	MaxPreparedXacts int
	// CommitMode is the foreign_twophase_commit setting.
	CommitMode CommitMode
	// Decider recovers the local outcome of an in-doubt transaction whose
	// last known status is neither committing nor aborting. A nil Decider
	// commits such transactions on resurrection.
	Decider Decider
}

// Decider reports the local outcome of |xid|: commit, abort, or unknown.
type Decider func(xid XID) Outcome

// Outcome is a Decider verdict.
type Outcome int

const (
	// OutcomeUnknown defers to the default resurrection policy.
	OutcomeUnknown Outcome = iota
	// OutcomeCommit means the local transaction committed.
	OutcomeCommit
	// OutcomeAbort means the local transaction aborted.
	OutcomeAbort
)

// Control is the shared foreign-transaction manager state: a fixed pool of
// entries with an index-linked free list, guarded by a reader/writer lock.
// Structural mutation requires the lock exclusively; iteration requires it
// shared. It ranks innermost among the subsystem locks.
type Control struct {
	cfg      Config
	wal      xlog.Writer
	stateDir string
	registry *driver.Registry
	catalog  *driver.Catalog

	mu       sync.RWMutex
	entries  []Entry
	freeHead int
	valid    int

	nextBackend atomic.Uint32
}

// NewControl returns a Control persisting through |wal| and |stateDir|.
func NewControl(cfg Config, wal xlog.Writer, stateDir string, registry *driver.Registry, catalog *driver.Catalog) *Control {
	var c = &Control{
		cfg:      cfg,
		wal:      wal,
		stateDir: stateDir,
		registry: registry,
		catalog:  catalog,
		entries:  make([]Entry, cfg.MaxPreparedXacts),
		freeHead: -1,
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		c.entries[i].next = c.freeHead
		c.freeHead = i
	}
	return c
}

// allocate pops a free entry and fills its identity. Caller must hold
// c.mu exclusively.
func (c *Control) allocate(xid XID, dbid DBID, serverID ServerID, userID UserID, umid UMID, id []byte) (*Entry, error) {
	for i := range c.entries {
		var e = &c.entries[i]
		if e.status != StatusInvalid && e.dbid == dbid &&
			e.serverID == serverID && e.userID == userID {
			return nil, errors.Errorf(
				"duplicate foreign transaction of server %d, user %d in database %d",
				serverID, userID, dbid)
		}
	}
	if c.freeHead == -1 {
		return nil, ErrSlotExhausted
	}

	var e = &c.entries[c.freeHead]
	c.freeHead = e.next

	*e = Entry{
		xid:      xid,
		dbid:     dbid,
		serverID: serverID,
		userID:   userID,
		umid:     umid,
		id:       append([]byte(nil), id...),
		status:   StatusPreparing,
		next:     -1,
	}
	c.valid++
	metrics.FdwXactValidGauge.Inc()
	return e, nil
}

// release returns |e| to the free list. Caller must hold c.mu exclusively.
func (c *Control) release(e *Entry) {
	if e.indoubt {
		metrics.FdwXactInDoubtGauge.Dec()
	}
	var i = c.index(e)
	*e = Entry{status: StatusInvalid, next: c.freeHead}
	c.freeHead = i
	c.valid--
	metrics.FdwXactValidGauge.Dec()
}

func (c *Control) index(e *Entry) int {
	for i := range c.entries {
		if &c.entries[i] == e {
			return i
		}
	}
	panic("entry does not belong to this control")
}

// Insert durably registers a new entry: it is allocated, its insertion
// record is appended and flushed, and only then does it become valid.
func (c *Control) Insert(xid XID, dbid DBID, serverID ServerID, userID UserID, umid UMID, id []byte, heldBy BackendID) (*Entry, error) {
	c.mu.Lock()
	var e, err = c.allocate(xid, dbid, serverID, userID, umid, id)
	if err == nil {
		e.heldBy = heldBy
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var body []byte
	if body, err = (xlog.InsertPrepare{
		DBID:     uint32(dbid),
		ServerID: uint32(serverID),
		UserID:   uint32(userID),
		UMID:     uint32(umid),
		LocalXID: uint32(xid),
		ID:       id,
	}).Marshal(); err == nil {
		var start, end xlog.LSN
		if start, end, err = c.wal.Append(xlog.TypeInsertPrepare, body); err == nil {
			if err = c.wal.Flush(); err == nil {
				e.mu.Lock()
				e.insertStartLSN, e.insertEndLSN = start, end
				e.valid = true
				e.mu.Unlock()
				return e, nil
			}
		}
	}

	// Log I/O failures are fatal to the commit. Unwind the allocation.
	c.mu.Lock()
	c.release(e)
	c.mu.Unlock()
	return nil, errors.Wrap(err, "persisting foreign-transaction entry")
}

// remove writes the removal record of |e| and destroys it, unlinking its
// state file if one was spilled. The removal record is appended strictly
// after the participant reached its terminal state.
func (c *Control) remove(e *Entry) error {
	var body, err = (xlog.RemovePrepare{
		DBID:     uint32(e.dbid),
		ServerID: uint32(e.serverID),
		UserID:   uint32(e.userID),
		LocalXID: uint32(e.xid),
	}).Marshal()
	if err == nil {
		if _, _, err = c.wal.Append(xlog.TypeRemovePrepare, body); err == nil {
			err = c.wal.Flush()
		}
	}
	if err != nil {
		return errors.Wrap(err, "persisting foreign-transaction removal")
	}

	e.mu.Lock()
	var ondisk = e.ondisk
	e.mu.Unlock()

	if ondisk {
		if err = removeStateFile(c.stateDir, e.xid, e.serverID, e.userID); err != nil {
			log.WithFields(log.Fields{"xid": e.xid, "err": err}).
				Warn("failed to unlink foreign-transaction state file")
		}
	}

	c.mu.Lock()
	c.release(e)
	c.mu.Unlock()
	return nil
}

// matches applies the wildcard match convention: a zero identifier
// matches any value.
func (e *Entry) matches(xid XID, dbid DBID, serverID ServerID, userID UserID) bool {
	return (xid == 0 || e.xid == xid) &&
		(dbid == 0 || e.dbid == dbid) &&
		(serverID == 0 || e.serverID == serverID) &&
		(userID == 0 || e.userID == userID)
}

// Search returns observability rows of entries matching the given
// identifiers, where zero matches any value.
func (c *Control) Search(xid XID, dbid DBID, serverID ServerID, userID UserID) []ForeignXactRow {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var rows []ForeignXactRow
	for i := range c.entries {
		var e = &c.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && e.matches(xid, dbid, serverID, userID) {
			rows = append(rows, ForeignXactRow{
				XID:      e.xid,
				DBID:     e.dbid,
				ServerID: e.serverID,
				UserID:   e.userID,
				Status:   e.status.String(),
				InDoubt:  e.indoubt,
				OnDisk:   e.ondisk,
			})
		}
		e.mu.Unlock()
	}
	return rows
}

// ForeignXacts returns observability rows of all entries.
func (c *Control) ForeignXacts() []ForeignXactRow {
	return c.Search(0, 0, 0, 0)
}

// Forget removes matching entries without resolving their participants.
// It is the operator escape hatch for participants which no longer exist,
// such as dropped servers or point-in-time-recovered sources. Held or
// claimed entries are skipped. It returns the number of removed entries.
func (c *Control) Forget(xid XID, dbid DBID, serverID ServerID, userID UserID) (int, error) {
	var victims []*Entry

	c.mu.Lock()
	for i := range c.entries {
		var e = &c.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && e.matches(xid, dbid, serverID, userID) &&
			e.heldBy == 0 && !e.inprocessing {
			e.inprocessing = true
			victims = append(victims, e)
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()

	for _, e := range victims {
		log.WithFields(log.Fields{
			"xid": e.xid, "dbid": e.dbid, "serverid": e.serverID,
		}).Info("forgetting foreign transaction")

		if err := c.remove(e); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// DatabasesNeedingResolution returns databases holding at least one entry
// which is not in doubt.
func (c *Control) DatabasesNeedingResolution() []DBID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var seen = make(map[DBID]bool)
	var dbs []DBID
	for i := range c.entries {
		var e = &c.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && !e.indoubt && !seen[e.dbid] {
			seen[e.dbid] = true
			dbs = append(dbs, e.dbid)
		}
		e.mu.Unlock()
	}
	return dbs
}

// ValidEntries returns the number of allocated entries.
func (c *Control) ValidEntries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}
