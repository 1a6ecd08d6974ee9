package coordinator

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/latch"
	"go.fedxact.dev/core/metrics"
)

// Backend is one session's view of the foreign-transaction manager. It
// accumulates registered participants across the statements of the current
// local transaction, and drives them through commit.
type Backend struct {
	id    BackendID
	dbid  DBID
	ctl   *Control
	Latch *latch.Latch

	xid          XID
	participants []*participant
}

type participant struct {
	server driver.Server
	um     driver.UserMapping
	drv    driver.Driver

	modified  bool
	prepareID []byte
	entry     *Entry // Non-nil once prepared.
}

// NewBackend attaches a session of database |dbid| to the Control.
func (c *Control) NewBackend(dbid DBID) *Backend {
	return &Backend{
		id:    BackendID(c.nextBackend.Add(1)),
		dbid:  dbid,
		ctl:   c,
		Latch: latch.New(),
	}
}

// ID returns the backend identifier.
func (b *Backend) ID() BackendID { return b.id }

// DBID returns the backend's database.
func (b *Backend) DBID() DBID { return b.dbid }

// RegisterParticipant records that the current transaction touched the
// foreign server, and whether it modified data there. Registration is
// idempotent; |modified| accumulates.
func (b *Backend) RegisterParticipant(serverID ServerID, userID UserID, modified bool) error {
	for _, p := range b.participants {
		if p.server.ID == serverID && p.um.UserID == userID {
			p.modified = p.modified || modified
			return nil
		}
	}

	var server, err = b.ctl.catalog.Server(serverID)
	if err != nil {
		return err
	}
	um, err := b.ctl.catalog.UserMappingFor(serverID, userID)
	if err != nil {
		return err
	}
	drv, err := b.ctl.registry.Get(server.Driver)
	if err != nil {
		return errors.WithMessagef(err, "server %q", server.Name)
	}

	b.participants = append(b.participants, &participant{
		server:   server,
		um:       um,
		drv:      drv,
		modified: modified,
	})
	return nil
}

func (b *Backend) txn(p *participant) driver.Txn {
	return driver.Txn{XID: b.xid, Server: p.server, UserMapping: p.um}
}

func (b *Backend) modifying() []*participant {
	var out []*participant
	for _, p := range b.participants {
		if p.modified {
			out = append(out, p)
		}
	}
	return out
}

// PreCommit is invoked on the local commit path, before the local commit
// record is written. It decides whether two-phase commit is required and,
// where the commit mode allows, prepares modifying participants. On error
// the local commit must fail; the caller then finishes with
// AtEOXact(ctx, false).
func (b *Backend) PreCommit(ctx context.Context, xid XID, localModified bool) error {
	b.xid = xid

	var modifying = b.modifying()
	var required = len(modifying) >= 2 || (localModified && len(modifying) >= 1)
	if !required {
		return nil
	}

	switch b.ctl.cfg.CommitMode {
	case CommitDisabled:
		return ErrTwoPhaseNotAllowed

	case CommitRequired:
		for _, p := range modifying {
			if _, ok := driver.AsTwoPhase(p.drv); !ok {
				return errors.WithMessagef(ErrTwoPhaseUnsupported, "server %q", p.server.Name)
			}
		}
		return b.prepareAll(ctx, modifying)

	case CommitPrefer:
		var capable []*participant
		for _, p := range modifying {
			if _, ok := driver.AsTwoPhase(p.drv); ok {
				capable = append(capable, p)
			}
		}
		return b.prepareAll(ctx, capable)

	default:
		panic("invalid commit mode")
	}
}

// prepareAll prepares each participant: the entry is registered and made
// durable first, and only then is the participant itself prepared. A
// failure mid-flight fails the commit; participants already prepared are
// aborted by the AtEOXact(false) which follows.
func (b *Backend) prepareAll(ctx context.Context, participants []*participant) error {
	for _, p := range participants {
		var tp, _ = driver.AsTwoPhase(p.drv)

		var id, err = p.drv.MakePrepareID(b.txn(p))
		if err != nil {
			return errors.Wrapf(err, "server %q", p.server.Name)
		}

		var e *Entry
		if e, err = b.ctl.Insert(b.xid, b.dbid, p.server.ID, p.um.UserID, p.um.ID, id, b.id); err != nil {
			return errors.WithMessagef(err, "server %q", p.server.Name)
		}

		if err = tp.Prepare(ctx, b.txn(p), id); err != nil {
			// The participant holds no prepared transaction. Unwind the
			// entry so recovery does not resurrect it.
			if rmErr := b.ctl.remove(e); rmErr != nil {
				log.WithFields(log.Fields{"xid": b.xid, "err": rmErr}).
					Warn("failed to unwind foreign-transaction entry")
			}
			return errors.Wrapf(err, "preparing on server %q", p.server.Name)
		}

		e.mu.Lock()
		e.status = StatusPrepared
		e.mu.Unlock()

		p.prepareID = id
		p.entry = e
		metrics.FdwXactPreparedTotal.Inc()
	}
	return nil
}

// AtEOXact finishes the distributed transaction after the local outcome
// is durable. Prepared participants are resolved with the local outcome;
// unprepared participants are one-phase committed or rolled back. The
// local outcome can no longer change, so participant failures here are
// warnings: the entry stays prepared and a resolver retries it.
func (b *Backend) AtEOXact(ctx context.Context, isCommit bool) {
	for _, p := range b.participants {
		if p.entry != nil {
			if err := b.ctl.resolveEntry(ctx, p.entry, isCommit); err != nil {
				log.WithFields(log.Fields{
					"xid": b.xid, "server": p.server.Name, "commit": isCommit, "err": err,
				}).Warn("failed to resolve foreign transaction; a resolver will retry")
			} else {
				p.entry = nil
			}
			continue
		}

		var err error
		if isCommit {
			err = p.drv.Commit(ctx, b.txn(p))
		} else {
			err = p.drv.Rollback(ctx, b.txn(p))
		}
		if err != nil {
			log.WithFields(log.Fields{
				"xid": b.xid, "server": p.server.Name, "commit": isCommit, "err": err,
			}).Warn("failed to finish one-phase participant")
		}
	}
	b.forgetParticipants()
}

// PrepareParticipants is the explicit prepared-transaction path: every
// modifying participant must be able to prepare. Prepared entries are left
// behind with no owner, for a resolver to finalize once the local prepared
// transaction is itself resolved.
func (b *Backend) PrepareParticipants(ctx context.Context, xid XID) error {
	b.xid = xid

	var modifying = b.modifying()
	for _, p := range modifying {
		if _, ok := driver.AsTwoPhase(p.drv); !ok {
			return errors.WithMessagef(ErrTwoPhaseUnsupported, "server %q", p.server.Name)
		}
	}
	if err := b.prepareAll(ctx, modifying); err != nil {
		return err
	}

	b.ctl.mu.RLock()
	for _, p := range modifying {
		var e = p.entry
		e.mu.Lock()
		e.heldBy = 0
		e.mu.Unlock()
		p.entry = nil
	}
	b.ctl.mu.RUnlock()

	b.forgetParticipants()
	return nil
}

// Detach releases the backend's claim on any remaining entries. Entries
// which were not resolved become in-doubt, to be finished by a resolver.
func (b *Backend) Detach() {
	b.ctl.mu.RLock()
	for i := range b.ctl.entries {
		var e = &b.ctl.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && e.heldBy == b.id {
			e.heldBy = 0
			if !e.indoubt {
				e.indoubt = true
				metrics.FdwXactInDoubtGauge.Inc()
			}
		}
		e.mu.Unlock()
	}
	b.ctl.mu.RUnlock()

	b.forgetParticipants()
}

func (b *Backend) forgetParticipants() {
	b.participants = b.participants[:0]
	b.xid = 0
}
