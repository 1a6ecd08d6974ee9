package coordinator

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/metrics"
	"go.fedxact.dev/core/xlog"
)

// RecoverFromFiles scans the state-file directory and reconstructs a
// prepared entry per file. A file which fails its checksum or identity
// checks is fatal: the coordinator cannot know the fate of the
// participant it described.
func (c *Control) RecoverFromFiles() error {
	var names, err = os.ReadDir(c.stateDir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "reading state-file directory")
	}

	for _, de := range names {
		if filepath.Ext(de.Name()) == ".tmp" {
			// A checkpoint crashed mid-write. The entry is still in the log.
			os.Remove(filepath.Join(c.stateDir, de.Name()))
			continue
		}
		var path = filepath.Join(c.stateDir, de.Name())

		var b []byte
		if b, err = os.ReadFile(path); err != nil {
			return errors.Wrapf(err, "reading state file %s", path)
		}
		var contents stateFileContents
		if contents, err = unmarshalStateFile(b); err != nil {
			return errors.WithMessagef(err, "state file %s", path)
		}
		if de.Name() != filepath.Base(stateFilePath(c.stateDir, contents.xid, contents.serverID, contents.userID)) {
			return errors.WithMessagef(ErrStateFileCorrupt,
				"state file %s does not match its contents", path)
		}

		c.mu.Lock()
		var e *Entry
		e, err = c.allocate(contents.xid, 0, contents.serverID, contents.userID, contents.umid, contents.id)
		if err == nil {
			e.status = StatusPrepared
			e.valid = true
			e.ondisk = true
			e.inredo = true
		}
		c.mu.Unlock()
		if err != nil {
			return errors.WithMessagef(err, "recovering state file %s", path)
		}

		log.WithFields(log.Fields{"xid": contents.xid, "serverid": contents.serverID}).
			Info("recovered foreign transaction from state file")
	}
	return nil
}

// ReplayWAL replays insert and remove records from |r|. An insert creates
// or upgrades an entry; a remove destroys the entry and unlinks any state
// file it spilled.
func (c *Control) ReplayWAL(r *xlog.Reader) error {
	for {
		var rec, err = r.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "replaying log")
		}

		switch rec.Type {
		case xlog.TypeInsertPrepare:
			var body xlog.InsertPrepare
			if err = body.Unmarshal(rec.Body); err != nil {
				return err
			}
			c.redoAdd(body, rec.Start, rec.End)

		case xlog.TypeRemovePrepare:
			var body xlog.RemovePrepare
			if err = body.Unmarshal(rec.Body); err != nil {
				return err
			}
			c.redoRemove(body)

		default:
			log.WithField("type", rec.Type).Warn("skipping unknown log record")
		}
	}
}

func (c *Control) redoAdd(body xlog.InsertPrepare, start, end xlog.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// An entry recovered from a state file is upgraded in place.
	for i := range c.entries {
		var e = &c.entries[i]
		if e.status != StatusInvalid && e.xid == XID(body.LocalXID) &&
			e.serverID == ServerID(body.ServerID) && e.userID == UserID(body.UserID) {
			e.dbid = DBID(body.DBID)
			e.insertStartLSN, e.insertEndLSN = start, end
			e.valid = true
			e.inredo = true
			return
		}
	}

	var e, err = c.allocate(XID(body.LocalXID), DBID(body.DBID),
		ServerID(body.ServerID), UserID(body.UserID), UMID(body.UMID), body.ID)
	if err != nil {
		log.WithFields(log.Fields{"xid": body.LocalXID, "err": err}).
			Error("cannot replay foreign-transaction insert")
		return
	}
	e.status = StatusPrepared
	e.insertStartLSN, e.insertEndLSN = start, end
	e.valid = true
	e.inredo = true
}

func (c *Control) redoRemove(body xlog.RemovePrepare) {
	c.mu.Lock()
	var victim *Entry
	for i := range c.entries {
		var e = &c.entries[i]
		if e.status != StatusInvalid && e.xid == XID(body.LocalXID) &&
			e.serverID == ServerID(body.ServerID) && e.userID == UserID(body.UserID) {
			victim = e
			break
		}
	}
	var ondisk bool
	if victim != nil {
		ondisk = victim.ondisk
		c.release(victim)
	}
	c.mu.Unlock()

	if victim == nil {
		return
	}
	if ondisk {
		if err := removeStateFile(c.stateDir, XID(body.LocalXID),
			ServerID(body.ServerID), UserID(body.UserID)); err != nil {
			log.WithFields(log.Fields{"xid": body.LocalXID, "err": err}).
				Warn("failed to unlink foreign-transaction state file")
		}
	}
}

// Prescan drops entries of transactions at or beyond |nextXID|, which
// cannot have committed, and returns the oldest transaction among the
// survivors so the transaction manager can clamp its oldest-active
// boundary. With no survivors it returns |nextXID|.
func (c *Control) Prescan(nextXID XID) XID {
	c.mu.Lock()

	var oldest = nextXID
	var pruned []*Entry
	for i := range c.entries {
		var e = &c.entries[i]
		if e.status == StatusInvalid {
			continue
		}
		if e.xid >= nextXID {
			pruned = append(pruned, e)
			continue
		}
		if e.xid < oldest {
			oldest = e.xid
		}
	}

	type unlink struct {
		xid      XID
		serverID ServerID
		userID   UserID
		ondisk   bool
	}
	var unlinks []unlink
	for _, e := range pruned {
		log.WithFields(log.Fields{"xid": e.xid, "next_xid": nextXID}).
			Warn("dropping foreign transaction from the future")
		unlinks = append(unlinks, unlink{e.xid, e.serverID, e.userID, e.ondisk})
		c.release(e)
	}
	c.mu.Unlock()

	for _, u := range unlinks {
		if !u.ondisk {
			continue
		}
		if err := removeStateFile(c.stateDir, u.xid, u.serverID, u.userID); err != nil {
			log.WithFields(log.Fields{"xid": u.xid, "err": err}).
				Warn("failed to unlink foreign-transaction state file")
		}
	}
	return oldest
}

// MarkInDoubt flags surviving recovered entries whose transactions are
// not in |inProgress| as in doubt. It is called once the recovered state
// is consistent; in-doubt entries are thereafter owned by resolvers.
func (c *Control) MarkInDoubt(inProgress map[XID]bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.entries {
		var e = &c.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && e.inredo && !e.indoubt && !inProgress[e.xid] {
			e.indoubt = true
			metrics.FdwXactInDoubtGauge.Inc()

			log.WithFields(log.Fields{"xid": e.xid, "serverid": e.serverID}).
				Info("foreign transaction is in doubt")
		}
		e.mu.Unlock()
	}
}

// Recover runs the full startup sequence against the log at |walPath|:
// state files first, then log replay, then pruning and in-doubt marking.
// It returns the oldest surviving transaction id.
func (c *Control) Recover(walPath string, nextXID XID, inProgress map[XID]bool) (XID, error) {
	if err := c.RecoverFromFiles(); err != nil {
		return 0, err
	}

	var r, err = xlog.OpenReader(walPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if err = c.ReplayWAL(r); err != nil {
		return 0, err
	}
	var oldest = c.Prescan(nextXID)
	c.MarkInDoubt(inProgress)

	log.WithFields(log.Fields{"entries": c.ValidEntries(), "oldest_xid": oldest}).
		Info("recovered foreign-transaction state")
	return oldest, nil
}
