package coordinator

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/metrics"
)

// resolveEntry finalizes the participant of |e| with the given outcome.
// On success the entry's removal record is written and the entry is
// destroyed. On failure the entry reverts to its prior status and the
// error is returned for the caller to retry.
func (c *Control) resolveEntry(ctx context.Context, e *Entry, commit bool) error {
	var server, err = c.catalog.Server(e.serverID)
	if err != nil {
		return err
	}
	um, err := c.catalog.UserMapping(e.umid)
	if err != nil {
		return err
	}
	drv, err := c.registry.Get(server.Driver)
	if err != nil {
		return err
	}
	tp, ok := driver.AsTwoPhase(drv)
	if !ok {
		return errors.Errorf("server %q driver lost its prepare capability", server.Name)
	}

	e.mu.Lock()
	var prev = e.status
	if commit {
		e.status = StatusCommitting
	} else {
		e.status = StatusAborting
	}
	e.mu.Unlock()

	var txn = driver.Txn{XID: e.xid, Server: server, UserMapping: um}

	err = tp.Resolve(ctx, txn, e.id, commit)
	if errors.Cause(err) == driver.ErrPreparedAbsent {
		// The participant already reached a terminal state.
		log.WithFields(log.Fields{"xid": e.xid, "server": server.Name}).
			Debug("prepared transaction is already gone from participant")
		err = nil
	}
	if err != nil {
		metrics.FdwXactResolutionsTotal.WithLabelValues(metrics.Fail).Inc()

		e.mu.Lock()
		e.status = prev
		e.mu.Unlock()
		return err
	}

	metrics.FdwXactResolutionsTotal.WithLabelValues(metrics.Ok).Inc()
	return c.remove(e)
}

// Resolve finalizes a held entry with the given outcome. The caller must
// have claimed |e| through one of the Hold variants.
func (c *Control) Resolve(ctx context.Context, e *Entry, commit bool) error {
	return c.resolveEntry(ctx, e, commit)
}

// HoldForResolution claims all entries of (|dbid|, |xid|) which are not
// already claimed, marking each as in processing. At most one resolution
// attempt holds a given entry at a time.
func (c *Control) HoldForResolution(dbid DBID, xid XID) []*Entry {
	return c.hold(func(e *Entry) bool {
		return e.dbid == dbid && e.xid == xid && e.heldBy == 0
	})
}

// HoldInDoubt claims all in-doubt entries of |dbid| which are not already
// claimed.
func (c *Control) HoldInDoubt(dbid DBID) []*Entry {
	return c.hold(func(e *Entry) bool {
		return e.dbid == dbid && e.indoubt
	})
}

func (c *Control) hold(match func(*Entry) bool) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var held []*Entry
	for i := range c.entries {
		var e = &c.entries[i]

		e.mu.Lock()
		if e.status != StatusInvalid && e.valid && !e.inprocessing && match(e) {
			e.inprocessing = true
			held = append(held, e)
		}
		e.mu.Unlock()
	}
	return held
}

// ReleaseHeld returns a claimed entry after a failed resolution attempt.
func (c *Control) ReleaseHeld(e *Entry) {
	e.mu.Lock()
	e.inprocessing = false
	e.mu.Unlock()
}

// IntentOf recovers the outcome to apply to |e|: its recorded status if a
// resolution was already underway, the configured Decider's verdict
// otherwise. Transactions with no recoverable verdict are committed.
func (c *Control) IntentOf(e *Entry) bool {
	e.mu.Lock()
	var status = e.status
	e.mu.Unlock()

	switch status {
	case StatusCommitting:
		return true
	case StatusAborting:
		return false
	}

	if c.cfg.Decider != nil {
		switch c.cfg.Decider(e.xid) {
		case OutcomeCommit:
			return true
		case OutcomeAbort:
			return false
		}
	}
	return true
}

// ResolveByDatabase resolves all resolvable entries of |dbid| from a
// foreground caller, consulting |decider| (or the Control's own) for
// entries whose intent is unknown. It returns the number of entries
// resolved; entries whose participants fail remain prepared.
func (c *Control) ResolveByDatabase(ctx context.Context, dbid DBID, decider Decider) (int, error) {
	var held = c.hold(func(e *Entry) bool {
		return e.dbid == dbid && e.heldBy == 0
	})

	var resolved int
	for _, e := range held {
		var commit bool

		e.mu.Lock()
		var status = e.status
		e.mu.Unlock()

		switch status {
		case StatusCommitting:
			commit = true
		case StatusAborting:
			commit = false
		default:
			commit = true
			if decider == nil {
				decider = c.cfg.Decider
			}
			if decider != nil {
				switch decider(e.xid) {
				case OutcomeAbort:
					commit = false
				}
			}
		}

		if err := c.resolveEntry(ctx, e, commit); err != nil {
			c.ReleaseHeld(e)
			log.WithFields(log.Fields{"xid": e.xid, "dbid": dbid, "err": err}).
				Warn("failed to resolve foreign transaction")
			continue
		}
		resolved++
	}
	return resolved, nil
}
