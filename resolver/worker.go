package resolver

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// serveResolver is the resolver loop of one database: drain due waiters,
// run an in-doubt pass, then sleep until woken or the next deadline. It
// exits on shutdown, on Stop, or on idle timeout.
func (m *Manager) serveResolver(ctx context.Context, s *slot) {
	defer m.detach(s)

	log.WithField("dbid", s.dbid).Info("foreign-transaction resolver started")

	var idleSince = time.Now()
	var timer = time.NewTimer(0)
	defer timer.Stop()

	for {
		s.latch.Reset()
		if ctx.Err() != nil {
			log.WithField("dbid", s.dbid).Info("foreign-transaction resolver stopping")
			return
		}

		var didWork bool
		for {
			var w = m.nextWaiter(s.dbid, time.Now())
			if w == nil {
				break
			}
			didWork = m.resolveWaiter(ctx, s, w) || didWork

			if ctx.Err() != nil {
				return
			}
		}
		didWork = m.resolveInDoubt(ctx, s) || didWork

		if didWork {
			idleSince = time.Now()
		}
		if m.cfg.ResolverTimeout > 0 && !m.hasWaiters(s.dbid) &&
			time.Since(idleSince) >= m.cfg.ResolverTimeout {
			log.WithField("dbid", s.dbid).Info("foreign-transaction resolver idle; detaching")
			return
		}

		var d = m.cfg.RetryInterval
		if next, ok := m.nextDeadline(s.dbid); ok {
			if until := time.Until(next); until < d {
				d = until
			}
		}
		if m.cfg.ResolverTimeout > 0 {
			if until := time.Until(idleSince.Add(m.cfg.ResolverTimeout)); until < d {
				d = until
			}
		}
		if d < 0 {
			d = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return
		case <-s.latch.Ready():
		case <-timer.C:
		}
	}
}

// resolveWaiter finalizes the entries of one waiter with its requested
// outcome. On failure the remaining held entries are released and the
// waiter is re-enqueued with backoff; the backend keeps waiting.
func (m *Manager) resolveWaiter(ctx context.Context, s *slot, w *waiter) bool {
	var held = m.ctl.HoldForResolution(s.dbid, w.xid)

	for i, e := range held {
		if err := m.ctl.Resolve(ctx, e, w.commitRequested); err != nil {
			for _, h := range held[i:] {
				m.ctl.ReleaseHeld(h)
			}
			m.requeue(w)

			log.WithFields(log.Fields{
				"xid": w.xid, "dbid": s.dbid, "attempts": w.attempts, "err": err,
			}).Warn("failed to resolve foreign transaction; will retry")
			return i > 0
		}
	}

	s.setLastResolved(time.Now())
	w.complete()
	return true
}

// resolveInDoubt makes one pass over the in-doubt entries of the slot's
// database, applying the recovered intent of each. Failures leave the
// entry in doubt for the next pass.
func (m *Manager) resolveInDoubt(ctx context.Context, s *slot) bool {
	var resolved bool
	for _, e := range m.ctl.HoldInDoubt(s.dbid) {
		if ctx.Err() != nil {
			m.ctl.ReleaseHeld(e)
			continue
		}

		var commit = m.ctl.IntentOf(e)
		if err := m.ctl.Resolve(ctx, e, commit); err != nil {
			m.ctl.ReleaseHeld(e)
			log.WithFields(log.Fields{
				"xid": e.XID(), "dbid": s.dbid, "commit": commit, "err": err,
			}).Warn("failed to resolve in-doubt foreign transaction")
			continue
		}
		resolved = true
		s.setLastResolved(time.Now())
	}
	return resolved
}
