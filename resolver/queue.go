package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.fedxact.dev/core/coordinator"
	"go.fedxact.dev/core/latch"
	"go.fedxact.dev/core/metrics"
)

// ErrShutdown is returned to waiters woken by Manager shutdown.
var ErrShutdown = errors.New("resolver manager is shut down")

// waiter is one backend's pending request that a distributed transaction
// be finalized. The backend blocks on the waiter's latch; the resolver
// completes or fails it and sets the latch.
type waiter struct {
	dbid            coordinator.DBID
	xid             coordinator.XID
	commitRequested bool
	deadline        time.Time
	attempts        int
	latch           *latch.Latch

	mu   sync.Mutex
	done bool
	err  error
}

func (w *waiter) complete() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.latch.Set()
}

func (w *waiter) fail(err error) {
	w.mu.Lock()
	w.done = true
	w.err = err
	w.mu.Unlock()
	w.latch.Set()
}

func (w *waiter) finished() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done, w.err
}

// WaitForResolution enqueues a waiter for (|dbid|, |xid|) with the given
// outcome, ensures a resolver covers the database, and blocks until the
// resolver finalizes the transaction's entries or |ctx| is done. On
// context cancellation the waiter is withdrawn and its entries remain
// prepared; the in-doubt pass takes them up only once they are in doubt.
func (m *Manager) WaitForResolution(ctx context.Context, dbid coordinator.DBID, xid coordinator.XID, commitRequested bool) error {
	var w = &waiter{
		dbid:            dbid,
		xid:             xid,
		commitRequested: commitRequested,
		deadline:        time.Now(),
		latch:           latch.New(),
	}

	m.resolutionMu.Lock()
	m.queues[dbid] = append(m.queues[dbid], w)
	m.resolutionMu.Unlock()

	metrics.ResolverWaitersGauge.Inc()
	defer metrics.ResolverWaitersGauge.Dec()

	m.LaunchOrWakeup(dbid)

	for {
		w.latch.Reset()
		if done, err := w.finished(); done {
			return err
		}

		select {
		case <-w.latch.Ready():
		case <-m.ctx.Done():
			m.withdraw(w)
			return ErrShutdown
		case <-ctx.Done():
			m.withdraw(w)
			if done, err := w.finished(); done {
				return err
			}
			return ctx.Err()
		}
	}
}

// nextWaiter dequeues the first waiter of |dbid| whose deadline has
// arrived, in queue order.
func (m *Manager) nextWaiter(dbid coordinator.DBID, now time.Time) *waiter {
	m.resolutionMu.Lock()
	defer m.resolutionMu.Unlock()

	var q = m.queues[dbid]
	for i, w := range q {
		if w.deadline.After(now) {
			continue
		}
		m.queues[dbid] = append(q[:i:i], q[i+1:]...)
		return w
	}
	return nil
}

// requeue returns a waiter whose resolution attempt failed, backing its
// deadline off exponentially up to the configured ceiling.
func (m *Manager) requeue(w *waiter) {
	var backoff = m.cfg.backoffCeiling()
	if w.attempts < 16 {
		if b := retryBackoffBase << w.attempts; b < backoff {
			backoff = b
		}
	}
	w.attempts++
	w.deadline = time.Now().Add(backoff)

	m.resolutionMu.Lock()
	m.queues[w.dbid] = append(m.queues[w.dbid], w)
	m.resolutionMu.Unlock()
}

// withdraw removes a waiter which stopped waiting. The waiter may already
// have been dequeued by a resolver, in which case this is a no-op.
func (m *Manager) withdraw(w *waiter) {
	m.resolutionMu.Lock()
	defer m.resolutionMu.Unlock()

	var q = m.queues[w.dbid]
	for i, qw := range q {
		if qw == w {
			m.queues[w.dbid] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// hasWaiters returns whether any waiter is queued on |dbid|.
func (m *Manager) hasWaiters(dbid coordinator.DBID) bool {
	m.resolutionMu.Lock()
	defer m.resolutionMu.Unlock()
	return len(m.queues[dbid]) != 0
}

// nextDeadline returns the earliest deadline queued on |dbid|.
func (m *Manager) nextDeadline(dbid coordinator.DBID) (time.Time, bool) {
	m.resolutionMu.Lock()
	defer m.resolutionMu.Unlock()

	var best time.Time
	var ok bool
	for _, w := range m.queues[dbid] {
		if !ok || w.deadline.Before(best) {
			best, ok = w.deadline, true
		}
	}
	return best, ok
}
