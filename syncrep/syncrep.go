// Package syncrep implements the synchronous-replication wait engine: a
// per-mode queue of committing backends ordered by the log position each
// waits on, released as replication senders report standby progress, and
// the standby-group evaluation which decides how far the group as a
// whole has durably advanced.
package syncrep

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/latch"
	"go.fedxact.dev/core/metrics"
	"go.fedxact.dev/core/xlog"
)

// CommitLevel is the synchronous_commit setting: how much standby
// durability a committing transaction waits for.
type CommitLevel int

const (
	// LevelOff waits for nothing.
	LevelOff CommitLevel = iota
	// LevelLocal waits for local flush only, which the caller has already
	// done by the time the engine is consulted.
	LevelLocal
	// LevelRemoteWrite waits until sync standbys have written the commit
	// record.
	LevelRemoteWrite
	// LevelOn waits until sync standbys have flushed the commit record.
	LevelOn
)

// ParseCommitLevel maps a synchronous_commit string to its CommitLevel.
func ParseCommitLevel(s string) (CommitLevel, error) {
	switch s {
	case "off":
		return LevelOff, nil
	case "local":
		return LevelLocal, nil
	case "remote_write":
		return LevelRemoteWrite, nil
	case "on":
		return LevelOn, nil
	default:
		return 0, errors.Errorf("invalid synchronous_commit value %q", s)
	}
}

func (l CommitLevel) waitMode() (WaitMode, bool) {
	switch l {
	case LevelRemoteWrite:
		return WaitWrite, true
	case LevelOn:
		return WaitFlush, true
	default:
		return 0, false
	}
}

// WaitMode selects which standby progress a waiter requires.
type WaitMode int

const (
	// WaitWrite waits on the standby write position.
	WaitWrite WaitMode = iota
	// WaitFlush waits on the standby flush position.
	WaitFlush
	numWaitModes
)

// String returns the mode's metric label.
func (m WaitMode) String() string {
	if m == WaitWrite {
		return "write"
	}
	return "flush"
}

// WaitState is a wait node's progress.
type WaitState int

const (
	// NotWaiting is a node which is not linked into any queue.
	NotWaiting WaitState = iota
	// Waiting is a node linked into a queue.
	Waiting
	// WaitComplete is a node whose wait was satisfied.
	WaitComplete
)

// ErrWaitCanceled is returned when a wait is abandoned before sync
// standbys acknowledged the commit. The transaction remains locally
// durable.
var ErrWaitCanceled = errors.New("synchronous replication wait canceled")

// waitNode fields are guarded by the Engine lock.
type waitNode struct {
	waitLSN xlog.LSN
	state   WaitState
	latch   *latch.Latch

	next, prev *waitNode
}

// waitQueue is a doubly-linked list in strictly ascending waitLSN order.
type waitQueue struct {
	head, tail *waitNode
}

// insert links |n| in LSN order, walking backward from the tail: the
// common case of arrival in commit order inserts in constant time.
func (q *waitQueue) insert(n *waitNode) {
	var after = q.tail
	for after != nil && after.waitLSN >= n.waitLSN {
		after = after.prev
	}

	n.prev = after
	if after == nil {
		n.next = q.head
		q.head = n
	} else {
		n.next = after.next
		after.next = n
	}
	if n.next == nil {
		q.tail = n
	} else {
		n.next.prev = n
	}
}

func (q *waitQueue) unlink(n *waitNode) {
	if n.prev == nil {
		q.head = n.next
	} else {
		n.prev.next = n.next
	}
	if n.next == nil {
		q.tail = n.prev
	} else {
		n.next.prev = n.prev
	}
	n.next, n.prev = nil, nil
}

// Config parameterizes an Engine.
type Config struct {
	// Level is the synchronous_commit setting.
	Level CommitLevel
	// StandbyNames is the synchronous_standby_names setting.
	StandbyNames string
	// MaxSenders bounds the replication-sender slot table.
	MaxSenders int
}

// Engine owns the wait queues, the advertised per-mode positions, the
// sender slot table, and the standby group. All of it is guarded by one
// lock, which is disjoint from the foreign-transaction locks.
type Engine struct {
	cfg Config

	mu              sync.Mutex
	queues          [numWaitModes]waitQueue
	advertised      [numWaitModes]xlog.LSN
	group           *GroupSpec
	standbysDefined bool
	senders         []senderSlot
}

// NewEngine returns an Engine with the configured standby group.
func NewEngine(cfg Config) (*Engine, error) {
	var group, err = ParseStandbyNames(cfg.StandbyNames)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:             cfg,
		group:           group,
		standbysDefined: group != nil,
		senders:         make([]senderSlot, cfg.MaxSenders),
	}, nil
}

// WaitForLSN blocks the caller until sync standbys acknowledge
// |commitLSN| under the configured level. It returns immediately if no
// wait is configured, no standbys are defined, or the group already
// advertised the position. On cancellation the caller is detached and
// ErrWaitCanceled returned: the transaction is durable locally, and only
// the client acknowledgement is affected.
func (e *Engine) WaitForLSN(ctx context.Context, commitLSN xlog.LSN) error {
	var mode, ok = e.cfg.Level.waitMode()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if !e.standbysDefined || e.advertised[mode] >= commitLSN {
		e.mu.Unlock()
		return nil
	}
	var n = &waitNode{
		waitLSN: commitLSN,
		state:   Waiting,
		latch:   latch.New(),
	}
	e.queues[mode].insert(n)
	e.mu.Unlock()

	var waiters = metrics.SyncRepWaitersGauge.WithLabelValues(mode.String())
	waiters.Inc()
	defer waiters.Dec()

	for {
		n.latch.Reset()

		e.mu.Lock()
		var state = n.state
		e.mu.Unlock()
		if state == WaitComplete {
			return nil
		}

		select {
		case <-n.latch.Ready():

		case <-ctx.Done():
			e.mu.Lock()
			if n.state == WaitComplete {
				e.mu.Unlock()
				return nil
			}
			e.queues[mode].unlink(n)
			n.state = NotWaiting
			e.mu.Unlock()

			metrics.SyncRepCanceledTotal.Inc()
			log.WithFields(log.Fields{"lsn": commitLSN, "err": ctx.Err()}).
				Warn("canceled waiting for synchronous replication; transaction is durable locally only")
			return ErrWaitCanceled
		}
	}
}

// Reconfigure replaces the standby group from a new
// synchronous_standby_names value. Transitioning to an empty group wakes
// every waiter on every mode, as no standby acknowledgement is required
// any longer. Sender priorities are recomputed against the new group.
func (e *Engine) Reconfigure(standbyNames string) error {
	var group, err = ParseStandbyNames(standbyNames)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.group = group
	e.standbysDefined = group != nil

	for i := range e.senders {
		if e.senders[i].inUse {
			e.senders[i].priority = group.priorityOf(e.senders[i].name)
		}
	}

	if !e.standbysDefined {
		for mode := WaitMode(0); mode < numWaitModes; mode++ {
			for n := e.queues[mode].head; n != nil; n = e.queues[mode].head {
				e.queues[mode].unlink(n)
				n.state = WaitComplete
				n.latch.Set()
			}
		}
		log.Info("synchronous standbys are no longer defined; released all waiters")
		return nil
	}

	// The new group may be satisfied further along than the old one was.
	e.releaseWaiters(nil)

	log.WithField("standby_names", standbyNames).Info("reconfigured synchronous standbys")
	return nil
}

// AdvertisedLSN returns the position most recently advertised for |mode|.
func (e *Engine) AdvertisedLSN(mode WaitMode) xlog.LSN {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advertised[mode]
}

// SenderRow is one row of the sender observability surface.
type SenderRow struct {
	Name     string   `json:"name"`
	State    int      `json:"state"`
	Priority int      `json:"priority"`
	Write    xlog.LSN `json:"write"`
	Flush    xlog.LSN `json:"flush"`
}

// EngineStatus is a point-in-time snapshot of the engine.
type EngineStatus struct {
	StandbysDefined bool        `json:"standbys_defined"`
	AdvertisedWrite xlog.LSN    `json:"advertised_write"`
	AdvertisedFlush xlog.LSN    `json:"advertised_flush"`
	WaitersWrite    int         `json:"waiters_write"`
	WaitersFlush    int         `json:"waiters_flush"`
	Senders         []SenderRow `json:"senders"`
}

// Status snapshots the engine for observability.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out = EngineStatus{
		StandbysDefined: e.standbysDefined,
		AdvertisedWrite: e.advertised[WaitWrite],
		AdvertisedFlush: e.advertised[WaitFlush],
	}
	for n := e.queues[WaitWrite].head; n != nil; n = n.next {
		out.WaitersWrite++
	}
	for n := e.queues[WaitFlush].head; n != nil; n = n.next {
		out.WaitersFlush++
	}
	for i := range e.senders {
		var s = &e.senders[i]
		if s.inUse {
			out.Senders = append(out.Senders, SenderRow{
				Name: s.name, State: int(s.state), Priority: s.priority,
				Write: s.write, Flush: s.flush,
			})
		}
	}
	return out
}
