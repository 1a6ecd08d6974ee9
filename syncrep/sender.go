package syncrep

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/metrics"
	"go.fedxact.dev/core/xlog"
)

// SenderState is the lifecycle state of a replication sender.
type SenderState int

const (
	// SenderStartup is a registered sender which has not begun streaming.
	SenderStartup SenderState = iota
	// SenderStreaming is a sender actively shipping log to its standby.
	SenderStreaming
	// SenderStopping is a sender draining before exit.
	SenderStopping
)

// ErrSendersExhausted is returned when the sender pool is full.
var ErrSendersExhausted = errors.New("replication sender slots are exhausted")

// Sender is one replication sender's registration with the Engine. The
// sender reports its standby's acknowledged positions through Advance,
// which releases any waiters its progress satisfies.
type Sender struct {
	e    *Engine
	slot *senderSlot
}

// senderSlot fields are guarded by the Engine lock.
type senderSlot struct {
	inUse    bool
	name     string
	state    SenderState
	priority int
	write    xlog.LSN
	flush    xlog.LSN
}

func (s *senderSlot) active() bool {
	return s.inUse && s.state == SenderStreaming && s.priority > 0 && s.flush.IsValid()
}

// RegisterSender claims a sender slot for the standby |name|. The
// sender's priority is its position in the configured standby group, or
// zero if the group does not name it.
func (e *Engine) RegisterSender(name string) (*Sender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.senders {
		var s = &e.senders[i]
		if s.inUse {
			continue
		}
		*s = senderSlot{
			inUse:    true,
			name:     name,
			state:    SenderStartup,
			priority: e.group.priorityOf(name),
		}
		return &Sender{e: e, slot: s}, nil
	}
	return nil, ErrSendersExhausted
}

// SetState transitions the sender's lifecycle state. Entering or leaving
// the streaming state changes group membership, so waiters are
// re-evaluated.
func (s *Sender) SetState(state SenderState) {
	s.e.mu.Lock()
	s.slot.state = state
	s.e.releaseWaiters(s.slot)
	s.e.mu.Unlock()
}

// Advance reports the standby's acknowledged write and flush positions
// and releases any waiters which the group's collective progress now
// satisfies.
func (s *Sender) Advance(write, flush xlog.LSN) {
	s.e.mu.Lock()
	if write > s.slot.write {
		s.slot.write = write
	}
	if flush > s.slot.flush {
		s.slot.flush = flush
	}
	s.e.releaseWaiters(s.slot)
	s.e.mu.Unlock()
}

// Close releases the sender's slot. Remaining waiters are re-evaluated
// against the surviving senders.
func (s *Sender) Close() {
	s.e.mu.Lock()
	*s.slot = senderSlot{}
	s.e.releaseWaiters(nil)
	s.e.mu.Unlock()

	log.Debug("replication sender detached")
}

// releaseWaiters computes the group's safe LSNs and completes every
// waiter they satisfy. A sender never promotes an advertised LSN beyond
// its own reported progress. Caller must hold the Engine lock.
func (e *Engine) releaseWaiters(from *senderSlot) {
	if !e.standbysDefined {
		return
	}
	var write, flush, ok = e.syncedLSNs(e.group)
	if !ok {
		return
	}

	if from == nil || from.write >= write {
		e.advertise(WaitWrite, write)
	}
	if from == nil || from.flush >= flush {
		e.advertise(WaitFlush, flush)
	}
}

// advertise promotes the mode's advertised LSN and walks its queue from
// the head, completing each waiter at or below the new position.
func (e *Engine) advertise(mode WaitMode, lsn xlog.LSN) {
	if lsn <= e.advertised[mode] {
		return
	}
	e.advertised[mode] = lsn
	metrics.SyncRepAdvertisedLSN.WithLabelValues(mode.String()).Set(float64(lsn))

	var released int
	for n := e.queues[mode].head; n != nil && n.waitLSN <= lsn; n = e.queues[mode].head {
		e.queues[mode].unlink(n)
		n.state = WaitComplete
		n.latch.Set()
		released++
	}
	if released != 0 {
		metrics.SyncRepReleasedTotal.WithLabelValues(mode.String()).Add(float64(released))
		log.WithFields(log.Fields{"mode": mode, "lsn": lsn, "released": released}).
			Debug("released synchronous-replication waiters")
	}
}

// syncedLSNs evaluates a priority group: the first WaitNum active members
// in listed order form the sync list, and the result is the minimum
// write and flush position over that list. A wildcard member admits any
// still-unlisted active sender. Fewer than WaitNum qualifying members
// yields no result. Caller must hold the Engine lock.
func (e *Engine) syncedLSNs(group *GroupSpec) (write, flush xlog.LSN, ok bool) {
	if group == nil {
		return 0, 0, false
	}

	var used = make(map[*senderSlot]bool)
	var n int
	write, flush = ^xlog.LSN(0), ^xlog.LSN(0)

	var admit = func(w, f xlog.LSN) {
		if w < write {
			write = w
		}
		if f < flush {
			flush = f
		}
		n++
	}

	for _, m := range group.Members {
		if n == group.WaitNum {
			break
		}

		if m.Group != nil {
			if w, f, sub := e.syncedLSNs(m.Group); sub {
				admit(w, f)
			}
			continue
		}

		for i := range e.senders {
			var s = &e.senders[i]
			if !s.active() || used[s] {
				continue
			}
			if m.Name != "*" && m.Name != s.name {
				continue
			}
			used[s] = true
			admit(s.write, s.flush)
			if n == group.WaitNum || m.Name != "*" {
				break
			}
		}
	}

	if n < group.WaitNum {
		return 0, 0, false
	}
	return write, flush, true
}

// priorityOf returns the 1-based position of the first leaf matching
// |name| in a depth-first walk of the group, or zero if none matches. A
// wildcard leaf matches any name.
func (g *GroupSpec) priorityOf(name string) int {
	if g == nil {
		return 0
	}
	var pos int
	return g.walkPriority(name, &pos)
}

func (g *GroupSpec) walkPriority(name string, pos *int) int {
	for _, m := range g.Members {
		if m.Group != nil {
			if p := m.Group.walkPriority(name, pos); p != 0 {
				return p
			}
			continue
		}
		*pos++
		if m.Name == "*" || m.Name == name {
			return *pos
		}
	}
	return 0
}
