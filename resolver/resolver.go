// Package resolver implements the foreign-transaction resolution
// subsystem: a launcher which starts one resolver per database holding
// unresolved foreign transactions, per-database waiter queues through
// which committing backends hand off their transactions, and the
// resolver loop which drains waiters and finalizes in-doubt entries.
package resolver

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.fedxact.dev/core/coordinator"
	"go.fedxact.dev/core/latch"
	"go.fedxact.dev/core/metrics"
)

// Config parameterizes a Manager.
type Config struct {
	// MaxResolvers bounds the resolver-slot table. It is the
	// max_foreign_xact_resolvers setting.
	MaxResolvers int
	// RetryInterval throttles launcher launches, and is the default pace
	// of resolver passes. It is the foreign_xact_resolution_retry_interval
	// setting.
	RetryInterval time.Duration
	// ResolverTimeout is the idle interval after which a resolver with no
	// queued waiters detaches its slot and exits. Zero disables the idle
	// exit. It is the foreign_xact_resolver_timeout setting.
	ResolverTimeout time.Duration
	// RetryBackoffCeiling caps the exponential backoff applied to a waiter
	// whose resolution attempts fail. If zero, RetryInterval is used.
	RetryBackoffCeiling time.Duration
}

// retryBackoffBase seeds the exponential backoff of failed resolutions.
const retryBackoffBase = 100 * time.Millisecond

func (cfg Config) backoffCeiling() time.Duration {
	if cfg.RetryBackoffCeiling != 0 {
		return cfg.RetryBackoffCeiling
	}
	return cfg.RetryInterval
}

// slot is one resolver worker registration. The zero slot is free.
type slot struct {
	mu sync.Mutex

	inUse        bool
	dbid         coordinator.DBID
	latch        *latch.Latch
	lastResolved time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *slot) setLastResolved(t time.Time) {
	s.mu.Lock()
	s.lastResolved = t
	s.mu.Unlock()
}

// SlotRow is one row of the resolver observability surface.
type SlotRow struct {
	Slot             int              `json:"slot"`
	DBID             coordinator.DBID `json:"dbid"`
	LastResolvedTime time.Time        `json:"last_resolved_time"`
}

// Manager owns the resolver-slot table, the per-database waiter queues,
// and the launcher. A Manager is constructed around a Control and serves
// until Shutdown.
type Manager struct {
	cfg Config
	ctl *coordinator.Control

	// resolutionMu guards the waiter queues. It ranks above slotMu, which
	// ranks above the Control's own lock.
	resolutionMu sync.Mutex
	queues       map[coordinator.DBID][]*waiter

	slotMu sync.Mutex
	slots  []slot

	requestMu sync.Mutex
	requested map[coordinator.DBID]bool

	launcherLatch *latch.Latch
	lastLaunch    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a Manager resolving entries of |ctl|. Start must be
// called before waiters are served.
func NewManager(cfg Config, ctl *coordinator.Control) *Manager {
	var ctx, cancel = context.WithCancel(context.Background())

	return &Manager{
		cfg:           cfg,
		ctl:           ctl,
		queues:        make(map[coordinator.DBID][]*waiter),
		slots:         make([]slot, cfg.MaxResolvers),
		requested:     make(map[coordinator.DBID]bool),
		launcherLatch: latch.New(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start runs the launcher. It returns immediately.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.serveLauncher()
}

// Shutdown stops the launcher and every resolver, and blocks until they
// have exited. Queued waiters are woken with ErrShutdown.
func (m *Manager) Shutdown() {
	m.cancel()
	m.launcherLatch.Set()

	m.slotMu.Lock()
	for i := range m.slots {
		if m.slots[i].inUse {
			m.slots[i].latch.Set()
		}
	}
	m.slotMu.Unlock()

	m.wg.Wait()

	m.resolutionMu.Lock()
	for dbid, q := range m.queues {
		for _, w := range q {
			w.fail(ErrShutdown)
		}
		delete(m.queues, dbid)
	}
	m.resolutionMu.Unlock()
}

// LaunchOrWakeup ensures a resolver is working on |dbid|: a running
// resolver covering it has its latch set, and otherwise the launcher is
// asked to start one. An explicit request bypasses launch throttling.
func (m *Manager) LaunchOrWakeup(dbid coordinator.DBID) {
	m.slotMu.Lock()
	for i := range m.slots {
		var s = &m.slots[i]
		if s.inUse && s.dbid == dbid {
			s.latch.Set()
			m.slotMu.Unlock()
			return
		}
	}
	m.slotMu.Unlock()

	m.requestMu.Lock()
	m.requested[dbid] = true
	m.requestMu.Unlock()
	m.launcherLatch.Set()
}

// Stats returns a row per in-use resolver slot.
func (m *Manager) Stats() []SlotRow {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	var rows []SlotRow
	for i := range m.slots {
		var s = &m.slots[i]
		if !s.inUse {
			continue
		}
		s.mu.Lock()
		rows = append(rows, SlotRow{Slot: i, DBID: s.dbid, LastResolvedTime: s.lastResolved})
		s.mu.Unlock()
	}
	return rows
}

// Stop terminates the resolver of |dbid|, blocking until its slot clears.
// It returns false if no resolver covers |dbid|.
func (m *Manager) Stop(dbid coordinator.DBID) bool {
	m.slotMu.Lock()
	var done chan struct{}
	for i := range m.slots {
		var s = &m.slots[i]
		if s.inUse && s.dbid == dbid {
			s.cancel()
			s.latch.Set()
			done = s.done
			break
		}
	}
	m.slotMu.Unlock()

	if done == nil {
		return false
	}
	<-done
	return true
}

// covered returns whether an in-use slot serves |dbid|. Caller must hold
// slotMu.
func (m *Manager) covered(dbid coordinator.DBID) bool {
	for i := range m.slots {
		if m.slots[i].inUse && m.slots[i].dbid == dbid {
			return true
		}
	}
	return false
}

// launch assigns a free slot to |dbid| and starts its resolver. Caller
// must hold slotMu.
func (m *Manager) launch(dbid coordinator.DBID) bool {
	for i := range m.slots {
		var s = &m.slots[i]
		if s.inUse {
			continue
		}

		var ctx, cancel = context.WithCancel(m.ctx)
		s.inUse = true
		s.dbid = dbid
		s.latch = latch.New()
		s.lastResolved = time.Time{}
		s.cancel = cancel
		s.done = make(chan struct{})

		metrics.ResolverSlotsInUseGauge.Inc()
		metrics.ResolverLaunchesTotal.Inc()

		m.wg.Add(1)
		go m.serveResolver(ctx, s)
		return true
	}

	log.WithField("dbid", dbid).Warn("resolver slots are exhausted")
	return false
}

// detach clears the resolver's slot. A database still needing resolution
// pokes the launcher so a replacement is started.
func (m *Manager) detach(s *slot) {
	var dbid = s.dbid

	m.slotMu.Lock()
	s.inUse = false
	s.dbid = 0
	s.cancel()
	close(s.done)
	m.slotMu.Unlock()

	metrics.ResolverSlotsInUseGauge.Dec()
	m.wg.Done()

	if m.ctx.Err() != nil {
		return
	}
	if m.hasWaiters(dbid) || m.needsResolution(dbid) {
		m.launcherLatch.Set()
	}
}

func (m *Manager) needsResolution(dbid coordinator.DBID) bool {
	for _, d := range m.ctl.DatabasesNeedingResolution() {
		if d == dbid {
			return true
		}
	}
	return false
}
