package resolver

import (
	"time"

	"go.fedxact.dev/core/coordinator"
)

// serveLauncher periodically scans for databases needing a resolver and
// launches one per uncovered database. Launches are throttled to one per
// RetryInterval; explicitly requested databases bypass the throttle.
func (m *Manager) serveLauncher() {
	defer m.wg.Done()

	var timer = time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.launcherLatch.Ready():
			m.launcherLatch.Reset()
		case <-timer.C:
		}
		if m.ctx.Err() != nil {
			return
		}

		m.launchPass()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.RetryInterval)
	}
}

func (m *Manager) launchPass() {
	var explicit = m.takeRequested()

	var targets = make(map[coordinator.DBID]bool)
	for _, dbid := range m.ctl.DatabasesNeedingResolution() {
		targets[dbid] = true
	}
	m.resolutionMu.Lock()
	for dbid, q := range m.queues {
		if len(q) != 0 {
			targets[dbid] = true
		}
	}
	m.resolutionMu.Unlock()
	for dbid := range explicit {
		targets[dbid] = true
	}

	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	var throttled bool
	for dbid := range targets {
		if m.covered(dbid) {
			continue
		}
		if !explicit[dbid] {
			if throttled || time.Since(m.lastLaunch) < m.cfg.RetryInterval {
				continue
			}
			throttled = true
		}
		if m.launch(dbid) {
			m.lastLaunch = time.Now()
		}
	}
}

func (m *Manager) takeRequested() map[coordinator.DBID]bool {
	m.requestMu.Lock()
	defer m.requestMu.Unlock()

	var out = m.requested
	m.requested = make(map[coordinator.DBID]bool)
	return out
}
