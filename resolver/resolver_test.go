package resolver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.fedxact.dev/core/coordinator"
	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/xlog"
)

// fakeTwoPhase is a scripted prepare-capable participant.
type fakeTwoPhase struct {
	name string

	mu          sync.Mutex
	failResolve error
	prepared    map[string]bool
	resolved    map[string]bool // id -> commit flag observed at resolve
}

func newFakeTwoPhase(name string) *fakeTwoPhase {
	return &fakeTwoPhase{
		name:     name,
		prepared: make(map[string]bool),
		resolved: make(map[string]bool),
	}
}

func (f *fakeTwoPhase) Name() string                             { return f.name }
func (f *fakeTwoPhase) Commit(context.Context, driver.Txn) error { return nil }
func (f *fakeTwoPhase) Rollback(context.Context, driver.Txn) error {
	return nil
}
func (f *fakeTwoPhase) MakePrepareID(txn driver.Txn) ([]byte, error) {
	return driver.DefaultPrepareID(txn), nil
}

func (f *fakeTwoPhase) Prepare(_ context.Context, _ driver.Txn, id []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[string(id)] = true
	return nil
}

func (f *fakeTwoPhase) Resolve(_ context.Context, _ driver.Txn, id []byte, commit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failResolve != nil {
		return f.failResolve
	}
	if !f.prepared[string(id)] {
		return driver.ErrPreparedAbsent
	}
	delete(f.prepared, string(id))
	f.resolved[string(id)] = commit
	return nil
}

func (f *fakeTwoPhase) setFailResolve(err error) {
	f.mu.Lock()
	f.failResolve = err
	f.mu.Unlock()
}

func (f *fakeTwoPhase) resolvedOutcomes() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []bool
	for _, commit := range f.resolved {
		out = append(out, commit)
	}
	return out
}

type testEnv struct {
	ctl *coordinator.Control
	pg1 *fakeTwoPhase
	pg2 *fakeTwoPhase
}

func newTestEnv(t *testing.T) *testEnv {
	var dir = t.TempDir()
	var stateDir = filepath.Join(dir, "pg_fdwxact")
	require.NoError(t, os.MkdirAll(stateDir, 0700))

	var wal, err = xlog.OpenWriter(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	var env = &testEnv{
		pg1: newFakeTwoPhase("fake2pc_a"),
		pg2: newFakeTwoPhase("fake2pc_b"),
	}

	var registry = driver.NewRegistry()
	registry.Register(env.pg1)
	registry.Register(env.pg2)

	var catalog = driver.NewCatalog()
	catalog.AddServer(driver.Server{ID: 1, Name: "alpha", Driver: "fake2pc_a"})
	catalog.AddServer(driver.Server{ID: 2, Name: "beta", Driver: "fake2pc_b"})
	catalog.AddUserMapping(driver.UserMapping{ID: 10, ServerID: 1, UserID: 5})
	catalog.AddUserMapping(driver.UserMapping{ID: 20, ServerID: 2, UserID: 5})

	env.ctl = coordinator.NewControl(coordinator.Config{
		MaxPreparedXacts: 8,
		CommitMode:       coordinator.CommitRequired,
	}, wal, stateDir, registry, catalog)

	return env
}

func testConfig() Config {
	return Config{
		MaxResolvers:        2,
		RetryInterval:       20 * time.Millisecond,
		ResolverTimeout:     time.Second,
		RetryBackoffCeiling: 40 * time.Millisecond,
	}
}

// prepareOrphan leaves prepared, unowned entries of |xid| behind, as the
// explicit prepared-transaction path does.
func prepareOrphan(t *testing.T, env *testEnv, dbid coordinator.DBID, xid coordinator.XID) {
	var ctx = context.Background()

	var b = env.ctl.NewBackend(dbid)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))
	require.NoError(t, b.PrepareParticipants(ctx, xid))
}

func TestWaiterResolutionRoundTrip(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	var m = NewManager(testConfig(), env.ctl)
	m.Start()
	defer m.Shutdown()

	require.NoError(t, m.WaitForResolution(context.Background(), 1, 100, true))
	require.Equal(t, 0, env.ctl.ValidEntries())

	for _, commit := range env.pg1.resolvedOutcomes() {
		require.True(t, commit)
	}
	for _, commit := range env.pg2.resolvedOutcomes() {
		require.True(t, commit)
	}
}

func TestWaiterAbortOutcomeIsApplied(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	var m = NewManager(testConfig(), env.ctl)
	m.Start()
	defer m.Shutdown()

	require.NoError(t, m.WaitForResolution(context.Background(), 1, 100, false))
	require.Equal(t, 0, env.ctl.ValidEntries())

	var outcomes = append(env.pg1.resolvedOutcomes(), env.pg2.resolvedOutcomes()...)
	require.Len(t, outcomes, 2)
	for _, commit := range outcomes {
		require.False(t, commit)
	}
}

func TestFailedResolutionRetriesWithBackoff(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	env.pg1.setFailResolve(errors.New("participant unavailable"))

	var m = NewManager(testConfig(), env.ctl)
	m.Start()
	defer m.Shutdown()

	var done = make(chan error, 1)
	go func() { done <- m.WaitForResolution(context.Background(), 1, 100, true) }()

	// Case: the waiter stays queued across failed attempts.
	select {
	case err := <-done:
		t.Fatalf("resolution completed despite failing participant: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	env.pg1.setFailResolve(nil)
	require.NoError(t, <-done)
	require.Equal(t, 0, env.ctl.ValidEntries())
}

func TestCanceledWaiterLeavesEntriesForInDoubtPass(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	env.pg1.setFailResolve(errors.New("participant unavailable"))

	var m = NewManager(Config{
		MaxResolvers:        2,
		RetryInterval:       time.Hour, // Passes follow only wakeups and waiter deadlines.
		RetryBackoffCeiling: time.Hour,
	}, env.ctl)
	m.Start()
	defer m.Shutdown()

	var ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err = m.WaitForResolution(ctx, 1, 100, true)
	require.Equal(t, context.DeadlineExceeded, err)

	// The entries remain prepared for a later pass.
	require.Equal(t, 2, env.ctl.ValidEntries())
}

func TestInDoubtPassAppliesRecoveredIntent(t *testing.T) {
	var env = newTestEnv(t)
	var ctx = context.Background()

	// An owner which prepared and then detached leaves its entries in
	// doubt.
	var b = env.ctl.NewBackend(1)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))
	require.NoError(t, b.PreCommit(ctx, 100, false))
	b.Detach()

	var m = NewManager(testConfig(), env.ctl)
	m.Start()
	defer m.Shutdown()

	m.LaunchOrWakeup(1)

	require.Eventually(t, func() bool {
		return env.ctl.ValidEntries() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// No resolution was underway, so the entries commit on resurrection.
	var outcomes = append(env.pg1.resolvedOutcomes(), env.pg2.resolvedOutcomes()...)
	require.Len(t, outcomes, 2)
	for _, commit := range outcomes {
		require.True(t, commit)
	}
}

func TestIdleResolverDetachesAndIsRelaunched(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	var cfg = testConfig()
	cfg.ResolverTimeout = 50 * time.Millisecond

	var m = NewManager(cfg, env.ctl)
	m.Start()
	defer m.Shutdown()

	require.NoError(t, m.WaitForResolution(context.Background(), 1, 100, true))
	require.Len(t, m.Stats(), 1)

	// Case: with nothing to do, the resolver detaches its slot.
	require.Eventually(t, func() bool {
		return len(m.Stats()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Case: a later waiter relaunches a resolver.
	prepareOrphan(t, env, 1, 101)
	require.NoError(t, m.WaitForResolution(context.Background(), 1, 101, true))
	require.Equal(t, 0, env.ctl.ValidEntries())
}

func TestStatsAndStop(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	var m = NewManager(testConfig(), env.ctl)
	m.Start()
	defer m.Shutdown()

	require.NoError(t, m.WaitForResolution(context.Background(), 1, 100, true))

	var rows = m.Stats()
	require.Len(t, rows, 1)
	require.Equal(t, coordinator.DBID(1), rows[0].DBID)
	require.False(t, rows[0].LastResolvedTime.IsZero())

	require.True(t, m.Stop(1))
	require.Empty(t, m.Stats())

	// Case: no resolver covers database 2.
	require.False(t, m.Stop(2))
}

func TestShutdownWakesQueuedWaiters(t *testing.T) {
	var env = newTestEnv(t)
	prepareOrphan(t, env, 1, 100)

	// No slots: the waiter can never be served.
	var cfg = testConfig()
	cfg.MaxResolvers = 0

	var m = NewManager(cfg, env.ctl)
	m.Start()

	var done = make(chan error, 1)
	go func() { done <- m.WaitForResolution(context.Background(), 1, 100, true) }()

	require.Eventually(t, func() bool {
		return m.hasWaiters(1)
	}, 5*time.Second, time.Millisecond)

	m.Shutdown()
	require.Equal(t, ErrShutdown, errors.Cause(<-done))
}
