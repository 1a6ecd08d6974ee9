package coordinator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/xlog"
)

// fakeOnePhase is a scripted participant without prepare capability.
type fakeOnePhase struct {
	name string

	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (f *fakeOnePhase) Name() string { return f.name }

func (f *fakeOnePhase) Commit(context.Context, driver.Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeOnePhase) Rollback(context.Context, driver.Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeOnePhase) MakePrepareID(txn driver.Txn) ([]byte, error) {
	return driver.DefaultPrepareID(txn), nil
}

// fakeTwoPhase adds scripted prepare and resolve capability.
type fakeTwoPhase struct {
	fakeOnePhase

	failPrepare error
	failResolve error
	absent      bool

	prepared map[string]bool // id -> true while prepared and not yet resolved
	resolved map[string]bool // id -> commit flag observed at resolve
}

func newFakeTwoPhase(name string) *fakeTwoPhase {
	return &fakeTwoPhase{
		fakeOnePhase: fakeOnePhase{name: name},
		prepared:     make(map[string]bool),
		resolved:     make(map[string]bool),
	}
}

func (f *fakeTwoPhase) Prepare(_ context.Context, _ driver.Txn, id []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPrepare != nil {
		return f.failPrepare
	}
	f.prepared[string(id)] = true
	return nil
}

func (f *fakeTwoPhase) Resolve(_ context.Context, _ driver.Txn, id []byte, commit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failResolve != nil {
		return f.failResolve
	}
	if f.absent || !f.prepared[string(id)] {
		return driver.ErrPreparedAbsent
	}
	delete(f.prepared, string(id))
	f.resolved[string(id)] = commit
	return nil
}

type testEnv struct {
	ctl      *Control
	wal      *xlog.FileWriter
	walPath  string
	stateDir string
	pg1      *fakeTwoPhase
	pg2      *fakeTwoPhase
	lite     *fakeOnePhase
}

// Catalog layout used throughout: servers 1 and 2 are prepare-capable,
// server 3 is one-phase only. All map user 5.
func newTestEnv(t *testing.T, mode CommitMode) *testEnv {
	var dir = t.TempDir()
	var walPath = filepath.Join(dir, "wal")

	var wal, err = xlog.OpenWriter(walPath)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	var env = &testEnv{
		wal:      wal,
		walPath:  walPath,
		stateDir: filepath.Join(dir, "pg_fdwxact"),
		pg1:      newFakeTwoPhase("fake2pc_a"),
		pg2:      newFakeTwoPhase("fake2pc_b"),
		lite:     &fakeOnePhase{name: "fake1pc"},
	}
	require.NoError(t, os.MkdirAll(env.stateDir, 0700))

	var registry = driver.NewRegistry()
	registry.Register(env.pg1)
	registry.Register(env.pg2)
	registry.Register(env.lite)

	var catalog = driver.NewCatalog()
	catalog.AddServer(driver.Server{ID: 1, Name: "alpha", Driver: "fake2pc_a"})
	catalog.AddServer(driver.Server{ID: 2, Name: "beta", Driver: "fake2pc_b"})
	catalog.AddServer(driver.Server{ID: 3, Name: "gamma", Driver: "fake1pc"})
	catalog.AddUserMapping(driver.UserMapping{ID: 10, ServerID: 1, UserID: 5})
	catalog.AddUserMapping(driver.UserMapping{ID: 20, ServerID: 2, UserID: 5})
	catalog.AddUserMapping(driver.UserMapping{ID: 30, ServerID: 3, UserID: 5})

	env.ctl = NewControl(Config{
		MaxPreparedXacts: 8,
		CommitMode:       mode,
	}, wal, env.stateDir, registry, catalog)

	return env
}

// newControl returns a fresh Control over the same log, state directory,
// drivers, and catalog, as after a crash and restart.
func (env *testEnv) newControl(mode CommitMode, decider Decider) *Control {
	return NewControl(Config{
		MaxPreparedXacts: 8,
		CommitMode:       mode,
		Decider:          decider,
	}, env.wal, env.stateDir, env.ctl.registry, env.ctl.catalog)
}

func (env *testEnv) countRecords(t *testing.T) (inserts, removes int) {
	require.NoError(t, env.wal.Flush())

	var r, err = xlog.OpenReader(env.walPath)
	require.NoError(t, err)
	defer r.Close()

	for {
		var rec, err = r.Next()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)

		switch rec.Type {
		case xlog.TypeInsertPrepare:
			inserts++
		case xlog.TypeRemovePrepare:
			removes++
		}
	}
}

func TestTwoParticipantCommitInRequiredMode(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)
	var ctx = context.Background()

	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))

	require.NoError(t, b.PreCommit(ctx, 100, true))
	require.Len(t, env.pg1.prepared, 1)
	require.Len(t, env.pg2.prepared, 1)
	require.Equal(t, 2, env.ctl.ValidEntries())

	b.AtEOXact(ctx, true)
	require.Equal(t, 0, env.ctl.ValidEntries())
	require.Empty(t, env.pg1.prepared)
	require.Empty(t, env.pg2.prepared)
	for _, commit := range env.pg1.resolved {
		require.True(t, commit)
	}

	var inserts, removes = env.countRecords(t)
	require.Equal(t, 2, inserts)
	require.Equal(t, 2, removes)
}

func TestMixedCapabilityFailsInRequiredMode(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)
	var ctx = context.Background()

	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(3, 5, true))

	var err = b.PreCommit(ctx, 101, false)
	require.Equal(t, ErrTwoPhaseUnsupported, errors.Cause(err))
	require.Equal(t, 0, env.ctl.ValidEntries())

	// The local commit fails and both participants are rolled back.
	b.AtEOXact(ctx, false)
	require.Equal(t, 1, env.pg1.rollbacks)
	require.Equal(t, 1, env.lite.rollbacks)
}

func TestDisabledModeRejectsDistributedCommit(t *testing.T) {
	var env = newTestEnv(t, CommitDisabled)
	var ctx = context.Background()

	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))
	require.Equal(t, ErrTwoPhaseNotAllowed, errors.Cause(b.PreCommit(ctx, 102, false)))

	// A single read-only participant commits one-phase without complaint.
	b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, false))
	require.NoError(t, b.PreCommit(ctx, 103, true))
	b.AtEOXact(ctx, true)
	require.Equal(t, 1, env.pg1.commits)
}

func TestPreferModePreparesOnlyCapableParticipants(t *testing.T) {
	var env = newTestEnv(t, CommitPrefer)
	var ctx = context.Background()

	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(3, 5, true))

	require.NoError(t, b.PreCommit(ctx, 104, true))
	require.Len(t, env.pg1.prepared, 1)
	require.Equal(t, 1, env.ctl.ValidEntries())

	b.AtEOXact(ctx, true)
	require.Equal(t, 0, env.ctl.ValidEntries())
	require.Equal(t, 1, env.lite.commits)
}

func TestPrepareFailureUnwindsEntry(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)
	var ctx = context.Background()

	env.pg2.failPrepare = errors.New("server on fire")

	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))

	require.Error(t, b.PreCommit(ctx, 105, false))
	// The failed participant's entry was unwound; the first stays for
	// the abort which follows.
	require.Equal(t, 1, env.ctl.ValidEntries())

	b.AtEOXact(ctx, false)
	require.Equal(t, 0, env.ctl.ValidEntries())
	require.Empty(t, env.pg1.prepared)
}

func TestResolveFailureLeavesEntryForResolver(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)
	var ctx = context.Background()

	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))
	require.NoError(t, b.PreCommit(ctx, 106, false))

	env.pg2.failResolve = driver.MarkTransient(errors.New("connection refused"))
	b.AtEOXact(ctx, true)

	// One entry survives, still prepared.
	var rows = env.ctl.ForeignXacts()
	require.Len(t, rows, 1)
	require.Equal(t, ServerID(2), rows[0].ServerID)
	require.Equal(t, "prepared", rows[0].Status)
	require.False(t, rows[0].InDoubt)

	// Backend exit orphans it.
	b.Detach()
	rows = env.ctl.ForeignXacts()
	require.True(t, rows[0].InDoubt)

	// A later attempt, with the participant healthy again, resolves it
	// with the recovered intent.
	env.pg2.failResolve = nil
	var held = env.ctl.HoldInDoubt(42)
	require.Len(t, held, 1)
	require.NoError(t, env.ctl.resolveEntry(ctx, held[0], env.ctl.IntentOf(held[0])))
	require.Equal(t, 0, env.ctl.ValidEntries())
}

func TestDuplicateParticipantEntryIsRejected(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)

	var _, err = env.ctl.Insert(107, 42, 1, 5, 10, []byte("fx_a"), 0)
	require.NoError(t, err)

	// Same (dbid, serverid, userid) cannot hold a second entry.
	_, err = env.ctl.Insert(108, 42, 1, 5, 10, []byte("fx_b"), 0)
	require.Error(t, err)

	// A different database may.
	_, err = env.ctl.Insert(108, 43, 1, 5, 10, []byte("fx_c"), 0)
	require.NoError(t, err)
}

func TestEntryPoolExhaustion(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)

	for i := 0; i < 8; i++ {
		var _, err = env.ctl.Insert(XID(200+i), DBID(i+1), 1, 5, 10, []byte("fx"), 0)
		require.NoError(t, err)
	}
	var _, err = env.ctl.Insert(299, 99, 1, 5, 10, []byte("fx"), 0)
	require.Equal(t, ErrSlotExhausted, errors.Cause(err))
}

func TestSearchWildcardSemantics(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)

	var _, err = env.ctl.Insert(300, 42, 1, 5, 10, []byte("fx_1"), 0)
	require.NoError(t, err)
	_, err = env.ctl.Insert(300, 42, 2, 5, 20, []byte("fx_2"), 0)
	require.NoError(t, err)
	_, err = env.ctl.Insert(301, 43, 1, 5, 10, []byte("fx_3"), 0)
	require.NoError(t, err)

	require.Len(t, env.ctl.Search(0, 0, 0, 0), 3)
	require.Len(t, env.ctl.Search(300, 0, 0, 0), 2)
	require.Len(t, env.ctl.Search(0, 43, 0, 0), 1)
	require.Len(t, env.ctl.Search(300, 42, 2, 0), 1)
	require.Len(t, env.ctl.Search(300, 43, 0, 0), 0)
}

func TestForgetRemovesUnheldMatches(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)

	var _, err = env.ctl.Insert(400, 42, 1, 5, 10, []byte("fx_1"), 0)
	require.NoError(t, err)
	_, err = env.ctl.Insert(401, 42, 2, 5, 20, []byte("fx_2"), 7) // Held by a backend.
	require.NoError(t, err)

	n, err := env.ctl.Forget(0, 42, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, env.ctl.ValidEntries())

	var _, removes = env.countRecords(t)
	require.Equal(t, 1, removes)
}

func TestResolveByDatabaseConsultsDecider(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)
	var ctx = context.Background()

	// Two prepared entries of database 42 with unknown intent.
	var b = env.ctl.NewBackend(42)
	require.NoError(t, b.RegisterParticipant(1, 5, true))
	require.NoError(t, b.RegisterParticipant(2, 5, true))
	require.NoError(t, b.PrepareParticipants(ctx, 500))

	var asked []XID
	var n, err = env.ctl.ResolveByDatabase(ctx, 42, func(xid XID) Outcome {
		asked = append(asked, xid)
		return OutcomeAbort
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []XID{500, 500}, asked)
	require.Equal(t, 0, env.ctl.ValidEntries())

	// Both participants saw an abort.
	for _, commit := range env.pg1.resolved {
		require.False(t, commit)
	}
	for _, commit := range env.pg2.resolved {
		require.False(t, commit)
	}
}

func TestDatabasesNeedingResolution(t *testing.T) {
	var env = newTestEnv(t, CommitRequired)

	var e1, err = env.ctl.Insert(600, 42, 1, 5, 10, []byte("fx_1"), 0)
	require.NoError(t, err)
	_, err = env.ctl.Insert(601, 43, 1, 5, 10, []byte("fx_2"), 0)
	require.NoError(t, err)

	require.ElementsMatch(t, []DBID{42, 43}, env.ctl.DatabasesNeedingResolution())

	// In-doubt entries do not trigger resolver launches.
	e1.mu.Lock()
	e1.indoubt = true
	e1.mu.Unlock()
	require.ElementsMatch(t, []DBID{43}, env.ctl.DatabasesNeedingResolution())
}
