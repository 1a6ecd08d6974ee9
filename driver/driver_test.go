package driver

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type onePhaseStub struct{ name string }

func (s onePhaseStub) Name() string                           { return s.name }
func (s onePhaseStub) Commit(context.Context, Txn) error      { return nil }
func (s onePhaseStub) Rollback(context.Context, Txn) error    { return nil }
func (s onePhaseStub) MakePrepareID(txn Txn) ([]byte, error)  { return DefaultPrepareID(txn), nil }

type twoPhaseStub struct{ onePhaseStub }

func (s twoPhaseStub) Prepare(context.Context, Txn, []byte) error       { return nil }
func (s twoPhaseStub) Resolve(context.Context, Txn, []byte, bool) error { return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	var r = NewRegistry()
	r.Register(onePhaseStub{name: "alpha"})
	r.Register(twoPhaseStub{onePhaseStub{name: "beta"}})

	var d, err = r.Get("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", d.Name())

	_, err = r.Get("gamma")
	require.Equal(t, ErrUnknownDriver, errors.Cause(err))

	require.Panics(t, func() { r.Register(onePhaseStub{name: "alpha"}) })
}

func TestTwoPhaseCapabilityDetection(t *testing.T) {
	var _, ok = AsTwoPhase(onePhaseStub{name: "a"})
	require.False(t, ok)

	tp, ok := AsTwoPhase(twoPhaseStub{onePhaseStub{name: "b"}})
	require.True(t, ok)
	require.Equal(t, "b", tp.Name())
}

func TestTransientMarkerSurvivesWrapping(t *testing.T) {
	var base = errors.New("connection refused")

	require.False(t, IsTransient(base))
	require.True(t, IsTransient(MarkTransient(base)))
	require.True(t, IsTransient(errors.Wrap(MarkTransient(base), "resolving")))
	require.Nil(t, MarkTransient(nil))
	require.False(t, IsTransient(nil))
}

func TestDefaultPrepareIDIsBoundedAndUnique(t *testing.T) {
	var txn = Txn{
		XID:         4002,
		Server:      Server{ID: 9},
		UserMapping: UserMapping{UserID: 31},
	}
	var a, b = DefaultPrepareID(txn), DefaultPrepareID(txn)

	require.LessOrEqual(t, len(a), MaxPrepareIDLen)
	require.NotEqual(t, a, b)
	require.Contains(t, string(a), "fx_4002_9_31_")
}

func TestCatalogLookups(t *testing.T) {
	var c = NewCatalog()
	c.AddServer(Server{ID: 1, Name: "pg-east", Driver: "postgres_fdw"})
	c.AddUserMapping(UserMapping{ID: 10, ServerID: 1, UserID: 5, DSN: "dbname=app"})

	var s, err = c.Server(1)
	require.NoError(t, err)
	require.Equal(t, "pg-east", s.Name)

	um, err := c.UserMapping(10)
	require.NoError(t, err)
	require.Equal(t, ServerID(1), um.ServerID)

	um, err = c.UserMappingFor(1, 5)
	require.NoError(t, err)
	require.Equal(t, UMID(10), um.ID)

	_, err = c.Server(2)
	require.Error(t, err)
	_, err = c.UserMappingFor(1, 6)
	require.Error(t, err)
}
