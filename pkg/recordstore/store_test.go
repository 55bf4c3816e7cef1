package recordstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/recordstore"
)

func TestInternGetDecRef(t *testing.T) {
	s := recordstore.New()
	require.NoError(t, s.Init())
	defer s.Shutdown()

	rec := field.Record{Values: []field.Field{field.UInt(1), field.String("a")}}
	h := s.Intern(rec)

	got, ok := s.Get(h)
	require.True(t, ok)
	assert.True(t, got.Values[0].Equal(field.UInt(1)))

	s.DecRef(h)
	_, ok = s.Get(h)
	assert.False(t, ok)
}

func TestIncRefKeepsRecordAliveUntilBothRelease(t *testing.T) {
	s := recordstore.New()
	require.NoError(t, s.Init())
	defer s.Shutdown()

	h := s.Intern(field.Record{Values: []field.Field{field.UInt(7)}})
	require.NoError(t, s.IncRef(h))

	s.DecRef(h)
	_, ok := s.Get(h)
	assert.True(t, ok, "record should survive one of two releases")

	s.DecRef(h)
	_, ok = s.Get(h)
	assert.False(t, ok, "record should be evicted after both releases")
}

func TestDecRefUnknownHandleIsNoOp(t *testing.T) {
	s := recordstore.New()
	require.NoError(t, s.Init())
	defer s.Shutdown()

	assert.NotPanics(t, func() { s.DecRef(recordstore.Handle(99999)) })
}

func TestShutdownEvictsEverything(t *testing.T) {
	s := recordstore.New()
	require.NoError(t, s.Init())

	h := s.Intern(field.Record{Values: []field.Field{field.UInt(1)}})
	require.NoError(t, s.Shutdown())

	_, ok := s.Get(h)
	assert.False(t, ok)
}

func TestDoubleInitErrors(t *testing.T) {
	s := recordstore.New()
	require.NoError(t, s.Init())
	defer s.Shutdown()
	assert.Error(t, s.Init())
}
