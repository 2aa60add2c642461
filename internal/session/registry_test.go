package session

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func TestRegistry_CreateGetDelete(t *testing.T) {
	r := newTestRegistry()
	s := r.CreateSession("s1", "c1", Config{SamplingRate: 16000})

	require.True(t, r.HasSession("s1"))
	require.Equal(t, s, r.GetSession("s1"))
	require.Equal(t, 1, r.GetSessionCount())

	r.DeleteSession("s1")

	require.False(t, r.HasSession("s1"))
	require.Nil(t, r.GetSession("s1"))
	require.False(t, s.IsActive(), "delete must invoke cleanup")
}

func TestRegistry_RecreateAfterDelete(t *testing.T) {
	r := newTestRegistry()
	r.CreateSession("s1", "c1", Config{})
	r.DeleteSession("s1")

	s2 := r.CreateSession("s1", "c2", Config{})
	require.True(t, s2.IsActive())
	require.Equal(t, "c2", s2.ConnectionID)
}

func TestRegistry_GetAllSessionsIsSnapshot(t *testing.T) {
	r := newTestRegistry()
	r.CreateSession("s1", "c1", Config{})
	r.CreateSession("s2", "c2", Config{})

	all := r.GetAllSessions()
	require.Len(t, all, 2)

	r.CreateSession("s3", "c3", Config{})
	require.Len(t, all, 2, "earlier snapshot must not observe later inserts")
	require.Equal(t, 3, r.GetSessionCount())
}

func TestRegistry_CleanupTearsDownEverySession(t *testing.T) {
	r := newTestRegistry()
	s1 := r.CreateSession("s1", "c1", Config{})
	s2 := r.CreateSession("s2", "c2", Config{})

	r.Cleanup()

	require.False(t, s1.IsActive())
	require.False(t, s2.IsActive())
	require.Equal(t, 0, r.GetSessionCount())
}
