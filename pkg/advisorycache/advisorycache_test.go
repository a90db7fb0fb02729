package advisorycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New(10)

	require.NoError(t, c.Set("scope", "id1", "k", "v"))
	e, ok := c.Get("scope", "id1", "k")
	require.True(t, ok)
	require.Equal(t, "v", e.Value)

	require.True(t, c.Delete("scope", "id1", "k"))
	_, ok = c.Get("scope", "id1", "k")
	require.False(t, ok)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	c := New(10)
	require.NoError(t, c.Set("scope", "id1", "k", "v", WithTTL(10*time.Millisecond)))

	_, ok := c.Get("scope", "id1", "k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("scope", "id1", "k")
	require.False(t, ok)
}

func TestLRUEviction_BoundsPerScope(t *testing.T) {
	c := New(2)
	require.NoError(t, c.Set("scope", "id1", "a", "1"))
	require.NoError(t, c.Set("scope", "id1", "b", "2"))
	require.NoError(t, c.Set("scope", "id1", "c", "3"))

	require.Len(t, c.List("scope", "id1"), 2)
	_, ok := c.Get("scope", "id1", "a")
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestRecordSpawn_TracksWindowAndPrunesOldEntries(t *testing.T) {
	c := New(100)
	now := time.Now()

	n := RecordSpawn(c, "ws1", "agent1", now, 50*time.Millisecond)
	require.Equal(t, 1, n)
	n = RecordSpawn(c, "ws1", "agent1", now.Add(time.Millisecond), 50*time.Millisecond)
	require.Equal(t, 2, n)

	require.Equal(t, 2, SpawnCountInWindow(c, "ws1", "agent1"))

	time.Sleep(70 * time.Millisecond)
	require.Equal(t, 0, SpawnCountInWindow(c, "ws1", "agent1"))
}

func TestBreaker_TripsAndAutoCloses(t *testing.T) {
	c := New(10)
	now := time.Now()

	require.False(t, GetBreakerState(c, "ws1", now).Open)

	TripBreaker(c, "ws1", now, 30*time.Millisecond)
	require.True(t, GetBreakerState(c, "ws1", now).Open)

	time.Sleep(50 * time.Millisecond)
	require.False(t, GetBreakerState(c, "ws1", time.Now()).Open)
}

func TestRecordTrigger_CountsWithinWindow(t *testing.T) {
	c := New(100)
	now := time.Now()

	count, last := RecordTrigger(c, "ws1", "agent1", now, time.Minute)
	require.Equal(t, 1, count)
	require.True(t, last.IsZero())

	count, last = RecordTrigger(c, "ws1", "agent1", now.Add(time.Second), time.Minute)
	require.Equal(t, 2, count)
	require.False(t, last.IsZero())
}
