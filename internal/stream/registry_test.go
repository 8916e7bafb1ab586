package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	f := newFixture(t)
	return NewRegistry(f.store, f.bus, f.perms)
}

func TestRegistryRejectsDuplicateSession(t *testing.T) {
	reg := newTestRegistry(t)
	conn := newFakeConn()

	rec, err := reg.Start(context.Background(), "sess-dup", conn)
	require.NoError(t, err)
	defer rec.Stop()

	_, err = reg.Start(context.Background(), "sess-dup", newFakeConn())
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryLookup(t *testing.T) {
	reg := newTestRegistry(t)
	conn := newFakeConn()

	rec, err := reg.Start(context.Background(), "sess-a", conn)
	require.NoError(t, err)
	defer rec.Stop()

	got, ok := reg.Lookup("sess-a")
	require.True(t, ok)
	assert.Same(t, rec, got)

	// An absent session is not an error, just not streaming.
	_, ok = reg.Lookup("sess-b")
	assert.False(t, ok)
}

func TestRegistryRemovesEntryWhenTerminalAndDrained(t *testing.T) {
	reg := newTestRegistry(t)
	conn := newFakeConn()

	rec, err := reg.Start(context.Background(), "sess-idle", conn)
	require.NoError(t, err)

	unsubscribe := rec.Subscribe(func(Snapshot) {})

	conn.send(t, "text", "Hello")
	conn.send(t, "done", "")
	waitDone(t, rec)

	// Terminal but still subscribed: the entry stays so late joiners can
	// read the final snapshot.
	_, ok := reg.Lookup("sess-idle")
	assert.True(t, ok)

	unsubscribe()

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("sess-idle")
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryRemovesEntryOnTerminalWithoutSubscribers(t *testing.T) {
	reg := newTestRegistry(t)
	conn := newFakeConn()

	rec, err := reg.Start(context.Background(), "sess-nobody", conn)
	require.NoError(t, err)

	conn.send(t, "done", "")
	waitDone(t, rec)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("sess-nobody")
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRegistryShutdownStopsAllSessions(t *testing.T) {
	reg := newTestRegistry(t)

	recs := make([]*Reconciler, 0, 3)
	for _, id := range []string{"s1", "s2", "s3"} {
		rec, err := reg.Start(context.Background(), id, newFakeConn())
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Equal(t, 3, reg.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg.Shutdown(ctx)

	assert.Equal(t, 0, reg.Len())
	for _, rec := range recs {
		waitDone(t, rec)
		assert.Equal(t, PhaseStopped, rec.Snapshot().Phase)
	}
}
