package discovery_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/aranea-isms/is22/internal/discovery"
)

func newTestRegistry(t *testing.T) *discovery.Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	reg := discovery.NewRegistry(mr.Addr(), "")
	return reg
}

func TestRegistry_MirrorAndLookup(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	snap := discovery.Snapshot{ID: "job-1", Status: discovery.JobSuccess, Phase: "done", Progress: 100}
	require.NoError(t, reg.Mirror(ctx, "job-1", snap))

	got, found, err := reg.Lookup(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, snap.ID, got.ID)
	require.Equal(t, snap.Status, got.Status)
}

func TestRegistry_LookupMiss(t *testing.T) {
	reg := newTestRegistry(t)
	_, found, err := reg.Lookup(context.Background(), "no-such-job")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRegistry_NilSafe(t *testing.T) {
	var reg *discovery.Registry
	_, found, err := reg.Lookup(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, reg.Mirror(context.Background(), "job-1", discovery.Snapshot{}))
}

