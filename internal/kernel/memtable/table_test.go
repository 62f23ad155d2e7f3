package memtable

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/models"
)

var (
	vs = models.VirtualService{
		ID: models.ServiceID{
			Addr:     netip.MustParseAddr("10.0.0.1"),
			Port:     80,
			Protocol: models.TCP,
		},
		Name:      "web",
		Scheduler: models.RoundRobin,
	}
	b1 = models.Backend{
		ID:      models.BackendID{Addr: netip.MustParseAddr("192.168.0.1"), Port: 8080},
		Weight:  1,
		Forward: models.ForwardMasq,
	}
)

func TestEnsureTwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	once, twice := New(), New()

	require.NoError(t, once.EnsureService(ctx, vs))
	require.NoError(t, once.EnsureBackend(ctx, vs.ID, b1))

	for range 2 {
		require.NoError(t, twice.EnsureService(ctx, vs))
		require.NoError(t, twice.EnsureBackend(ctx, vs.ID, b1))
	}

	want, err := once.ListActual(ctx)
	require.NoError(t, err)
	got, err := twice.ListActual(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBackendNeedsService(t *testing.T) {
	ctx := context.Background()
	table := New()

	err := table.EnsureBackend(ctx, vs.ID, b1)
	assert.Equal(t, kernel.NotFound, kernel.KindOf(err))
	require.NoError(t, table.RemoveBackend(ctx, vs.ID, b1.ID))
	require.NoError(t, table.RemoveService(ctx, vs.ID))
}

func TestRemoveServiceDropsBackends(t *testing.T) {
	ctx := context.Background()
	table := New()
	require.NoError(t, table.EnsureService(ctx, vs))
	require.NoError(t, table.EnsureBackend(ctx, vs.ID, b1))
	require.NoError(t, table.RemoveService(ctx, vs.ID))
	require.NoError(t, table.EnsureService(ctx, vs))

	actual, err := table.ListActual(ctx)
	require.NoError(t, err)
	assert.Empty(t, actual[vs.ID].Backends)
}

func TestListActualIsACopy(t *testing.T) {
	ctx := context.Background()
	table := New()
	require.NoError(t, table.EnsureService(ctx, vs))
	require.NoError(t, table.EnsureBackend(ctx, vs.ID, b1))

	actual, err := table.ListActual(ctx)
	require.NoError(t, err)
	delete(actual[vs.ID].Backends, b1.ID)

	again, err := table.ListActual(ctx)
	require.NoError(t, err)
	assert.Len(t, again[vs.ID].Backends, 1)
	assert.Empty(t, again[vs.ID].Service.Name, "kernel does not know registry names")
}

func TestEffectiveWeightIsStored(t *testing.T) {
	ctx := context.Background()
	table := New()
	require.NoError(t, table.EnsureService(ctx, vs))

	admin := 0
	b := b1
	b.Weight = 10
	b.AdminWeight = &admin
	require.NoError(t, table.EnsureBackend(ctx, vs.ID, b))

	actual, err := table.ListActual(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, actual[vs.ID].Backends[b1.ID].Weight)
	assert.Nil(t, actual[vs.ID].Backends[b1.ID].AdminWeight)
}
