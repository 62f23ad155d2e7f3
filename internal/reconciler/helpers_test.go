package reconciler

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/kernel/memtable"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

func testOptions() Options {
	return Options{
		Interval:      time.Hour,
		MinInterval:   0,
		Burst:         2,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

func virtualService(name, addr string, sched models.Scheduler) models.VirtualService {
	ap := netip.MustParseAddrPort(addr)
	return models.VirtualService{
		ID:        models.ServiceID{Addr: ap.Addr(), Port: ap.Port(), Protocol: models.TCP},
		Name:      name,
		Scheduler: sched,
	}
}

func backend(addr string, weight int) models.Backend {
	ap := netip.MustParseAddrPort(addr)
	return models.Backend{
		ID:      models.BackendID{Addr: ap.Addr(), Port: ap.Port()},
		Weight:  weight,
		Forward: models.ForwardMasq,
	}
}

func putService(svc models.VirtualService) models.RegistryEvent {
	return models.RegistryEvent{
		Type:    models.RegistryPut,
		Key:     models.RecordKey{Kind: models.ServiceRecord, Service: svc.Name},
		Service: &svc,
	}
}

func putBackend(service string, b models.Backend) models.RegistryEvent {
	return models.RegistryEvent{
		Type:    models.RegistryPut,
		Key:     models.RecordKey{Kind: models.BackendRecord, Service: service, Backend: b.ID.AddrPort()},
		Backend: &b,
	}
}

func deleteKey(event models.RegistryEvent) models.RegistryEvent {
	return models.RegistryEvent{Type: models.RegistryDelete, Key: event.Key}
}

func ref(service string, b models.Backend) models.BackendRef {
	return models.BackendRef{Service: service, Addr: b.ID.AddrPort()}
}

func syncedModel(events ...models.RegistryEvent) *desired.Model {
	m := desired.NewModel(metrics.Nop{})
	m.Apply(models.RegistryEvent{Type: models.RegistryResync, Revision: 1})
	for _, e := range events {
		m.Apply(e)
	}
	m.Apply(models.RegistryEvent{Type: models.RegistrySynced, Revision: 1})
	return m
}

// checkedTable wraps memtable, records calls and reports ordering violations.
type checkedTable struct {
	inner *memtable.Table

	mu         sync.Mutex
	calls      []string
	lists      int
	violations []string
	// fail returns an error to inject for a call, nil lets it through
	fail func(call string) error
}

func newCheckedTable() *checkedTable {
	return &checkedTable{inner: memtable.New()}
}

func (c *checkedTable) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.fail != nil {
		return c.fail(call)
	}
	return nil
}

func (c *checkedTable) violation(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

func (c *checkedTable) EnsureService(ctx context.Context, svc models.VirtualService) error {
	if err := c.record("EnsureService " + svc.ID.String()); err != nil {
		return err
	}
	return c.inner.EnsureService(ctx, svc)
}

func (c *checkedTable) RemoveService(ctx context.Context, id models.ServiceID) error {
	if err := c.record("RemoveService " + id.String()); err != nil {
		return err
	}
	actual, _ := c.inner.ListActual(ctx)
	if svc, ok := actual[id]; ok && len(svc.Backends) > 0 {
		c.violation("service %s removed with %d backends", id, len(svc.Backends))
	}
	return c.inner.RemoveService(ctx, id)
}

func (c *checkedTable) EnsureBackend(ctx context.Context, id models.ServiceID, b models.Backend) error {
	if err := c.record("EnsureBackend " + id.String() + " " + b.ID.String()); err != nil {
		return err
	}
	err := c.inner.EnsureBackend(ctx, id, b)
	if kernel.KindOf(err) == kernel.NotFound {
		c.violation("backend %s added before service %s", b.ID, id)
	}
	return err
}

func (c *checkedTable) RemoveBackend(ctx context.Context, id models.ServiceID, backend models.BackendID) error {
	if err := c.record("RemoveBackend " + id.String() + " " + backend.String()); err != nil {
		return err
	}
	return c.inner.RemoveBackend(ctx, id, backend)
}

func (c *checkedTable) ListActual(ctx context.Context) (models.ActualState, error) {
	c.mu.Lock()
	c.lists++
	c.mu.Unlock()
	return c.inner.ListActual(ctx)
}

func (c *checkedTable) passes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

func (c *checkedTable) mutations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *checkedTable) orderingViolations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

// requireConverged checks that the table holds exactly the desired state.
func requireConverged(t *testing.T, model *desired.Model, table kernel.Table) {
	t.Helper()
	state, ok := model.Snapshot()
	require.True(t, ok)
	actual, err := table.ListActual(context.Background())
	require.NoError(t, err)

	require.Len(t, actual, len(state.Services))
	for id, want := range state.Services {
		have, ok := actual[id]
		require.True(t, ok, "service %s is missing", id)
		require.True(t, want.Service.SameSpec(have.Service), "service %s differs", id)
		require.Len(t, have.Backends, len(want.Backends), "backends of %s", id)
		for bid, b := range want.Backends {
			got, ok := have.Backends[bid]
			require.True(t, ok, "backend %s of %s is missing", bid, id)
			require.Equal(t, b.EffectiveWeight(), got.Weight, "weight of %s", bid)
			require.Equal(t, b.Forward, got.Forward, "forward of %s", bid)
		}
	}
}
