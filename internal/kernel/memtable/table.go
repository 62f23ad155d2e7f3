package memtable

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/models"
)

var errNoService = errors.New("no such service")

type entry struct {
	service  models.VirtualService
	backends map[models.BackendID]models.Backend
}

// Table keeps the virtual server table in memory with kernel semantics.
// It backs dry runs and tests.
type Table struct {
	mu       sync.Mutex
	services map[models.ServiceID]*entry
}

func New() *Table {
	return &Table{
		services: make(map[models.ServiceID]*entry, 64),
	}
}

func (t *Table) EnsureService(_ context.Context, svc models.VirtualService) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	svc.Name = ""
	e := t.services[svc.ID]
	if e == nil {
		e = &entry{backends: make(map[models.BackendID]models.Backend)}
		t.services[svc.ID] = e
	}
	e.service = svc
	return nil
}

func (t *Table) RemoveService(_ context.Context, id models.ServiceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.services, id)
	return nil
}

func (t *Table) EnsureBackend(_ context.Context, id models.ServiceID, b models.Backend) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.services[id]
	if e == nil {
		return kernel.NewError(kernel.OpEnsureBackend, kernel.NotFound, errNoService)
	}
	e.backends[b.ID] = models.Backend{
		ID:      b.ID,
		Weight:  b.EffectiveWeight(),
		Forward: b.Forward,
	}
	return nil
}

func (t *Table) RemoveBackend(_ context.Context, id models.ServiceID, backend models.BackendID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.services[id]; e != nil {
		delete(e.backends, backend)
	}
	return nil
}

func (t *Table) ListActual(_ context.Context) (models.ActualState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	actual := make(models.ActualState, len(t.services))
	for id, e := range t.services {
		actual[id] = models.ActualService{
			Service:  e.service,
			Backends: maps.Clone(e.backends),
		}
	}
	return actual, nil
}
