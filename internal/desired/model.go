package desired

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

// RegisteredBackend is a backend of a registered service regardless of its liveness.
type RegisteredBackend struct {
	Ref     models.BackendRef
	Service models.VirtualService
	Backend models.Backend
}

// Model folds registry events and liveness transitions into desired state.
// All methods are safe for concurrent use.
type Model struct {
	mu sync.Mutex

	services map[string]models.VirtualService
	// keyed by service name, may hold backends of a service not seen yet
	backends map[string]map[models.BackendID]models.Backend
	// only non live entries are stored
	liveness map[models.BackendRef]models.Liveness

	version  uint64
	revision int64
	valid    bool
	cached   *models.DesiredState

	changes chan struct{}
	metrics metrics.Metrics
	logger  zerolog.Logger
}

func NewModel(m metrics.Metrics) *Model {
	return &Model{
		services: make(map[string]models.VirtualService),
		backends: make(map[string]map[models.BackendID]models.Backend),
		liveness: make(map[models.BackendRef]models.Liveness),
		changes:  make(chan struct{}, 1),
		metrics:  m,
		logger:   log.With().Str("component", "desired").Logger(),
	}
}

// Changes fires at least once after any number of model changes.
func (m *Model) Changes() <-chan struct{} {
	return m.changes
}

// Synced reports whether the model holds a complete registry replay.
func (m *Model) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

func (m *Model) Apply(event models.RegistryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case models.RegistryResync:
		m.logger.Info().Msgf("resync started at revision %d", event.Revision)
		clear(m.services)
		clear(m.backends)
		m.valid = false
		m.revision = event.Revision
	case models.RegistrySynced:
		m.valid = true
		m.prune()
		m.logger.Info().Msgf(
			"resync finished at revision %d: %d services",
			event.Revision, len(m.services),
		)
	case models.RegistryPut:
		m.put(event)
	case models.RegistryDelete:
		m.delete(event.Key)
	default:
		m.logger.Error().Msgf("unknown registry event %s", event)
		return
	}
	if event.Type != models.RegistryResync {
		m.revision = max(m.revision, event.Revision)
	}
	m.changed()
}

func (m *Model) put(event models.RegistryEvent) {
	switch event.Key.Kind {
	case models.ServiceRecord:
		if event.Service == nil {
			m.violation("service put without payload: %s", event)
			return
		}
		m.services[event.Key.Service] = *event.Service
	case models.BackendRecord:
		if event.Backend == nil {
			m.violation("backend put without payload: %s", event)
			return
		}
		backends, ok := m.backends[event.Key.Service]
		if !ok {
			backends = make(map[models.BackendID]models.Backend)
			m.backends[event.Key.Service] = backends
		}
		backends[event.Backend.ID] = *event.Backend
	}
}

func (m *Model) delete(key models.RecordKey) {
	switch key.Kind {
	case models.ServiceRecord:
		delete(m.services, key.Service)
		for id := range m.backends[key.Service] {
			delete(m.liveness, models.BackendRef{Service: key.Service, Addr: id.AddrPort()})
		}
		delete(m.backends, key.Service)
	case models.BackendRecord:
		backends := m.backends[key.Service]
		delete(backends, models.BackendID{Addr: key.Backend.Addr(), Port: key.Backend.Port()})
		if len(backends) == 0 {
			delete(m.backends, key.Service)
		}
		delete(m.liveness, key.Ref())
	}
}

// prune drops liveness of unknown backends. Backends without a service stay
// registered but hidden until the service shows up or they are deleted.
func (m *Model) prune() {
	for name, backends := range m.backends {
		if _, ok := m.services[name]; ok {
			continue
		}
		m.violation("%d backends of unknown service %s are hidden", len(backends), name)
	}
	for ref := range m.liveness {
		backends := m.backends[ref.Service]
		if _, ok := backends[models.BackendID{Addr: ref.Addr.Addr(), Port: ref.Addr.Port()}]; !ok {
			delete(m.liveness, ref)
		}
	}
}

// SetLiveness records a health transition for a backend. The state is kept
// even when the backend is not registered yet.
func (m *Model) SetLiveness(ref models.BackendRef, liveness models.Liveness) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.liveness[ref]
	if !ok {
		current = models.Live
	}
	if current == liveness {
		return
	}
	if liveness == models.Live {
		delete(m.liveness, ref)
	} else {
		m.liveness[ref] = liveness
	}
	m.changed()
}

// Snapshot returns the current desired state, or false while a resync is
// pending. The returned maps are shared between callers and must not be modified.
func (m *Model) Snapshot() (models.DesiredState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.valid {
		return models.DesiredState{}, false
	}
	if m.cached == nil {
		state := m.build()
		m.cached = &state
	}
	return *m.cached, true
}

func (m *Model) build() models.DesiredState {
	state := models.DesiredState{
		Version:  m.version,
		Revision: m.revision,
		Services: make(map[models.ServiceID]models.DesiredService, len(m.services)),
	}
	owners := make(map[models.ServiceID]string, len(m.services))
	backendsCount := 0

	for _, name := range m.serviceNames() {
		svc := m.services[name]
		if owner, ok := owners[svc.ID]; ok {
			m.violation("service %s conflicts with %s on %s, ignored", name, owner, svc.ID)
			continue
		}
		owners[svc.ID] = name

		desired := models.DesiredService{
			Service:  svc,
			Backends: make(map[models.BackendID]models.Backend, len(m.backends[name])),
		}
		for id, b := range m.backends[name] {
			liveness, ok := m.liveness[models.BackendRef{Service: name, Addr: id.AddrPort()}]
			if !ok {
				liveness = models.Live
			}
			if liveness == models.Dead {
				continue
			}
			b.Liveness = liveness
			desired.Backends[id] = b
		}
		backendsCount += len(desired.Backends)
		state.Services[svc.ID] = desired
	}

	m.metrics.Gauge(metrics.DesiredServices, len(state.Services))
	m.metrics.Gauge(metrics.DesiredBackends, backendsCount)
	return state
}

// Registered lists backends of registered services including dead ones.
func (m *Model) Registered() []RegisteredBackend {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []RegisteredBackend
	for _, name := range m.serviceNames() {
		svc := m.services[name]
		for _, id := range models.SortedBackendIDs(m.backends[name]) {
			ref := models.BackendRef{Service: name, Addr: id.AddrPort()}
			b := m.backends[name][id]
			if liveness, ok := m.liveness[ref]; ok {
				b.Liveness = liveness
			}
			result = append(result, RegisteredBackend{Ref: ref, Service: svc, Backend: b})
		}
	}
	return result
}

// IsRegistered reports whether ref is a backend of a registered service.
func (m *Model) IsRegistered(ref models.BackendRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[ref.Service]; !ok {
		return false
	}
	_, ok := m.backends[ref.Service][models.BackendID{Addr: ref.Addr.Addr(), Port: ref.Addr.Port()}]
	return ok
}

func (m *Model) serviceNames() []string {
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Model) changed() {
	m.version++
	m.cached = nil
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *Model) violation(format string, args ...any) {
	m.metrics.Increment(metrics.InvariantViolations)
	m.logger.Error().Msgf(format, args...)
}
