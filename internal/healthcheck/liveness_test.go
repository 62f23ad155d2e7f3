package healthcheck

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

var (
	webID  = models.ServiceID{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80, Protocol: models.TCP}
	webRef = models.BackendRef{Service: "web", Addr: netip.MustParseAddrPort("192.168.0.1:8080")}
)

func webService() models.RegistryEvent {
	return models.RegistryEvent{
		Type:    models.RegistryPut,
		Key:     models.RecordKey{Kind: models.ServiceRecord, Service: "web"},
		Service: &models.VirtualService{ID: webID, Name: "web", Scheduler: models.RoundRobin},
	}
}

func webBackend() models.RegistryEvent {
	return models.RegistryEvent{
		Type: models.RegistryPut,
		Key:  models.RecordKey{Kind: models.BackendRecord, Service: "web", Backend: webRef.Addr},
		Backend: &models.Backend{
			ID:      models.BackendID{Addr: webRef.Addr.Addr(), Port: webRef.Addr.Port()},
			Weight:  1,
			Forward: models.ForwardMasq,
		},
	}
}

type livenessStack struct {
	model      *desired.Model
	aggregator *health.Aggregator
	checks     *Prober
}

func newLivenessStack() livenessStack {
	model := desired.NewModel(metrics.Nop{})
	aggregator := health.NewAggregator(model, health.DefaultThresholds(), metrics.Nop{})
	checks := NewProber(model, aggregator, Settings{}, metrics.Nop{}).WithRetainer(aggregator)
	return livenessStack{model: model, aggregator: aggregator, checks: checks}
}

func (s livenessStack) report(status models.CheckStatus, times int) {
	for i := 0; i < times; i++ {
		s.aggregator.Report(webRef, status)
	}
}

func (s livenessStack) webBackends(t *testing.T) map[models.BackendID]models.Backend {
	t.Helper()
	state, ok := s.model.Snapshot()
	require.True(t, ok)
	svc, ok := state.Services[webID]
	require.True(t, ok, "web is not desired")
	return svc.Backends
}

func TestDeadBackendRecoversAfterResync(t *testing.T) {
	s := newLivenessStack()
	s.model.Apply(models.RegistryEvent{Type: models.RegistryResync, Revision: 1})
	s.model.Apply(webService())
	s.model.Apply(webBackend())
	s.model.Apply(models.RegistryEvent{Type: models.RegistrySynced, Revision: 1})
	require.Len(t, s.webBackends(t), 1)

	s.report(models.Failing, 3)
	require.Empty(t, s.webBackends(t))

	// target sync lands inside the replay window
	s.model.Apply(models.RegistryEvent{Type: models.RegistryResync, Revision: 2})
	s.checks.Sync()
	s.model.Apply(webService())
	s.model.Apply(webBackend())
	s.model.Apply(models.RegistryEvent{Type: models.RegistrySynced, Revision: 2})
	s.checks.Sync()

	assert.Empty(t, s.webBackends(t), "dead state must survive the replay")
	assert.Equal(t, models.Dead, s.aggregator.Liveness(webRef))

	s.report(models.Passing, 5)
	assert.Len(t, s.webBackends(t), 1)
}

func TestBackendReportedBeforeRegistration(t *testing.T) {
	s := newLivenessStack()
	s.model.Apply(models.RegistryEvent{Type: models.RegistryResync, Revision: 1})
	s.model.Apply(webService())
	s.model.Apply(models.RegistryEvent{Type: models.RegistrySynced, Revision: 1})

	// a peer fails the backend before this node has seen it
	s.report(models.Failing, 3)
	s.checks.Sync()
	s.model.Apply(webBackend())

	s.report(models.Passing, 5)
	assert.Len(t, s.webBackends(t), 1)
	assert.Equal(t, models.Live, s.aggregator.Liveness(webRef))
}
