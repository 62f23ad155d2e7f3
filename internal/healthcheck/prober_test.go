package healthcheck

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/healthcheck/strategies"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

type fakeSource struct {
	mu        sync.Mutex
	backends  []desired.RegisteredBackend
	resyncing bool
}

func (s *fakeSource) set(backends ...desired.RegisteredBackend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = backends
}

func (s *fakeSource) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.resyncing
}

func (s *fakeSource) Registered() []desired.RegisteredBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.backends)
}

type report struct {
	ref    models.BackendRef
	status models.CheckStatus
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *recordingReporter) Report(ref models.BackendRef, status models.CheckStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{ref: ref, status: status})
}

func (r *recordingReporter) statuses(ref models.BackendRef) []models.CheckStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []models.CheckStatus
	for _, rep := range r.reports {
		if rep.ref == ref {
			result = append(result, rep.status)
		}
	}
	return result
}

type recordingRetainer struct {
	retained []models.BackendRef
}

func (r *recordingRetainer) Retain(refs []models.BackendRef) {
	r.retained = refs
}

type ownerFunc func(models.BackendRef) bool

func (f ownerFunc) Owns(ref models.BackendRef) bool {
	return f(ref)
}

type fakeStrategy struct {
	healthy atomic.Bool
}

func (s *fakeStrategy) DoHealthCheck(context.Context) (bool, error) {
	if s.healthy.Load() {
		return true, nil
	}
	return false, errors.New("connection refused")
}

func registered(service, addr string, check *models.CheckSpec) desired.RegisteredBackend {
	ap := netip.MustParseAddrPort(addr)
	return desired.RegisteredBackend{
		Ref: models.BackendRef{Service: service, Addr: ap},
		Backend: models.Backend{
			ID:     models.BackendID{Addr: ap.Addr(), Port: ap.Port()},
			Weight: 1,
			Check:  check,
		},
	}
}

func TestSyncTargets(t *testing.T) {
	source := &fakeSource{}
	retainer := &recordingRetainer{}
	skipped := registered("web", "10.0.0.3:80", nil)
	source.set(
		registered("web", "10.0.0.1:80", nil),
		registered("web", "10.0.0.2:80", &models.CheckSpec{Strategy: "http", Interval: time.Second}),
		skipped,
	)
	prober := NewProber(source, &recordingReporter{}, Settings{
		DefaultCheck: models.CheckSpec{Strategy: "tcp", Interval: 5 * time.Second},
	}, metrics.Nop{}).
		WithOwnership(ownerFunc(func(ref models.BackendRef) bool { return ref != skipped.Ref })).
		WithRetainer(retainer)

	prober.Sync()

	assert.ElementsMatch(t, []models.BackendRef{
		registered("web", "10.0.0.1:80", nil).Ref,
		registered("web", "10.0.0.2:80", nil).Ref,
	}, prober.Targets())
	assert.Len(t, retainer.retained, 3)

	source.set(registered("web", "10.0.0.2:80", &models.CheckSpec{Strategy: "http", Interval: time.Second}))
	prober.Sync()
	assert.Equal(t, []models.BackendRef{registered("web", "10.0.0.2:80", nil).Ref}, prober.Targets())
	assert.Len(t, retainer.retained, 1)
}

func TestSyncKeepsHealthStateWhileResyncing(t *testing.T) {
	source := &fakeSource{}
	retainer := &recordingRetainer{}
	source.set(registered("web", "10.0.0.1:80", nil))
	prober := NewProber(source, &recordingReporter{}, Settings{}, metrics.Nop{}).WithRetainer(retainer)

	prober.Sync()
	require.Len(t, retainer.retained, 1)

	source.mu.Lock()
	source.resyncing = true
	source.backends = nil
	source.mu.Unlock()
	prober.Sync()
	assert.Len(t, retainer.retained, 1)
}

func TestSyncWithoutDefaultLeavesBackendsUnprobed(t *testing.T) {
	source := &fakeSource{}
	source.set(
		registered("web", "10.0.0.1:80", nil),
		registered("web", "10.0.0.2:80", &models.CheckSpec{Strategy: "tcp"}),
	)
	prober := NewProber(source, &recordingReporter{}, Settings{}, metrics.Nop{})

	prober.Sync()

	assert.Equal(t, []models.BackendRef{registered("web", "10.0.0.2:80", nil).Ref}, prober.Targets())
}

func TestSyncRebuildsChangedCheck(t *testing.T) {
	source := &fakeSource{}
	source.set(registered("web", "10.0.0.1:80", &models.CheckSpec{Strategy: "tcp", Interval: time.Second}))
	prober := NewProber(source, &recordingReporter{}, Settings{}, metrics.Nop{})
	prober.Sync()

	ref := registered("web", "10.0.0.1:80", nil).Ref
	before, ok := prober.targets.get(ref)
	require.True(t, ok)

	source.set(registered("web", "10.0.0.1:80", &models.CheckSpec{Strategy: "http", Interval: time.Second}))
	prober.Sync()

	after, ok := prober.targets.get(ref)
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, "http", after.spec.Strategy)
}

func TestCheckForClampsTimeout(t *testing.T) {
	prober := NewProber(&fakeSource{}, &recordingReporter{}, Settings{
		DefaultCheck: models.CheckSpec{Strategy: "tcp", Interval: 500 * time.Millisecond},
	}, metrics.Nop{})

	spec, ok := prober.checkFor(models.Backend{})
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, spec.Interval)
	assert.Equal(t, 500*time.Millisecond, spec.Timeout)

	spec, ok = prober.checkFor(models.Backend{Check: &models.CheckSpec{
		Strategy: "http",
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
	}})
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, spec.Timeout)
}

func TestRunReportsResults(t *testing.T) {
	source := &fakeSource{}
	rb := registered("web", "10.0.0.1:80", &models.CheckSpec{Strategy: "tcp", Interval: 10 * time.Millisecond})
	source.set(rb)
	reporter := &recordingReporter{}

	strategy := &fakeStrategy{}
	prober := NewProber(source, reporter, Settings{Workers: 2, SyncInterval: time.Hour}, metrics.Nop{})
	prober.newStrategy = func(models.CheckSpec, netip.AddrPort) (strategies.Strategy, error) {
		return strategy, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- prober.Run(ctx) }()

	require.Eventually(t, func() bool {
		return slices.Contains(reporter.statuses(rb.Ref), models.Failing)
	}, 2*time.Second, 5*time.Millisecond)

	strategy.healthy.Store(true)
	require.Eventually(t, func() bool {
		return slices.Contains(reporter.statuses(rb.Ref), models.Passing)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop")
	}
}

func TestInvokeHeapPopDue(t *testing.T) {
	h := newInvokeHeap()
	now := time.Unix(1000, 0)
	for i, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 80)
		h.push(&target{
			ref:        models.BackendRef{Service: "web", Addr: addr},
			spec:       models.CheckSpec{Interval: 10 * time.Second},
			nextInvoke: now.Add(offset),
		})
	}

	due := h.popDue(now.Add(2 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, "10.0.0.2:80", due[0].ref.Addr.String())
	assert.Equal(t, "10.0.0.3:80", due[1].ref.Addr.String())
	assert.Equal(t, "10.0.0.1:80", h.top().ref.Addr.String())

	assert.True(t, h.remove(h.top().ref))
	assert.False(t, h.remove(models.BackendRef{Service: "web"}))
	assert.Equal(t, 2, h.len())
	assert.Equal(t, now.Add(12*time.Second), h.top().nextInvoke)
}
