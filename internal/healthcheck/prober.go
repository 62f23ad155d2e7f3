package healthcheck

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/healthcheck/strategies"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

const emptyLoopInterval = time.Second

// TargetSource lists backends that may need probing. The list is partial
// until Synced reports true.
type TargetSource interface {
	Registered() []desired.RegisteredBackend
	Synced() bool
}

// Ownership decides which node probes a backend.
type Ownership interface {
	Owns(ref models.BackendRef) bool
}

// Retainer forgets health state of backends that are gone.
type Retainer interface {
	Retain(refs []models.BackendRef)
}

type Settings struct {
	Workers      uint16
	SyncInterval time.Duration
	// DefaultCheck applies to backends without their own check,
	// an empty strategy leaves them unprobed.
	DefaultCheck models.CheckSpec
}

// Prober runs active checks against registered backends and reports raw
// results.
type Prober struct {
	source   TargetSource
	reporter health.Reporter
	owner    Ownership
	retainer Retainer
	settings Settings

	mu      sync.Mutex
	targets *invokeHeap
	wake    chan struct{}

	metrics     metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	newStrategy func(models.CheckSpec, netip.AddrPort) (strategies.Strategy, error)
}

func NewProber(source TargetSource, reporter health.Reporter, settings Settings, m metrics.Metrics) *Prober {
	if settings.SyncInterval <= 0 {
		settings.SyncInterval = 5 * time.Second
	}
	return &Prober{
		source:   source,
		reporter: reporter,
		settings: settings,
		targets:  newInvokeHeap(),
		wake:     make(chan struct{}, 1),
		metrics:  m,
		logger:   log.With().Str("component", "prober").Logger(),
		now:      time.Now,

		newStrategy: strategies.NewStrategy,
	}
}

// WithOwnership limits probing to backends owned by this node.
func (p *Prober) WithOwnership(owner Ownership) *Prober {
	p.owner = owner
	return p
}

// WithRetainer prunes health state on every target sync.
func (p *Prober) WithRetainer(retainer Retainer) *Prober {
	p.retainer = retainer
	return p
}

func (p *Prober) Run(ctx context.Context) error {
	exec := newExecutor(p.reporter, p.settings.Workers, p.metrics, p.logger)
	exec.run(ctx)
	defer exec.shutdown()

	syncTicker := time.NewTicker(p.settings.SyncInterval)
	defer syncTicker.Stop()

	p.Sync()
	for {
		timer := time.NewTimer(p.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-syncTicker.C:
			p.Sync()
		case <-p.wake:
		case <-timer.C:
			for _, t := range p.due() {
				if err := exec.submit(ctx, t); err != nil {
					timer.Stop()
					return nil
				}
			}
		}
		timer.Stop()
	}
}

// Sync reconciles probe targets with registered backends.
func (p *Prober) Sync() {
	synced := p.source.Synced()
	registered := p.source.Registered()

	all := make([]models.BackendRef, 0, len(registered))
	want := make(map[models.BackendRef]models.CheckSpec, len(registered))
	for _, rb := range registered {
		all = append(all, rb.Ref)
		if p.owner != nil && !p.owner.Owns(rb.Ref) {
			continue
		}
		spec, ok := p.checkFor(rb.Backend)
		if !ok {
			continue
		}
		want[rb.Ref] = spec
	}
	if p.retainer != nil && synced {
		p.retainer.Retain(all)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	for _, ref := range p.targets.refs() {
		t, _ := p.targets.get(ref)
		if spec, ok := want[ref]; ok && spec == t.spec {
			continue
		}
		p.targets.remove(ref)
		changed = true
	}
	now := p.now()
	for ref, spec := range want {
		if _, ok := p.targets.get(ref); ok {
			continue
		}
		strategy, err := p.newStrategy(spec, ref.Addr)
		if err != nil {
			p.logger.Error().Err(err).Msgf("failed to build check for %s", ref)
			continue
		}
		p.targets.push(&target{
			ref:        ref,
			spec:       spec,
			strategy:   strategy,
			nextInvoke: addIntervalWithJitter(now, spec.Interval),
		})
		changed = true
	}
	if changed {
		p.logger.Debug().Msgf("probing %d targets", p.targets.len())
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Targets returns the backends currently probed by this node.
func (p *Prober) Targets() []models.BackendRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets.refs()
}

func (p *Prober) checkFor(b models.Backend) (models.CheckSpec, bool) {
	spec := p.settings.DefaultCheck
	if b.Check != nil {
		spec = *b.Check
	}
	if spec.Strategy == "" {
		return models.CheckSpec{}, false
	}
	if spec.Interval <= 0 {
		spec.Interval = p.settings.DefaultCheck.Interval
	}
	if spec.Interval <= 0 {
		spec.Interval = emptyLoopInterval
	}
	if spec.Timeout <= 0 || spec.Timeout > spec.Interval {
		spec.Timeout = min(spec.Interval, time.Second)
	}
	return spec, true
}

func (p *Prober) untilNext() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.targets.top()
	if next == nil {
		return emptyLoopInterval
	}
	return max(next.nextInvoke.Sub(p.now()), 0)
}

func (p *Prober) due() []task {
	p.mu.Lock()
	defer p.mu.Unlock()

	targets := p.targets.popDue(p.now())
	tasks := make([]task, 0, len(targets))
	for _, t := range targets {
		tasks = append(tasks, task{ref: t.ref, strategy: t.strategy, timeout: t.spec.Timeout})
	}
	return tasks
}
