package health

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

// LivenessSink receives liveness transitions.
type LivenessSink interface {
	SetLiveness(ref models.BackendRef, liveness models.Liveness)
}

// Thresholds are counts of consecutive samples required for a transition.
type Thresholds struct {
	SuspectAfter int
	DeadAfter    int
	RiseAfter    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SuspectAfter: 1,
		DeadAfter:    3,
		RiseAfter:    1,
	}
}

func (t Thresholds) Validate() error {
	if t.SuspectAfter < 1 || t.DeadAfter < 1 || t.RiseAfter < 1 {
		return errors.New("health thresholds must be positive")
	}
	if t.SuspectAfter > t.DeadAfter {
		return errors.New("suspect threshold must not exceed dead threshold")
	}
	return nil
}

type tracker struct {
	liveness  models.Liveness
	failures  int
	successes int
}

// Aggregator dampens raw check results into liveness transitions.
type Aggregator struct {
	mu         sync.Mutex
	thresholds Thresholds
	trackers   map[models.BackendRef]*tracker

	sink    LivenessSink
	metrics metrics.Metrics
	logger  zerolog.Logger
}

func NewAggregator(sink LivenessSink, thresholds Thresholds, m metrics.Metrics) *Aggregator {
	return &Aggregator{
		thresholds: thresholds,
		trackers:   make(map[models.BackendRef]*tracker),
		sink:       sink,
		metrics:    m,
		logger:     log.With().Str("component", "health").Logger(),
	}
}

// Report feeds one check result. Unknown backends start as live.
func (a *Aggregator) Report(ref models.BackendRef, status models.CheckStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.trackers[ref]
	if !ok {
		t = &tracker{liveness: models.Live}
		a.trackers[ref] = t
	}

	prev := t.liveness
	switch status {
	case models.Passing:
		t.failures = 0
		t.successes++
		if t.liveness != models.Live && t.successes >= a.thresholds.RiseAfter {
			t.liveness = models.Live
		}
	case models.Failing:
		t.successes = 0
		t.failures++
		switch {
		case t.failures >= a.thresholds.DeadAfter:
			t.liveness = models.Dead
		case t.failures >= a.thresholds.SuspectAfter && t.liveness == models.Live:
			t.liveness = models.Suspect
		}
	default:
		a.logger.Warn().Msgf("unknown check status %d for %s", status, ref)
		return
	}
	if prev == t.liveness {
		return
	}

	a.logger.Info().Msgf("backend %s is %s now, was %s", ref, t.liveness, prev)
	a.metrics.Increment(metrics.HealthTransitions)
	a.metrics.Gauge(metrics.HealthDeadBackends, a.deadLocked())
	a.sink.SetLiveness(ref, t.liveness)
}

func (a *Aggregator) Liveness(ref models.BackendRef) models.Liveness {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.trackers[ref]; ok {
		return t.liveness
	}
	return models.Live
}

// Retain forgets every backend not listed in refs. A forgotten backend that
// was not live is reported live to the sink, matching the fresh tracker it
// gets on its next result.
func (a *Aggregator) Retain(refs []models.BackendRef) {
	keep := make(map[models.BackendRef]struct{}, len(refs))
	for _, ref := range refs {
		keep[ref] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for ref := range a.trackers {
		if _, ok := keep[ref]; ok {
			continue
		}
		t := a.trackers[ref]
		delete(a.trackers, ref)
		if t.liveness != models.Live {
			a.logger.Info().Msgf("backend %s is forgotten, was %s", ref, t.liveness)
			a.sink.SetLiveness(ref, models.Live)
		}
	}
	a.metrics.Gauge(metrics.HealthDeadBackends, a.deadLocked())
}

func (a *Aggregator) deadLocked() int {
	dead := 0
	for _, t := range a.trackers {
		if t.liveness == models.Dead {
			dead++
		}
	}
	return dead
}
