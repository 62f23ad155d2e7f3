package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

var errUnknownOperation = errors.New("unknown operation")

type DesiredSource interface {
	Snapshot() (models.DesiredState, bool)
	Changes() <-chan struct{}
}

// AddressBinder makes the host accept traffic for virtual addresses.
type AddressBinder interface {
	Sync(ctx context.Context, addrs []netip.Addr) error
}

type Options struct {
	// Interval between passes when nothing changes
	Interval time.Duration
	// MinInterval and Burst bound how often passes run
	MinInterval time.Duration
	Burst       int

	RetryAttempts uint
	RetryDelay    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:      10 * time.Second,
		MinInterval:   200 * time.Millisecond,
		Burst:         2,
		RetryAttempts: 3,
		RetryDelay:    20 * time.Millisecond,
	}
}

type PassResult struct {
	ID       string
	Version  uint64
	Revision int64
	// Skipped is set when the model was resyncing
	Skipped    bool
	Operations int
	ApplyResult
	Duration time.Duration
	At       time.Time
}

type Reconciler struct {
	source  DesiredSource
	table   kernel.Table
	applier *applier
	binder  AddressBinder

	interval time.Duration
	limiter  *rate.Limiter
	trigger  chan struct{}

	afterErrorTokenUsage int
	afterOkTokenUsage    int
	wasError             bool

	lastPass atomic.Pointer[PassResult]
	metrics  metrics.Metrics
	logger   zerolog.Logger
}

func New(source DesiredSource, table kernel.Table, opts Options, m metrics.Metrics) *Reconciler {
	burst := max(opts.Burst, 1)
	return &Reconciler{
		source: source,
		table:  table,
		applier: &applier{
			table:      table,
			metrics:    m,
			attempts:   max(opts.RetryAttempts, 1),
			retryDelay: opts.RetryDelay,
		},
		interval:             opts.Interval,
		limiter:              rate.NewLimiter(rate.Every(opts.MinInterval), burst),
		trigger:              make(chan struct{}, 1),
		afterErrorTokenUsage: min(2, burst),
		afterOkTokenUsage:    1,
		metrics:              m,
		logger:               log.With().Str("component", "reconciler").Logger(),
	}
}

// WithAddressBinder syncs virtual addresses after every applied pass.
func (r *Reconciler) WithAddressBinder(binder AddressBinder) *Reconciler {
	r.binder = binder
	return r
}

// Trigger requests a pass, requests made during a pass coalesce into one.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// LastPass returns the last finished pass or nil.
func (r *Reconciler) LastPass() *PassResult {
	return r.lastPass.Load()
}

// Run reconciles until ctx is done. A pass in flight when ctx is canceled
// applies its whole operation list before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.source.Changes():
		case <-r.trigger:
		}

		tokens := r.afterOkTokenUsage
		if r.wasError {
			tokens = r.afterErrorTokenUsage
		}
		if err := r.limiter.WaitN(ctx, tokens); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("unexpected limiter error")
		}

		res, err := r.RunOnce(context.WithoutCancel(ctx))
		r.wasError = err != nil || res.Failed > 0
		if err != nil {
			r.logger.Error().Err(err).Msgf("pass %s failed", res.ID)
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (PassResult, error) {
	passID, err := uuid.GenerateUUID()
	if err != nil {
		return PassResult{}, fmt.Errorf("failed to generate pass id: %w", err)
	}
	var (
		start  = time.Now()
		result = PassResult{ID: passID, At: start}
		logger = r.logger.With().Str("pass", passID).Logger()
	)
	r.metrics.Increment(metrics.PassTotal)

	actual, err := r.table.ListActual(ctx)
	if err != nil {
		r.metrics.Increment(metrics.PassFailed)
		return result, fmt.Errorf("failed to list kernel table: %w", err)
	}
	desired, ok := r.source.Snapshot()
	if !ok {
		r.metrics.Increment(metrics.PassSkippedResync)
		logger.Info().Msg("registry resync in progress, pass skipped")
		result.Skipped = true
		return result, nil
	}
	result.Version = desired.Version
	result.Revision = desired.Revision

	ops := Diff(desired, actual)
	result.Operations = len(ops)
	if len(ops) > 0 {
		logger.Info().Msgf("applying %d operations for version %d", len(ops), desired.Version)
		result.ApplyResult = r.applier.apply(ctx, logger, ops)
	}

	if r.binder != nil {
		if err := r.binder.Sync(ctx, desired.VirtualAddrs()); err != nil {
			r.metrics.Increment(metrics.VIPSyncFailed)
			logger.Error().Err(err).Msg("failed to sync virtual addresses")
		}
	}

	result.Duration = time.Since(start)
	r.metrics.Duration(metrics.PassDuration, result.Duration)
	r.metrics.Gauge(metrics.PassOperations, len(ops))
	if len(ops) > 0 {
		logger.Info().Msgf(
			"pass finished in %d ms: applied %d, failed %d, skipped %d",
			result.Duration.Milliseconds(), result.Applied, result.Failed, result.ApplyResult.Skipped,
		)
	}
	r.lastPass.Store(&result)
	return result, nil
}

// Plan computes the pending operations without applying them.
func (r *Reconciler) Plan(ctx context.Context) ([]Operation, error) {
	actual, err := r.table.ListActual(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list kernel table: %w", err)
	}
	desired, ok := r.source.Snapshot()
	if !ok {
		return nil, errors.New("desired state is not synced")
	}
	return Diff(desired, actual), nil
}
