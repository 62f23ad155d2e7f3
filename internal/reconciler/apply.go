package reconciler

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

type ApplyResult struct {
	Applied int
	Failed  int
	Skipped int
}

// applier executes an ordered operation list against the kernel table.
type applier struct {
	table      kernel.Table
	metrics    metrics.Metrics
	attempts   uint
	retryDelay time.Duration
}

func (a *applier) apply(ctx context.Context, logger zerolog.Logger, ops []Operation) ApplyResult {
	var (
		result = ApplyResult{}
		// services whose creation failed, their backend operations would hit a missing service
		notCreated = make(map[models.ServiceID]struct{})
		// stale services that still hold backends
		notDrained = make(map[models.ServiceID]struct{})
	)
	for _, op := range ops {
		id := op.Service.ID
		_, skipBackends := notCreated[id]
		_, skipDelete := notDrained[id]
		if (skipBackends && op.Kind != DeleteService) || (skipDelete && op.Kind == DeleteService) {
			result.Skipped++
			a.metrics.Increment(metrics.OperationSkipped)
			logger.Warn().Msgf("skip %s: previous operation on the service failed", op)
			continue
		}

		err := a.applyWithRetry(ctx, logger, op)
		if err == nil {
			result.Applied++
			a.metrics.Increment(metrics.OperationApplied)
			logger.Debug().Msgf("applied %s", op)
			continue
		}

		result.Failed++
		switch kernel.KindOf(err) {
		case kernel.Transient:
			a.metrics.Increment(metrics.OperationTransient)
			logger.Warn().Err(err).Msgf("failed to apply %s, left for the next pass", op)
		default:
			a.metrics.Increment(metrics.OperationPermanent)
			logger.Error().Err(err).Msgf("failed to apply %s, skipped", op)
		}
		switch op.Kind {
		case CreateService:
			notCreated[id] = struct{}{}
		case RemoveBackend:
			notDrained[id] = struct{}{}
		}
	}
	return result
}

func (a *applier) applyWithRetry(ctx context.Context, logger zerolog.Logger, op Operation) error {
	return retry.Do(
		func() error {
			return a.applyOne(ctx, op)
		},
		retry.Context(ctx),
		retry.Attempts(a.attempts),
		retry.Delay(a.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(kernel.IsRetriable),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug().Err(err).Msgf("retry %s, attempt %d", op, n+1)
		}),
	)
}

func (a *applier) applyOne(ctx context.Context, op Operation) error {
	switch op.Kind {
	case CreateService, UpdateService:
		return a.table.EnsureService(ctx, op.Service)
	case AddBackend, UpdateBackendWeight:
		return a.table.EnsureBackend(ctx, op.Service.ID, op.Backend)
	case RemoveBackend:
		return a.table.RemoveBackend(ctx, op.Service.ID, op.Backend.ID)
	case DeleteService:
		return a.table.RemoveService(ctx, op.Service.ID)
	}
	return kernel.NewError("apply "+op.Kind.String(), kernel.Permanent, errUnknownOperation)
}
