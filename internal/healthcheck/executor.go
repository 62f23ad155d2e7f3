package healthcheck

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/healthcheck/strategies"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

var errExecutorClosed = errors.New("executor already closed")

type task struct {
	ref      models.BackendRef
	strategy strategies.Strategy
	timeout  time.Duration
}

type executor struct {
	concurrency uint16
	inputChan   chan task

	reporter health.Reporter
	metrics  metrics.Metrics
	logger   zerolog.Logger

	// closed by atomic
	closed     int64
	inProgress int64
	close      chan struct{}
	wg         sync.WaitGroup
}

func newExecutor(reporter health.Reporter, concurrency uint16, m metrics.Metrics, logger zerolog.Logger) *executor {
	if concurrency == 0 {
		concurrency = 1
	}
	return &executor{
		inputChan:   make(chan task, concurrency),
		close:       make(chan struct{}),
		concurrency: concurrency,
		reporter:    reporter,
		metrics:     m,
		logger:      logger,
	}
}

func (e *executor) run(ctx context.Context) {
	for i := range e.concurrency {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for t := range e.inputChan {
				e.logger.Debug().Msgf("executor [%d] received task: %s", i, t.ref)
				e.execute(ctx, t)
			}
		}()
	}
}

func (e *executor) execute(ctx context.Context, t task) {
	checkCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ok, err := t.strategy.DoHealthCheck(checkCtx)
	if ctx.Err() != nil {
		// shutdown, the result says nothing about the backend
		return
	}
	e.metrics.Increment(metrics.ProbeExecuted)
	status := models.Passing
	if !ok {
		status = models.Failing
		e.logger.Debug().Err(err).Msgf("check of %s failed", t.ref)
	}
	e.reporter.Report(t.ref, status)
}

func (e *executor) submit(ctx context.Context, t task) error {
	if atomic.LoadInt64(&e.closed) == 1 {
		return errExecutorClosed
	}
	atomic.AddInt64(&e.inProgress, 1)
	defer atomic.AddInt64(&e.inProgress, -1)

	select {
	case e.inputChan <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.close:
		return errExecutorClosed
	}
}

// shutdown stops accepting tasks and waits for running checks.
func (e *executor) shutdown() {
	if !atomic.CompareAndSwapInt64(&e.closed, 0, 1) {
		return
	}
	close(e.close)
	for atomic.LoadInt64(&e.inProgress) != 0 {
		runtime.Gosched()
	}
	close(e.inputChan)
	e.wg.Wait()
}
