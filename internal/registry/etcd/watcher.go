package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

var (
	errCompacted   = errors.New("watch revision compacted")
	errWatchClosed = errors.New("watch channel closed")
)

// WatchSession turns the registry subtree into an ordered stream of events.
// It starts with a full replay, resumes after the last delivered revision on
// reconnect and falls back to a new replay when that revision is compacted.
type WatchSession struct {
	store   Store
	prefix  string
	metrics metrics.Metrics
	logger  zerolog.Logger

	retryDelay    time.Duration
	maxRetryDelay time.Duration

	// zero means the next connect starts with a full replay
	lastRevision int64
}

func NewWatchSession(store Store, prefix string, m metrics.Metrics) *WatchSession {
	return &WatchSession{
		store:         store,
		prefix:        prefix,
		metrics:       m,
		logger:        log.With().Str("component", "registry").Str("prefix", prefix).Logger(),
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// WithBackoff overrides reconnect delays.
func (s *WatchSession) WithBackoff(initial, maxDelay time.Duration) *WatchSession {
	s.retryDelay = initial
	s.maxRetryDelay = maxDelay
	return s
}

// Events starts the session. The channel is closed once ctx is done.
func (s *WatchSession) Events(ctx context.Context) <-chan models.RegistryEvent {
	out := make(chan models.RegistryEvent, eventsBufferSize)
	go func() {
		defer close(out)
		s.run(ctx, out)
	}()
	return out
}

func (s *WatchSession) run(ctx context.Context, out chan<- models.RegistryEvent) {
	for ctx.Err() == nil {
		if s.lastRevision == 0 {
			err := retry.Do(
				func() error {
					return s.resync(ctx, out)
				},
				retry.Context(ctx),
				retry.Attempts(0),
				retry.Delay(s.retryDelay),
				retry.MaxDelay(s.maxRetryDelay),
				retry.DelayType(retry.BackOffDelay),
				retry.LastErrorOnly(true),
				retry.OnRetry(func(n uint, err error) {
					s.metrics.Increment(metrics.RegistryReconnects)
					s.logger.Warn().Err(err).Msgf("registry replay attempt %d failed", n+1)
				}),
			)
			if err != nil {
				return
			}
		}

		err := s.watch(ctx, out)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errCompacted):
			s.logger.Warn().Msgf("revision %d is compacted, replaying registry", s.lastRevision)
			s.lastRevision = 0
			continue
		default:
			s.metrics.Increment(metrics.RegistryReconnects)
			s.logger.Warn().Err(err).Msgf("registry watch broken, resume from revision %d", s.lastRevision+1)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *WatchSession) resync(ctx context.Context, out chan<- models.RegistryEvent) error {
	var (
		started bool
		rev     int64
	)
	err := loadPages(ctx, s.store, s.prefix, func(revision int64, kvs []*mvccpb.KeyValue) error {
		if !started {
			started = true
			rev = revision
			s.metrics.Increment(metrics.RegistryResyncs)
			if err := send(ctx, out, models.RegistryEvent{Type: models.RegistryResync, Revision: rev}); err != nil {
				return err
			}
		}
		for _, kv := range kvs {
			event, err := decodeEvent(s.prefix, mvccpb.PUT, kv)
			if err != nil {
				s.skip(kv, err)
				continue
			}
			if err := send(ctx, out, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay registry: %w", err)
	}
	if err := send(ctx, out, models.RegistryEvent{Type: models.RegistrySynced, Revision: rev}); err != nil {
		return err
	}
	s.lastRevision = rev
	s.logger.Info().Msgf("registry replayed at revision %d", rev)
	return nil
}

func (s *WatchSession) watch(ctx context.Context, out chan<- models.RegistryEvent) error {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	watchChan := s.store.Watch(
		wctx,
		watchRoot(s.prefix),
		clientv3.WithPrefix(),
		clientv3.WithRev(s.lastRevision+1),
		clientv3.WithProgressNotify(),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-watchChan:
			if !ok {
				return errWatchClosed
			}
			if resp.CompactRevision != 0 {
				return errCompacted
			}
			if err := resp.Err(); err != nil {
				return fmt.Errorf("watch failure: %w", err)
			}
			if resp.IsProgressNotify() {
				s.lastRevision = max(s.lastRevision, resp.Header.Revision)
				continue
			}

			// events sharing a revision are delivered together before it is committed
			last := s.lastRevision
			for _, ev := range resp.Events {
				event, err := decodeEvent(s.prefix, ev.Type, ev.Kv)
				var malformed *MalformedError
				switch {
				case errors.As(err, &malformed):
					s.skip(ev.Kv, err)
					event = models.RegistryEvent{
						Type:     models.RegistryDelete,
						Key:      malformed.Key,
						Revision: ev.Kv.ModRevision,
					}
				case err != nil:
					s.skip(ev.Kv, err)
					continue
				}
				if err := send(ctx, out, event); err != nil {
					return err
				}
				s.metrics.Increment(metrics.RegistryEvents)
				last = max(last, ev.Kv.ModRevision)
			}
			s.lastRevision = last
		}
	}
}

func (s *WatchSession) skip(kv *mvccpb.KeyValue, err error) {
	if errors.Is(err, errForeignKey) {
		s.logger.Debug().Msgf("skip foreign key %s", kv.Key)
		return
	}
	s.metrics.Increment(metrics.RegistryMalformed)
	s.logger.Error().Err(err).Msgf("skip malformed record %s", kv.Key)
}

// loadPages reads the registry subtree page by page at one revision.
func loadPages(
	ctx context.Context,
	store Store,
	prefix string,
	handle func(revision int64, kvs []*mvccpb.KeyValue) error,
) error {
	var (
		root     = watchRoot(prefix)
		rangeEnd = clientv3.GetPrefixRangeEnd(root)
		key      = root
		rev      int64
	)
	for {
		opts := []clientv3.OpOption{
			clientv3.WithRange(rangeEnd),
			clientv3.WithLimit(loadPageSize),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		}
		if rev != 0 {
			opts = append(opts, clientv3.WithRev(rev))
		}
		resp, err := store.Get(ctx, key, opts...)
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", key, err)
		}
		if rev == 0 {
			rev = resp.Header.GetRevision()
		}
		if err := handle(rev, resp.Kvs); err != nil {
			return err
		}
		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		key = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}

func send(ctx context.Context, out chan<- models.RegistryEvent, event models.RegistryEvent) error {
	select {
	case out <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
