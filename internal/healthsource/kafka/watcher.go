package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/healthsource"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

const fetchErrorDelay = time.Second

var errSkip = errors.New("event carries no status")

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Registry tells whether a backend is currently registered.
type Registry interface {
	IsRegistered(ref models.BackendRef) bool
}

// StatusWatcher consumes status changes of the target_statuses table.
type StatusWatcher struct {
	msgReader Reader
	registry  Registry
	reporter  health.Reporter

	metrics metrics.Metrics
	logger  zerolog.Logger
}

func NewReader(nodeID string, brokers []string, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxBytes:    10 * 1024 * 1024,
		GroupID:     nodeID,
		StartOffset: kafka.LastOffset,
	})
}

func NewStatusWatcher(reader Reader, registry Registry, reporter health.Reporter, m metrics.Metrics) *StatusWatcher {
	return &StatusWatcher{
		msgReader: reader,
		registry:  registry,
		reporter:  reporter,
		metrics:   m,
		logger:    log.With().Str("component", "kafka-health-source").Logger(),
	}
}

func (w *StatusWatcher) Run(ctx context.Context) error {
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.metrics.Increment(metrics.SourceErrors)
			w.logger.Error().Err(err).Msg("failed to fetch message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchErrorDelay):
			}
			continue
		}
		w.handle(msg)
		err = w.msgReader.CommitMessages(ctx, msg)
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("failed to commit message: it will doubled")
		}
	}
}

func (w *StatusWatcher) handle(msg kafka.Message) {
	ref, status, err := decodeStatus(msg.Value)
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		w.metrics.Increment(metrics.SourceErrors)
		w.logger.Error().Err(err).Msgf("failed to decode message at offset %d", msg.Offset)
		return
	}
	if !w.registry.IsRegistered(ref) {
		w.logger.Debug().Msgf("status of unknown backend %s skipped", ref)
		return
	}
	w.metrics.Increment(metrics.SourceReports)
	w.reporter.Report(ref, status)
}

func (w *StatusWatcher) Close() error {
	return w.msgReader.Close()
}

func decodeStatus(raw []byte) (models.BackendRef, models.CheckStatus, error) {
	if len(raw) == 0 {
		// tombstone after a delete
		return models.BackendRef{}, 0, errSkip
	}
	gomsg := Value[StatusDto]{}
	err := json.Unmarshal(raw, &gomsg)
	if err != nil {
		return models.BackendRef{}, 0, fmt.Errorf("failed to decode message from json: %w", err)
	}
	switch gomsg.Op {
	case opCreate, opRead, opUpdate:
	case opDelete:
		return models.BackendRef{}, 0, errSkip
	default:
		return models.BackendRef{}, 0, fmt.Errorf("unknown cdc operation %q", gomsg.Op)
	}
	if gomsg.After == nil {
		return models.BackendRef{}, 0, fmt.Errorf("cdc %q event without row", gomsg.Op)
	}
	row := gomsg.After
	addr, err := netip.ParseAddr(row.RealIP)
	if err != nil {
		return models.BackendRef{}, 0, fmt.Errorf("bad real_ip %q: %w", row.RealIP, err)
	}
	if row.Port <= 0 || row.Port > 0xffff {
		return models.BackendRef{}, 0, fmt.Errorf("bad port %d", row.Port)
	}
	ref := models.BackendRef{
		Service: row.TargetGroup,
		Addr:    netip.AddrPortFrom(addr.Unmap(), uint16(row.Port)),
	}
	return ref, healthsource.Status(row.Status), nil
}
