package postgres

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/healthsource"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/models"
)

const (
	statusesTable = "target_statuses"
)

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type TargetStatus struct {
	Ref     models.BackendRef
	Passing bool
}

// Source polls check results written by the health-check nodes.
type Source struct {
	db       Querier
	close    func()
	targets  healthsource.TargetSource
	reporter health.Reporter
	interval time.Duration

	metrics metrics.Metrics
	logger  zerolog.Logger
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return pool, nil
}

func NewSource(
	db Querier,
	targets healthsource.TargetSource,
	reporter health.Reporter,
	interval time.Duration,
	m metrics.Metrics,
) *Source {
	s := &Source{
		db:       db,
		close:    func() {},
		targets:  targets,
		reporter: reporter,
		interval: interval,
		metrics:  m,
		logger:   log.With().Str("component", "postgres-health-source").Logger(),
	}
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.close = pool.Close
	}
	return s
}

func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		_, err := s.Poll(ctx)
		if err != nil {
			s.metrics.Increment(metrics.SourceErrors)
			s.logger.Error().Err(err).Msg("failed to poll target statuses")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll reports the stored status of every registered backend and returns
// the number of reports.
func (s *Source) Poll(ctx context.Context) (int, error) {
	registered, services := healthsource.Registered(s.targets)
	if len(services) == 0 {
		return 0, nil
	}
	statuses, err := s.GetTargetStatuses(ctx, services)
	if err != nil {
		return 0, err
	}
	reported := 0
	for _, status := range statuses {
		if _, ok := registered[status.Ref]; !ok {
			continue
		}
		s.reporter.Report(status.Ref, healthsource.Status(status.Passing))
		reported++
	}
	s.metrics.Gauge(metrics.SourceReports, reported)
	return reported, nil
}

func (s *Source) GetTargetStatuses(ctx context.Context, services []string) ([]TargetStatus, error) {
	sql, args, err := statusesQuery(services)
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]TargetStatus, 0, 100)
	for rows.Next() {
		var (
			strIP   string
			port    int32
			status  TargetStatus
			service string
		)
		err = rows.Scan(&strIP, &port, &service, &status.Passing)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target value: %w", err)
		}
		addr, err := netip.ParseAddr(strIP)
		if err != nil || port <= 0 || port > 0xffff {
			s.logger.Warn().Msgf("skip target status with bad address %s:%d", strIP, port)
			continue
		}
		status.Ref = models.BackendRef{
			Service: service,
			Addr:    netip.AddrPortFrom(addr.Unmap(), uint16(port)),
		}
		result = append(result, status)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read target statuses: %w", err)
	}
	return result, nil
}

func (s *Source) Close() {
	s.close()
}

func statusesQuery(services []string) (string, []any, error) {
	return squirrel.Select(
		"real_ip",
		"port",
		"target_group",
		"status",
	).From(statusesTable).
		Where(squirrel.Eq{"target_group": services}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}
