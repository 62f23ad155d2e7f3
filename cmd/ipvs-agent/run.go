package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/network-lb/internal/config"
	"github.com/Sh00ty/network-lb/internal/desired"
	"github.com/Sh00ty/network-lb/internal/gossip"
	"github.com/Sh00ty/network-lb/internal/health"
	"github.com/Sh00ty/network-lb/internal/healthcheck"
	"github.com/Sh00ty/network-lb/internal/healthsource/kafka"
	"github.com/Sh00ty/network-lb/internal/healthsource/postgres"
	"github.com/Sh00ty/network-lb/internal/models"
	"github.com/Sh00ty/network-lb/internal/probe"
	"github.com/Sh00ty/network-lb/internal/reconciler"
	"github.com/Sh00ty/network-lb/internal/vip"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the registry and reconcile the kernel table until stopped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runAgent(cmd.Context(), cfg)
	},
}

func runAgent(ctx context.Context, cfg config.Config) error {
	log.Warn().Msgf("running ipvs-agent node %s", cfg.NodeID)

	m, gatherer, closeMetrics := newMetrics(cfg)
	defer closeMetrics()

	client, err := connectRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	table, closeTable, err := openTable(cfg)
	if err != nil {
		return err
	}
	defer closeTable()

	thresholds := health.Thresholds{
		SuspectAfter: cfg.SuspectAfter,
		DeadAfter:    cfg.DeadAfter,
		RiseAfter:    cfg.RiseAfter,
	}
	if err = thresholds.Validate(); err != nil {
		return err
	}

	model := desired.NewModel(m)
	aggregator := health.NewAggregator(model, thresholds, m)

	opts := reconciler.DefaultOptions()
	opts.Interval = cfg.ReconcileInterval
	opts.MinInterval = cfg.ReconcileMinInterval
	opts.Burst = cfg.ReconcileBurst
	rec := reconciler.New(model, table, opts, m)
	if cfg.VIPInterface != "" && !cfg.KernelDryRun {
		binder, err := vip.New(cfg.VIPInterface, cfg.IPVSNetns, m)
		if err != nil {
			return fmt.Errorf("failed to open vip interface: %w", err)
		}
		defer binder.Close()
		rec.WithAddressBinder(binder)
	}

	g, gctx := errgroup.WithContext(ctx)

	reporters := health.Fanout{aggregator}
	var node *gossip.Node
	if cfg.GossipPort != 0 {
		node, err = gossip.New(gctx, gossip.Config{
			NodeName:            cfg.NodeID,
			Port:                cfg.GossipPort,
			GossipProbeInterval: cfg.GossipProbeInterval,
			GossipProbeTimeout:  cfg.GossipProbeTimeout,
			SeedNodes:           cfg.GossipSeeds,
		}, aggregator, m)
		if err != nil {
			return err
		}
		defer func() {
			_ = node.GracefulClose()
		}()
		if err = node.Join(gctx); err != nil {
			log.Error().Err(err).Msg("failed to join gossip cluster, probing alone until peers join")
		}
		reporters = append(reporters, node)
	}

	prober := healthcheck.NewProber(model, reporters, healthcheck.Settings{
		Workers:      cfg.ProbeWorkers,
		SyncInterval: cfg.ProbeSyncInterval,
		DefaultCheck: models.CheckSpec{
			Strategy: cfg.DefaultCheckStrategy,
			Interval: cfg.DefaultCheckInterval,
		},
	}, m).WithRetainer(aggregator)
	if node != nil {
		prober.WithOwnership(node)
	}

	if cfg.PostgresDSN != "" {
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to init postgres health source: %w", err)
		}
		source := postgres.NewSource(pool, model, aggregator, cfg.PostgresPollInterval, m)
		defer source.Close()
		g.Go(func() error { return source.Run(gctx) })
	}
	if len(cfg.KafkaBrokers) != 0 {
		watcher := kafka.NewStatusWatcher(
			kafka.NewReader(cfg.NodeID, cfg.KafkaBrokers, cfg.KafkaTopic),
			model, aggregator, m,
		)
		defer watcher.Close()
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		for event := range client.NewWatchSession(m).Events(gctx) {
			model.Apply(event)
		}
		return nil
	})
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return prober.Run(gctx) })

	checker := probe.NewChecker(model, rec)
	g.Go(func() error {
		return probe.Serve(gctx, cfg.ProbeServerAddr, probe.NewHandler(checker, gatherer))
	})
	if cfg.GrpcHealthAddr != "" {
		g.Go(func() error { return probe.ServeGRPC(gctx, cfg.GrpcHealthAddr, checker) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Warn().Msg("ipvs-agent stopped")
	return nil
}
