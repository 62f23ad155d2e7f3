package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sh00ty/network-lb/internal/config"
	"github.com/Sh00ty/network-lb/internal/kernel"
	"github.com/Sh00ty/network-lb/internal/kernel/ipvs"
	"github.com/Sh00ty/network-lb/internal/kernel/memtable"
	"github.com/Sh00ty/network-lb/internal/metrics"
	"github.com/Sh00ty/network-lb/internal/registry/etcd"
)

type flags struct {
	envFile           string
	logLevel          string
	registryEndpoints []string
	registryPrefix    string
	interval          time.Duration
	dryRun            bool
}

var cliFlags flags

var rootCmd = &cobra.Command{
	Use:          "ipvs-agent",
	Short:        "Keeps the kernel ipvs table in line with the service registry",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cliFlags.envFile, "env-file", ".env", "dotenv file read before the environment")
	pf.StringVar(&cliFlags.logLevel, "log-level", "", "error, warn, info or debug")
	pf.StringSliceVar(&cliFlags.registryEndpoints, "registry-endpoints", nil, "etcd endpoints")
	pf.StringVar(&cliFlags.registryPrefix, "registry-prefix", "", "registry key prefix")
	pf.DurationVar(&cliFlags.interval, "interval", 0, "reconcile interval")
	pf.BoolVar(&cliFlags.dryRun, "dry-run", false, "program an in-memory table instead of the kernel")

	rootCmd.AddCommand(runCmd, dumpCmd, diffCmd, registryCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ipvs-agent failed")
		os.Exit(1)
	}
}

// loadConfig reads env files and the environment, then applies flags
// given explicitly on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cliFlags.envFile)
	if err != nil {
		return config.Config{}, err
	}
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}
	if changed("log-level") {
		cfg.LoggerLevel = cliFlags.logLevel
	}
	if changed("registry-endpoints") {
		cfg.RegistryEndpoints = cliFlags.registryEndpoints
	}
	if changed("registry-prefix") {
		cfg.RegistryPrefix = cliFlags.registryPrefix
	}
	if changed("interval") {
		cfg.ReconcileInterval = cliFlags.interval
	}
	if changed("dry-run") {
		cfg.KernelDryRun = cliFlags.dryRun
	}
	if err = cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	log.Logger = log.Level(config.LoggerLevelFromString(cfg.LoggerLevel))
	return cfg, nil
}

func connectRegistry(ctx context.Context, cfg config.Config) (*etcd.Client, error) {
	client, err := etcd.NewClient(ctx, cfg.RegistryEndpoints, cfg.RegistryDialTimeout, cfg.RegistryPrefix)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	return client, nil
}

func openTable(cfg config.Config) (kernel.Table, func(), error) {
	if cfg.KernelDryRun {
		log.Warn().Msg("dry run: kernel table is kept in memory")
		return memtable.New(), func() {}, nil
	}
	table, err := ipvs.New(cfg.IPVSNetns)
	if err != nil {
		return nil, nil, fmt.Errorf("no access to kernel ipvs: %w", err)
	}
	return table, table.Close, nil
}

// newMetrics returns the configured sink, gatherer is set only for
// prometheus.
func newMetrics(cfg config.Config) (metrics.Metrics, prometheus.Gatherer, func()) {
	switch cfg.MetricsSink {
	case config.MetricsStatsd:
		sink := metrics.NewStatsd(cfg.NodeID, cfg.StatsdPrefix, cfg.StatsdAddr)
		return sink, nil, func() { _ = sink.Close() }
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return metrics.NewPrometheus(reg), reg, func() {}
	}
	return metrics.Nop{}, nil, func() {}
}
